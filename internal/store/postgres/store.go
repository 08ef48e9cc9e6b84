package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qms/attendance-service/internal/models"
	"qms/attendance-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dateLayout      = "2006-01-02"
	timeOfDayLayout = "15:04:05"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) InsertMessage(ctx context.Context, msg models.RawMessage) (bool, error) {
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO messages (message_id, chat_id, branch, text, normalized_text, from_me, participant, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (message_id) DO NOTHING
	`, msg.MessageID, msg.ChatID, msg.Branch, msg.Text, msg.NormalizedText, msg.FromMe, nullIfEmpty(msg.Participant), receivedAt)
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", msg.MessageID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (models.RawMessage, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE message_id = $1
	`, messageID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.RawMessage{}, store.ErrMessageNotFound
		}
		return models.RawMessage{}, err
	}
	return msg, nil
}

func (s *Store) ListRecentMessages(ctx context.Context, query store.RecentMessagesQuery) ([]models.RawMessage, error) {
	from, to := dayBounds(query.Day)
	sqlText := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE chat_id = $1 AND received_at >= $2 AND received_at < $3
	`
	args := []interface{}{query.ChatID, from, to}
	if query.NormalizedText != "" {
		sqlText += " AND normalized_text = $4"
		args = append(args, query.NormalizedText)
	}
	sqlText += fmt.Sprintf(" ORDER BY received_at DESC LIMIT %d", normalizeLimit(query.Limit))

	rows, err := s.pool.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (s *Store) ListLatestMessages(ctx context.Context, limit int) ([]models.RawMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		ORDER BY received_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (s *Store) RegisterTicket(ctx context.Context, input store.RegisterTicketInput) (models.Ticket, bool, error) {
	registeredAt := input.RegisteredAt
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO attendances (message_id, patient, company, room_id, branch, registered_date, registered_time)
		VALUES ($1,$2,$3,$4,$5,$6::text::date,$7::text::time)
		ON CONFLICT (message_id) DO NOTHING
	`, input.MessageID, input.Patient, input.Company, input.RoomID, input.Branch,
		registeredAt.Format(dateLayout), registeredAt.Format(timeOfDayLayout))
	if err != nil {
		return models.Ticket{}, false, fmt.Errorf("register ticket %s: %w", input.MessageID, err)
	}
	ticket, err := s.GetTicket(ctx, input.MessageID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, tag.RowsAffected() == 1, nil
}

func (s *Store) GetTicket(ctx context.Context, messageID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM attendances
		WHERE message_id = $1
	`, messageID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) StartTicket(ctx context.Context, input store.StartTicketInput) (models.Ticket, error) {
	return s.transition(ctx, input.MessageID, "start", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE attendances
			SET start_time = $2::text::time, caller = $3, wait = $4, end_time = NULL, duration = NULL
			WHERE message_id = $1
		`, input.MessageID, input.StartedAt.Format(timeOfDayLayout), nullIfEmpty(input.Caller), nullIfEmpty(input.Wait))
		return err
	})
}

func (s *Store) FinalizeTicket(ctx context.Context, input store.FinalizeTicketInput) (models.Ticket, error) {
	return s.transition(ctx, input.MessageID, "finalize", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE attendances
			SET end_time = $2::text::time, duration = $3
			WHERE message_id = $1
		`, input.MessageID, input.EndedAt.Format(timeOfDayLayout), nullIfEmpty(input.Duration))
		return err
	})
}

// transition locks the ticket row, checks the action against its current
// status, applies update and returns the row as committed.
func (s *Store) transition(ctx context.Context, messageID, action string, update func(pgx.Tx) error) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	current, err := scanTicket(tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM attendances
		WHERE message_id = $1
		FOR UPDATE
	`, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	if !store.ValidTransition(action, current.Status()) {
		err = fmt.Errorf("%s ticket %s from %s: %w", action, messageID, current.Status(), store.ErrInvalidTransition)
		return models.Ticket{}, err
	}
	if err = update(tx); err != nil {
		return models.Ticket{}, err
	}

	updated, err := scanTicket(tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM attendances
		WHERE message_id = $1
	`, messageID))
	if err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return updated, nil
}

func (s *Store) FindOpenTicket(ctx context.Context, roomID, excludeID string) (models.Ticket, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM attendances
		WHERE room_id = $1 AND message_id <> $2 AND start_time IS NOT NULL AND end_time IS NULL
		ORDER BY registered_date DESC, start_time DESC
		LIMIT 1
	`, roomID, excludeID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) ListActiveTickets(ctx context.Context) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (room_id) `+ticketColumns+`
		FROM attendances
		WHERE start_time IS NOT NULL AND end_time IS NULL
		ORDER BY room_id, registered_date DESC, start_time DESC
	`)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

func (s *Store) ListUnsignedTickets(ctx context.Context, patient, company string, limit int) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM attendances
		WHERE lower(patient) = lower($1) AND lower(company) = lower($2) AND signed_at IS NULL
		ORDER BY registered_date DESC, registered_time DESC
		LIMIT $3
	`, patient, company, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

func (s *Store) SignTickets(ctx context.Context, messageIDs []string, at time.Time) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE attendances
		SET signed_at = $2
		WHERE message_id = ANY($1) AND signed_at IS NULL
	`, messageIDs, at)
	if err != nil {
		return 0, fmt.Errorf("sign tickets: %w", err)
	}
	return tag.RowsAffected(), nil
}

const messageColumns = `message_id, chat_id, branch, text, normalized_text, from_me, participant, received_at`

const ticketColumns = `message_id, patient, company, room_id, branch, registered_date::text, registered_time::text,
		start_time::text, end_time::text, wait, duration, caller, signed_at`

func scanMessage(row pgx.Row) (models.RawMessage, error) {
	var msg models.RawMessage
	var participant sql.NullString
	if err := row.Scan(&msg.MessageID, &msg.ChatID, &msg.Branch, &msg.Text, &msg.NormalizedText, &msg.FromMe, &participant, &msg.ReceivedAt); err != nil {
		return models.RawMessage{}, err
	}
	if participant.Valid {
		msg.Participant = participant.String
	}
	return msg, nil
}

func collectMessages(rows pgx.Rows) ([]models.RawMessage, error) {
	defer rows.Close()
	var messages []models.RawMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var date string
	var startNull, endNull, waitNull, durationNull, callerNull sql.NullString
	var signedNull sql.NullTime
	if err := row.Scan(&ticket.MessageID, &ticket.Patient, &ticket.Company, &ticket.RoomID, &ticket.Branch,
		&date, &ticket.RegisteredTime, &startNull, &endNull, &waitNull, &durationNull, &callerNull, &signedNull); err != nil {
		return models.Ticket{}, err
	}
	parsed, err := time.Parse(dateLayout, date)
	if err != nil {
		return models.Ticket{}, fmt.Errorf("ticket %s registered_date %q: %w", ticket.MessageID, date, err)
	}
	ticket.Date = parsed
	ticket.RegisteredTime = trimFraction(ticket.RegisteredTime)
	ticket.StartTime = timeOfDayPtr(startNull)
	ticket.EndTime = timeOfDayPtr(endNull)
	ticket.Wait = nullStringPtr(waitNull)
	ticket.Duration = nullStringPtr(durationNull)
	ticket.Caller = nullStringPtr(callerNull)
	ticket.SignedAt = nullTimePtr(signedNull)
	return ticket, nil
}

func collectTickets(rows pgx.Rows) ([]models.Ticket, error) {
	defer rows.Close()
	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

// dayBounds returns [start of day, start of next day) in day's location.
func dayBounds(day time.Time) (time.Time, time.Time) {
	if day.IsZero() {
		day = time.Now()
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return start, start.AddDate(0, 0, 1)
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > store.RecentWindow {
		return store.RecentWindow
	}
	return limit
}

// trimFraction drops fractional seconds postgres prints for TIME values
// written with sub-second precision.
func trimFraction(value string) string {
	if len(value) > len(timeOfDayLayout) {
		return value[:len(timeOfDayLayout)]
	}
	return value
}

func timeOfDayPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	trimmed := trimFraction(value.String)
	return &trimmed
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
