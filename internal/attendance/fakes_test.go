package attendance

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"qms/attendance-service/internal/config"
	"qms/attendance-service/internal/models"
	"qms/attendance-service/internal/store"
)

const testTopology = `
finalize_emojis = ["👍", "✔️"]

[activity]
verbose = 2

[vip]
caller = "Ana"
branch = "matriz"
room = "Consultório VIP"
room_short = "VIP"
post_call = "dirija-se ao 2º andar"

[aso]
branch = "filial"
emoji = "✍️"

[branches.matriz]
display_name = "Matriz"
rooms = ["r1@g.us", "r2@g.us"]

[branches.filial]
display_name = "Filial"
rooms = ["r3@g.us"]

[rooms."r1@g.us"]
name = "Sala 1"
short = "S1"
post_call = "aguarde"
emoji = "🔵"

[rooms."r2@g.us"]
name = "Sala 2"
short = "S2"

[rooms."r3@g.us"]
name = "Recepção"
short = "REC"
`

var testZone = time.FixedZone("BRT", -3*60*60)

func mustTopology() *config.Topology {
	topo, err := config.ParseTopology(testTopology)
	if err != nil {
		panic(err)
	}
	return topo
}

// memoryStore implements store.MessageLog and store.TicketLedger in memory.
type memoryStore struct {
	mu       sync.Mutex
	messages []models.RawMessage
	tickets  map[string]*models.Ticket

	failRegister error
	failGet      error
	failSign     error
	mutations    int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{tickets: make(map[string]*models.Ticket)}
}

func (s *memoryStore) InsertMessage(ctx context.Context, msg models.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.messages {
		if existing.MessageID == msg.MessageID {
			return false, nil
		}
	}
	s.messages = append(s.messages, msg)
	return true, nil
}

func (s *memoryStore) GetMessage(ctx context.Context, messageID string) (models.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return models.RawMessage{}, s.failGet
	}
	for _, msg := range s.messages {
		if msg.MessageID == messageID {
			return msg, nil
		}
	}
	return models.RawMessage{}, store.ErrMessageNotFound
}

func (s *memoryStore) ListRecentMessages(ctx context.Context, query store.RecentMessagesQuery) ([]models.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := query.Day
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	to := from.AddDate(0, 0, 1)

	var out []models.RawMessage
	for _, msg := range s.messages {
		if msg.ChatID != query.ChatID || msg.ReceivedAt.Before(from) || !msg.ReceivedAt.Before(to) {
			continue
		}
		if query.NormalizedText != "" && msg.NormalizedText != query.NormalizedText {
			continue
		}
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	limit := query.Limit
	if limit <= 0 || limit > store.RecentWindow {
		limit = store.RecentWindow
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) ListLatestMessages(ctx context.Context, limit int) ([]models.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]models.RawMessage(nil), s.messages...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) RegisterTicket(ctx context.Context, input store.RegisterTicketInput) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRegister != nil {
		return models.Ticket{}, false, s.failRegister
	}
	if existing, ok := s.tickets[input.MessageID]; ok {
		return *existing, false, nil
	}
	at := input.RegisteredAt
	ticket := &models.Ticket{
		MessageID:      input.MessageID,
		Patient:        input.Patient,
		Company:        input.Company,
		RoomID:         input.RoomID,
		Branch:         input.Branch,
		Date:           time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC),
		RegisteredTime: at.Format(timeOfDayLayout),
	}
	s.tickets[input.MessageID] = ticket
	s.mutations++
	return *ticket, true, nil
}

func (s *memoryStore) GetTicket(ctx context.Context, messageID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[messageID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return *ticket, nil
}

func (s *memoryStore) StartTicket(ctx context.Context, input store.StartTicketInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[input.MessageID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if !store.ValidTransition("start", ticket.Status()) {
		return models.Ticket{}, store.ErrInvalidTransition
	}
	start := input.StartedAt.Format(timeOfDayLayout)
	ticket.StartTime = &start
	ticket.Caller = strPtr(input.Caller)
	ticket.Wait = strPtr(input.Wait)
	ticket.EndTime = nil
	ticket.Duration = nil
	s.mutations++
	return *ticket, nil
}

func (s *memoryStore) FinalizeTicket(ctx context.Context, input store.FinalizeTicketInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[input.MessageID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if !store.ValidTransition("finalize", ticket.Status()) {
		return models.Ticket{}, store.ErrInvalidTransition
	}
	end := input.EndedAt.Format(timeOfDayLayout)
	ticket.EndTime = &end
	ticket.Duration = strPtr(input.Duration)
	s.mutations++
	return *ticket, nil
}

func (s *memoryStore) FindOpenTicket(ctx context.Context, roomID, excludeID string) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Ticket
	for _, ticket := range s.tickets {
		if ticket.RoomID != roomID || ticket.MessageID == excludeID || ticket.Status() != models.StatusStarted {
			continue
		}
		if best == nil || *ticket.StartTime > *best.StartTime {
			best = ticket
		}
	}
	if best == nil {
		return models.Ticket{}, false, nil
	}
	return *best, true, nil
}

func (s *memoryStore) ListActiveTickets(ctx context.Context) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := make(map[string]*models.Ticket)
	for _, ticket := range s.tickets {
		if ticket.Status() != models.StatusStarted {
			continue
		}
		if best, ok := latest[ticket.RoomID]; !ok || *ticket.StartTime > *best.StartTime {
			latest[ticket.RoomID] = ticket
		}
	}
	var out []models.Ticket
	for _, ticket := range latest {
		out = append(out, *ticket)
	}
	return out, nil
}

func (s *memoryStore) ListUnsignedTickets(ctx context.Context, patient, company string, limit int) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.SignedAt != nil {
			continue
		}
		if strings.EqualFold(ticket.Patient, patient) && strings.EqualFold(ticket.Company, company) {
			out = append(out, *ticket)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredTime > out[j].RegisteredTime })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) SignTickets(ctx context.Context, messageIDs []string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSign != nil {
		return 0, s.failSign
	}
	var count int64
	for _, id := range messageIDs {
		if ticket, ok := s.tickets[id]; ok && ticket.SignedAt == nil {
			signed := at
			ticket.SignedAt = &signed
			count++
		}
	}
	s.mutations++
	return count, nil
}

func (s *memoryStore) ticket(id string) models.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ticket, ok := s.tickets[id]; ok {
		return *ticket
	}
	return models.Ticket{}
}

func (s *memoryStore) mutationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutations
}

func strPtr(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

type recordingSetter struct {
	mu       sync.Mutex
	requests []ReactionRequest
	failures map[string]int
}

func (r *recordingSetter) SetReaction(ctx context.Context, req ReactionRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if r.failures[req.MessageID] > 0 {
		r.failures[req.MessageID]--
		return errors.New("transport unavailable")
	}
	return nil
}

func (r *recordingSetter) marks() []ReactionRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ReactionRequest
	for _, req := range r.requests {
		if req.Emoji != "" {
			out = append(out, req)
		}
	}
	return out
}

func (r *recordingSetter) clears() []ReactionRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ReactionRequest
	for _, req := range r.requests {
		if req.Emoji == "" {
			out = append(out, req)
		}
	}
	return out
}

func (r *recordingSetter) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = nil
}

type published struct {
	topic   string
	payload []byte
}

type recordingBus struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (b *recordingBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, published{topic: topic, payload: payload})
	return b.err
}

func (b *recordingBus) onTopic(topic string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, p := range b.sent {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}
