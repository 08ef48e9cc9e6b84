package attendance

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"time"

	"qms/attendance-service/internal/clock"
	"qms/attendance-service/internal/config"
	"qms/attendance-service/internal/models"
	"qms/attendance-service/internal/store"
	"qms/attendance-service/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	eventsProcessed = expvar.NewInt("events_processed_total")
	eventsIgnored   = expvar.NewInt("events_ignored_total")
	eventsFailed    = expvar.NewInt("events_failed_total")
	batchesSkipped  = expvar.NewInt("batches_skipped_total")
)

type Deps struct {
	Topology  *config.Topology
	Messages  store.MessageLog
	Ledger    store.TicketLedger
	Rooms     RoomStateStore
	Cache     RecentMessageCache
	Markers   *MarkerReconciler
	Publisher *Publisher
	Clock     clock.Clock
	Location  *time.Location
	Logger    *zap.Logger
}

// Coordinator runs the attendance pipeline for one item at a time. It is
// not safe for concurrent HandleBatch calls: room transitions assume a
// single sequential caller.
type Coordinator struct {
	topo       *config.Topology
	messages   store.MessageLog
	ledger     store.TicketLedger
	rooms      RoomStateStore
	cache      RecentMessageCache
	classifier *Classifier
	markers    *MarkerReconciler
	publisher  *Publisher
	signer     *Signer
	activity   *ActivityLog
	clock      clock.Clock
	loc        *time.Location
	logger     *zap.Logger
}

func NewCoordinator(deps Deps) *Coordinator {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	loc := deps.Location
	if loc == nil {
		loc = time.Local
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		topo:       deps.Topology,
		messages:   deps.Messages,
		ledger:     deps.Ledger,
		rooms:      deps.Rooms,
		cache:      deps.Cache,
		classifier: NewClassifier(deps.Topology, deps.Cache, deps.Messages),
		markers:    deps.Markers,
		publisher:  deps.Publisher,
		signer:     NewSigner(deps.Ledger, clk, logger.Named("aso")),
		activity:   NewActivityLog(deps.Topology, logger.Named("activity")),
		clock:      clk,
		loc:        loc,
		logger:     logger,
	}
}

type BatchResult struct {
	Processed int
	Ignored   int
	Failed    int
}

// HandleBatch processes items in delivery order. A failing item is logged
// and does not stop the batch.
func (c *Coordinator) HandleBatch(ctx context.Context, batch Batch) BatchResult {
	var result BatchResult
	if batch.Type != BatchTypeNotify {
		batchesSkipped.Add(1)
		c.logger.Debug("skip batch", zap.String("batch", batch.ID), zap.String("type", batch.Type))
		return result
	}
	for _, item := range batch.Items {
		if ctx.Err() != nil {
			break
		}
		kind, err := c.HandleItem(ctx, item)
		switch {
		case err != nil:
			result.Failed++
			eventsFailed.Add(1)
			c.logger.Error("event failed", zap.String("batch", batch.ID), zap.String("item", item.ID), zap.String("kind", kind.String()), zap.Error(err))
		case kind == KindIgnore:
			result.Ignored++
			eventsIgnored.Add(1)
		default:
			result.Processed++
			eventsProcessed.Add(1)
		}
	}
	return result
}

func (c *Coordinator) HandleItem(ctx context.Context, item Item) (kind Kind, err error) {
	ctx, span := telemetry.StartSpan(ctx, "attendance.item",
		attribute.String("item.id", item.ID),
		attribute.String("item.chat", item.ChatID),
	)
	defer func() {
		span.SetAttributes(attribute.String("item.kind", kind.String()))
		telemetry.End(span, err)
	}()

	now := c.now()
	event, err := c.classifier.Classify(ctx, item, now)
	if err != nil {
		return KindReaction, err
	}
	switch event.Kind {
	case KindText:
		return KindText, c.handleText(ctx, event.Text, now)
	case KindReaction:
		return KindReaction, c.handleReaction(ctx, event.Reaction, now)
	default:
		c.logger.Debug("ignored", zap.String("item", item.ID), zap.String("reason", event.Reason))
		return KindIgnore, nil
	}
}

func (c *Coordinator) handleText(ctx context.Context, ev TextEvent, now time.Time) error {
	inserted, err := c.messages.InsertMessage(ctx, models.RawMessage{
		MessageID:      ev.MessageID,
		ChatID:         ev.ChatID,
		Branch:         ev.Branch,
		Text:           ev.Text,
		NormalizedText: NormalizeText(ev.Text),
		FromMe:         ev.FromMe,
		Participant:    ev.Participant,
		ReceivedAt:     ev.ReceivedAt,
	})
	if err != nil {
		return err
	}
	c.cache.Put(ev.MessageID, CachedMessage{
		ChatID:      ev.ChatID,
		Text:        ev.Text,
		FromMe:      ev.FromMe,
		Participant: ev.Participant,
		ReceivedAt:  ev.ReceivedAt,
	})

	patient, company := ParseTicketText(ev.Text)
	_, created, err := c.ledger.RegisterTicket(ctx, store.RegisterTicketInput{
		MessageID:    ev.MessageID,
		Patient:      patient,
		Company:      company,
		RoomID:       ev.ChatID,
		Branch:       ev.Branch,
		RegisteredAt: now,
	})
	if err != nil {
		return fmt.Errorf("register ticket: %w", err)
	}
	if !inserted && !created {
		c.logger.Debug("duplicate message", zap.String("message", ev.MessageID))
		return nil
	}

	c.activity.Record(ev.ChatID, ev.Text, "")
	c.publisher.PublishMessage(ctx, ev.Branch, MessageEcho{Text: ev.Text, ChatID: ev.ChatID, Branch: ev.Branch})
	return nil
}

func (c *Coordinator) handleReaction(ctx context.Context, ev ReactionEvent, now time.Time) error {
	if c.topo.IsASO(ev.Branch, ev.Emoji) {
		_, err := c.signer.Sign(ctx, ev.Original.Text)
		return err
	}

	switch {
	case ev.Emoji == c.topo.StartEmoji:
		if err := c.start(ctx, ev, now); err != nil {
			return err
		}
	case c.topo.IsFinalize(ev.Emoji):
		if err := c.finalize(ctx, ev, now); err != nil {
			return err
		}
	}

	c.activity.Record(ev.ChatID, ev.Original.Text, ev.Emoji)
	c.publisher.PublishReaction(ctx, ev.Branch, ReactionEcho{
		Reaction:        ev.Emoji,
		OriginalMessage: ev.Original.Text,
		ReactedBy:       ev.ActorName,
		ChatID:          ev.ChatID,
	})
	if ev.Emoji == c.topo.StartEmoji {
		patient, _ := ParseTicketText(ev.Original.Text)
		c.publisher.PublishCall(ctx, ev.Branch, c.publisher.BuildCall(ev.Branch, ev.TargetChatID, ev.ActorName, patient, ev.TargetMessageID))
	}
	return nil
}

// start makes the target the room's only active ticket. A different ticket
// still open in the room is finalized first.
func (c *Coordinator) start(ctx context.Context, ev ReactionEvent, now time.Time) error {
	room := ev.TargetChatID

	previous, hasPrevious, err := c.previousActive(ctx, room, ev.TargetMessageID)
	if err != nil {
		return err
	}
	if hasPrevious {
		if err := c.autoFinalize(ctx, previous, now); err != nil {
			return err
		}
		// The ledger has closed previous; later steps may still fail.
		c.rooms.Release(room)
		c.markers.Clear(ctx, ev.Branch, previous.Text)
	}

	ticket, err := c.ensureTicket(ctx, ev)
	if err != nil {
		return err
	}
	wait, err := Elapsed(ticket.Date, ticket.RegisteredTime, now)
	if err != nil {
		return fmt.Errorf("ticket %s wait: %w", ticket.MessageID, err)
	}
	if _, err := c.ledger.StartTicket(ctx, store.StartTicketInput{
		MessageID: ticket.MessageID,
		StartedAt: now,
		Caller:    ev.ActorName,
		Wait:      FormatDuration(wait),
	}); err != nil {
		return fmt.Errorf("start ticket %s: %w", ticket.MessageID, err)
	}

	c.rooms.Activate(room, ActiveTicket{TicketID: ev.TargetMessageID, Text: ev.Original.Text})
	c.markers.Mark(ctx, ev.Branch, room, ev.Original.Text)
	return nil
}

// previousActive finds the ticket to supersede in room: the tracked one,
// or with nothing tracked, the ledger's latest open started ticket.
func (c *Coordinator) previousActive(ctx context.Context, room, ticketID string) (ActiveTicket, bool, error) {
	if current, ok := c.rooms.Active(room); ok {
		if current.TicketID == ticketID {
			return ActiveTicket{}, false, nil
		}
		return current, true, nil
	}
	open, found, err := c.ledger.FindOpenTicket(ctx, room, ticketID)
	if err != nil {
		return ActiveTicket{}, false, fmt.Errorf("find open ticket: %w", err)
	}
	if !found {
		return ActiveTicket{}, false, nil
	}
	text := open.Patient + " - " + open.Company
	if msg, err := c.messages.GetMessage(ctx, open.MessageID); err == nil {
		text = msg.Text
	}
	return ActiveTicket{TicketID: open.MessageID, Text: text}, true, nil
}

func (c *Coordinator) autoFinalize(ctx context.Context, previous ActiveTicket, now time.Time) error {
	ticket, err := c.ledger.GetTicket(ctx, previous.TicketID)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			c.logger.Warn("superseded ticket missing from ledger", zap.String("ticket", previous.TicketID))
			return nil
		}
		return fmt.Errorf("load superseded ticket: %w", err)
	}
	if ticket.Status() != models.StatusStarted {
		return nil
	}
	if err := c.persistFinalize(ctx, ticket, now); err != nil {
		return err
	}
	c.logger.Info("ticket auto-finalized", zap.String("ticket", ticket.MessageID), zap.String("room", ticket.RoomID))
	return nil
}

// ensureTicket loads the reaction target's ticket, registering it from the
// logged message when the ledger has no row for it.
func (c *Coordinator) ensureTicket(ctx context.Context, ev ReactionEvent) (models.Ticket, error) {
	ticket, err := c.ledger.GetTicket(ctx, ev.TargetMessageID)
	if err == nil {
		return ticket, nil
	}
	if !errors.Is(err, store.ErrTicketNotFound) {
		return models.Ticket{}, fmt.Errorf("load ticket: %w", err)
	}

	registeredAt := ev.Original.ReceivedAt
	if registeredAt.IsZero() {
		registeredAt = c.now()
	}
	room := ev.Original.ChatID
	if room == "" {
		room = ev.TargetChatID
	}
	patient, company := ParseTicketText(ev.Original.Text)
	ticket, _, err = c.ledger.RegisterTicket(ctx, store.RegisterTicketInput{
		MessageID:    ev.TargetMessageID,
		Patient:      patient,
		Company:      company,
		RoomID:       room,
		Branch:       ev.Branch,
		RegisteredAt: registeredAt.In(c.loc),
	})
	if err != nil {
		return models.Ticket{}, fmt.Errorf("register ticket: %w", err)
	}
	return ticket, nil
}

// finalize closes the target only when it is the room's tracked ticket.
func (c *Coordinator) finalize(ctx context.Context, ev ReactionEvent, now time.Time) error {
	room := ev.TargetChatID
	current, ok := c.rooms.Active(room)
	if !ok || current.TicketID != ev.TargetMessageID {
		c.logger.Debug("finalize for untracked ticket", zap.String("ticket", ev.TargetMessageID), zap.String("room", room))
		return nil
	}

	ticket, err := c.ledger.GetTicket(ctx, ev.TargetMessageID)
	if err != nil {
		return fmt.Errorf("load ticket: %w", err)
	}
	if err := c.persistFinalize(ctx, ticket, now); err != nil {
		return err
	}
	c.markers.Clear(ctx, ev.Branch, current.Text)
	c.rooms.Release(room)
	return nil
}

func (c *Coordinator) persistFinalize(ctx context.Context, ticket models.Ticket, now time.Time) error {
	if ticket.StartTime == nil {
		return fmt.Errorf("finalize ticket %s: %w", ticket.MessageID, store.ErrInvalidTransition)
	}
	duration, err := Elapsed(ticket.Date, *ticket.StartTime, now)
	if err != nil {
		return fmt.Errorf("ticket %s duration: %w", ticket.MessageID, err)
	}
	if _, err := c.ledger.FinalizeTicket(ctx, store.FinalizeTicketInput{
		MessageID: ticket.MessageID,
		EndedAt:   now,
		Duration:  FormatDuration(duration),
	}); err != nil {
		return fmt.Errorf("finalize ticket %s: %w", ticket.MessageID, err)
	}
	return nil
}

// Rooms exposes the tracked state for read-only callers.
func (c *Coordinator) Rooms() map[string]ActiveTicket {
	return c.rooms.Snapshot()
}

func (c *Coordinator) now() time.Time {
	return c.clock.Now().In(c.loc)
}
