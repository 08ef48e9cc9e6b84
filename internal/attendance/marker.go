package attendance

import (
	"context"
	"expvar"
	"time"

	"qms/attendance-service/internal/clock"
	"qms/attendance-service/internal/config"
	"qms/attendance-service/internal/models"
	"qms/attendance-service/internal/retry"
	"qms/attendance-service/internal/store"

	"go.uber.org/zap"
)

var markerFailures = expvar.NewInt("marker_failures_total")

// ReactionRequest sets (or with an empty Emoji, removes) our reaction on
// one chat message.
type ReactionRequest struct {
	ChatID      string `json:"chatId"`
	MessageID   string `json:"messageId"`
	Emoji       string `json:"emoji"`
	FromMe      bool   `json:"fromMe"`
	Participant string `json:"participant,omitempty"`
}

type ReactionSetter interface {
	SetReaction(ctx context.Context, req ReactionRequest) error
}

type MarkerOptions struct {
	Attempts  int
	BaseDelay time.Duration
}

// MarkerReconciler mirrors room state onto every sibling chat of a branch.
// It never fails its caller: query and transport errors are logged.
type MarkerReconciler struct {
	topo     *config.Topology
	messages store.MessageLog
	setter   ReactionSetter
	clock    clock.Clock
	loc      *time.Location
	opts     MarkerOptions
	logger   *zap.Logger
}

func NewMarkerReconciler(topo *config.Topology, messages store.MessageLog, setter ReactionSetter, clk clock.Clock, loc *time.Location, opts MarkerOptions, logger *zap.Logger) *MarkerReconciler {
	if opts.Attempts <= 0 {
		opts.Attempts = 10
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if loc == nil {
		loc = time.Local
	}
	return &MarkerReconciler{
		topo:     topo,
		messages: messages,
		setter:   setter,
		clock:    clk,
		loc:      loc,
		opts:     opts,
		logger:   logger,
	}
}

// Mark strips today's recent reactions in every sibling chat, then sets
// roomID's marker on the messages whose normalized text matches text.
func (m *MarkerReconciler) Mark(ctx context.Context, branch, roomID, text string) {
	normalized := NormalizeText(text)
	emoji := m.topo.MarkerEmoji(roomID)
	for _, chatID := range m.topo.Siblings(branch) {
		stale, ok := m.recent(ctx, chatID, "")
		if ok {
			for _, msg := range stale {
				m.apply(ctx, ReactionRequest{ChatID: chatID, MessageID: msg.MessageID, FromMe: msg.FromMe, Participant: msg.Participant})
			}
		}
		matches, ok := m.recent(ctx, chatID, normalized)
		if !ok {
			continue
		}
		for _, msg := range matches {
			m.apply(ctx, ReactionRequest{ChatID: chatID, MessageID: msg.MessageID, Emoji: emoji, FromMe: msg.FromMe, Participant: msg.Participant})
		}
		if len(matches) > 0 {
			m.logger.Debug("marked", zap.String("chat", chatID), zap.String("emoji", emoji), zap.Int("messages", len(matches)))
		}
	}
}

// Clear removes the marker from messages matching text in every sibling chat.
func (m *MarkerReconciler) Clear(ctx context.Context, branch, text string) {
	normalized := NormalizeText(text)
	for _, chatID := range m.topo.Siblings(branch) {
		matches, ok := m.recent(ctx, chatID, normalized)
		if !ok {
			continue
		}
		for _, msg := range matches {
			m.apply(ctx, ReactionRequest{ChatID: chatID, MessageID: msg.MessageID, FromMe: msg.FromMe, Participant: msg.Participant})
		}
	}
}

func (m *MarkerReconciler) recent(ctx context.Context, chatID, normalized string) ([]models.RawMessage, bool) {
	msgs, err := m.messages.ListRecentMessages(ctx, store.RecentMessagesQuery{
		ChatID:         chatID,
		Day:            m.clock.Now().In(m.loc),
		NormalizedText: normalized,
		Limit:          store.RecentWindow,
	})
	if err != nil {
		m.logger.Error("marker lookup failed", zap.String("chat", chatID), zap.Error(err))
		return nil, false
	}
	return msgs, true
}

func (m *MarkerReconciler) apply(ctx context.Context, req ReactionRequest) {
	err := retry.Do(ctx, retry.Policy{
		Attempts: m.opts.Attempts,
		Backoff:  retry.NewLinear(m.opts.BaseDelay),
		Clock:    m.clock,
		Notify: func(attempt int, err error, next time.Duration) {
			m.logger.Warn("set reaction failed",
				zap.String("chat", req.ChatID),
				zap.String("message", req.MessageID),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err),
			)
		},
	}, func(ctx context.Context) error {
		return m.setter.SetReaction(ctx, req)
	})
	if err != nil {
		markerFailures.Add(1)
		m.logger.Error("marker abandoned",
			zap.String("chat", req.ChatID),
			zap.String("message", req.MessageID),
			zap.String("emoji", req.Emoji),
			zap.Error(err),
		)
	}
}
