package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/attendance-service/internal/config"
	"qms/attendance-service/internal/store"
)

// Item is one inbound transport event. Timestamp is unix seconds and may
// be zero.
type Item struct {
	ID                string    `json:"id"`
	ChatID            string    `json:"chatId"`
	Text              string    `json:"text,omitempty"`
	Reaction          *Reaction `json:"reaction,omitempty"`
	FromMe            bool      `json:"fromMe"`
	ParticipantID     string    `json:"participantId,omitempty"`
	SenderDisplayName string    `json:"senderDisplayName,omitempty"`
	Timestamp         int64     `json:"timestamp,omitempty"`
}

type Reaction struct {
	Emoji        string `json:"emoji"`
	TargetID     string `json:"targetId"`
	TargetChatID string `json:"targetChatId"`
}

// Batch is one delivery from the transport. Only "notify" batches carry
// live events; anything else is a history replay.
type Batch struct {
	ID    string `json:"id,omitempty"`
	Type  string `json:"type"`
	Items []Item `json:"messages"`
}

const BatchTypeNotify = "notify"

type Kind int

const (
	KindIgnore Kind = iota
	KindText
	KindReaction
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindReaction:
		return "reaction"
	default:
		return "ignore"
	}
}

type TextEvent struct {
	MessageID   string
	ChatID      string
	Branch      string
	Text        string
	FromMe      bool
	Participant string
	ReceivedAt  time.Time
}

type ReactionEvent struct {
	ChatID          string
	Emoji           string
	TargetMessageID string
	TargetChatID    string
	Branch          string
	ActorName       string
	Original        CachedMessage
}

type Event struct {
	Kind     Kind
	Text     TextEvent
	Reaction ReactionEvent
	// Reason says why an item was ignored.
	Reason string
}

func ignore(reason string) Event {
	return Event{Kind: KindIgnore, Reason: reason}
}

// Classifier turns inbound items into typed events. Reaction targets are
// resolved through the cache first and the message log second.
type Classifier struct {
	topo     *config.Topology
	cache    RecentMessageCache
	messages store.MessageLog
}

func NewClassifier(topo *config.Topology, cache RecentMessageCache, messages store.MessageLog) *Classifier {
	return &Classifier{topo: topo, cache: cache, messages: messages}
}

// Classify returns an error only when the message log lookup fails.
func (c *Classifier) Classify(ctx context.Context, item Item, now time.Time) (Event, error) {
	if item.Text != "" {
		return c.classifyText(item, now), nil
	}
	if item.Reaction != nil {
		return c.classifyReaction(ctx, item)
	}
	return ignore("no text or reaction"), nil
}

func (c *Classifier) classifyText(item Item, now time.Time) Event {
	branch, ok := c.topo.BranchForChat(item.ChatID)
	if !ok {
		return ignore("chat has no branch")
	}
	if !HasSeparator(item.Text) {
		return ignore("text has no separator")
	}
	receivedAt := now
	if item.Timestamp > 0 {
		receivedAt = time.Unix(item.Timestamp, 0).In(now.Location())
	}
	return Event{
		Kind: KindText,
		Text: TextEvent{
			MessageID:   item.ID,
			ChatID:      item.ChatID,
			Branch:      branch,
			Text:        item.Text,
			FromMe:      item.FromMe,
			Participant: item.ParticipantID,
			ReceivedAt:  receivedAt,
		},
	}
}

func (c *Classifier) classifyReaction(ctx context.Context, item Item) (Event, error) {
	reaction := item.Reaction
	if reaction.Emoji == "" {
		return ignore("reaction removed"), nil
	}
	targetChat := reaction.TargetChatID
	if targetChat == "" {
		targetChat = item.ChatID
	}
	branch, ok := c.topo.BranchForChat(targetChat)
	if !ok {
		return ignore("target chat has no branch"), nil
	}

	original, found, err := c.resolve(ctx, reaction.TargetID)
	if err != nil {
		return Event{}, err
	}
	if !found || !HasSeparator(original.Text) {
		return ignore("target is not a ticket"), nil
	}

	actor := strings.TrimSpace(item.SenderDisplayName)
	if actor == "" {
		actor = UnknownActor
	}
	return Event{
		Kind: KindReaction,
		Reaction: ReactionEvent{
			ChatID:          item.ChatID,
			Emoji:           reaction.Emoji,
			TargetMessageID: reaction.TargetID,
			TargetChatID:    targetChat,
			Branch:          branch,
			ActorName:       actor,
			Original:        original,
		},
	}, nil
}

func (c *Classifier) resolve(ctx context.Context, messageID string) (CachedMessage, bool, error) {
	if cached, ok := c.cache.Get(messageID); ok {
		return cached, true, nil
	}
	msg, err := c.messages.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			return CachedMessage{}, false, nil
		}
		return CachedMessage{}, false, fmt.Errorf("resolve reaction target %s: %w", messageID, err)
	}
	cached := cachedFromRaw(msg)
	c.cache.Put(messageID, cached)
	return cached, true, nil
}
