package attendance

import (
	"context"
	"sync"
	"time"

	"qms/attendance-service/internal/clock"
	"qms/attendance-service/internal/models"
	"qms/attendance-service/internal/store"

	"github.com/emirpasic/gods/maps/linkedhashmap"
)

// CachedMessage is what a reaction needs to know about its target.
type CachedMessage struct {
	ChatID      string
	Text        string
	FromMe      bool
	Participant string
	ReceivedAt  time.Time
}

func cachedFromRaw(msg models.RawMessage) CachedMessage {
	return CachedMessage{
		ChatID:      msg.ChatID,
		Text:        msg.Text,
		FromMe:      msg.FromMe,
		Participant: msg.Participant,
		ReceivedAt:  msg.ReceivedAt,
	}
}

type RecentMessageCache interface {
	Get(messageID string) (CachedMessage, bool)
	Put(messageID string, msg CachedMessage)
}

type cacheEntry struct {
	msg      CachedMessage
	storedAt time.Time
}

// LinkedMessageCache keeps at most maxSize messages, evicting the least
// recently written first, and forgets entries older than ttl.
type LinkedMessageCache struct {
	mu      sync.Mutex
	entries *linkedhashmap.Map
	maxSize int
	ttl     time.Duration
	clock   clock.Clock
}

func NewLinkedMessageCache(maxSize int, ttl time.Duration, clk clock.Clock) *LinkedMessageCache {
	if maxSize <= 0 {
		maxSize = 500
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &LinkedMessageCache{
		entries: linkedhashmap.New(),
		maxSize: maxSize,
		ttl:     ttl,
		clock:   clk,
	}
}

func (c *LinkedMessageCache) Get(messageID string) (CachedMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, found := c.entries.Get(messageID)
	if !found {
		return CachedMessage{}, false
	}
	entry := value.(cacheEntry)
	if c.ttl > 0 && c.clock.Now().Sub(entry.storedAt) > c.ttl {
		c.entries.Remove(messageID)
		return CachedMessage{}, false
	}
	return entry.msg, true
}

func (c *LinkedMessageCache) Put(messageID string, msg CachedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// linkedhashmap keeps the first insertion position on overwrite.
	c.entries.Remove(messageID)
	c.entries.Put(messageID, cacheEntry{msg: msg, storedAt: c.clock.Now()})
	for c.entries.Size() > c.maxSize {
		it := c.entries.Iterator()
		if !it.First() {
			break
		}
		c.entries.Remove(it.Key())
	}
}

func (c *LinkedMessageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Size()
}

// WarmCache loads the newest limit logged messages, oldest first so the
// newest survive eviction longest.
func WarmCache(ctx context.Context, messages store.MessageLog, cache RecentMessageCache, limit int) (int, error) {
	latest, err := messages.ListLatestMessages(ctx, limit)
	if err != nil {
		return 0, err
	}
	for i := len(latest) - 1; i >= 0; i-- {
		cache.Put(latest[i].MessageID, cachedFromRaw(latest[i]))
	}
	return len(latest), nil
}
