package hub

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"go.uber.org/zap"
)

const clientBuffer = 16

var droppedFrames = expvar.NewInt("hub_dropped_frames_total")

// Client is one connected display panel.
type Client struct {
	ID     string
	Send   chan []byte
	topics map[string]struct{}
}

func NewClient() *Client {
	return &Client{
		ID:     uuid.NewString(),
		Send:   make(chan []byte, clientBuffer),
		topics: make(map[string]struct{}),
	}
}

// Envelope is the frame sent to panels.
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

type SubscribeMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Hub fans published payloads out to the panels subscribed to their topic.
// It satisfies pubsub.Bus.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

func New(logger *zap.Logger) *Hub {
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		client.topics[topic] = struct{}{}
	}
}

// Unsubscribe drops topics, or every topic when none are named.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(topics) == 0 {
		client.topics = make(map[string]struct{})
		return
	}
	for _, topic := range topics {
		delete(client.topics, topic)
	}
}

func (h *Hub) Publish(ctx context.Context, topic string, payload []byte) error {
	frame, err := json.Marshal(Envelope{Topic: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	h.Broadcast(topic, frame)
	return nil
}

// Broadcast never blocks: a panel whose buffer is full misses the frame.
func (h *Hub) Broadcast(topic string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if _, ok := client.topics[topic]; !ok {
			continue
		}
		select {
		case client.Send <- frame:
		default:
			droppedFrames.Add(1)
			h.logger.Warn("drop frame", zap.String("client", client.ID), zap.String("topic", topic))
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}

// Handler serves the SockJS endpoint rooted at prefix.
func (h *Hub) Handler(prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, h.serve)
}

func (h *Hub) serve(session sockjs.Session) {
	client := NewClient()
	h.Register(client)
	defer h.Unregister(client)
	h.logger.Debug("panel connected", zap.String("client", client.ID))

	go func() {
		for frame := range client.Send {
			if err := session.Send(string(frame)); err != nil {
				return
			}
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			h.logger.Debug("panel disconnected", zap.String("client", client.ID), zap.Error(err))
			return
		}
		parsed, ok := ParseSubscribe([]byte(msg))
		if !ok {
			continue
		}
		if parsed.Action == "unsubscribe" {
			h.Unsubscribe(client, parsed.Topics)
			continue
		}
		h.Subscribe(client, parsed.Topics)
	}
}
