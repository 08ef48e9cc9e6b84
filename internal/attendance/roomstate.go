package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"qms/attendance-service/internal/store"
)

// ActiveTicket is the one ticket a room is currently serving.
type ActiveTicket struct {
	TicketID string `json:"ticket_id"`
	Text     string `json:"text"`
}

// RoomStateStore holds at most one ActiveTicket per room. A room with no
// entry is idle.
type RoomStateStore interface {
	Active(roomID string) (ActiveTicket, bool)
	Activate(roomID string, ticket ActiveTicket)
	Release(roomID string)
	Snapshot() map[string]ActiveTicket
}

type MemoryRoomState struct {
	mu    sync.RWMutex
	rooms map[string]ActiveTicket
}

func NewMemoryRoomState() *MemoryRoomState {
	return &MemoryRoomState{rooms: make(map[string]ActiveTicket)}
}

func (s *MemoryRoomState) Active(roomID string) (ActiveTicket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ticket, ok := s.rooms[roomID]
	return ticket, ok
}

func (s *MemoryRoomState) Activate(roomID string, ticket ActiveTicket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = ticket
}

func (s *MemoryRoomState) Release(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

func (s *MemoryRoomState) Snapshot() map[string]ActiveTicket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ActiveTicket, len(s.rooms))
	for room, ticket := range s.rooms {
		out[room] = ticket
	}
	return out
}

// RecoverRoomState seeds rooms with the most recently started open ticket
// of every room in the ledger. The ticket text comes from the message log
// and falls back to "patient - company".
func RecoverRoomState(ctx context.Context, ledger store.TicketLedger, messages store.MessageLog, rooms RoomStateStore) (int, error) {
	active, err := ledger.ListActiveTickets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active tickets: %w", err)
	}
	for _, ticket := range active {
		text := ticket.Patient + " - " + ticket.Company
		msg, err := messages.GetMessage(ctx, ticket.MessageID)
		switch {
		case err == nil:
			text = msg.Text
		case errors.Is(err, store.ErrMessageNotFound):
		default:
			return 0, fmt.Errorf("load ticket text %s: %w", ticket.MessageID, err)
		}
		rooms.Activate(ticket.RoomID, ActiveTicket{TicketID: ticket.MessageID, Text: text})
	}
	return len(active), nil
}
