package models

import "time"

// Ticket is one patient's queue slot, keyed by the id of the chat message
// that registered it. Times of day are "15:04:05" strings in the clinic's
// zone; Date carries the registration day.
type Ticket struct {
	MessageID      string     `json:"message_id"`
	Patient        string     `json:"patient"`
	Company        string     `json:"company"`
	RoomID         string     `json:"room_id"`
	Branch         string     `json:"branch"`
	Date           time.Time  `json:"date"`
	RegisteredTime string     `json:"registered_time"`
	StartTime      *string    `json:"start_time,omitempty"`
	EndTime        *string    `json:"end_time,omitempty"`
	Wait           *string    `json:"wait,omitempty"`
	Duration       *string    `json:"duration,omitempty"`
	Caller         *string    `json:"caller,omitempty"`
	SignedAt       *time.Time `json:"signed_at,omitempty"`
}

const (
	StatusRegistered = "registered"
	StatusStarted    = "started"
	StatusFinalized  = "finalized"
)

func (t Ticket) Status() string {
	switch {
	case t.EndTime != nil:
		return StatusFinalized
	case t.StartTime != nil:
		return StatusStarted
	default:
		return StatusRegistered
	}
}
