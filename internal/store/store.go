package store

import (
	"context"
	"time"

	"qms/attendance-service/internal/models"
)

// RecentWindow caps every reconciliation and signing lookup.
const RecentWindow = 10

type RecentMessagesQuery struct {
	ChatID string
	// Day selects the calendar day, in Day's location, to search.
	Day time.Time
	// NormalizedText filters by exact normalized text when non-empty.
	NormalizedText string
	Limit          int
}

type RegisterTicketInput struct {
	MessageID    string
	Patient      string
	Company      string
	RoomID       string
	Branch       string
	RegisteredAt time.Time
}

type StartTicketInput struct {
	MessageID string
	StartedAt time.Time
	Caller    string
	Wait      string
}

type FinalizeTicketInput struct {
	MessageID string
	EndedAt   time.Time
	Duration  string
}

// MessageLog is the append-only record of inbound ticket texts.
type MessageLog interface {
	// InsertMessage reports false when the id was already logged.
	InsertMessage(ctx context.Context, msg models.RawMessage) (bool, error)
	GetMessage(ctx context.Context, messageID string) (models.RawMessage, error)
	ListRecentMessages(ctx context.Context, query RecentMessagesQuery) ([]models.RawMessage, error)
	ListLatestMessages(ctx context.Context, limit int) ([]models.RawMessage, error)
}

type TicketLedger interface {
	// RegisterTicket reports false when a ticket already exists for the id.
	RegisterTicket(ctx context.Context, input RegisterTicketInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, messageID string) (models.Ticket, error)
	StartTicket(ctx context.Context, input StartTicketInput) (models.Ticket, error)
	FinalizeTicket(ctx context.Context, input FinalizeTicketInput) (models.Ticket, error)
	// FindOpenTicket returns the most recently started, unfinished ticket
	// in roomID other than excludeID.
	FindOpenTicket(ctx context.Context, roomID, excludeID string) (models.Ticket, bool, error)
	// ListActiveTickets returns, per room, the most recently started
	// unfinished ticket.
	ListActiveTickets(ctx context.Context) ([]models.Ticket, error)
	ListUnsignedTickets(ctx context.Context, patient, company string, limit int) ([]models.Ticket, error)
	SignTickets(ctx context.Context, messageIDs []string, at time.Time) (int64, error)
}

type Store interface {
	MessageLog
	TicketLedger
	Ping(ctx context.Context) error
}
