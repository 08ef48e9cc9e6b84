package models

import "time"

type RawMessage struct {
	MessageID      string    `json:"message_id"`
	ChatID         string    `json:"chat_id"`
	Branch         string    `json:"branch"`
	Text           string    `json:"text"`
	NormalizedText string    `json:"normalized_text"`
	FromMe         bool      `json:"from_me"`
	Participant    string    `json:"participant,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}
