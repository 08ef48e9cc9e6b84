package store

import "errors"

var (
	ErrMessageNotFound   = errors.New("message not found")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrInvalidTransition = errors.New("invalid ticket transition")
)
