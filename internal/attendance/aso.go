package attendance

import (
	"context"
	"fmt"

	"qms/attendance-service/internal/clock"
	"qms/attendance-service/internal/store"

	"go.uber.org/zap"
)

// Signer stamps the signature time on the latest unsigned tickets of a
// patient and company.
type Signer struct {
	ledger store.TicketLedger
	clock  clock.Clock
	logger *zap.Logger
}

func NewSigner(ledger store.TicketLedger, clk clock.Clock, logger *zap.Logger) *Signer {
	return &Signer{ledger: ledger, clock: clk, logger: logger}
}

// Sign signs up to store.RecentWindow tickets matching the patient and
// company parsed from text. It returns how many tickets were stamped.
func (s *Signer) Sign(ctx context.Context, text string) (int64, error) {
	patient, company := ParseTicketText(text)
	if patient == "" {
		return 0, nil
	}
	tickets, err := s.ledger.ListUnsignedTickets(ctx, patient, company, store.RecentWindow)
	if err != nil {
		return 0, fmt.Errorf("list unsigned tickets: %w", err)
	}
	if len(tickets) == 0 {
		s.logger.Debug("nothing to sign", zap.String("patient", patient), zap.String("company", company))
		return 0, nil
	}
	ids := make([]string, 0, len(tickets))
	for _, ticket := range tickets {
		ids = append(ids, ticket.MessageID)
	}
	signed, err := s.ledger.SignTickets(ctx, ids, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("sign tickets: %w", err)
	}
	s.logger.Info("tickets signed", zap.String("patient", patient), zap.String("company", company), zap.Int64("count", signed))
	return signed, nil
}
