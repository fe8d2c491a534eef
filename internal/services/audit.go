package services

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AuditInvariants re-checks the ledger's consistency rules across all
// events: remaining inventory stays within [0, total], and the number of
// existing tickets per event equals the consumed inventory. Violations
// cannot arise from the operations themselves; this job exists to catch
// write-back bugs early. Violations are logged, counted and reported.
func (s *LedgerService) AuditInvariants(ctx context.Context) (int, error) {
	var violations int

	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		events, err := s.repo.ListEvents(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to list events for audit")
		}
		counts, err := s.repo.CountTicketsByEvent(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to count tickets for audit")
		}

		known := make(map[uint64]struct{}, len(events))
		for _, event := range events {
			known[event.ID] = struct{}{}

			if event.TicketsRemaining > event.TotalTickets {
				violations++
				log.Error().
					Uint64("event_id", event.ID).
					Uint64("tickets_remaining", event.TicketsRemaining).
					Uint64("total_tickets", event.TotalTickets).
					Msg("Audit: remaining inventory exceeds total")
				continue
			}

			consumed := event.TotalTickets - event.TicketsRemaining
			if counts[event.ID] != consumed {
				violations++
				log.Error().
					Uint64("event_id", event.ID).
					Uint64("ticket_count", counts[event.ID]).
					Uint64("consumed", consumed).
					Msg("Audit: ticket count does not match consumed inventory")
			}
		}

		// Tickets pointing at events that do not exist.
		for eventID, count := range counts {
			if _, ok := known[eventID]; !ok {
				violations++
				log.Error().
					Uint64("event_id", eventID).
					Uint64("ticket_count", count).
					Msg("Audit: tickets reference a missing event")
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if s.metrics != nil {
		s.metrics.SetGauge("ledger.audit.violations", int64(violations))
	}
	if violations == 0 {
		log.Debug().Msg("Audit: all invariants hold")
	}
	return violations, nil
}
