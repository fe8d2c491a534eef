package services

import (
	"context"
	"encoding/json"

	"example.com/backstage/services/tickets/internal/messaging"
	"example.com/backstage/services/tickets/internal/models"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ProcessPurchaseMessage handles one purchase payload from the intake queue
// by driving BuyTicket on the buyer's behalf. Delivery is at-least-once, so
// the message's idempotency key is claimed in the same transaction as the
// purchase; a redelivered message finds the claim and is skipped without
// charging the buyer again. A failed precondition (sold out, unknown event,
// no funds) is terminal for the message: redelivery would hit the same
// state, so it is logged and dropped rather than abandoned back to the
// queue.
func (s *LedgerService) ProcessPurchaseMessage(ctx context.Context, msg *azservicebus.ReceivedMessage) error {
	var payload messaging.PurchaseMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		return errors.Wrap(err, "failed to unmarshal purchase message")
	}
	if payload.Buyer == "" {
		return errors.New("purchase message has no buyer")
	}

	var (
		ticketID  uint64
		duplicate bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		if payload.IdempotencyKey != uuid.Nil {
			claimed, err := s.repo.ClaimMessage(ctx, payload.IdempotencyKey)
			if err != nil {
				return err
			}
			if !claimed {
				duplicate = true
				return nil
			}
		}

		id, err := s.BuyTicket(ctx, payload.Buyer, payload.EventID)
		if err != nil {
			return err
		}
		ticketID = id
		return nil
	})
	if duplicate {
		log.Info().
			Str("idempotency_key", payload.IdempotencyKey.String()).
			Uint64("event_id", payload.EventID).
			Str("buyer", string(payload.Buyer)).
			Msg("Queued purchase already processed, skipping")
		return nil
	}
	if err != nil {
		if isLedgerFailure(err) {
			log.Warn().
				Err(err).
				Uint64("event_id", payload.EventID).
				Str("buyer", string(payload.Buyer)).
				Str("idempotency_key", payload.IdempotencyKey.String()).
				Msg("Queued purchase rejected")
			return nil
		}
		return errors.Wrap(err, "failed to process queued purchase")
	}

	log.Info().
		Uint64("ticket_id", ticketID).
		Uint64("event_id", payload.EventID).
		Str("buyer", string(payload.Buyer)).
		Msg("Queued purchase completed")

	return nil
}

// isLedgerFailure reports whether err is a definitive ledger rejection as
// opposed to an infrastructure failure worth retrying.
func isLedgerFailure(err error) bool {
	for _, kind := range []error{
		models.ErrEventNotFound,
		models.ErrSoldOut,
		models.ErrInsufficientBalance,
		models.ErrTransferFailed,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
