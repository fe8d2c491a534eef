package services

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"example.com/backstage/services/tickets/internal/messaging"
	"example.com/backstage/services/tickets/internal/models"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func purchaseMessage(t *testing.T, payload messaging.PurchaseMessage) *azservicebus.ReceivedMessage {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return &azservicebus.ReceivedMessage{Body: body}
}

func TestProcessPurchaseMessage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("completes a queued purchase", func(t *testing.T) {
		repo := newFakeLedgerRepo()
		treas := newFakeTreasury(map[models.Identity]uint64{buyerB: 100})
		svc := newTestService(repo, treas)

		eventID, err := svc.CreateEvent(ctx, organizer, 2, 100)
		require.NoError(t, err)

		err = svc.ProcessPurchaseMessage(ctx, purchaseMessage(t, messaging.PurchaseMessage{
			EventID:        eventID,
			Buyer:          buyerB,
			IdempotencyKey: uuid.New(),
		}))
		require.NoError(t, err)
		require.Len(t, repo.tickets, 1)
		require.Equal(t, uint64(100), treas.balances[organizer])
	})

	t.Run("drops a definitively rejected purchase", func(t *testing.T) {
		repo := newFakeLedgerRepo()
		treas := newFakeTreasury(nil)
		svc := newTestService(repo, treas)

		eventID, err := svc.CreateEvent(ctx, organizer, 1, 100)
		require.NoError(t, err)

		// Buyer has no funds; redelivery would fail the same way, so the
		// message must be consumed without error.
		err = svc.ProcessPurchaseMessage(ctx, purchaseMessage(t, messaging.PurchaseMessage{
			EventID: eventID,
			Buyer:   buyerB,
		}))
		require.NoError(t, err)
		require.Empty(t, repo.tickets)
	})

	t.Run("redelivered message does not charge the buyer twice", func(t *testing.T) {
		repo := newFakeLedgerRepo()
		treas := newFakeTreasury(map[models.Identity]uint64{buyerB: 300})
		svc := newTestService(repo, treas)

		eventID, err := svc.CreateEvent(ctx, organizer, 3, 100)
		require.NoError(t, err)

		// Raw payload as an external producer would send it.
		body := []byte(`{"event_id": ` + strconv.FormatUint(eventID, 10) +
			`, "buyer": "buyer-b", "idempotency_key": "6ba7b810-9dad-11d1-80b4-00c04fd430c8"}`)
		msg := &azservicebus.ReceivedMessage{Body: body}

		require.NoError(t, svc.ProcessPurchaseMessage(ctx, msg))
		require.NoError(t, svc.ProcessPurchaseMessage(ctx, msg))

		require.Len(t, repo.tickets, 1)
		require.Equal(t, uint64(200), treas.balances[buyerB])
		require.Equal(t, uint64(100), treas.balances[organizer])
	})

	t.Run("messages without a key are not deduplicated", func(t *testing.T) {
		repo := newFakeLedgerRepo()
		treas := newFakeTreasury(map[models.Identity]uint64{buyerB: 300})
		svc := newTestService(repo, treas)

		eventID, err := svc.CreateEvent(ctx, organizer, 3, 100)
		require.NoError(t, err)

		msg := purchaseMessage(t, messaging.PurchaseMessage{EventID: eventID, Buyer: buyerB})
		require.NoError(t, svc.ProcessPurchaseMessage(ctx, msg))
		require.NoError(t, svc.ProcessPurchaseMessage(ctx, msg))

		require.Len(t, repo.tickets, 2)
	})

	t.Run("a rejected purchase does not consume its key", func(t *testing.T) {
		repo := newFakeLedgerRepo()
		treas := newFakeTreasury(nil)
		svc := newTestService(repo, treas)

		eventID, err := svc.CreateEvent(ctx, organizer, 1, 100)
		require.NoError(t, err)

		key := uuid.New()
		msg := purchaseMessage(t, messaging.PurchaseMessage{
			EventID:        eventID,
			Buyer:          buyerB,
			IdempotencyKey: key,
		})

		// No funds: the purchase is dropped and the claim rolls back with
		// it, so a later retry with the same key can still succeed.
		require.NoError(t, svc.ProcessPurchaseMessage(ctx, msg))
		require.Empty(t, repo.tickets)
		require.NotContains(t, repo.processed, key)

		require.NoError(t, treas.Deposit(ctx, buyerB, 100))
		require.NoError(t, svc.ProcessPurchaseMessage(ctx, msg))
		require.Len(t, repo.tickets, 1)
	})

	t.Run("rejects a malformed payload", func(t *testing.T) {
		svc := newTestService(newFakeLedgerRepo(), newFakeTreasury(nil))

		err := svc.ProcessPurchaseMessage(ctx, &azservicebus.ReceivedMessage{Body: []byte("not json")})
		require.Error(t, err)
	})

	t.Run("rejects a payload without a buyer", func(t *testing.T) {
		svc := newTestService(newFakeLedgerRepo(), newFakeTreasury(nil))

		err := svc.ProcessPurchaseMessage(ctx, purchaseMessage(t, messaging.PurchaseMessage{EventID: 0}))
		require.Error(t, err)
	})
}
