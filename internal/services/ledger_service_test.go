package services

import (
	"context"
	"testing"

	"example.com/backstage/services/tickets/internal/models"
	"example.com/backstage/services/tickets/internal/treasury"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeLedgerRepo is an in-memory LedgerRepository. WithTx snapshots the
// state and restores it when fn fails, matching the all-or-nothing
// semantics of the real transactional repository.
type fakeLedgerRepo struct {
	events    map[uint64]models.Event
	tickets   map[uint64]models.Ticket
	counters  map[string]uint64
	processed map[uuid.UUID]struct{}
}

func newFakeLedgerRepo() *fakeLedgerRepo {
	return &fakeLedgerRepo{
		events:    make(map[uint64]models.Event),
		tickets:   make(map[uint64]models.Ticket),
		counters:  make(map[string]uint64),
		processed: make(map[uuid.UUID]struct{}),
	}
}

func (r *fakeLedgerRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	events := copyMap(r.events)
	tickets := copyMap(r.tickets)
	counters := copyMap(r.counters)
	processed := copyMap(r.processed)

	if err := fn(ctx); err != nil {
		r.events = events
		r.tickets = tickets
		r.counters = counters
		r.processed = processed
		return err
	}
	return nil
}

func (r *fakeLedgerRepo) GetEvent(ctx context.Context, id uint64) (models.Event, error) {
	event, ok := r.events[id]
	if !ok {
		return models.Event{}, models.ErrEventNotFound
	}
	return event, nil
}

func (r *fakeLedgerRepo) GetEventForUpdate(ctx context.Context, id uint64) (models.Event, error) {
	return r.GetEvent(ctx, id)
}

func (r *fakeLedgerRepo) CreateEvent(ctx context.Context, event models.Event) error {
	r.events[event.ID] = event
	return nil
}

func (r *fakeLedgerRepo) SaveEvent(ctx context.Context, event models.Event) error {
	r.events[event.ID] = event
	return nil
}

func (r *fakeLedgerRepo) ListEvents(ctx context.Context) ([]models.Event, error) {
	events := make([]models.Event, 0, len(r.events))
	for _, event := range r.events {
		events = append(events, event)
	}
	return events, nil
}

func (r *fakeLedgerRepo) GetTicket(ctx context.Context, id uint64) (models.Ticket, error) {
	ticket, ok := r.tickets[id]
	if !ok {
		return models.Ticket{}, models.ErrTicketNotFound
	}
	return ticket, nil
}

func (r *fakeLedgerRepo) GetTicketForUpdate(ctx context.Context, id uint64) (models.Ticket, error) {
	return r.GetTicket(ctx, id)
}

func (r *fakeLedgerRepo) CreateTicket(ctx context.Context, ticket models.Ticket) error {
	r.tickets[ticket.ID] = ticket
	return nil
}

func (r *fakeLedgerRepo) SaveTicket(ctx context.Context, ticket models.Ticket) error {
	r.tickets[ticket.ID] = ticket
	return nil
}

func (r *fakeLedgerRepo) DeleteTicket(ctx context.Context, id uint64) error {
	if _, ok := r.tickets[id]; !ok {
		return models.ErrTicketNotFound
	}
	delete(r.tickets, id)
	return nil
}

func (r *fakeLedgerRepo) CountTicketsByEvent(ctx context.Context) (map[uint64]uint64, error) {
	counts := make(map[uint64]uint64)
	for _, ticket := range r.tickets {
		counts[ticket.EventID]++
	}
	return counts, nil
}

func (r *fakeLedgerRepo) NextID(ctx context.Context, name string) (uint64, error) {
	id := r.counters[name]
	r.counters[name]++
	return id, nil
}

func (r *fakeLedgerRepo) ClaimMessage(ctx context.Context, key uuid.UUID) (bool, error) {
	if _, ok := r.processed[key]; ok {
		return false, nil
	}
	r.processed[key] = struct{}{}
	return true, nil
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type transferRecord struct {
	amount uint64
	from   models.Identity
	to     models.Identity
}

// fakeTreasury is an in-memory Treasury. failTransfer forces the transfer
// primitive to report failure regardless of balances.
type fakeTreasury struct {
	balances     map[models.Identity]uint64
	failTransfer bool
	transfers    []transferRecord
}

func newFakeTreasury(balances map[models.Identity]uint64) *fakeTreasury {
	if balances == nil {
		balances = make(map[models.Identity]uint64)
	}
	return &fakeTreasury{balances: balances}
}

func (t *fakeTreasury) Transfer(ctx context.Context, amount uint64, from, to models.Identity) error {
	if t.failTransfer {
		return errors.New("transfer rejected by treasury")
	}
	if t.balances[from] < amount {
		return treasury.ErrInsufficientFunds
	}
	t.balances[from] -= amount
	t.balances[to] += amount
	t.transfers = append(t.transfers, transferRecord{amount: amount, from: from, to: to})
	return nil
}

func (t *fakeTreasury) BalanceOf(ctx context.Context, id models.Identity) (uint64, error) {
	return t.balances[id], nil
}

func (t *fakeTreasury) Deposit(ctx context.Context, id models.Identity, amount uint64) error {
	t.balances[id] += amount
	return nil
}

func newTestService(repo *fakeLedgerRepo, treas *fakeTreasury) *LedgerService {
	return NewLedgerService(repo, treas, nil, nil, nil, nil, nil)
}

const (
	organizer = models.Identity("organizer")
	buyerB    = models.Identity("buyer-b")
	buyerC    = models.Identity("buyer-c")
	buyerD    = models.Identity("buyer-d")
	holderE   = models.Identity("holder-e")
)

func TestCreateEvent(t *testing.T) {
	t.Parallel()

	t.Run("assigns dense ids starting at zero", func(t *testing.T) {
		repo := newFakeLedgerRepo()
		svc := newTestService(repo, newFakeTreasury(nil))

		first, err := svc.CreateEvent(context.Background(), organizer, 10, 50)
		require.NoError(t, err)
		require.Equal(t, uint64(0), first)

		second, err := svc.CreateEvent(context.Background(), organizer, 3, 25)
		require.NoError(t, err)
		require.Equal(t, uint64(1), second)

		event := repo.events[first]
		require.Equal(t, organizer, event.Organizer)
		require.Equal(t, uint64(10), event.TotalTickets)
		require.Equal(t, uint64(50), event.Price)
		require.Equal(t, uint64(10), event.TicketsRemaining)
	})

	t.Run("rejects zero ticket count", func(t *testing.T) {
		repo := newFakeLedgerRepo()
		svc := newTestService(repo, newFakeTreasury(nil))

		_, err := svc.CreateEvent(context.Background(), organizer, 0, 50)
		require.ErrorIs(t, err, models.ErrInvalidTicketCount)
		require.Empty(t, repo.events)
		require.Zero(t, repo.counters[models.CounterEvents])
	})

	t.Run("rejects zero price", func(t *testing.T) {
		repo := newFakeLedgerRepo()
		svc := newTestService(repo, newFakeTreasury(nil))

		_, err := svc.CreateEvent(context.Background(), organizer, 10, 0)
		require.ErrorIs(t, err, models.ErrInvalidPrice)
		require.Empty(t, repo.events)
		require.Zero(t, repo.counters[models.CounterEvents])
	})
}

func TestBuyTicket(t *testing.T) {
	t.Parallel()

	setup := func(balances map[models.Identity]uint64) (*LedgerService, *fakeLedgerRepo, *fakeTreasury, uint64) {
		repo := newFakeLedgerRepo()
		treas := newFakeTreasury(balances)
		svc := newTestService(repo, treas)

		eventID, err := svc.CreateEvent(context.Background(), organizer, 2, 100)
		require.NoError(t, err)
		return svc, repo, treas, eventID
	}

	t.Run("sells a ticket and moves the price to the organizer", func(t *testing.T) {
		svc, repo, treas, eventID := setup(map[models.Identity]uint64{buyerB: 150})

		ticketID, err := svc.BuyTicket(context.Background(), buyerB, eventID)
		require.NoError(t, err)
		require.Equal(t, uint64(0), ticketID)

		ticket := repo.tickets[ticketID]
		require.Equal(t, eventID, ticket.EventID)
		require.Equal(t, buyerB, ticket.Owner)

		require.Equal(t, uint64(1), repo.events[eventID].TicketsRemaining)
		require.Equal(t, uint64(50), treas.balances[buyerB])
		require.Equal(t, uint64(100), treas.balances[organizer])
		require.Equal(t, []transferRecord{{amount: 100, from: buyerB, to: organizer}}, treas.transfers)
	})

	t.Run("unknown event", func(t *testing.T) {
		svc, _, treas, _ := setup(map[models.Identity]uint64{buyerB: 150})

		_, err := svc.BuyTicket(context.Background(), buyerB, 99)
		require.ErrorIs(t, err, models.ErrEventNotFound)
		require.Empty(t, treas.transfers)
	})

	t.Run("sold out mutates nothing", func(t *testing.T) {
		svc, repo, treas, eventID := setup(map[models.Identity]uint64{
			buyerB: 100, buyerC: 100, buyerD: 100,
		})

		_, err := svc.BuyTicket(context.Background(), buyerB, eventID)
		require.NoError(t, err)
		_, err = svc.BuyTicket(context.Background(), buyerC, eventID)
		require.NoError(t, err)

		_, err = svc.BuyTicket(context.Background(), buyerD, eventID)
		require.ErrorIs(t, err, models.ErrSoldOut)
		require.Zero(t, repo.events[eventID].TicketsRemaining)
		require.Len(t, repo.tickets, 2)
		require.Equal(t, uint64(100), treas.balances[buyerD])
		require.Equal(t, uint64(2), repo.counters[models.CounterTickets])
	})

	t.Run("insufficient balance fails before the transfer is attempted", func(t *testing.T) {
		svc, repo, treas, eventID := setup(map[models.Identity]uint64{buyerB: 99})

		_, err := svc.BuyTicket(context.Background(), buyerB, eventID)
		require.ErrorIs(t, err, models.ErrInsufficientBalance)
		require.Empty(t, treas.transfers)
		require.Empty(t, repo.tickets)
		require.Equal(t, uint64(2), repo.events[eventID].TicketsRemaining)
	})

	t.Run("transfer failure is authoritative even after the balance check passed", func(t *testing.T) {
		svc, repo, treas, eventID := setup(map[models.Identity]uint64{buyerB: 150})
		treas.failTransfer = true

		_, err := svc.BuyTicket(context.Background(), buyerB, eventID)
		require.ErrorIs(t, err, models.ErrTransferFailed)
		require.NotErrorIs(t, err, models.ErrInsufficientBalance)
		require.Empty(t, repo.tickets)
		require.Equal(t, uint64(2), repo.events[eventID].TicketsRemaining)
		require.Equal(t, uint64(150), treas.balances[buyerB])
		require.Zero(t, repo.counters[models.CounterTickets])
	})
}

func TestTransferTicket(t *testing.T) {
	t.Parallel()

	setup := func() (*LedgerService, *fakeLedgerRepo, uint64) {
		repo := newFakeLedgerRepo()
		svc := newTestService(repo, newFakeTreasury(map[models.Identity]uint64{buyerB: 100}))

		eventID, err := svc.CreateEvent(context.Background(), organizer, 2, 100)
		require.NoError(t, err)
		ticketID, err := svc.BuyTicket(context.Background(), buyerB, eventID)
		require.NoError(t, err)
		return svc, repo, ticketID
	}

	t.Run("owner reassigns ownership without moving value", func(t *testing.T) {
		svc, repo, ticketID := setup()

		err := svc.TransferTicket(context.Background(), buyerB, ticketID, holderE)
		require.NoError(t, err)
		require.Equal(t, holderE, repo.tickets[ticketID].Owner)
	})

	t.Run("transfer to self is allowed", func(t *testing.T) {
		svc, repo, ticketID := setup()

		err := svc.TransferTicket(context.Background(), buyerB, ticketID, buyerB)
		require.NoError(t, err)
		require.Equal(t, buyerB, repo.tickets[ticketID].Owner)
	})

	t.Run("non-owner is rejected", func(t *testing.T) {
		svc, repo, ticketID := setup()

		err := svc.TransferTicket(context.Background(), buyerC, ticketID, holderE)
		require.ErrorIs(t, err, models.ErrUnauthorized)
		require.Equal(t, buyerB, repo.tickets[ticketID].Owner)
	})

	t.Run("unknown ticket", func(t *testing.T) {
		svc, _, _ := setup()

		err := svc.TransferTicket(context.Background(), buyerB, 99, holderE)
		require.ErrorIs(t, err, models.ErrTicketNotFound)
	})
}

func TestRefundTicket(t *testing.T) {
	t.Parallel()

	setup := func() (*LedgerService, *fakeLedgerRepo, *fakeTreasury, uint64, uint64) {
		repo := newFakeLedgerRepo()
		treas := newFakeTreasury(map[models.Identity]uint64{buyerB: 100})
		svc := newTestService(repo, treas)

		eventID, err := svc.CreateEvent(context.Background(), organizer, 2, 100)
		require.NoError(t, err)
		ticketID, err := svc.BuyTicket(context.Background(), buyerB, eventID)
		require.NoError(t, err)
		return svc, repo, treas, eventID, ticketID
	}

	t.Run("organizer refunds the current holder and restores inventory", func(t *testing.T) {
		svc, repo, treas, eventID, ticketID := setup()

		err := svc.RefundTicket(context.Background(), organizer, ticketID)
		require.NoError(t, err)

		_, ok := repo.tickets[ticketID]
		require.False(t, ok)
		require.Equal(t, uint64(2), repo.events[eventID].TicketsRemaining)
		require.Equal(t, uint64(100), treas.balances[buyerB])
		require.Zero(t, treas.balances[organizer])
	})

	t.Run("refund pays the holder after a transfer, not the original buyer", func(t *testing.T) {
		svc, repo, treas, eventID, ticketID := setup()

		require.NoError(t, svc.TransferTicket(context.Background(), buyerB, ticketID, holderE))
		require.NoError(t, svc.RefundTicket(context.Background(), organizer, ticketID))

		require.Equal(t, uint64(100), treas.balances[holderE])
		require.Zero(t, treas.balances[buyerB])
		require.Equal(t, uint64(2), repo.events[eventID].TicketsRemaining)
	})

	t.Run("ticket owner cannot refund", func(t *testing.T) {
		svc, repo, treas, _, ticketID := setup()
		transfersBefore := len(treas.transfers)

		err := svc.RefundTicket(context.Background(), buyerB, ticketID)
		require.ErrorIs(t, err, models.ErrUnauthorized)
		require.Contains(t, repo.tickets, ticketID)
		require.Len(t, treas.transfers, transfersBefore)
	})

	t.Run("unknown ticket", func(t *testing.T) {
		svc, _, _, _, _ := setup()

		err := svc.RefundTicket(context.Background(), organizer, 99)
		require.ErrorIs(t, err, models.ErrTicketNotFound)
	})

	t.Run("missing event is a corrupted reference", func(t *testing.T) {
		svc, repo, _, eventID, ticketID := setup()
		delete(repo.events, eventID)

		err := svc.RefundTicket(context.Background(), organizer, ticketID)
		require.ErrorIs(t, err, models.ErrCorruptedReference)
	})

	t.Run("transfer failure leaves the ticket intact", func(t *testing.T) {
		svc, repo, treas, eventID, ticketID := setup()
		treas.failTransfer = true

		err := svc.RefundTicket(context.Background(), organizer, ticketID)
		require.ErrorIs(t, err, models.ErrTransferFailed)
		require.Contains(t, repo.tickets, ticketID)
		require.Equal(t, uint64(1), repo.events[eventID].TicketsRemaining)
	})
}

// TestLedgerScenario walks a full sale, resale, sell-out and refund cycle
// and checks ids, inventory and balances at every step.
func TestLedgerScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newFakeLedgerRepo()
	treas := newFakeTreasury(map[models.Identity]uint64{
		buyerB: 100, buyerC: 100, buyerD: 100,
	})
	svc := newTestService(repo, treas)

	eventID, err := svc.CreateEvent(ctx, organizer, 2, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(0), eventID)
	require.Equal(t, uint64(2), repo.events[eventID].TicketsRemaining)

	first, err := svc.BuyTicket(ctx, buyerB, eventID)
	require.NoError(t, err)
	require.Equal(t, uint64(0), first)
	require.Equal(t, uint64(1), repo.events[eventID].TicketsRemaining)
	require.Equal(t, uint64(100), treas.balances[organizer])

	second, err := svc.BuyTicket(ctx, buyerC, eventID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), second)
	require.Zero(t, repo.events[eventID].TicketsRemaining)

	_, err = svc.BuyTicket(ctx, buyerD, eventID)
	require.ErrorIs(t, err, models.ErrSoldOut)

	require.NoError(t, svc.TransferTicket(ctx, buyerB, first, holderE))
	require.Equal(t, holderE, repo.tickets[first].Owner)

	require.NoError(t, svc.RefundTicket(ctx, organizer, first))
	require.Equal(t, uint64(100), treas.balances[holderE])
	require.Equal(t, uint64(1), repo.events[eventID].TicketsRemaining)
	require.NotContains(t, repo.tickets, first)

	// A refunded id is never reissued; the next sale gets a fresh id.
	third, err := svc.BuyTicket(ctx, buyerD, eventID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), third)
	require.Zero(t, repo.events[eventID].TicketsRemaining)
}
