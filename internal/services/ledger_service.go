package services

import (
	"context"
	"time"

	"example.com/backstage/services/tickets/internal/cache"
	"example.com/backstage/services/tickets/internal/messaging"
	"example.com/backstage/services/tickets/internal/metrics"
	"example.com/backstage/services/tickets/internal/models"
	"example.com/backstage/services/tickets/internal/repositories"
	"example.com/backstage/services/tickets/internal/search"
	"example.com/backstage/services/tickets/internal/tracing"
	"example.com/backstage/services/tickets/internal/treasury"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const eventCacheTTL = 5 * time.Minute

// LedgerService is the transactional core: it owns the event and ticket
// tables plus the id counters, and is the only component that mutates them.
// Each operation runs as one database transaction; if any precondition or
// the value transfer fails, no write from that operation persists.
type LedgerService struct {
	repo      repositories.LedgerRepository
	treasury  treasury.Treasury
	cache     *cache.RedisCache
	elastic   *search.ElasticClient
	publisher messaging.Publisher
	metrics   *metrics.Metrics
	tracer    tracing.Tracer
}

// NewLedgerService creates a new ledger service. The cache, search client,
// publisher, metrics and tracer are optional; nil disables that concern.
func NewLedgerService(
	repo repositories.LedgerRepository,
	treas treasury.Treasury,
	redisCache *cache.RedisCache,
	elasticClient *search.ElasticClient,
	publisher messaging.Publisher,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *LedgerService {
	return &LedgerService{
		repo:      repo,
		treasury:  treas,
		cache:     redisCache,
		elastic:   elasticClient,
		publisher: publisher,
		metrics:   metricsCollector,
		tracer:    tracer,
	}
}

// CreateEvent registers a new event owned by the caller and returns its id.
// Inventory starts full; organizer, total and price are immutable after this.
func (s *LedgerService) CreateEvent(ctx context.Context, caller models.Identity, totalTickets, price uint64) (uint64, error) {
	txn := s.startTxn("ledger-create-event")
	defer s.endTxn(txn)
	defer s.observe("ledger.create_event", time.Now())

	if totalTickets == 0 {
		return 0, models.ErrInvalidTicketCount
	}
	if price == 0 {
		return 0, models.ErrInvalidPrice
	}

	var eventID uint64
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		id, err := s.repo.NextID(ctx, models.CounterEvents)
		if err != nil {
			return err
		}

		event := models.Event{
			ID:               id,
			Organizer:        caller,
			TotalTickets:     totalTickets,
			Price:            price,
			TicketsRemaining: totalTickets,
		}
		if err := s.repo.CreateEvent(ctx, event); err != nil {
			return err
		}

		eventID = id
		return nil
	})
	if err != nil {
		s.recordError(txn, err)
		return 0, err
	}

	s.count("ledger.events.created")
	log.Info().
		Uint64("event_id", eventID).
		Str("organizer", string(caller)).
		Uint64("total_tickets", totalTickets).
		Uint64("price", price).
		Msg("Event created")

	return eventID, nil
}

// BuyTicket sells one ticket of the event to the caller and returns the new
// ticket id. The price moves caller to organizer through the treasury; the
// treasury's outcome is the authoritative gate, the balance check before it
// only avoids a doomed transfer attempt.
func (s *LedgerService) BuyTicket(ctx context.Context, caller models.Identity, eventID uint64) (uint64, error) {
	txn := s.startTxn("ledger-buy-ticket")
	defer s.endTxn(txn)
	defer s.observe("ledger.buy_ticket", time.Now())

	var (
		ticketID uint64
		ticket   models.Ticket
		event    models.Event
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		ev, err := s.repo.GetEventForUpdate(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.TicketsRemaining == 0 {
			return models.ErrSoldOut
		}

		balance, err := s.treasury.BalanceOf(ctx, caller)
		if err != nil {
			return err
		}
		if balance < ev.Price {
			return models.ErrInsufficientBalance
		}

		if err := s.treasury.Transfer(ctx, ev.Price, caller, ev.Organizer); err != nil {
			return errors.WithMessage(models.ErrTransferFailed, err.Error())
		}

		id, err := s.repo.NextID(ctx, models.CounterTickets)
		if err != nil {
			return err
		}
		tk := models.Ticket{
			ID:      id,
			EventID: ev.ID,
			Owner:   caller,
		}
		if err := s.repo.CreateTicket(ctx, tk); err != nil {
			return err
		}

		ev.TicketsRemaining--
		if err := s.repo.SaveEvent(ctx, ev); err != nil {
			return err
		}

		ticketID = id
		ticket = tk
		event = ev
		return nil
	})
	if err != nil {
		s.recordError(txn, err)
		return 0, err
	}

	s.count("ledger.tickets.sold")
	s.invalidate(ctx, cache.GetEventCacheKey(eventID), cache.GetAccountCacheKey(caller), cache.GetAccountCacheKey(event.Organizer))
	s.publish(ctx, messaging.TicketEvent{
		Type:         messaging.EventTicketSold,
		EventID:      eventID,
		TicketID:     ticketID,
		Owner:        caller,
		Counterparty: event.Organizer,
		Amount:       event.Price,
		OccurredAt:   time.Now().UTC(),
	})
	s.indexSale(ctx, ticket, event)

	log.Info().
		Uint64("ticket_id", ticketID).
		Uint64("event_id", eventID).
		Str("buyer", string(caller)).
		Uint64("price", event.Price).
		Msg("Ticket sold")

	return ticketID, nil
}

// TransferTicket reassigns ownership of the caller's ticket. No value moves;
// this is not a sale. Transferring to oneself is allowed.
func (s *LedgerService) TransferTicket(ctx context.Context, caller models.Identity, ticketID uint64, newOwner models.Identity) error {
	txn := s.startTxn("ledger-transfer-ticket")
	defer s.endTxn(txn)
	defer s.observe("ledger.transfer_ticket", time.Now())

	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		ticket, err := s.repo.GetTicketForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}
		if ticket.Owner != caller {
			return models.ErrUnauthorized
		}

		ticket.Owner = newOwner
		return s.repo.SaveTicket(ctx, ticket)
	})
	if err != nil {
		s.recordError(txn, err)
		return err
	}

	s.count("ledger.tickets.transferred")
	s.invalidate(ctx, cache.GetTicketCacheKey(ticketID))
	s.publish(ctx, messaging.TicketEvent{
		Type:         messaging.EventTicketTransferred,
		TicketID:     ticketID,
		Owner:        newOwner,
		Counterparty: caller,
		OccurredAt:   time.Now().UTC(),
	})

	log.Info().
		Uint64("ticket_id", ticketID).
		Str("from", string(caller)).
		Str("to", string(newOwner)).
		Msg("Ticket transferred")

	return nil
}

// RefundTicket reverses a sale: the organizer pays the current holder the
// event price, the ticket is deleted for good and one unit returns to the
// event's inventory. Refund authority rests with the organizer, not the
// ticket's owner. The deleted id is never reissued.
func (s *LedgerService) RefundTicket(ctx context.Context, caller models.Identity, ticketID uint64) error {
	txn := s.startTxn("ledger-refund-ticket")
	defer s.endTxn(txn)
	defer s.observe("ledger.refund_ticket", time.Now())

	var (
		holder  models.Identity
		eventID uint64
		price   uint64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		ticket, err := s.repo.GetTicketForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}

		event, err := s.repo.GetEventForUpdate(ctx, ticket.EventID)
		if errors.Is(err, models.ErrEventNotFound) {
			return models.ErrCorruptedReference
		}
		if err != nil {
			return err
		}
		if event.Organizer != caller {
			return models.ErrUnauthorized
		}

		if err := s.treasury.Transfer(ctx, event.Price, caller, ticket.Owner); err != nil {
			return errors.WithMessage(models.ErrTransferFailed, err.Error())
		}

		if err := s.repo.DeleteTicket(ctx, ticket.ID); err != nil {
			return err
		}
		event.TicketsRemaining++
		if err := s.repo.SaveEvent(ctx, event); err != nil {
			return err
		}

		holder = ticket.Owner
		eventID = event.ID
		price = event.Price
		return nil
	})
	if err != nil {
		s.recordError(txn, err)
		return err
	}

	s.count("ledger.tickets.refunded")
	s.invalidate(ctx, cache.GetTicketCacheKey(ticketID), cache.GetEventCacheKey(eventID), cache.GetAccountCacheKey(caller), cache.GetAccountCacheKey(holder))
	s.publish(ctx, messaging.TicketEvent{
		Type:         messaging.EventTicketRefunded,
		EventID:      eventID,
		TicketID:     ticketID,
		Owner:        holder,
		Counterparty: caller,
		Amount:       price,
		OccurredAt:   time.Now().UTC(),
	})
	s.markRefunded(ctx, ticketID)

	log.Info().
		Uint64("ticket_id", ticketID).
		Uint64("event_id", eventID).
		Str("holder", string(holder)).
		Uint64("price", price).
		Msg("Ticket refunded")

	return nil
}

// GetEvent returns an event, served from cache when possible
func (s *LedgerService) GetEvent(ctx context.Context, id uint64) (models.Event, error) {
	key := cache.GetEventCacheKey(id)
	if s.cache != nil {
		var event models.Event
		if err := s.cache.Get(ctx, key, &event); err == nil {
			return event, nil
		}
	}

	event, err := s.repo.GetEvent(ctx, id)
	if err != nil {
		return models.Event{}, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, event, eventCacheTTL); err != nil {
			log.Warn().Err(err).Uint64("event_id", id).Msg("Failed to cache event")
		}
	}
	return event, nil
}

// GetTicket returns a ticket, served from cache when possible
func (s *LedgerService) GetTicket(ctx context.Context, id uint64) (models.Ticket, error) {
	key := cache.GetTicketCacheKey(id)
	if s.cache != nil {
		var ticket models.Ticket
		if err := s.cache.Get(ctx, key, &ticket); err == nil {
			return ticket, nil
		}
	}

	ticket, err := s.repo.GetTicket(ctx, id)
	if err != nil {
		return models.Ticket{}, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, ticket, eventCacheTTL); err != nil {
			log.Warn().Err(err).Uint64("ticket_id", id).Msg("Failed to cache ticket")
		}
	}
	return ticket, nil
}

// SearchSales queries the sale search index
func (s *LedgerService) SearchSales(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error) {
	if s.elastic == nil {
		return nil, errors.New("search is not configured")
	}
	return s.elastic.SearchSales(ctx, query)
}

func (s *LedgerService) startTxn(name string) *newrelic.Transaction {
	if s.tracer == nil {
		return nil
	}
	return s.tracer.StartTransaction(name)
}

func (s *LedgerService) endTxn(txn *newrelic.Transaction) {
	if s.tracer == nil {
		return
	}
	s.tracer.EndTransaction(txn)
}

func (s *LedgerService) recordError(txn *newrelic.Transaction, err error) {
	if s.tracer == nil {
		return
	}
	s.tracer.RecordError(txn, err)
}

func (s *LedgerService) count(name string) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncrementCounter(name)
}

func (s *LedgerService) observe(name string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveDuration(name, time.Since(start))
}

// Side channels below run after the transaction committed. They are
// best-effort: the ledger state is already final, so failures are logged
// and never surfaced to the caller.

func (s *LedgerService) invalidate(ctx context.Context, keys ...string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		log.Warn().Err(err).Msg("Failed to invalidate cache")
	}
}

func (s *LedgerService) publish(ctx context.Context, event messaging.TicketEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishTicketEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("type", event.Type).Msg("Failed to publish ticket event")
	}
}

func (s *LedgerService) indexSale(ctx context.Context, ticket models.Ticket, event models.Event) {
	if s.elastic == nil {
		return
	}
	if err := s.elastic.IndexSale(ctx, ticket, event); err != nil {
		log.Warn().Err(err).Uint64("ticket_id", ticket.ID).Msg("Failed to index sale")
	}
}

func (s *LedgerService) markRefunded(ctx context.Context, ticketID uint64) {
	if s.elastic == nil {
		return
	}
	if err := s.elastic.MarkRefunded(ctx, ticketID); err != nil {
		log.Warn().Err(err).Uint64("ticket_id", ticketID).Msg("Failed to mark sale refunded")
	}
}
