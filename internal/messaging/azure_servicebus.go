package messaging

import (
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/services/tickets/config"
	"example.com/backstage/services/tickets/internal/models"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Ticket lifecycle event types published after a ledger operation commits.
const (
	EventTicketSold        = "ticket.sold"
	EventTicketTransferred = "ticket.transferred"
	EventTicketRefunded    = "ticket.refunded"
)

// TicketEvent is the message body emitted on the lifecycle topic
type TicketEvent struct {
	Type         string          `json:"type"`
	EventID      uint64          `json:"event_id"`
	TicketID     uint64          `json:"ticket_id"`
	Owner        models.Identity `json:"owner"`
	Counterparty models.Identity `json:"counterparty,omitempty"`
	Amount       uint64          `json:"amount,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// PurchaseMessage is the payload consumed from the purchase intake queue
type PurchaseMessage struct {
	EventID        uint64          `json:"event_id"`
	Buyer          models.Identity `json:"buyer"`
	IdempotencyKey uuid.UUID       `json:"idempotency_key"`
}

// Publisher sends ticket lifecycle events
type Publisher interface {
	PublishTicketEvent(ctx context.Context, event TicketEvent) error
	Close(ctx context.Context) error
}

// ServiceBusPublisher implements Publisher on an Azure Service Bus queue
type ServiceBusPublisher struct {
	client *azservicebus.Client
	sender *azservicebus.Sender
}

// NewServiceBusPublisher creates a new lifecycle event publisher
func NewServiceBusPublisher(cfg config.AzureConfig) (*ServiceBusPublisher, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.LifecycleQueue, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &ServiceBusPublisher{
		client: client,
		sender: sender,
	}, nil
}

// PublishTicketEvent sends a lifecycle event to the queue
func (p *ServiceBusPublisher) PublishTicketEvent(ctx context.Context, event TicketEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal ticket event")
	}

	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"type": event.Type,
			"time": event.OccurredAt.UTC().Format(time.RFC3339),
		},
	}

	return p.sender.SendMessage(ctx, msg, nil)
}

// Close closes the sender and client
func (p *ServiceBusPublisher) Close(ctx context.Context) error {
	if err := p.sender.Close(ctx); err != nil {
		return errors.Wrap(err, "failed to close Service Bus sender")
	}
	return p.client.Close(ctx)
}

// Processor consumes purchase payloads from the intake queue
type Processor struct {
	client   *azservicebus.Client
	receiver *azservicebus.Receiver
	queue    string
}

// NewProcessor creates a new purchase intake processor
func NewProcessor(cfg config.AzureConfig) (*Processor, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	receiver, err := client.NewReceiverForQueue(cfg.PurchaseQueue, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus receiver")
	}

	return &Processor{
		client:   client,
		receiver: receiver,
		queue:    cfg.PurchaseQueue,
	}, nil
}

// ProcessMessages receives from the queue until ctx is done, invoking
// handler once per message. Handled messages are completed; failed ones are
// abandoned so the bus redelivers them.
func (p *Processor) ProcessMessages(ctx context.Context, handler func(ctx context.Context, msg *azservicebus.ReceivedMessage) error) error {
	for {
		messages, err := p.receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "failed to receive messages")
		}

		for _, msg := range messages {
			if err := handler(ctx, msg); err != nil {
				log.Error().Err(err).Str("queue", p.queue).Msg("Failed to process message")
				if abandonErr := p.receiver.AbandonMessage(ctx, msg, nil); abandonErr != nil {
					log.Error().Err(abandonErr).Msg("Failed to abandon message")
				}
				continue
			}
			if err := p.receiver.CompleteMessage(ctx, msg, nil); err != nil {
				log.Error().Err(err).Msg("Failed to complete message")
			}
		}
	}
}

// Close closes the receiver and client
func (p *Processor) Close(ctx context.Context) error {
	if err := p.receiver.Close(ctx); err != nil {
		return errors.Wrap(err, "failed to close Service Bus receiver")
	}
	return p.client.Close(ctx)
}
