package repositories

import (
	"context"

	"example.com/backstage/services/tickets/internal/database"
	"example.com/backstage/services/tickets/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerRepository is the ledger service's exclusive view of the event and
// ticket tables plus the id counters. Nothing else reads or writes them.
type LedgerRepository interface {
	// WithTx runs fn as one atomic unit; every repository call made with
	// the context fn receives joins the same transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	GetEvent(ctx context.Context, id uint64) (models.Event, error)
	GetEventForUpdate(ctx context.Context, id uint64) (models.Event, error)
	CreateEvent(ctx context.Context, event models.Event) error
	// SaveEvent writes the whole event record back; callers read, copy with
	// the one field changed, and write back.
	SaveEvent(ctx context.Context, event models.Event) error
	ListEvents(ctx context.Context) ([]models.Event, error)

	GetTicket(ctx context.Context, id uint64) (models.Ticket, error)
	GetTicketForUpdate(ctx context.Context, id uint64) (models.Ticket, error)
	CreateTicket(ctx context.Context, ticket models.Ticket) error
	SaveTicket(ctx context.Context, ticket models.Ticket) error
	DeleteTicket(ctx context.Context, id uint64) error
	CountTicketsByEvent(ctx context.Context) (map[uint64]uint64, error)

	// NextID consumes and advances the named counter, returning the
	// consumed value. Must be called inside WithTx.
	NextID(ctx context.Context, name string) (uint64, error)

	// ClaimMessage records an intake message key, returning false when
	// the key was already claimed. Must be called inside WithTx with the
	// operation it guards, so the claim and the operation commit or roll
	// back together.
	ClaimMessage(ctx context.Context, key uuid.UUID) (bool, error)
}

// GormLedgerRepository implements LedgerRepository on a gorm database.
type GormLedgerRepository struct {
	db *gorm.DB
}

// NewGormLedgerRepository creates a new ledger repository
func NewGormLedgerRepository(db *gorm.DB) *GormLedgerRepository {
	return &GormLedgerRepository{db: db}
}

func (r *GormLedgerRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return database.WithTx(ctx, r.db, fn)
}

func (r *GormLedgerRepository) GetEvent(ctx context.Context, id uint64) (models.Event, error) {
	var event models.Event
	err := database.FromContext(ctx, r.db).First(&event, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Event{}, models.ErrEventNotFound
	}
	if err != nil {
		return models.Event{}, errors.Wrap(err, "failed to get event")
	}
	return event, nil
}

func (r *GormLedgerRepository) GetEventForUpdate(ctx context.Context, id uint64) (models.Event, error) {
	var event models.Event
	err := database.FromContext(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&event, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Event{}, models.ErrEventNotFound
	}
	if err != nil {
		return models.Event{}, errors.Wrap(err, "failed to lock event")
	}
	return event, nil
}

func (r *GormLedgerRepository) CreateEvent(ctx context.Context, event models.Event) error {
	if err := database.FromContext(ctx, r.db).Create(&event).Error; err != nil {
		return errors.Wrap(err, "failed to create event")
	}
	return nil
}

func (r *GormLedgerRepository) SaveEvent(ctx context.Context, event models.Event) error {
	if err := database.FromContext(ctx, r.db).Save(&event).Error; err != nil {
		return errors.Wrap(err, "failed to save event")
	}
	return nil
}

func (r *GormLedgerRepository) ListEvents(ctx context.Context) ([]models.Event, error) {
	var events []models.Event
	if err := database.FromContext(ctx, r.db).Order("id").Find(&events).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}
	return events, nil
}

func (r *GormLedgerRepository) GetTicket(ctx context.Context, id uint64) (models.Ticket, error) {
	var ticket models.Ticket
	err := database.FromContext(ctx, r.db).First(&ticket, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Ticket{}, models.ErrTicketNotFound
	}
	if err != nil {
		return models.Ticket{}, errors.Wrap(err, "failed to get ticket")
	}
	return ticket, nil
}

func (r *GormLedgerRepository) GetTicketForUpdate(ctx context.Context, id uint64) (models.Ticket, error) {
	var ticket models.Ticket
	err := database.FromContext(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&ticket, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Ticket{}, models.ErrTicketNotFound
	}
	if err != nil {
		return models.Ticket{}, errors.Wrap(err, "failed to lock ticket")
	}
	return ticket, nil
}

func (r *GormLedgerRepository) CreateTicket(ctx context.Context, ticket models.Ticket) error {
	if err := database.FromContext(ctx, r.db).Create(&ticket).Error; err != nil {
		return errors.Wrap(err, "failed to create ticket")
	}
	return nil
}

func (r *GormLedgerRepository) SaveTicket(ctx context.Context, ticket models.Ticket) error {
	if err := database.FromContext(ctx, r.db).Save(&ticket).Error; err != nil {
		return errors.Wrap(err, "failed to save ticket")
	}
	return nil
}

func (r *GormLedgerRepository) DeleteTicket(ctx context.Context, id uint64) error {
	result := database.FromContext(ctx, r.db).Delete(&models.Ticket{}, "id = ?", id)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to delete ticket")
	}
	if result.RowsAffected == 0 {
		return models.ErrTicketNotFound
	}
	return nil
}

func (r *GormLedgerRepository) CountTicketsByEvent(ctx context.Context) (map[uint64]uint64, error) {
	var rows []struct {
		EventID uint64
		Count   uint64
	}
	err := database.FromContext(ctx, r.db).
		Model(&models.Ticket{}).
		Select("event_id, count(*) as count").
		Group("event_id").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to count tickets by event")
	}

	counts := make(map[uint64]uint64, len(rows))
	for _, row := range rows {
		counts[row.EventID] = row.Count
	}
	return counts, nil
}

func (r *GormLedgerRepository) NextID(ctx context.Context, name string) (uint64, error) {
	db := database.FromContext(ctx, r.db)

	var counter models.Counter
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&counter, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		counter = models.Counter{Name: name, Value: 0}
		if err := db.Create(&counter).Error; err != nil {
			return 0, errors.Wrap(err, "failed to create counter")
		}
	} else if err != nil {
		return 0, errors.Wrap(err, "failed to lock counter")
	}

	id := counter.Value
	counter.Value++
	if err := db.Save(&counter).Error; err != nil {
		return 0, errors.Wrap(err, "failed to advance counter")
	}
	return id, nil
}

func (r *GormLedgerRepository) ClaimMessage(ctx context.Context, key uuid.UUID) (bool, error) {
	record := models.ProcessedMessage{Key: key}
	result := database.FromContext(ctx, r.db).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to claim message key")
	}
	return result.RowsAffected == 1, nil
}
