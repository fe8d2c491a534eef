package handlers

import (
	"context"
	"net/http"
	"strconv"

	"example.com/backstage/services/tickets/internal/api/middleware"
	"example.com/backstage/services/tickets/internal/models"
	"example.com/backstage/services/tickets/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Ledger is the surface of the ledger service the HTTP layer needs.
type Ledger interface {
	CreateEvent(ctx context.Context, caller models.Identity, totalTickets, price uint64) (uint64, error)
	BuyTicket(ctx context.Context, caller models.Identity, eventID uint64) (uint64, error)
	TransferTicket(ctx context.Context, caller models.Identity, ticketID uint64, newOwner models.Identity) error
	RefundTicket(ctx context.Context, caller models.Identity, ticketID uint64) error
	GetEvent(ctx context.Context, id uint64) (models.Event, error)
	GetTicket(ctx context.Context, id uint64) (models.Ticket, error)
	SearchSales(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error)
}

// LedgerHandler handles ledger HTTP requests
type LedgerHandler struct {
	ledger Ledger
	tracer tracing.Tracer
}

// NewLedgerHandler creates a new ledger handler
func NewLedgerHandler(ledger Ledger, tracer tracing.Tracer) *LedgerHandler {
	return &LedgerHandler{
		ledger: ledger,
		tracer: tracer,
	}
}

// CreateEventRequest is the body for event creation
type CreateEventRequest struct {
	TotalTickets uint64 `json:"total_tickets"`
	Price        uint64 `json:"price"`
}

// TransferTicketRequest is the body for ticket transfer
type TransferTicketRequest struct {
	NewOwner string `json:"new_owner" binding:"required"`
}

// CreateEvent handles POST /api/v1/events
func (h *LedgerHandler) CreateEvent(c *gin.Context) {
	txn := h.startTxn("api-create-event")
	defer h.endTxn(txn)

	caller, ok := middleware.CallerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "caller not identified"})
		return
	}

	var req CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.addAttribute(txn, "organizer", string(caller))
	h.addAttribute(txn, "total_tickets", req.TotalTickets)

	eventID, err := h.ledger.CreateEvent(c.Request.Context(), caller, req.TotalTickets, req.Price)
	if err != nil {
		h.recordError(txn, err)
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"event_id": eventID})
}

// BuyTicket handles POST /api/v1/events/:id/purchase
func (h *LedgerHandler) BuyTicket(c *gin.Context) {
	txn := h.startTxn("api-purchase-ticket")
	defer h.endTxn(txn)

	caller, ok := middleware.CallerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "caller not identified"})
		return
	}

	eventID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	h.addAttribute(txn, "buyer", string(caller))
	h.addAttribute(txn, "event_id", eventID)

	ticketID, err := h.ledger.BuyTicket(c.Request.Context(), caller, eventID)
	if err != nil {
		h.recordError(txn, err)
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"ticket_id": ticketID})
}

// TransferTicket handles POST /api/v1/tickets/:id/transfer
func (h *LedgerHandler) TransferTicket(c *gin.Context) {
	caller, ok := middleware.CallerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "caller not identified"})
		return
	}

	ticketID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ticket id"})
		return
	}

	var req TransferTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.ledger.TransferTicket(c.Request.Context(), caller, ticketID, models.Identity(req.NewOwner)); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RefundTicket handles POST /api/v1/tickets/:id/refund
func (h *LedgerHandler) RefundTicket(c *gin.Context) {
	caller, ok := middleware.CallerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "caller not identified"})
		return
	}

	ticketID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ticket id"})
		return
	}

	if err := h.ledger.RefundTicket(c.Request.Context(), caller, ticketID); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetEvent handles GET /api/v1/events/:id
func (h *LedgerHandler) GetEvent(c *gin.Context) {
	eventID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	event, err := h.ledger.GetEvent(c.Request.Context(), eventID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, event)
}

// GetTicket handles GET /api/v1/tickets/:id
func (h *LedgerHandler) GetTicket(c *gin.Context) {
	ticketID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ticket id"})
		return
	}

	ticket, err := h.ledger.GetTicket(c.Request.Context(), ticketID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, ticket)
}

// SearchSales handles GET /api/v1/sales/search
func (h *LedgerHandler) SearchSales(c *gin.Context) {
	query := map[string]interface{}{
		"query": map[string]interface{}{"match_all": map[string]interface{}{}},
	}
	if owner := c.Query("owner"); owner != "" {
		query["query"] = map[string]interface{}{
			"term": map[string]interface{}{"owner": owner},
		}
	} else if eventID := c.Query("event_id"); eventID != "" {
		query["query"] = map[string]interface{}{
			"term": map[string]interface{}{"event_id": eventID},
		}
	}

	docs, err := h.ledger.SearchSales(c.Request.Context(), query)
	if err != nil {
		log.Error().Err(err).Msg("Sale search failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": docs})
}

// RegisterRoutes registers the handler's routes
func (h *LedgerHandler) RegisterRoutes(api *gin.RouterGroup, authed *gin.RouterGroup) {
	authed.POST("/events", h.CreateEvent)
	authed.POST("/events/:id/purchase", h.BuyTicket)
	authed.POST("/tickets/:id/transfer", h.TransferTicket)
	authed.POST("/tickets/:id/refund", h.RefundTicket)

	api.GET("/events/:id", h.GetEvent)
	api.GET("/tickets/:id", h.GetTicket)
	api.GET("/sales/search", h.SearchSales)
}

func (h *LedgerHandler) startTxn(name string) *newrelic.Transaction {
	if h.tracer == nil {
		return nil
	}
	return h.tracer.StartTransaction(name)
}

func (h *LedgerHandler) endTxn(txn *newrelic.Transaction) {
	if h.tracer == nil {
		return
	}
	h.tracer.EndTransaction(txn)
}

func (h *LedgerHandler) recordError(txn *newrelic.Transaction, err error) {
	if h.tracer == nil {
		return
	}
	h.tracer.RecordError(txn, err)
}

func (h *LedgerHandler) addAttribute(txn *newrelic.Transaction, key string, value interface{}) {
	if h.tracer == nil {
		return
	}
	h.tracer.AddAttribute(txn, key, value)
}

func (h *LedgerHandler) fail(c *gin.Context, err error) {
	status := statusForError(err)
	if status >= 500 {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Ledger operation failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// statusForError maps ledger failure kinds to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidTicketCount),
		errors.Is(err, models.ErrInvalidPrice):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrEventNotFound),
		errors.Is(err, models.ErrTicketNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrSoldOut),
		errors.Is(err, models.ErrInsufficientBalance),
		errors.Is(err, models.ErrTransferFailed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parseID(raw string) (uint64, error) {
	return strconv.ParseUint(raw, 10, 64)
}
