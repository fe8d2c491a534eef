package handlers

import (
	"net/http"

	"example.com/backstage/services/tickets/internal/models"
	"example.com/backstage/services/tickets/internal/treasury"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// AccountHandler exposes treasury account operations
type AccountHandler struct {
	treasury treasury.Treasury
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(treas treasury.Treasury) *AccountHandler {
	return &AccountHandler{treasury: treas}
}

// DepositRequest is the body for an account deposit
type DepositRequest struct {
	Amount uint64 `json:"amount" binding:"required"`
}

// GetBalance handles GET /api/v1/accounts/:id
func (h *AccountHandler) GetBalance(c *gin.Context) {
	id := models.Identity(c.Param("id"))

	balance, err := h.treasury.BalanceOf(c.Request.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("account", string(id)).Msg("Failed to read balance")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read balance"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": id, "balance": balance})
}

// Deposit handles POST /api/v1/accounts/:id/deposit
func (h *AccountHandler) Deposit(c *gin.Context) {
	id := models.Identity(c.Param("id"))

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.treasury.Deposit(c.Request.Context(), id, req.Amount); err != nil {
		if err == treasury.ErrZeroAmount {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Str("account", string(id)).Msg("Deposit failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deposit failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RegisterRoutes registers the handler's routes. Deposits mutate balances,
// so they sit behind caller identification with the other mutations.
func (h *AccountHandler) RegisterRoutes(api, authed *gin.RouterGroup) {
	api.GET("/accounts/:id", h.GetBalance)
	authed.POST("/accounts/:id/deposit", h.Deposit)
}
