package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"example.com/backstage/services/tickets/internal/api/middleware"
	"example.com/backstage/services/tickets/internal/models"
	"example.com/backstage/services/tickets/internal/treasury"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type stubTreasury struct {
	balances   map[models.Identity]uint64
	depositErr error
}

func (s *stubTreasury) Transfer(ctx context.Context, amount uint64, from, to models.Identity) error {
	return nil
}

func (s *stubTreasury) BalanceOf(ctx context.Context, id models.Identity) (uint64, error) {
	return s.balances[id], nil
}

func (s *stubTreasury) Deposit(ctx context.Context, id models.Identity, amount uint64) error {
	if s.depositErr != nil {
		return s.depositErr
	}
	if s.balances == nil {
		s.balances = make(map[models.Identity]uint64)
	}
	s.balances[id] += amount
	return nil
}

func newAccountRouter(treas treasury.Treasury) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	api := router.Group("/api/v1")
	authed := api.Group("")
	authed.Use(middleware.CallerIdentity())
	NewAccountHandler(treas).RegisterRoutes(api, authed)
	return router
}

func TestGetBalance(t *testing.T) {
	t.Parallel()

	stub := &stubTreasury{balances: map[models.Identity]uint64{"buyer-1": 250}}
	router := newAccountRouter(stub)

	t.Run("funded account", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/buyer-1", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		require.JSONEq(t, `{"account": "buyer-1", "balance": 250}`, w.Body.String())
	})

	t.Run("unknown account reads as zero", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/nobody", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		require.JSONEq(t, `{"account": "nobody", "balance": 0}`, w.Body.String())
	})
}

func TestDeposit(t *testing.T) {
	t.Parallel()

	t.Run("credits the account", func(t *testing.T) {
		stub := &stubTreasury{}
		router := newAccountRouter(stub)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts/buyer-1/deposit",
			strings.NewReader(`{"amount": 100}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Caller-ID", "admin")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, uint64(100), stub.balances["buyer-1"])
	})

	t.Run("rejects a deposit without a caller", func(t *testing.T) {
		stub := &stubTreasury{}
		router := newAccountRouter(stub)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts/buyer-1/deposit",
			strings.NewReader(`{"amount": 100}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusUnauthorized, w.Code)
		require.Empty(t, stub.balances)
	})

	t.Run("rejects a zero amount", func(t *testing.T) {
		stub := &stubTreasury{depositErr: treasury.ErrZeroAmount}
		router := newAccountRouter(stub)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts/buyer-1/deposit",
			strings.NewReader(`{"amount": 1}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Caller-ID", "admin")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects a missing amount", func(t *testing.T) {
		router := newAccountRouter(&stubTreasury{})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts/buyer-1/deposit",
			strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Caller-ID", "admin")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}
