package middleware

import (
	"time"

	"example.com/backstage/services/tickets/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	callerKey       = "caller"
	requestIDHeader = "X-Request-ID"
	callerHeader    = "X-Caller-ID"
)

// RequestLogger logs each request with its latency, status and request id.
// A request id is generated when the client does not send one.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header(requestIDHeader, requestID)

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		entry := log.With().
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("request_id", requestID).
			Logger()

		switch {
		case status >= 500:
			entry.Error().Msg("Server error")
		case status >= 400:
			entry.Warn().Msg("Client error")
		default:
			entry.Info().Msg("Request processed")
		}
	}
}

// CallerIdentity extracts the authenticated caller from the X-Caller-ID
// header and stores it in the request context. Requests without a caller
// are rejected; every ledger operation is attributed to exactly one
// identity for its whole duration.
func CallerIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetHeader(callerHeader)
		if caller == "" {
			c.AbortWithStatusJSON(401, gin.H{"error": "missing " + callerHeader + " header"})
			return
		}
		c.Set(callerKey, models.Identity(caller))
		c.Next()
	}
}

// CallerFromContext returns the caller identity set by CallerIdentity.
func CallerFromContext(c *gin.Context) (models.Identity, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return "", false
	}
	caller, ok := v.(models.Identity)
	return caller, ok
}
