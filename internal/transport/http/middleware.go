package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-companion/internal/auth"
	"github.com/vovakirdan/wirechat-companion/internal/metrics"
)

const (
	// ContextKeyIdentity is the context key for storing the verified auth.Identity.
	ContextKeyIdentity = "identity"
	// ContextKeyUserID is the context key for storing user ID.
	ContextKeyUserID = "user_id"
)

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// AuthMiddleware verifies the bearer credential through the gate.
func AuthMiddleware(gate *auth.Gate, logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))

		identity, err := gate.Verify(c.Request.Context(), token)
		if err != nil {
			var gateErr *auth.GateError
			if errors.As(err, &gateErr) {
				logger.Debug().Str("reason", gateErr.Reason).Str("path", c.Request.URL.Path).Msg("api request rejected")
				c.AbortWithStatusJSON(gateErr.HTTPStatus(), ErrorResponse{Error: gateErr.Reason, Message: gateErr.Summary()})
				return
			}
			logger.Error().Err(err).Msg("credential verification failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
			return
		}

		c.Set(ContextKeyIdentity, *identity)
		c.Set(ContextKeyUserID, identity.UserID)

		c.Next()
	}
}

func identityFrom(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(ContextKeyIdentity)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := v.(auth.Identity)
	return identity, ok
}

// LoggerMiddleware creates a middleware that logs HTTP requests.
func LoggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}

// MetricsMiddleware records request counts and latency per route template.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
