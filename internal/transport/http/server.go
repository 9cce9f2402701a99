package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-companion/internal/auth"
	"github.com/vovakirdan/wirechat-companion/internal/config"
	"github.com/vovakirdan/wirechat-companion/internal/core"
)

// NewServer builds the HTTP server: health, metrics, the realtime endpoint
// and the authenticated REST API.
func NewServer(hub *core.Hub, gate *auth.Gate, cache CacheReader, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), MetricsMiddleware())

	router.GET("/health", healthHandler)
	router.GET("/ready", readyHandler(cache, logger))
	if cfg.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	rooms := NewRoomHandlers(hub.Pipeline(), cache, logger)
	api := router.Group("/api")
	api.Use(LoggerMiddleware(logger), AuthMiddleware(gate, logger))
	{
		api.GET("/session", rooms.GetSession)
		api.GET("/rooms/:room_id/messages", rooms.GetHistory)
		api.GET("/rooms/:room_id/snapshot", rooms.GetSnapshot)
	}

	// The websocket endpoint stays off gin: Accept hijacks the connection
	// after writing the 101, which gin's response writer refuses.
	mux := stdhttp.NewServeMux()
	mux.Handle("/ws", NewWSHandler(hub, gate, cfg, logger))
	mux.Handle("/", router)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}

func readyHandler(cache CacheReader, logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := cache.Ping(c.Request.Context()); err != nil {
			logger.Warn().Err(err).Msg("readiness check failed")
			c.JSON(stdhttp.StatusServiceUnavailable, ErrorResponse{Error: "cache_unavailable"})
			return
		}
		c.String(stdhttp.StatusOK, "ready")
	}
}
