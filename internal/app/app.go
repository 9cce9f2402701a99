package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-companion/internal/auth"
	"github.com/vovakirdan/wirechat-companion/internal/config"
	"github.com/vovakirdan/wirechat-companion/internal/core"
	"github.com/vovakirdan/wirechat-companion/internal/store"
	"github.com/vovakirdan/wirechat-companion/internal/store/memory"
	"github.com/vovakirdan/wirechat-companion/internal/store/redis"
	transporthttp "github.com/vovakirdan/wirechat-companion/internal/transport/http"
	"github.com/vovakirdan/wirechat-companion/internal/upstream"
)

const storeConnectTimeout = 5 * time.Second

// App wires together core and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	store           store.SessionStore
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("driver", cfg.CacheDriver).Msg("session store initialized")

	backend, err := upstream.New(upstream.Options{
		BaseURL:            cfg.APIBaseURL,
		Timeout:            cfg.UpstreamTimeout,
		BreakerMaxFailures: cfg.BreakerMaxFailures,
		BreakerOpenTimeout: cfg.BreakerOpenTimeout,
		Logger:             logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init upstream: %w", err)
	}

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	}
	gate := auth.NewGate(jwtConfig, backend, st, logger)

	registry := core.NewRegistry()
	router := core.NewRouter(registry, backend, st, logger)
	pipeline := core.NewPipeline(registry, backend, st, core.PipelineConfig{
		MaxMessageLength: cfg.MaxMessageLength,
		RateLimit:        cfg.RateLimitMessages,
		RateWindow:       cfg.RateLimitWindow,
		BackendTimeout:   cfg.BackendTimeout,
	}, logger)
	hub := core.NewHub(registry, router, pipeline, st, logger)

	server := transporthttp.NewServer(hub, gate, st, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		store:           st,
		log:             logger,
	}, nil
}

func openStore(cfg *config.Config) (store.SessionStore, error) {
	limits := store.Limits{
		SessionTTL: cfg.SessionTTL,
		RoomTTL:    cfg.RoomCacheTTL,
		MessageTTL: cfg.MessageCacheTTL,
		MessageCap: cfg.MessageCacheSize,
		ContextTTL: cfg.ContextTTL,
		ContextCap: cfg.ContextSize,
	}

	if cfg.CacheDriver == config.CacheDriverMemory {
		return memory.New(limits), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeConnectTimeout)
	defer cancel()
	return redis.New(ctx, cfg.RedisURL, limits)
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		a.hub.Run(hubCtx)
		close(hubDone)
	}()

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		stopHub()
		<-hubDone
		drainCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()
		if drainErr := a.hub.Drain(drainCtx); drainErr != nil {
			a.log.Warn().Msg("in-flight work did not finish before the shutdown timeout")
		}
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		shutdownErr := a.server.Shutdown(shutdownCtx)

		// Hijacked websocket connections are not tracked by Shutdown; the
		// hub closes them and drains in-flight backend calls.
		stopHub()
		<-hubDone
		if err := a.hub.Drain(shutdownCtx); err != nil {
			a.log.Warn().Msg("in-flight work did not finish before the shutdown timeout")
		}

		a.cleanup()
		if shutdownErr != nil {
			return shutdownErr
		}
		return <-serverErr
	}
}

// cleanup closes the session store.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
