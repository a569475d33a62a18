package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/spotter-app/spotter-server/internal/auth"
	"github.com/spotter-app/spotter-server/internal/config"
	"github.com/spotter-app/spotter-server/internal/core"
	"github.com/spotter-app/spotter-server/internal/relay"
	"github.com/spotter-app/spotter-server/internal/service/invitations"
	"github.com/spotter-app/spotter-server/internal/store"
	"github.com/spotter-app/spotter-server/internal/store/sqlite"
	transporthttp "github.com/spotter-app/spotter-server/internal/transport/http"
)

const tokenTTL = 24 * time.Hour

// App wires together the chat core, its storage and the transport layer.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	store           store.Store
	relay           *relay.Redis
	log             *zerolog.Logger
}

// JWTConfig builds the token settings shared by the server and the token command.
func JWTConfig(cfg *config.Config) *auth.JWTConfig {
	return &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      tokenTTL,
	}
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	authService := auth.NewService(JWTConfig(cfg))

	opts := []core.Option{
		core.WithLogger(logger),
		core.WithTokenValidator(authService, cfg.JWTRequired),
		core.WithSendTimeout(cfg.SendTimeout),
		core.WithHistoryLimit(cfg.HistoryLimit),
		core.WithMaxTextLength(cfg.MaxTextLength),
	}

	var rel *relay.Redis
	if cfg.RedisAddr != "" {
		rel, err = relay.NewRedis(ctx, relay.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Channel:  cfg.RedisChannel,
		}, logger)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("init relay: %w", err)
		}
		opts = append(opts, core.WithRelay(rel))
		logger.Info().Str("redis_addr", cfg.RedisAddr).Str("channel", cfg.RedisChannel).Msg("redis relay enabled")
	}

	hub := core.NewHub(st, opts...)
	server := transporthttp.NewServer(cfg, transporthttp.Deps{
		Hub:         hub,
		Auth:        authService,
		Invitations: invitations.New(st, hub, logger),
	}, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		store:           st,
		relay:           rel,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and the hub, and blocks until context
// cancellation or the first fatal error.
func (a *App) Run(ctx context.Context) error {
	defer a.cleanup()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.hub.Run(gctx)
	})

	g.Go(func() error {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close relay")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
