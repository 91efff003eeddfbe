package commands

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jakechorley/farm-visits/internal/config"
	"github.com/jakechorley/farm-visits/pkg/core/reconcile"
	"github.com/jakechorley/farm-visits/pkg/core/services"
	"github.com/jakechorley/farm-visits/pkg/db"
	"github.com/jakechorley/farm-visits/pkg/events"
	"github.com/jakechorley/farm-visits/pkg/gateway"
	"github.com/jakechorley/farm-visits/pkg/gateway/httpgateway"
	"github.com/jakechorley/farm-visits/pkg/gateway/storegateway"
	"github.com/jakechorley/farm-visits/pkg/postgres"
	"github.com/jakechorley/farm-visits/pkg/utils"
)

// AppContext holds the application dependencies shared across all commands
type AppContext struct {
	Cfg      *config.Config
	Gateway  gateway.Gateway
	Session  *services.Session
	Postgres *postgres.DB
	Redis    *redis.Client
	Logger   *zap.Logger
	Ctx      context.Context

	cancel context.CancelFunc
}

// NewAppContext builds the gateway for cfg.Backend, wires fill notifications
// when Redis is configured and opens a session for cfg.UserID
func NewAppContext(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*AppContext, error) {
	ctx, cancel := context.WithCancel(ctx)
	app := &AppContext{Cfg: cfg, Logger: logger, Ctx: ctx, cancel: cancel}

	var notifier storegateway.Notifier
	if cfg.Redis.Addr != "" {
		logger.Info("Connecting to redis", zap.String("addr", cfg.Redis.Addr))
		app.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := app.Redis.Ping(ctx).Err(); err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		notifier = events.NewFillPublisher(app.Redis, cfg.Redis.Channel)
	}

	switch cfg.Backend {
	case config.BackendHTTP:
		logger.Info("Using visit service", zap.String("base_url", cfg.HTTP.BaseURL))
		httpCfg := httpgateway.Config{
			BaseURL:           cfg.HTTP.BaseURL,
			APIKey:            cfg.HTTP.APIKey,
			Timeout:           cfg.HTTP.Timeout,
			RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
			Burst:             cfg.HTTP.Burst,
		}
		if cfg.HTTP.OAuth != nil {
			logger.Debug("Authorising with client credentials", zap.String("token_url", cfg.HTTP.OAuth.TokenURL))
			tokenEnv := cfg.Env
			if tokenEnv == "" {
				tokenEnv = "default"
			}
			httpCfg.TokenSource = utils.NewTokenSource(ctx, cfg.HTTP.OAuth, tokenEnv, logger)
		}
		client, err := httpgateway.NewClient(httpCfg, logger)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to create visit service client: %w", err)
		}
		app.Gateway = client

	case config.BackendPostgres:
		logger.Info("Connecting to database")
		pg, err := postgres.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		app.Postgres = pg
		app.Gateway = newStoreGateway(pg, logger, notifier)

	case config.BackendMemory:
		logger.Info("Using in-memory store; visits are lost on exit")
		app.Gateway = newStoreGateway(db.NewMemoryDB(), logger, notifier)

	default:
		app.Close()
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	app.Session = services.NewSession(app.Gateway, logger, services.SessionConfig{
		UserID:       cfg.UserID,
		FollowUpRule: cfg.FollowUpRule,
		Reconcile: reconcile.Config{
			PollInterval: cfg.Reconciliation.PollInterval,
			MaxAttempts:  cfg.Reconciliation.MaxAttempts,
			ExpireAfter:  cfg.Reconciliation.ExpireAfter,
		},
	})

	if app.Redis != nil {
		ids, err := events.Subscribe(ctx, app.Redis, cfg.Redis.Channel, logger)
		if err != nil {
			// Polling still confirms fills without the push channel
			logger.Warn("Fill notifications unavailable", zap.Error(err))
		} else {
			go app.Session.Engine().Listen(ctx, ids)
		}
	}

	return app, nil
}

func newStoreGateway(database db.Database, logger *zap.Logger, notifier storegateway.Notifier) *storegateway.Gateway {
	var opts []storegateway.Option
	if notifier != nil {
		opts = append(opts, storegateway.WithNotifier(notifier))
	}
	return storegateway.New(database, logger, opts...)
}

// Close stops confirmation loops and releases connections
func (a *AppContext) Close() {
	if a.Session != nil {
		a.Session.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
}
