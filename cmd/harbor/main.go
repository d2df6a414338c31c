package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/harborauth/harbor/internal/adapter/cache"
	oauthadapter "github.com/harborauth/harbor/internal/adapter/oauth"
	"github.com/harborauth/harbor/internal/bootstrap"
	"github.com/harborauth/harbor/internal/breaker"
	"github.com/harborauth/harbor/internal/config"
	httptransport "github.com/harborauth/harbor/internal/http"
	"github.com/harborauth/harbor/internal/http/handler"
	"github.com/harborauth/harbor/internal/mailer"
	"github.com/harborauth/harbor/internal/middleware"
	"github.com/harborauth/harbor/internal/ratelimit"
	"github.com/harborauth/harbor/internal/reconcile"
	"github.com/harborauth/harbor/internal/repository"
	"github.com/harborauth/harbor/internal/server"
	"github.com/harborauth/harbor/internal/service"
	"github.com/harborauth/harbor/internal/session"
	"github.com/harborauth/harbor/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newStore,
			newResilientStore,
			newRedisClient,
			newStateStore,
			newRateLimiter,
			newMailSender,
			newSessionCodec,
			newSessionBuilder,
			newReconciler,
			newProviderClient,
			newThrottle,
			service.NewAuthService,
			handler.NewAuthHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureAdmin, startHTTPServer),
	)

	app.Run()
}

func newConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.IsDevelopment() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newStore(pool *pgxpool.Pool) repository.Store {
	return repository.NewPostgresStore(pool)
}

func newResilientStore(store repository.Store, cfg *config.Config, logger *zap.Logger) *repository.ResilientStore {
	db := breaker.New("database", cfg.DBBreakerThreshold, cfg.DBBreakerTimeout, logger)
	return repository.NewResilientStore(store, db, logger)
}

// newRedisClient connects when REDIS_ADDR is set; otherwise the in-process
// fallbacks are used.
func newRedisClient(lc fx.Lifecycle, cfg *config.Config) (redis.UniversalClient, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newStateStore(client redis.UniversalClient) cacheadapter.StateStore {
	if client == nil {
		return cacheadapter.NewMemoryStateStore()
	}
	return cacheadapter.NewRedisStateStore(client)
}

func newRateLimiter(client redis.UniversalClient, logger *zap.Logger) *ratelimit.Limiter {
	var store ratelimit.Store
	if client == nil {
		store = ratelimit.NewMemoryStore()
	} else {
		store = cacheadapter.NewRedisRateLimitStore(client)
	}
	return ratelimit.New(store, logger)
}

func newMailSender(cfg *config.Config, logger *zap.Logger) mailer.Sender {
	client := mailer.NewClient(cfg.MailAPIURL, cfg.MailAPIKey, cfg.MailFrom, logger)
	email := breaker.New("email", cfg.EmailBreakerThreshold, cfg.EmailBreakerTimeout, logger)
	return mailer.NewRetrySender(client, email, 3, time.Second, logger)
}

func newSessionCodec(cfg *config.Config) *session.Codec {
	return session.NewCodec([]byte(cfg.SessionSecret), cfg.ServiceName, cfg.SessionMaxAge)
}

func newSessionBuilder(store *repository.ResilientStore, codec *session.Codec, cfg *config.Config, logger *zap.Logger) *session.Builder {
	return session.NewBuilder(store, codec, cfg.SessionUpdateAge, logger)
}

func newReconciler(store repository.Store, logger *zap.Logger) *reconcile.Reconciler {
	return reconcile.New(store, logger)
}

func newProviderClient() oauthadapter.ProviderClient {
	return oauthadapter.NewHTTPProviderClient(nil)
}

func newThrottle(cfg *config.Config) *middleware.Throttle {
	return middleware.NewThrottle(cfg.RateLimitRPM)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg *config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			logger.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
