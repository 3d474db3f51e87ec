package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/xero-connect/internal/adapter/cache"
	"github.com/smallbiznis/xero-connect/internal/adapter/xero"
	"github.com/smallbiznis/xero-connect/internal/bootstrap"
	"github.com/smallbiznis/xero-connect/internal/cipher"
	"github.com/smallbiznis/xero-connect/internal/config"
	httptransport "github.com/smallbiznis/xero-connect/internal/http"
	"github.com/smallbiznis/xero-connect/internal/http/handler"
	apimiddleware "github.com/smallbiznis/xero-connect/internal/middleware"
	"github.com/smallbiznis/xero-connect/internal/repository"
	"github.com/smallbiznis/xero-connect/internal/server"
	"github.com/smallbiznis/xero-connect/internal/service/token"
	"github.com/smallbiznis/xero-connect/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newCipher,
			newGrantStore,
			newBindingStore,
			newSweepLocker,
			newRefresher,
			newCoordinator,
			newTokenService,
			newRateLimiter,
			handler.NewConnectionsHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureSchema, bootstrap.EnsureSeedConnection, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
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

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
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
	node, err := snowflake.NewNode(1)
	return node, err
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
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

func newCipher(cfg config.Config) (*cipher.Cipher, error) {
	return cipher.New(cfg.EncryptionKey)
}

func newGrantStore(pool *pgxpool.Pool, node *snowflake.Node) repository.GrantStore {
	return repository.NewPostgresGrantStore(pool, node)
}

func newBindingStore(pool *pgxpool.Pool, node *snowflake.Node) repository.BindingStore {
	return repository.NewPostgresBindingStore(pool, node)
}

func newSweepLocker(lc fx.Lifecycle, cfg config.Config) (repository.SweepLocker, error) {
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
	return cache.NewRedisSweepLock(client), nil
}

func newRefresher(cfg config.Config) xero.Refresher {
	httpClient := &http.Client{Timeout: cfg.RefreshTimeout / 2}
	return xero.NewHTTPRefreshClient(httpClient, cfg.XeroTokenURL, cfg.XeroClientID, cfg.XeroClientSecret)
}

func newCoordinator(grants repository.GrantStore, refresher xero.Refresher, ciph *cipher.Cipher, cfg config.Config, logger *zap.Logger) *token.Coordinator {
	return token.NewCoordinator(grants, refresher, ciph, token.CoordinatorConfig{
		RefreshBuffer:      cfg.RefreshBuffer,
		ThrottleWindow:     cfg.ThrottleWindow,
		RefreshTimeout:     cfg.RefreshTimeout,
		RefreshTokenMaxAge: cfg.RefreshTokenMaxAge,
	}, logger)
}

func newTokenService(
	bindings repository.BindingStore,
	grants repository.GrantStore,
	coordinator *token.Coordinator,
	ciph *cipher.Cipher,
	sweepLock repository.SweepLocker,
	cfg config.Config,
	logger *zap.Logger,
) *token.Service {
	return token.NewService(bindings, grants, coordinator, ciph, sweepLock, cfg, logger)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
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
