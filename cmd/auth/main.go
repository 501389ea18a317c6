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

	emailadapter "github.com/smallbiznis/passage-auth/internal/adapter/email"
	oauthadapter "github.com/smallbiznis/passage-auth/internal/adapter/oauth"
	"github.com/smallbiznis/passage-auth/internal/bootstrap"
	"github.com/smallbiznis/passage-auth/internal/config"
	httptransport "github.com/smallbiznis/passage-auth/internal/http"
	"github.com/smallbiznis/passage-auth/internal/http/handler"
	apimiddleware "github.com/smallbiznis/passage-auth/internal/middleware"
	"github.com/smallbiznis/passage-auth/internal/repository"
	"github.com/smallbiznis/passage-auth/internal/server"
	"github.com/smallbiznis/passage-auth/internal/service"
	"github.com/smallbiznis/passage-auth/internal/telemetry"
	"github.com/smallbiznis/passage-auth/internal/tenant"
	"github.com/smallbiznis/passage-auth/internal/token"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newTokenHasher,
			newDomainRepository,
			newUserRepository,
			newMagicLinkRepository,
			newOAuthStateRepository,
			newSessionRepository,
			newIdentityRepository,
			newAPIKeyRepository,
			tenant.NewResolver,
			newEmailSender,
			newProviderClients,
			newRateLimiter,
			service.NewSessionManager,
			service.NewMagicLinkService,
			service.NewOAuthLinkService,
			service.NewAPIKeyAuthenticator,
			handler.NewAuthHandler,
			handler.NewDeveloperHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, runMigrations, bootstrap.SeedDomain, startHTTPServer),
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

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
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

func newTokenHasher(cfg config.Config) (*token.Hasher, error) {
	return token.NewHasher(cfg.TokenHashSecret)
}

func newDomainRepository(pool *pgxpool.Pool) repository.DomainRepository {
	return repository.NewPostgresDomainRepo(pool)
}

func newUserRepository(pool *pgxpool.Pool) repository.UserRepository {
	return repository.NewPostgresUserRepo(pool)
}

func newMagicLinkRepository(pool *pgxpool.Pool) repository.MagicLinkRepository {
	return repository.NewPostgresMagicLinkRepo(pool)
}

func newOAuthStateRepository(pool *pgxpool.Pool) repository.OAuthStateRepository {
	return repository.NewPostgresOAuthStateRepo(pool)
}

func newSessionRepository(pool *pgxpool.Pool) repository.SessionRepository {
	return repository.NewPostgresSessionRepo(pool)
}

func newIdentityRepository(pool *pgxpool.Pool) repository.IdentityRepository {
	return repository.NewPostgresIdentityRepo(pool)
}

func newAPIKeyRepository(pool *pgxpool.Pool) repository.APIKeyRepository {
	return repository.NewPostgresAPIKeyRepo(pool)
}

func newEmailSender(cfg config.Config) emailadapter.Sender {
	return emailadapter.NewHTTPSender(cfg.EmailEndpoint, cfg.EmailAPIKey, &http.Client{Timeout: cfg.ProviderTimeout})
}

func newProviderClients(cfg config.Config) map[string]oauthadapter.ProviderClient {
	providers := make(map[string]oauthadapter.ProviderClient)
	if cfg.GoogleClientID != "" {
		providers["google"] = oauthadapter.NewHTTPProviderClient(oauthadapter.ProviderConfig{
			Name:         "google",
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			AuthURL:      cfg.GoogleAuthURL,
			TokenURL:     cfg.GoogleTokenURL,
			UserInfoURL:  cfg.GoogleUserInfoURL,
			RedirectURL:  cfg.GoogleRedirectURL,
		}, &http.Client{Timeout: cfg.ProviderTimeout})
	}
	return providers
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func runMigrations(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := repository.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	})
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
