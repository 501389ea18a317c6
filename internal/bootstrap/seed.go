package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/passage-auth/internal/config"
	"github.com/smallbiznis/passage-auth/internal/domain"
	"github.com/smallbiznis/passage-auth/internal/repository"
	"github.com/smallbiznis/passage-auth/internal/service"
)

// SeedDomain provisions a verified dev/e2e tenant with both auth methods and
// a developer API key when BOOTSTRAP_DOMAIN is set. The raw key is logged
// once at startup; it is never recoverable afterwards.
func SeedDomain(lc fx.Lifecycle, cfg config.Config, domains repository.DomainRepository, apiKeys *service.APIKeyAuthenticator, node *snowflake.Node, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return seedDomain(ctx, cfg, domains, apiKeys, node, logger)
		},
	})
}

func seedDomain(ctx context.Context, cfg config.Config, domains repository.DomainRepository, apiKeys *service.APIKeyAuthenticator, node *snowflake.Node, logger *zap.Logger) error {
	hostname := strings.ToLower(strings.TrimSpace(cfg.BootstrapDomain))
	if hostname == "" {
		return nil
	}

	existing, err := domains.GetByHostnames(ctx, []string{hostname})
	if err != nil {
		return fmt.Errorf("bootstrap domain lookup: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	created, err := domains.Create(ctx, domain.DomainConfig{
		ID:            node.Generate().Int64(),
		Hostname:      hostname,
		Verified:      true,
		Methods:       []string{domain.MethodMagicLink, domain.MethodGoogle},
		BillingConfig: []byte(`{}`),
	})
	if err != nil {
		return fmt.Errorf("bootstrap create domain: %w", err)
	}

	rawKey, key, err := apiKeys.Mint(ctx, created.ID, []string{service.ScopeTokensIntrospect, service.ScopeUsersRead})
	if err != nil {
		return fmt.Errorf("bootstrap mint api key: %w", err)
	}

	if logger != nil {
		logger.Info("bootstrap domain created",
			zap.String("hostname", created.Hostname),
			zap.Int64("domain_id", created.ID),
			zap.Int64("api_key_id", key.ID),
			zap.String("api_key", rawKey),
		)
	}
	return nil
}
