// Package tenant resolves customer domains into their verification state and
// enabled auth methods.
package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/smallbiznis/passage-auth/internal/domain"
	"github.com/smallbiznis/passage-auth/internal/repository"
)

const (
	cachePrefix = "tenant:domain:"
	cacheTTL    = 30 * time.Second
)

// Resolver batch-loads domain configs, with a short-TTL cache in front of
// the store. One store query serves any number of hostnames.
type Resolver struct {
	repo   repository.DomainRepository
	cache  redis.UniversalClient
	logger *zap.Logger
}

// NewResolver creates a resolver. cache may be nil, in which case every
// lookup goes straight to the store.
func NewResolver(repo repository.DomainRepository, cache redis.UniversalClient, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.L()
	}
	return &Resolver{repo: repo, cache: cache, logger: logger}
}

// ResolveMany maps each known hostname to its config using a single batched
// store query for all cache misses. Unknown hostnames are absent from the
// result.
func (r *Resolver) ResolveMany(ctx context.Context, hostnames []string) (map[string]domain.DomainConfig, error) {
	cleaned := make([]string, 0, len(hostnames))
	seen := make(map[string]struct{}, len(hostnames))
	for _, h := range hostnames {
		host := strings.ToLower(strings.TrimSpace(h))
		if host == "" {
			continue
		}
		if _, dup := seen[host]; dup {
			continue
		}
		seen[host] = struct{}{}
		cleaned = append(cleaned, host)
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("resolve domains: no hostnames")
	}

	result := make(map[string]domain.DomainConfig, len(cleaned))
	misses := make([]string, 0, len(cleaned))
	for _, host := range cleaned {
		if cfg, ok := r.cached(ctx, host); ok {
			result[host] = cfg
			continue
		}
		misses = append(misses, host)
	}

	if len(misses) > 0 {
		configs, err := r.repo.GetByHostnames(ctx, misses)
		if err != nil {
			return nil, fmt.Errorf("resolve domains: %w", err)
		}
		for _, cfg := range configs {
			result[cfg.Hostname] = cfg
			r.store(ctx, cfg)
		}
	}

	return result, nil
}

// ResolveOne is a convenience wrapper over the batch path.
func (r *Resolver) ResolveOne(ctx context.Context, hostname string) (domain.DomainConfig, error) {
	host := strings.ToLower(strings.TrimSpace(hostname))
	configs, err := r.ResolveMany(ctx, []string{host})
	if err != nil {
		return domain.DomainConfig{}, err
	}
	cfg, ok := configs[host]
	if !ok {
		return domain.DomainConfig{}, domain.ErrDomainNotFound
	}
	return cfg, nil
}

func (r *Resolver) cached(ctx context.Context, host string) (domain.DomainConfig, bool) {
	if r.cache == nil {
		return domain.DomainConfig{}, false
	}
	payload, err := r.cache.Get(ctx, cachePrefix+host).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("domain cache read failed", zap.String("host", host), zap.Error(err))
		}
		return domain.DomainConfig{}, false
	}
	var cfg domain.DomainConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return domain.DomainConfig{}, false
	}
	return cfg, true
}

func (r *Resolver) store(ctx context.Context, cfg domain.DomainConfig) {
	if r.cache == nil {
		return
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cachePrefix+cfg.Hostname, payload, cacheTTL).Err(); err != nil {
		r.logger.Warn("domain cache write failed", zap.String("host", cfg.Hostname), zap.Error(err))
	}
}
