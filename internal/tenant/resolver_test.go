package tenant_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/passage-auth/internal/domain"
	"github.com/smallbiznis/passage-auth/internal/tenant"
)

type countingDomainRepo struct {
	mu      sync.Mutex
	queries int
	byHost  map[string]domain.DomainConfig
}

func (r *countingDomainRepo) GetByHostnames(ctx context.Context, hostnames []string) ([]domain.DomainConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries++
	var configs []domain.DomainConfig
	for _, host := range hostnames {
		if cfg, ok := r.byHost[host]; ok {
			configs = append(configs, cfg)
		}
	}
	return configs, nil
}

func (r *countingDomainRepo) Create(ctx context.Context, cfg domain.DomainConfig) (domain.DomainConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHost[cfg.Hostname] = cfg
	return cfg, nil
}

func newCountingRepo(configs ...domain.DomainConfig) *countingDomainRepo {
	repo := &countingDomainRepo{byHost: make(map[string]domain.DomainConfig)}
	for _, cfg := range configs {
		repo.byHost[cfg.Hostname] = cfg
	}
	return repo
}

func TestResolveManyBatchesIntoOneQuery(t *testing.T) {
	ctx := context.Background()
	repo := newCountingRepo(
		domain.DomainConfig{ID: 1, Hostname: "a.example.com", Verified: true},
		domain.DomainConfig{ID: 2, Hostname: "b.example.com", Verified: true},
	)
	resolver := tenant.NewResolver(repo, nil, zap.NewNop())

	configs, err := resolver.ResolveMany(ctx, []string{"a.example.com", "B.Example.Com ", "a.example.com", "missing.example.com"})
	require.NoError(t, err)
	require.Len(t, configs, 2)
	require.Equal(t, int64(1), configs["a.example.com"].ID)
	require.Equal(t, int64(2), configs["b.example.com"].ID)
	require.Equal(t, 1, repo.queries)
}

func TestResolveOneMatchesBatchPath(t *testing.T) {
	ctx := context.Background()
	repo := newCountingRepo(domain.DomainConfig{ID: 1, Hostname: "a.example.com", Verified: true})
	resolver := tenant.NewResolver(repo, nil, zap.NewNop())

	single, err := resolver.ResolveOne(ctx, "a.example.com")
	require.NoError(t, err)

	batch, err := resolver.ResolveMany(ctx, []string{"a.example.com"})
	require.NoError(t, err)
	require.Equal(t, single, batch["a.example.com"])
}

func TestResolveOneUnknownDomain(t *testing.T) {
	ctx := context.Background()
	resolver := tenant.NewResolver(newCountingRepo(), nil, zap.NewNop())

	_, err := resolver.ResolveOne(ctx, "nope.example.com")
	require.ErrorIs(t, err, domain.ErrDomainNotFound)
}

func TestResolveManyRejectsEmptyInput(t *testing.T) {
	ctx := context.Background()
	resolver := tenant.NewResolver(newCountingRepo(), nil, zap.NewNop())

	_, err := resolver.ResolveMany(ctx, []string{"", "   "})
	require.Error(t, err)
}
