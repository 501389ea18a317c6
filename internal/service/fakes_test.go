package service_test

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"

	"github.com/smallbiznis/passage-auth/internal/config"
	"github.com/smallbiznis/passage-auth/internal/domain"
	"github.com/smallbiznis/passage-auth/internal/token"
)

func testConfig() config.Config {
	return config.Config{
		TokenHashSecret: "test-secret-test-secret",
		MagicLinkTTL:    15 * time.Minute,
		OAuthStateTTL:   10 * time.Minute,
		SessionTTL:      time.Hour,
		RefreshTokenTTL: 30 * 24 * time.Hour,
		ClockSkew:       5 * time.Second,
		ProviderTimeout: time.Second,
	}
}

func testHasher() *token.Hasher {
	h, err := token.NewHasher("test-secret-test-secret")
	if err != nil {
		panic(err)
	}
	return h
}

func testNode() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func testDomain(id int64, methods ...string) domain.DomainConfig {
	return domain.DomainConfig{ID: id, Hostname: "app.example.com", Verified: true, Methods: methods}
}

type memUserRepo struct {
	mu      sync.Mutex
	byEmail map[string]domain.User
	deleted []int64
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{byEmail: make(map[string]domain.User)}
}

func (m *memUserRepo) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.byEmail[email]
	if !ok {
		return domain.User{}, pgx.ErrNoRows
	}
	return user, nil
}

func (m *memUserRepo) GetByID(ctx context.Context, id int64) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.byEmail {
		if user.ID == id {
			return user, nil
		}
	}
	return domain.User{}, pgx.ErrNoRows
}

func (m *memUserRepo) Upsert(ctx context.Context, user domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byEmail[user.Email]; ok {
		return existing, nil
	}
	user.CreatedAt = time.Now()
	m.byEmail[user.Email] = user
	return user, nil
}

func (m *memUserRepo) DeleteCascade(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for email, user := range m.byEmail {
		if user.ID == userID {
			delete(m.byEmail, email)
		}
	}
	m.deleted = append(m.deleted, userID)
	return nil
}

type memLinkRepo struct {
	mu    sync.Mutex
	links map[string]*domain.MagicLink
}

func newMemLinkRepo() *memLinkRepo {
	return &memLinkRepo{links: make(map[string]*domain.MagicLink)}
}

func (m *memLinkRepo) Create(ctx context.Context, link domain.MagicLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := link
	m.links[link.TokenHash] = &copied
	return nil
}

func (m *memLinkRepo) Consume(ctx context.Context, tokenHash string, now time.Time, skew time.Duration) (domain.MagicLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[tokenHash]
	if !ok {
		return domain.MagicLink{}, domain.ErrTokenInvalid
	}
	if link.ConsumedAt != nil {
		return domain.MagicLink{}, domain.ErrAlreadyConsumed
	}
	if !link.ExpiresAt.After(now.Add(-skew)) {
		return domain.MagicLink{}, domain.ErrTokenExpired
	}
	consumed := now
	link.ConsumedAt = &consumed
	return *link, nil
}

type memStateRepo struct {
	mu     sync.Mutex
	states map[string]*domain.OAuthState
}

func newMemStateRepo() *memStateRepo {
	return &memStateRepo{states: make(map[string]*domain.OAuthState)}
}

func (m *memStateRepo) Create(ctx context.Context, state domain.OAuthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := state
	m.states[state.StateID] = &copied
	return nil
}

func (m *memStateRepo) Get(ctx context.Context, stateID string) (domain.OAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[stateID]
	if !ok {
		return domain.OAuthState{}, pgx.ErrNoRows
	}
	return *state, nil
}

func (m *memStateRepo) MarkExchanged(ctx context.Context, stateID string, identity domain.ExternalIdentity) (domain.OAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[stateID]
	if !ok || state.Status != domain.StatePending {
		return domain.OAuthState{}, domain.ErrInvalidState
	}
	state.Status = domain.StateExchanged
	state.Subject = identity.Subject
	state.Email = identity.Email
	state.Name = identity.Name
	return *state, nil
}

func (m *memStateRepo) Transition(ctx context.Context, stateID string, from, to domain.OAuthStateStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[stateID]
	if !ok || state.Status != from {
		return domain.ErrInvalidState
	}
	state.Status = to
	return nil
}

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[int64]*domain.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[int64]*domain.Session)}
}

func (m *memSessionRepo) Create(ctx context.Context, session domain.Session) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := session
	m.sessions[session.SessionID] = &copied
	return copied, nil
}

func (m *memSessionRepo) GetByAccessHash(ctx context.Context, accessHash string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.sessions {
		if session.AccessTokenHash == accessHash {
			return *session, nil
		}
	}
	return domain.Session{}, pgx.ErrNoRows
}

func (m *memSessionRepo) Rotate(ctx context.Context, oldRefreshHash, accessHash, refreshHash string, expiresAt, now time.Time, skew time.Duration) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.sessions {
		if session.RefreshTokenHash != oldRefreshHash {
			continue
		}
		if session.RevokedAt != nil || !session.ExpiresAt.After(now.Add(-skew)) {
			break
		}
		session.AccessTokenHash = accessHash
		session.RefreshTokenHash = refreshHash
		session.ExpiresAt = expiresAt
		session.IssuedAt = now
		return *session, nil
	}
	return domain.Session{}, domain.ErrUnauthorized
}

func (m *memSessionRepo) Revoke(ctx context.Context, sessionID int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[sessionID]; ok && session.RevokedAt == nil {
		revoked := now
		session.RevokedAt = &revoked
	}
	return nil
}

type memIdentityRepo struct {
	mu    sync.Mutex
	items []domain.OAuthIdentity
}

func (m *memIdentityRepo) Upsert(ctx context.Context, identity domain.OAuthIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.items {
		if existing.DomainID == identity.DomainID && existing.Provider == identity.Provider && existing.Subject == identity.Subject {
			m.items[i] = identity
			return nil
		}
	}
	m.items = append(m.items, identity)
	return nil
}

func (m *memIdentityRepo) Delete(ctx context.Context, userID int64, provider, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.items[:0]
	for _, existing := range m.items {
		if existing.UserID == userID && existing.Provider == provider && existing.Subject == subject {
			continue
		}
		kept = append(kept, existing)
	}
	m.items = kept
	return nil
}

func (m *memIdentityRepo) CountByUser(ctx context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, existing := range m.items {
		if existing.UserID == userID {
			count++
		}
	}
	return count, nil
}

type memKeyRepo struct {
	mu   sync.Mutex
	keys map[string]domain.APIKey
}

func newMemKeyRepo() *memKeyRepo {
	return &memKeyRepo{keys: make(map[string]domain.APIKey)}
}

func (m *memKeyRepo) GetByHash(ctx context.Context, keyHash string) (domain.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[keyHash]
	if !ok {
		return domain.APIKey{}, pgx.ErrNoRows
	}
	return key, nil
}

func (m *memKeyRepo) Create(ctx context.Context, key domain.APIKey) (domain.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key.CreatedAt = time.Now()
	m.keys[key.KeyHash] = key
	return key, nil
}

type captureSender struct {
	mu         sync.Mutex
	err        error
	recipients []string
	links      []string
}

func (s *captureSender) SendMagicLink(ctx context.Context, recipient, linkURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.recipients = append(s.recipients, recipient)
	s.links = append(s.links, linkURL)
	return nil
}

func (s *captureSender) lastLink() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.links) == 0 {
		return ""
	}
	return s.links[len(s.links)-1]
}
