package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/passage-auth/internal/domain"
)

// Compile-time interface assertions.
var (
	_ DomainRepository     = (*PostgresDomainRepo)(nil)
	_ UserRepository       = (*PostgresUserRepo)(nil)
	_ MagicLinkRepository  = (*PostgresMagicLinkRepo)(nil)
	_ OAuthStateRepository = (*PostgresOAuthStateRepo)(nil)
	_ SessionRepository    = (*PostgresSessionRepo)(nil)
	_ IdentityRepository   = (*PostgresIdentityRepo)(nil)
	_ APIKeyRepository     = (*PostgresAPIKeyRepo)(nil)
)

// PostgresDomainRepo implements DomainRepository.
type PostgresDomainRepo struct {
	db *pgxpool.Pool
}

func NewPostgresDomainRepo(pool *pgxpool.Pool) *PostgresDomainRepo {
	return &PostgresDomainRepo{db: pool}
}

const selectDomainsSQL = `
SELECT id, hostname, verified, auth_methods, billing_config, created_at, updated_at
FROM domains
WHERE hostname = ANY($1)`

func (r *PostgresDomainRepo) GetByHostnames(ctx context.Context, hostnames []string) ([]domain.DomainConfig, error) {
	if len(hostnames) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, selectDomainsSQL, hostnames)
	if err != nil {
		return nil, fmt.Errorf("query domains: %w", err)
	}
	defer rows.Close()

	var configs []domain.DomainConfig
	for rows.Next() {
		var cfg domain.DomainConfig
		if err := rows.Scan(&cfg.ID, &cfg.Hostname, &cfg.Verified, &cfg.Methods, &cfg.BillingConfig, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domains: %w", err)
	}
	return configs, nil
}

const insertDomainSQL = `
INSERT INTO domains (id, hostname, verified, auth_methods, billing_config)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (hostname) DO UPDATE SET verified = EXCLUDED.verified
RETURNING id, hostname, verified, auth_methods, billing_config, created_at, updated_at`

func (r *PostgresDomainRepo) Create(ctx context.Context, cfg domain.DomainConfig) (domain.DomainConfig, error) {
	var created domain.DomainConfig
	err := r.db.QueryRow(ctx, insertDomainSQL, cfg.ID, cfg.Hostname, cfg.Verified, cfg.Methods, cfg.BillingConfig).
		Scan(&created.ID, &created.Hostname, &created.Verified, &created.Methods, &created.BillingConfig, &created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		return domain.DomainConfig{}, fmt.Errorf("create domain: %w", err)
	}
	return created, nil
}

// PostgresUserRepo implements UserRepository.
type PostgresUserRepo struct {
	db *pgxpool.Pool
}

func NewPostgresUserRepo(pool *pgxpool.Pool) *PostgresUserRepo {
	return &PostgresUserRepo{db: pool}
}

func (r *PostgresUserRepo) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	var user domain.User
	err := r.db.QueryRow(ctx, `SELECT id, email, created_at FROM users WHERE email = $1`, email).
		Scan(&user.ID, &user.Email, &user.CreatedAt)
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, id int64) (domain.User, error) {
	var user domain.User
	err := r.db.QueryRow(ctx, `SELECT id, email, created_at FROM users WHERE id = $1`, id).
		Scan(&user.ID, &user.Email, &user.CreatedAt)
	if err != nil {
		return domain.User{}, fmt.Errorf("get user by id: %w", err)
	}
	return user, nil
}

const upsertUserSQL = `
INSERT INTO users (id, email)
VALUES ($1, $2)
ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
RETURNING id, email, created_at`

func (r *PostgresUserRepo) Upsert(ctx context.Context, user domain.User) (domain.User, error) {
	var created domain.User
	err := r.db.QueryRow(ctx, upsertUserSQL, user.ID, user.Email).
		Scan(&created.ID, &created.Email, &created.CreatedAt)
	if err != nil {
		return domain.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return created, nil
}

func (r *PostgresUserRepo) DeleteCascade(ctx context.Context, userID int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete user: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		`DELETE FROM sessions WHERE user_id = $1`,
		`DELETE FROM magic_links WHERE user_id = $1`,
		`DELETE FROM oauth_states WHERE linking_user_id = $1`,
		`DELETE FROM oauth_identities WHERE user_id = $1`,
		`DELETE FROM users WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, userID); err != nil {
			return fmt.Errorf("delete user cascade: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete user: %w", err)
	}
	return nil
}

// PostgresMagicLinkRepo implements MagicLinkRepository.
type PostgresMagicLinkRepo struct {
	db *pgxpool.Pool
}

func NewPostgresMagicLinkRepo(pool *pgxpool.Pool) *PostgresMagicLinkRepo {
	return &PostgresMagicLinkRepo{db: pool}
}

const insertMagicLinkSQL = `
INSERT INTO magic_links (token_hash, user_id, domain_id, request_context, expires_at)
VALUES ($1, $2, $3, $4, $5)`

func (r *PostgresMagicLinkRepo) Create(ctx context.Context, link domain.MagicLink) error {
	_, err := r.db.Exec(ctx, insertMagicLinkSQL, link.TokenHash, link.UserID, link.DomainID, link.RequestContext, link.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert magic link: %w", err)
	}
	return nil
}

const consumeMagicLinkSQL = `
UPDATE magic_links
SET consumed_at = $2
WHERE token_hash = $1 AND consumed_at IS NULL AND expires_at > $3
RETURNING token_hash, user_id, domain_id, request_context, expires_at, consumed_at, created_at`

// Consume is the compare-and-set that guarantees at-most-once use. The
// expiry guard keeps expired rows unconsumed; the follow-up select only
// classifies the failure.
func (r *PostgresMagicLinkRepo) Consume(ctx context.Context, tokenHash string, now time.Time, skew time.Duration) (domain.MagicLink, error) {
	var link domain.MagicLink
	err := r.db.QueryRow(ctx, consumeMagicLinkSQL, tokenHash, now, now.Add(-skew)).
		Scan(&link.TokenHash, &link.UserID, &link.DomainID, &link.RequestContext, &link.ExpiresAt, &link.ConsumedAt, &link.CreatedAt)
	if err == nil {
		return link, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.MagicLink{}, fmt.Errorf("consume magic link: %w", err)
	}

	var (
		consumedAt *time.Time
		expiresAt  time.Time
	)
	err = r.db.QueryRow(ctx, `SELECT consumed_at, expires_at FROM magic_links WHERE token_hash = $1`, tokenHash).
		Scan(&consumedAt, &expiresAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return domain.MagicLink{}, domain.ErrTokenInvalid
	case err != nil:
		return domain.MagicLink{}, fmt.Errorf("inspect magic link: %w", err)
	case consumedAt != nil:
		return domain.MagicLink{}, domain.ErrAlreadyConsumed
	default:
		return domain.MagicLink{}, domain.ErrTokenExpired
	}
}

// PostgresOAuthStateRepo implements OAuthStateRepository.
type PostgresOAuthStateRepo struct {
	db *pgxpool.Pool
}

func NewPostgresOAuthStateRepo(pool *pgxpool.Pool) *PostgresOAuthStateRepo {
	return &PostgresOAuthStateRepo{db: pool}
}

const insertOAuthStateSQL = `
INSERT INTO oauth_states (state_id, domain_id, purpose, status, linking_user_id, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)`

func (r *PostgresOAuthStateRepo) Create(ctx context.Context, state domain.OAuthState) error {
	_, err := r.db.Exec(ctx, insertOAuthStateSQL, state.StateID, state.DomainID, state.Purpose, state.Status, state.LinkingUserID, state.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert oauth state: %w", err)
	}
	return nil
}

const selectOAuthStateSQL = `
SELECT state_id, domain_id, purpose, status, linking_user_id, subject, email, name, expires_at, created_at
FROM oauth_states
WHERE state_id = $1`

func (r *PostgresOAuthStateRepo) Get(ctx context.Context, stateID string) (domain.OAuthState, error) {
	var state domain.OAuthState
	err := r.db.QueryRow(ctx, selectOAuthStateSQL, stateID).
		Scan(&state.StateID, &state.DomainID, &state.Purpose, &state.Status, &state.LinkingUserID,
			&state.Subject, &state.Email, &state.Name, &state.ExpiresAt, &state.CreatedAt)
	if err != nil {
		return domain.OAuthState{}, fmt.Errorf("get oauth state: %w", err)
	}
	return state, nil
}

const markExchangedSQL = `
UPDATE oauth_states
SET status = 'exchanged', subject = $2, email = $3, name = $4
WHERE state_id = $1 AND status = 'pending'
RETURNING state_id, domain_id, purpose, status, linking_user_id, subject, email, name, expires_at, created_at`

func (r *PostgresOAuthStateRepo) MarkExchanged(ctx context.Context, stateID string, identity domain.ExternalIdentity) (domain.OAuthState, error) {
	var state domain.OAuthState
	err := r.db.QueryRow(ctx, markExchangedSQL, stateID, identity.Subject, identity.Email, identity.Name).
		Scan(&state.StateID, &state.DomainID, &state.Purpose, &state.Status, &state.LinkingUserID,
			&state.Subject, &state.Email, &state.Name, &state.ExpiresAt, &state.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.OAuthState{}, domain.ErrInvalidState
	}
	if err != nil {
		return domain.OAuthState{}, fmt.Errorf("mark state exchanged: %w", err)
	}
	return state, nil
}

func (r *PostgresOAuthStateRepo) Transition(ctx context.Context, stateID string, from, to domain.OAuthStateStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE oauth_states SET status = $3 WHERE state_id = $1 AND status = $2`,
		stateID, from, to)
	if err != nil {
		return fmt.Errorf("transition oauth state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidState
	}
	return nil
}

// PostgresSessionRepo implements SessionRepository.
type PostgresSessionRepo struct {
	db *pgxpool.Pool
}

func NewPostgresSessionRepo(pool *pgxpool.Pool) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: pool}
}

const insertSessionSQL = `
INSERT INTO sessions (session_id, user_id, domain_id, access_token_hash, refresh_token_hash, issued_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING session_id, user_id, domain_id, access_token_hash, refresh_token_hash, issued_at, expires_at, revoked_at`

func (r *PostgresSessionRepo) Create(ctx context.Context, session domain.Session) (domain.Session, error) {
	var created domain.Session
	err := r.db.QueryRow(ctx, insertSessionSQL,
		session.SessionID, session.UserID, session.DomainID,
		session.AccessTokenHash, session.RefreshTokenHash,
		session.IssuedAt, session.ExpiresAt).
		Scan(&created.SessionID, &created.UserID, &created.DomainID,
			&created.AccessTokenHash, &created.RefreshTokenHash,
			&created.IssuedAt, &created.ExpiresAt, &created.RevokedAt)
	if err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return created, nil
}

func (r *PostgresSessionRepo) GetByAccessHash(ctx context.Context, accessHash string) (domain.Session, error) {
	var session domain.Session
	err := r.db.QueryRow(ctx, `
SELECT session_id, user_id, domain_id, access_token_hash, refresh_token_hash, issued_at, expires_at, revoked_at
FROM sessions
WHERE access_token_hash = $1`, accessHash).
		Scan(&session.SessionID, &session.UserID, &session.DomainID,
			&session.AccessTokenHash, &session.RefreshTokenHash,
			&session.IssuedAt, &session.ExpiresAt, &session.RevokedAt)
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

const rotateSessionSQL = `
UPDATE sessions
SET access_token_hash = $2, refresh_token_hash = $3, expires_at = $4, issued_at = $5
WHERE refresh_token_hash = $1 AND revoked_at IS NULL AND expires_at > $6
RETURNING session_id, user_id, domain_id, access_token_hash, refresh_token_hash, issued_at, expires_at, revoked_at`

// Rotate invalidates the prior access/refresh pair in the same conditional
// update that installs the new one; a replayed old refresh hash matches
// nothing afterwards.
func (r *PostgresSessionRepo) Rotate(ctx context.Context, oldRefreshHash, accessHash, refreshHash string, expiresAt, now time.Time, skew time.Duration) (domain.Session, error) {
	var session domain.Session
	err := r.db.QueryRow(ctx, rotateSessionSQL,
		oldRefreshHash, accessHash, refreshHash, expiresAt, now, now.Add(-skew)).
		Scan(&session.SessionID, &session.UserID, &session.DomainID,
			&session.AccessTokenHash, &session.RefreshTokenHash,
			&session.IssuedAt, &session.ExpiresAt, &session.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.ErrUnauthorized
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("rotate session: %w", err)
	}
	return session, nil
}

func (r *PostgresSessionRepo) Revoke(ctx context.Context, sessionID int64, now time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE sessions SET revoked_at = $2 WHERE session_id = $1 AND revoked_at IS NULL`,
		sessionID, now)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// PostgresIdentityRepo implements IdentityRepository.
type PostgresIdentityRepo struct {
	db *pgxpool.Pool
}

func NewPostgresIdentityRepo(pool *pgxpool.Pool) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: pool}
}

const upsertIdentitySQL = `
INSERT INTO oauth_identities (id, user_id, domain_id, provider, subject, email)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (domain_id, provider, subject) DO UPDATE SET user_id = EXCLUDED.user_id, email = EXCLUDED.email`

func (r *PostgresIdentityRepo) Upsert(ctx context.Context, identity domain.OAuthIdentity) error {
	_, err := r.db.Exec(ctx, upsertIdentitySQL,
		identity.ID, identity.UserID, identity.DomainID, identity.Provider, identity.Subject, identity.Email)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

func (r *PostgresIdentityRepo) Delete(ctx context.Context, userID int64, provider, subject string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM oauth_identities WHERE user_id = $1 AND provider = $2 AND subject = $3`,
		userID, provider, subject)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}

func (r *PostgresIdentityRepo) CountByUser(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM oauth_identities WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return count, nil
}

// PostgresAPIKeyRepo implements APIKeyRepository.
type PostgresAPIKeyRepo struct {
	db *pgxpool.Pool
}

func NewPostgresAPIKeyRepo(pool *pgxpool.Pool) *PostgresAPIKeyRepo {
	return &PostgresAPIKeyRepo{db: pool}
}

func (r *PostgresAPIKeyRepo) GetByHash(ctx context.Context, keyHash string) (domain.APIKey, error) {
	var key domain.APIKey
	err := r.db.QueryRow(ctx, `
SELECT id, key_hash, domain_id, scopes, revoked_at, created_at
FROM api_keys
WHERE key_hash = $1`, keyHash).
		Scan(&key.ID, &key.KeyHash, &key.DomainID, &key.Scopes, &key.RevokedAt, &key.CreatedAt)
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("get api key: %w", err)
	}
	return key, nil
}

const insertAPIKeySQL = `
INSERT INTO api_keys (id, key_hash, domain_id, scopes)
VALUES ($1, $2, $3, $4)
RETURNING id, key_hash, domain_id, scopes, revoked_at, created_at`

func (r *PostgresAPIKeyRepo) Create(ctx context.Context, key domain.APIKey) (domain.APIKey, error) {
	var created domain.APIKey
	err := r.db.QueryRow(ctx, insertAPIKeySQL, key.ID, key.KeyHash, key.DomainID, key.Scopes).
		Scan(&created.ID, &created.KeyHash, &created.DomainID, &created.Scopes, &created.RevokedAt, &created.CreatedAt)
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("create api key: %w", err)
	}
	return created, nil
}
