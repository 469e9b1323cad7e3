package credentials

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/tool-gateway/internal/sqlitedb"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var _ Store = (*SQLStore)(nil)

// SQLStore implements Store on the gateway SQLite database.
type SQLStore struct {
	db         *sql.DB
	now        func() time.Time
	bcryptCost int
}

// Option configures a SQLStore.
type Option func(*SQLStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

// WithBcryptCost overrides the bcrypt cost used for account secrets.
func WithBcryptCost(cost int) Option {
	return func(s *SQLStore) { s.bcryptCost = cost }
}

// NewSQLStore wraps an already migrated database.
func NewSQLStore(db *sql.DB, opts ...Option) *SQLStore {
	s := &SQLStore{db: db, now: time.Now, bcryptCost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) GetCredential(ctx context.Context, userID, provider string) (Credential, error) {
	var (
		c                    Credential
		scopes               string
		expiresAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT user_id, provider, access_token, refresh_token, token_type, expires_at, scopes, tenant_id, tenant_name, updated_at
		FROM credentials WHERE user_id = ? AND provider = ?`, userID, provider).
		Scan(&c.UserID, &c.Provider, &c.AccessToken, &c.RefreshToken, &c.TokenType, &expiresAt, &scopes, &c.TenantID, &c.TenantName, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("get credential: %w", err)
	}
	c.ExpiresAt = sqlitedb.FromUnixNano(expiresAt)
	c.UpdatedAt = sqlitedb.FromUnixNano(updatedAt)
	c.Scopes = strings.Fields(scopes)
	return c, nil
}

func (s *SQLStore) PutCredential(ctx context.Context, c Credential) error {
	if c.UserID == "" || c.Provider == "" {
		return fmt.Errorf("put credential: user id and provider are required")
	}
	if c.TokenType == "" {
		c.TokenType = "Bearer"
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO credentials (user_id, provider, access_token, refresh_token, token_type, expires_at, scopes, tenant_id, tenant_name, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expires_at = excluded.expires_at,
			scopes = excluded.scopes,
			tenant_id = excluded.tenant_id,
			tenant_name = excluded.tenant_name,
			updated_at = excluded.updated_at`,
		c.UserID, c.Provider, c.AccessToken, c.RefreshToken, c.TokenType, sqlitedb.UnixNano(c.ExpiresAt),
		strings.Join(c.Scopes, " "), c.TenantID, c.TenantName, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteCredential(ctx context.Context, userID, provider string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) CreateAccount(ctx context.Context, identifier, displayName, secret string) (Account, error) {
	return s.insertAccount(ctx, s.db, identifier, displayName, secret)
}

func (s *SQLStore) insertAccount(ctx context.Context, ex execer, identifier, displayName, secret string) (Account, error) {
	identifier = normalizeIdentifier(identifier)
	if identifier == "" {
		return Account{}, fmt.Errorf("%w: identifier is required", ErrInvalidAccount)
	}
	if len(secret) < MinSecretLen {
		return Account{}, fmt.Errorf("%w: secret must be at least %d characters", ErrInvalidAccount, MinSecretLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
	if err != nil {
		return Account{}, fmt.Errorf("hash secret: %w", err)
	}
	acct := Account{
		ID:          uuid.NewString(),
		Identifier:  identifier,
		DisplayName: displayName,
		CreatedAt:   s.now().UTC(),
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO accounts (id, identifier, display_name, secret_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		acct.ID, acct.Identifier, acct.DisplayName, string(hash), acct.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return Account{}, ErrConflict
		}
		return Account{}, fmt.Errorf("create account: %w", err)
	}
	return acct, nil
}

func (s *SQLStore) GetAccount(ctx context.Context, id string) (Account, error) {
	var (
		a       Account
		created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, identifier, display_name, created_at FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Identifier, &a.DisplayName, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	a.CreatedAt = sqlitedb.FromUnixNano(created)
	return a, nil
}

func (s *SQLStore) Authenticate(ctx context.Context, identifier, secret string) (Account, error) {
	var (
		a       Account
		hash    string
		created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, identifier, display_name, secret_hash, created_at FROM accounts WHERE identifier = ?`,
		normalizeIdentifier(identifier)).Scan(&a.ID, &a.Identifier, &a.DisplayName, &hash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrInvalidSecret
	}
	if err != nil {
		return Account{}, fmt.Errorf("authenticate: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return Account{}, ErrInvalidSecret
	}
	a.CreatedAt = sqlitedb.FromUnixNano(created)
	return a, nil
}

func (s *SQLStore) CreateInvite(ctx context.Context, createdBy string, ttl time.Duration) (Invite, error) {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	buf := make([]byte, 15)
	if _, err := rand.Read(buf); err != nil {
		return Invite{}, fmt.Errorf("generate invite: %w", err)
	}
	inv := Invite{
		Code:      base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf),
		CreatedBy: createdBy,
		ExpiresAt: s.now().Add(ttl).UTC(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO invites (code_hash, created_by, expires_at) VALUES (?, ?, ?)`,
		hashInvite(inv.Code), inv.CreatedBy, inv.ExpiresAt.UnixNano())
	if err != nil {
		return Invite{}, fmt.Errorf("create invite: %w", err)
	}
	return inv, nil
}

func (s *SQLStore) RedeemInvite(ctx context.Context, code, identifier, displayName, secret string) (Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, fmt.Errorf("begin redeem: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	h := hashInvite(strings.ToUpper(strings.TrimSpace(code)))
	var (
		expiresAt  int64
		redeemedBy sql.NullString
	)
	err = tx.QueryRowContext(ctx, `SELECT expires_at, redeemed_by FROM invites WHERE code_hash = ?`, h).Scan(&expiresAt, &redeemedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("load invite: %w", err)
	}
	now := s.now()
	if redeemedBy.Valid || !sqlitedb.FromUnixNano(expiresAt).After(now) {
		return Account{}, ErrInviteUnavailable
	}

	acct, err := s.insertAccount(ctx, tx, identifier, displayName, secret)
	if err != nil {
		return Account{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE invites SET redeemed_by = ?, redeemed_at = ? WHERE code_hash = ? AND redeemed_by IS NULL`,
		acct.ID, now.UnixNano(), h); err != nil {
		return Account{}, fmt.Errorf("mark invite redeemed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Account{}, fmt.Errorf("commit redeem: %w", err)
	}
	return acct, nil
}

func normalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func hashInvite(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
