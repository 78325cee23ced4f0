// Package auth issues and validates the platform API keys guarding the
// admin surface. A key has the form "bfk_<id>.<secret>". Only the
// bcrypt hash of the secret is stored; the id is the lookup handle and
// carries no authority on its own.
package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const keyPrefix = "bfk_"

var (
	ErrInvalidKey  = errors.New("invalid api key")
	ErrKeyInactive = errors.New("api key inactive")
	ErrKeyExpired  = errors.New("api key expired")
)

// APIKey is the stored key record. The secret never leaves Create.
type APIKey struct {
	KeyID     string     `json:"keyId"`
	TenantID  string     `json:"tenantId,omitempty"`
	Name      string     `json:"name"`
	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Manager persists and checks API keys.
type Manager struct {
	db  *sql.DB
	now func() time.Time
}

func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db, now: time.Now}
}

// Create mints a key and returns the full token. The token is shown
// exactly once; afterwards only the hash exists. tenantID may be empty
// for platform-scoped keys. ttl <= 0 means no expiry.
func (m *Manager) Create(ctx context.Context, tenantID, name string, ttl time.Duration) (*APIKey, string, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", err
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", err
	}
	keyID := hex.EncodeToString(idBytes)
	secret := hex.EncodeToString(secretBytes)
	full := fmt.Sprintf("%s%s.%s", keyPrefix, keyID, secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	key := &APIKey{
		KeyID:     keyID,
		TenantID:  tenantID,
		Name:      name,
		Active:    true,
		CreatedAt: m.now().UTC(),
	}
	if ttl > 0 {
		exp := key.CreatedAt.Add(ttl)
		key.ExpiresAt = &exp
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_id, tenant_id, name, secret_hash, is_active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6)`,
		key.KeyID, key.TenantID, key.Name, string(hash), key.ExpiresAt, key.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("store api key: %w", err)
	}
	return key, full, nil
}

// splitKey parses "bfk_<id>.<secret>" without touching the store.
func splitKey(full string) (keyID, secret string, err error) {
	if !strings.HasPrefix(full, keyPrefix) {
		return "", "", ErrInvalidKey
	}
	parts := strings.Split(strings.TrimPrefix(full, keyPrefix), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidKey
	}
	return parts[0], parts[1], nil
}

// Validate checks the full token and returns the key record. All
// failure modes that depend on attacker input collapse to
// ErrInvalidKey; inactive and expired are distinguished because the
// caller already held a real key.
func (m *Manager) Validate(ctx context.Context, full string) (*APIKey, error) {
	keyID, secret, err := splitKey(full)
	if err != nil {
		return nil, err
	}

	var (
		key  APIKey
		hash string
	)
	err = m.db.QueryRowContext(ctx, `
		SELECT key_id, tenant_id, name, secret_hash, is_active, expires_at, created_at
		FROM api_keys WHERE key_id = $1`, keyID).
		Scan(&key.KeyID, &key.TenantID, &key.Name, &hash, &key.Active, &key.ExpiresAt, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("api key lookup: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return nil, ErrInvalidKey
	}
	if !key.Active {
		return nil, ErrKeyInactive
	}
	if key.ExpiresAt != nil && m.now().After(*key.ExpiresAt) {
		return nil, ErrKeyExpired
	}
	return &key, nil
}

// Revoke deactivates the key. Revocation is permanent; a new key must
// be minted to restore access.
func (m *Manager) Revoke(ctx context.Context, keyID string) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = FALSE WHERE key_id = $1`, keyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidKey
	}
	return nil
}

// List returns key records, optionally filtered to one tenant.
func (m *Manager) List(ctx context.Context, tenantID string) ([]APIKey, error) {
	query := `SELECT key_id, tenant_id, name, is_active, expires_at, created_at
		FROM api_keys ORDER BY created_at DESC`
	args := []any{}
	if tenantID != "" {
		query = `SELECT key_id, tenant_id, name, is_active, expires_at, created_at
			FROM api_keys WHERE tenant_id = $1 ORDER BY created_at DESC`
		args = append(args, tenantID)
	}
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.KeyID, &k.TenantID, &k.Name, &k.Active, &k.ExpiresAt, &k.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

type contextKey string

const apiKeyContextKey contextKey = "api_key"

// WithKey stashes the validated key on the request context.
func WithKey(ctx context.Context, key *APIKey) context.Context {
	return context.WithValue(ctx, apiKeyContextKey, key)
}

// KeyFromContext returns the validated key, or nil outside an
// authenticated request.
func KeyFromContext(ctx context.Context) *APIKey {
	key, _ := ctx.Value(apiKeyContextKey).(*APIKey)
	return key
}
