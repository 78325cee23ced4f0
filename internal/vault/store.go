package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var ErrCredentialNotFound = errors.New("credential not found")

// Summary is the listing view of a credential. It never carries the
// ciphertext, let alone the plaintext.
type Summary struct {
	ID            string
	Provider      string
	KeyName       string
	AuthType      string
	AuthHeader    string
	IsActive      bool
	LastValidated *time.Time
	CreatedAt     time.Time
	RotatedAt     *time.Time
	CreatedBy     string
}

// CreateParams describes a credential to store.
type CreateParams struct {
	Provider   string
	KeyName    string
	Value      string
	AuthType   string
	AuthHeader string
	Actor      string
}

// Store is the credential vault: encrypted CRUD plus the audit trail.
type Store struct {
	db     *sql.DB
	cipher *Cipher
}

func NewStore(db *sql.DB, cipher *Cipher) *Store {
	return &Store{db: db, cipher: cipher}
}

// Create encrypts and stores a new credential.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Summary, error) {
	if p.Provider == "" || p.KeyName == "" || p.Value == "" {
		return nil, fmt.Errorf("provider, key name and value are required")
	}
	if p.AuthType == "" {
		p.AuthType = "bearer"
	}

	env, err := s.cipher.Encrypt(p.Value)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, provider, key_name, encrypted_value, auth_type, auth_header, created_by)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		id, p.Provider, p.KeyName, encoded, p.AuthType, p.AuthHeader, p.Actor)
	if err != nil {
		return nil, fmt.Errorf("insert credential: %w", err)
	}

	s.audit(ctx, "create", id, p.Actor)
	slog.Info("credential stored", "provider", p.Provider, "key", p.KeyName)
	return s.Get(ctx, id)
}

// Reveal decrypts one credential value for outbound use.
func (s *Store) Reveal(ctx context.Context, id, actor string) (string, error) {
	var encoded []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT encrypted_value FROM credentials WHERE id = $1 AND is_active`, id).Scan(&encoded)
	if err == sql.ErrNoRows {
		return "", ErrCredentialNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read credential: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(encoded, &env); err != nil {
		return "", ErrDecryptFailed
	}
	plain, err := s.cipher.Decrypt(env)
	if err != nil {
		return "", err
	}

	s.audit(ctx, "reveal", id, actor)
	return plain, nil
}

// Rotate replaces the encrypted value and stamps rotated_at.
func (s *Store) Rotate(ctx context.Context, id, newValue, actor string) error {
	env, err := s.cipher.Encrypt(newValue)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET encrypted_value = $2, rotated_at = now()
		WHERE id = $1 AND is_active`, id, encoded)
	if err != nil {
		return fmt.Errorf("rotate credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCredentialNotFound
	}

	s.audit(ctx, "rotate", id, actor)
	slog.Info("credential rotated", "id", id)
	return nil
}

// Deactivate retires a credential without destroying it.
func (s *Store) Deactivate(ctx context.Context, id, actor string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET is_active = false WHERE id = $1 AND is_active`, id)
	if err != nil {
		return fmt.Errorf("deactivate credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCredentialNotFound
	}
	s.audit(ctx, "deactivate", id, actor)
	return nil
}

// MarkValidated records a successful validation probe.
func (s *Store) MarkValidated(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET last_validated = now() WHERE id = $1`, id)
	return err
}

const summaryCols = `
	SELECT id, provider, key_name, auth_type, COALESCE(auth_header, ''), is_active,
	       last_validated, created_at, rotated_at, created_by
	FROM credentials`

// Get reads one credential summary.
func (s *Store) Get(ctx context.Context, id string) (*Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx, summaryCols+` WHERE id = $1`, id).
		Scan(&sum.ID, &sum.Provider, &sum.KeyName, &sum.AuthType, &sum.AuthHeader,
			&sum.IsActive, &sum.LastValidated, &sum.CreatedAt, &sum.RotatedAt, &sum.CreatedBy)
	if err == sql.ErrNoRows {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}
	return &sum, nil
}

// List returns summaries for every active credential of a provider;
// empty provider lists all.
func (s *Store) List(ctx context.Context, provider string) ([]Summary, error) {
	q := summaryCols + ` WHERE is_active`
	args := []any{}
	if provider != "" {
		q += ` AND provider = $1`
		args = append(args, provider)
	}
	q += ` ORDER BY provider, key_name`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Provider, &sum.KeyName, &sum.AuthType,
			&sum.AuthHeader, &sum.IsActive, &sum.LastValidated, &sum.CreatedAt,
			&sum.RotatedAt, &sum.CreatedBy); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// audit never blocks the mutation it records.
func (s *Store) audit(ctx context.Context, action, credentialID, actor string) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credential_audit (id, action, credential, actor)
		VALUES ($1, $2, $3, $4)`, uuid.NewString(), action, credentialID, actor)
	if err != nil {
		slog.Error("credential audit write failed", "action", action, "error", err)
	}
}
