package auth

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/backend/internal/store"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(context.Background(), db))
	return NewManager(db)
}

func TestSplitKey(t *testing.T) {
	id, secret, err := splitKey("bfk_abc123.deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
	assert.Equal(t, "deadbeef", secret)

	for _, bad := range []string{
		"",
		"abc123.deadbeef",
		"bfk_",
		"bfk_abc123",
		"bfk_.deadbeef",
		"bfk_abc123.",
	} {
		_, _, err := splitKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, "input %q", bad)
	}
}

func TestKeyLifecycle(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	key, full, err := m.Create(ctx, "", "ops", 0)
	require.NoError(t, err)
	assert.True(t, key.Active)
	assert.Nil(t, key.ExpiresAt)
	assert.Contains(t, full, "bfk_"+key.KeyID+".")

	got, err := m.Validate(ctx, full)
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, got.KeyID)
	assert.Equal(t, "ops", got.Name)

	// Right id, wrong secret.
	_, err = m.Validate(ctx, "bfk_"+key.KeyID+".0000000000000000")
	assert.ErrorIs(t, err, ErrInvalidKey)

	require.NoError(t, m.Revoke(ctx, key.KeyID))
	_, err = m.Validate(ctx, full)
	assert.ErrorIs(t, err, ErrKeyInactive)

	assert.ErrorIs(t, m.Revoke(ctx, "no-such-key"), ErrInvalidKey)
}

func TestKeyExpiry(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, full, err := m.Create(ctx, "", "short-lived", time.Hour)
	require.NoError(t, err)

	_, err = m.Validate(ctx, full)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = m.Validate(ctx, full)
	assert.ErrorIs(t, err, ErrKeyExpired)
}
