package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher("platform-secret")
	require.NoError(t, err)

	env, err := c.Encrypt("sk-live-abc123")
	require.NoError(t, err)
	assert.Len(t, env.IV, 24, "12-byte iv in hex")
	assert.Len(t, env.AuthTag, 32, "16-byte tag in hex")

	plain, err := c.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-abc123", plain)

	// Fresh IV per call: same plaintext, different envelope.
	env2, err := c.Encrypt("sk-live-abc123")
	require.NoError(t, err)
	assert.NotEqual(t, env.IV, env2.IV)
	assert.NotEqual(t, env.Ciphertext, env2.Ciphertext)
}

func TestKeyDerivationIsDeterministic(t *testing.T) {
	c1, err := NewCipher("platform-secret")
	require.NoError(t, err)
	c2, err := NewCipher("platform-secret")
	require.NoError(t, err)

	env, err := c1.Encrypt("value")
	require.NoError(t, err)
	plain, err := c2.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, "value", plain)

	other, err := NewCipher("different-secret")
	require.NoError(t, err)
	_, err = other.Decrypt(env)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptFailsClosedOnTampering(t *testing.T) {
	c, err := NewCipher("platform-secret")
	require.NoError(t, err)

	env, err := c.Encrypt("secret value")
	require.NoError(t, err)

	flip := func(s string) string {
		b := []byte(s)
		if b[0] == 'a' {
			b[0] = 'b'
		} else {
			b[0] = 'a'
		}
		return string(b)
	}

	for name, bad := range map[string]Envelope{
		"ciphertext": {IV: env.IV, AuthTag: env.AuthTag, Ciphertext: flip(env.Ciphertext)},
		"tag":        {IV: env.IV, AuthTag: flip(env.AuthTag), Ciphertext: env.Ciphertext},
		"iv":         {IV: flip(env.IV), AuthTag: env.AuthTag, Ciphertext: env.Ciphertext},
		"short tag":  {IV: env.IV, AuthTag: env.AuthTag[:30], Ciphertext: env.Ciphertext},
		"not hex":    {IV: "zz", AuthTag: env.AuthTag, Ciphertext: env.Ciphertext},
	} {
		_, err := c.Decrypt(bad)
		assert.ErrorIs(t, err, ErrDecryptFailed, name)
	}
}

func TestEphemeralKeyForTests(t *testing.T) {
	c1, err := NewCipher("")
	require.NoError(t, err)
	c2, err := NewCipher("")
	require.NoError(t, err)

	env, err := c1.Encrypt("value")
	require.NoError(t, err)
	_, err = c2.Decrypt(env)
	assert.ErrorIs(t, err, ErrDecryptFailed, "ephemeral keys never match")
}
