package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptmountd/cryptmountd/interfaces"
)

func TestKeyPairRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.Equal(t, pub.String(), PublicKeyHex(priv))

	path := filepath.Join(t.TempDir(), "client.pem")
	require.NoError(t, SavePrivateKey(path, priv))

	loaded, err := LoadPrivateKey(path)
	require.NoError(t, err)
	assert.Equal(t, priv, loaded)

	// The saved key signs requests the verifier accepts.
	now := time.Unix(1700000000, 0)
	v := NewVerifier([]interfaces.TrustedKey{pub}, testLogger()).WithClock(func() time.Time { return now })
	sig, ts, pubHex := signedHeaders(loaded, "GET", "/list", nil, now)
	assert.Equal(t, Authorized, v.Verify("GET", "/list", nil, sig, ts, pubHex))
}

func TestLoadPrivateKey_Errors(t *testing.T) {
	_, err := LoadPrivateKey("/no/such/key.pem")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a pem"), 0600))
	_, err = LoadPrivateKey(path)
	assert.Error(t, err)
}
