package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMasterKey(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	keeper, err := NewKeeper(testMasterKey(t))
	require.NoError(t, err)

	dek, wrapped, err := keeper.NewDEK()
	require.NoError(t, err)

	unwrapped, err := keeper.UnwrapDEK(wrapped)
	require.NoError(t, err)
	assert.Equal(t, dek, unwrapped)

	sealed, err := EncryptSecret(dek, "api-secret-value")
	require.NoError(t, err)

	plain, err := DecryptSecret(unwrapped, sealed)
	require.NoError(t, err)
	assert.Equal(t, "api-secret-value", plain)
}

func TestWrongKeyFailsAuthentication(t *testing.T) {
	keeperA, err := NewKeeper(testMasterKey(t))
	require.NoError(t, err)
	keeperB, err := NewKeeper(testMasterKey(t))
	require.NoError(t, err)

	_, wrapped, err := keeperA.NewDEK()
	require.NoError(t, err)

	_, err = keeperB.UnwrapDEK(wrapped)
	assert.Error(t, err, "a foreign master key must not unwrap the dek")
}

func TestTamperedCiphertextRejected(t *testing.T) {
	keeper, err := NewKeeper(testMasterKey(t))
	require.NoError(t, err)
	dek, _, err := keeper.NewDEK()
	require.NoError(t, err)

	sealed, err := EncryptSecret(dek, "payload")
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = DecryptSecret(dek, sealed)
	assert.Error(t, err)
}

func TestNewKeeperRejectsBadKeys(t *testing.T) {
	_, err := NewKeeper("not base64!!")
	assert.Error(t, err)

	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	_, err = NewKeeper(short)
	assert.Error(t, err)
}
