package credstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMasterKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestEncryptBundle_RoundTrips(t *testing.T) {
	ciphertext, err := encryptBundle(testMasterKey, "tenant-a", []byte("opaque-creds"))
	require.NoError(t, err)

	plain, err := decryptBundle(testMasterKey, "tenant-a", ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("opaque-creds"), plain)
}

func TestEncryptBundle_RejectsWrongTenantID(t *testing.T) {
	ciphertext, err := encryptBundle(testMasterKey, "tenant-a", []byte("opaque-creds"))
	require.NoError(t, err)

	_, err = decryptBundle(testMasterKey, "tenant-b", ciphertext)
	assert.Error(t, err)
}

func TestDeriveTenantKey_DiffersPerTenant(t *testing.T) {
	keyA, err := deriveTenantKey(testMasterKey, "tenant-a")
	require.NoError(t, err)
	keyB, err := deriveTenantKey(testMasterKey, "tenant-b")
	require.NoError(t, err)
	assert.NotEqual(t, keyA, keyB)
	assert.Len(t, keyA, 32)
}

func TestEncryptBundle_RejectsMalformedKey(t *testing.T) {
	_, err := encryptBundle("not-hex", "tenant-a", []byte("x"))
	assert.Error(t, err)

	_, err = encryptBundle("ab", "tenant-a", []byte("x"))
	assert.Error(t, err)
}
