package keyring

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/deliverytrack/internal/fieldcrypto"
)

func TestGenerateProducesLoadableFile(t *testing.T) {
	file, err := Generate("k1", nil)
	require.NoError(t, err)
	assert.Equal(t, "k1", file.Active)
	assert.NotEqual(t, file.Keys["k1"], file.HashKey)

	path := filepath.Join(t.TempDir(), "keys.yaml")
	require.NoError(t, Write(path, file))
	k, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, k.Kids())
	hashKey, err := k.HashKey()
	require.NoError(t, err)
	assert.Len(t, hashKey, generatedKeySize)

	read, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, file, read)
}

func TestGenerateRejectsBadKid(t *testing.T) {
	for _, kid := range []string{"", "  ", "k.1"} {
		_, err := Generate(kid, nil)
		assert.ErrorIs(t, err, ErrInvalid, kid)
	}
}

func TestGenerateFailsOnShortRandom(t *testing.T) {
	_, err := Generate("k1", bytes.NewReader(make([]byte, 10)))
	assert.Error(t, err)
}

func TestRotateKeepsOldKeysDecryptable(t *testing.T) {
	ctx := context.Background()
	original, err := Generate("k1", nil)
	require.NoError(t, err)
	k1, err := FromFile(original, nil)
	require.NoError(t, err)
	provider := fieldcrypto.NewAESGCMProvider(k1)
	aad := map[string]string{"field": "to"}
	envelope, err := provider.Encrypt(ctx, fieldcrypto.EncryptRequest{Kid: "k1", Plaintext: "+15550001111", AAD: aad})
	require.NoError(t, err)

	rotated, err := Rotate(original, "k2", nil)
	require.NoError(t, err)
	assert.Equal(t, "k2", rotated.Active)
	assert.Equal(t, original.HashKey, rotated.HashKey)
	assert.Len(t, rotated.Keys, 2)
	assert.Len(t, original.Keys, 1)

	k2, err := FromFile(rotated, nil)
	require.NoError(t, err)
	kid, err := k2.ActiveKid(ctx, fieldcrypto.KeyContext{})
	require.NoError(t, err)
	assert.Equal(t, "k2", kid)
	plain, err := fieldcrypto.NewAESGCMProvider(k2).Decrypt(ctx, fieldcrypto.DecryptRequest{Ciphertext: envelope, CandidateKids: []string{"k1", "k2"}, AAD: aad})
	require.NoError(t, err)
	assert.Equal(t, "+15550001111", plain)
}

func TestRotateRejectsExistingKid(t *testing.T) {
	_, err := Rotate(sampleFile(), "k2", nil)
	assert.ErrorIs(t, err, ErrInvalid)
}
