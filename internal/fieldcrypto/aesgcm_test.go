package fieldcrypto

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/agentworkforce/deliverytrack/internal/cryptocircuit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESGCMEnvelope(t *testing.T) {
	keys := newStaticKeys("k1", "k1", "k2")
	p := NewAESGCMProvider(keys)
	ctx := context.Background()
	aad := map[string]string{"messageId": "m-1", "fieldPath": "to"}

	ct, err := p.Encrypt(ctx, EncryptRequest{Kid: "k2", Plaintext: "secret", AAD: aad})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ct, "v1.k2."))
	assert.True(t, p.IsCiphertext(ct))
	assert.False(t, p.IsCiphertext("*******5678"))

	again, err := p.Encrypt(ctx, EncryptRequest{Kid: "k2", Plaintext: "secret", AAD: aad})
	require.NoError(t, err)
	assert.NotEqual(t, ct, again, "nonces must differ")

	pt, err := p.Decrypt(ctx, DecryptRequest{Ciphertext: ct, CandidateKids: []string{"k1", "k2"}, AAD: aad})
	require.NoError(t, err)
	assert.Equal(t, "secret", pt)
}

func TestAESGCMErrorsCarryCircuitClass(t *testing.T) {
	keys := newStaticKeys("k1", "k1")
	p := NewAESGCMProvider(keys)
	ctx := context.Background()
	ct, err := p.Encrypt(ctx, EncryptRequest{Kid: "k1", Plaintext: "secret"})
	require.NoError(t, err)

	cases := []struct {
		name string
		req  DecryptRequest
		want cryptocircuit.ErrorClass
	}{
		{"not a candidate", DecryptRequest{Ciphertext: ct, CandidateKids: []string{"k9"}}, cryptocircuit.ClassKidMismatch},
		{"aad differs", DecryptRequest{Ciphertext: ct, AAD: map[string]string{"messageId": "x"}}, cryptocircuit.ClassAADMismatch},
		{"malformed", DecryptRequest{Ciphertext: "garbage"}, cryptocircuit.ClassKeyError},
		{"truncated", DecryptRequest{Ciphertext: "v1.k1.AAAA"}, cryptocircuit.ClassKeyError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Decrypt(ctx, tc.req)
			require.Error(t, err)
			var classed *ClassifiedError
			require.True(t, errors.As(err, &classed))
			assert.Equal(t, tc.want, classed.Class)
			assert.Equal(t, tc.want, cryptocircuit.DefaultClassifier(err))
		})
	}

	_, err = p.Encrypt(ctx, EncryptRequest{Kid: "missing", Plaintext: "x"})
	var classed *ClassifiedError
	require.True(t, errors.As(err, &classed))
	assert.Equal(t, cryptocircuit.ClassKidMismatch, classed.Class)
}

func TestHashIsDomainSeparatedByField(t *testing.T) {
	keys := newStaticKeys("k1", "k1")
	p := NewAESGCMProvider(keys)
	ctx := context.Background()

	a, err := p.Hash(ctx, HashRequest{Field: "to", Value: "0101"})
	require.NoError(t, err)
	b, err := p.Hash(ctx, HashRequest{Field: "from", Value: "0101"})
	require.NoError(t, err)
	c, err := p.Hash(ctx, HashRequest{Field: "to", Value: "0101"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, c)
	assert.Len(t, a, 64)
}
