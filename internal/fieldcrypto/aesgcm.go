package fieldcrypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/agentworkforce/deliverytrack/internal/cryptocircuit"
)

const envelopeVersion = "v1"

type KeySource interface {
	Key(kid string) ([]byte, error)
	HashKey() ([]byte, error)
}

// AESGCMProvider encrypts with AES-GCM into the envelope
// "v1.<kid>.<base64url(nonce||ciphertext)>" and hashes with HMAC-SHA256.
type AESGCMProvider struct {
	keys KeySource
	rand io.Reader
}

func NewAESGCMProvider(keys KeySource) *AESGCMProvider {
	return &AESGCMProvider{keys: keys, rand: rand.Reader}
}

func (p *AESGCMProvider) Encrypt(_ context.Context, req EncryptRequest) (string, error) {
	if req.Kid == "" || strings.Contains(req.Kid, ".") {
		return "", classified(cryptocircuit.ClassKidMismatch, fmt.Sprintf("invalid kid %q", req.Kid), nil)
	}
	aead, err := p.aead(req.Kid)
	if err != nil {
		return "", err
	}
	aad, err := canonicalAAD(req.AAD)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(p.rand, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(req.Plaintext), aad)
	return envelopeVersion + "." + req.Kid + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (p *AESGCMProvider) Decrypt(_ context.Context, req DecryptRequest) (string, error) {
	kid, payload, err := parseEnvelope(req.Ciphertext)
	if err != nil {
		return "", err
	}
	if len(req.CandidateKids) > 0 && !slices.Contains(req.CandidateKids, kid) {
		return "", classified(cryptocircuit.ClassKidMismatch, fmt.Sprintf("kid %s is not a candidate", kid), nil)
	}
	aead, err := p.aead(kid)
	if err != nil {
		return "", err
	}
	if len(payload) < aead.NonceSize() {
		return "", classified(cryptocircuit.ClassKeyError, "truncated ciphertext envelope", nil)
	}
	aad, err := canonicalAAD(req.AAD)
	if err != nil {
		return "", err
	}
	nonce, sealed := payload[:aead.NonceSize()], payload[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return "", classified(cryptocircuit.ClassAADMismatch, "aad or auth tag mismatch", err)
	}
	return string(plaintext), nil
}

func (p *AESGCMProvider) Hash(_ context.Context, req HashRequest) (string, error) {
	key, err := p.keys.HashKey()
	if err != nil {
		return "", classified(cryptocircuit.ClassKeyError, "hash key unavailable", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(req.Field))
	mac.Write([]byte{0})
	mac.Write([]byte(req.Value))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// IsCiphertext reports whether value is shaped like an envelope this provider
// wrote. It does not authenticate the value.
func (p *AESGCMProvider) IsCiphertext(value string) bool {
	_, _, err := parseEnvelope(value)
	return err == nil
}

func (p *AESGCMProvider) aead(kid string) (cipher.AEAD, error) {
	key, err := p.keys.Key(kid)
	if err != nil {
		return nil, classified(cryptocircuit.ClassKidMismatch, fmt.Sprintf("kid %s unavailable", kid), err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, classified(cryptocircuit.ClassKeyError, fmt.Sprintf("key %s unusable", kid), err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, classified(cryptocircuit.ClassKeyError, fmt.Sprintf("key %s unusable", kid), err)
	}
	return aead, nil
}

func parseEnvelope(value string) (string, []byte, error) {
	parts := strings.SplitN(value, ".", 3)
	if len(parts) != 3 || parts[0] != envelopeVersion || parts[1] == "" {
		return "", nil, classified(cryptocircuit.ClassKeyError, "malformed ciphertext envelope", nil)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", nil, classified(cryptocircuit.ClassKeyError, "malformed ciphertext envelope", err)
	}
	return parts[1], payload, nil
}

// canonicalAAD encodes the AAD map with sorted keys.
func canonicalAAD(aad map[string]string) ([]byte, error) {
	if len(aad) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(aad)
	if err != nil {
		return nil, fmt.Errorf("encode aad: %w", err)
	}
	return encoded, nil
}
