package keyring

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

const generatedKeySize = 32

// Generate returns a key file with a single active AES-256 key and a fresh
// hash key. A nil rnd uses crypto/rand.
func Generate(kid string, rnd io.Reader) (File, error) {
	kid = strings.TrimSpace(kid)
	if err := checkKid(kid); err != nil {
		return File{}, err
	}
	if rnd == nil {
		rnd = rand.Reader
	}
	key, err := randomKey(rnd)
	if err != nil {
		return File{}, err
	}
	hashKey, err := randomKey(rnd)
	if err != nil {
		return File{}, err
	}
	return File{
		Active:  kid,
		Keys:    map[string]string{kid: key},
		HashKey: hashKey,
	}, nil
}

// Rotate adds a new key under kid and makes it active. Existing keys stay in
// the file so older ciphertexts keep decrypting. The hash key is unchanged.
func Rotate(file File, kid string, rnd io.Reader) (File, error) {
	kid = strings.TrimSpace(kid)
	if err := checkKid(kid); err != nil {
		return File{}, err
	}
	if _, exists := file.Keys[kid]; exists {
		return File{}, fmt.Errorf("%w: kid %s already exists", ErrInvalid, kid)
	}
	if rnd == nil {
		rnd = rand.Reader
	}
	key, err := randomKey(rnd)
	if err != nil {
		return File{}, err
	}
	next := File{
		Active:  kid,
		Keys:    make(map[string]string, len(file.Keys)+1),
		HashKey: file.HashKey,
		Retired: append([]string(nil), file.Retired...),
	}
	for k, v := range file.Keys {
		next.Keys[k] = v
	}
	next.Keys[kid] = key
	if len(file.Tenants) > 0 {
		next.Tenants = make(map[string]string, len(file.Tenants))
		for tenant, k := range file.Tenants {
			next.Tenants[tenant] = k
		}
	}
	if _, err := parse(next); err != nil {
		return File{}, err
	}
	return next, nil
}

func checkKid(kid string) error {
	if kid == "" || strings.Contains(kid, ".") {
		return fmt.Errorf("%w: invalid kid %q", ErrInvalid, kid)
	}
	return nil
}

func randomKey(rnd io.Reader) (string, error) {
	buf := make([]byte, generatedKeySize)
	if _, err := io.ReadFull(rnd, buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
