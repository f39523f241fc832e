// Package keyring loads field encryption keys from a YAML key file and keeps
// them current while the file is rotated on disk.
package keyring

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/deliverytrack/internal/fieldcrypto"
)

var (
	ErrUnknownKid = errors.New("unknown kid")
	ErrNoHashKey  = errors.New("hash key not configured")
	ErrInvalid    = errors.New("invalid key file")
)

// File is the on-disk layout. Keys and HashKey are base64 encoded.
type File struct {
	Active  string            `yaml:"active"`
	Tenants map[string]string `yaml:"tenants,omitempty"`
	Keys    map[string]string `yaml:"keys"`
	HashKey string            `yaml:"hashKey"`
	Retired []string          `yaml:"retired,omitempty"`
}

type snapshot struct {
	active  string
	tenants map[string]string
	keys    map[string][]byte
	hashKey []byte
	retired map[string]bool
}

type Keyring struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	snap snapshot
}

var (
	_ fieldcrypto.KeyResolver = (*Keyring)(nil)
	_ fieldcrypto.KeySource   = (*Keyring)(nil)
)

func Load(path string, logger *slog.Logger) (*Keyring, error) {
	snap, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return newKeyring(path, snap, logger), nil
}

func FromFile(file File, logger *slog.Logger) (*Keyring, error) {
	snap, err := parse(file)
	if err != nil {
		return nil, err
	}
	return newKeyring("", snap, logger), nil
}

func newKeyring(path string, snap snapshot, logger *slog.Logger) *Keyring {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keyring{
		path:   path,
		logger: logger.With(slog.String("component", "keyring")),
		snap:   snap,
	}
}

func readFile(path string) (snapshot, error) {
	file, err := ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	return parse(file)
}

func ReadFile(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read key file: %w", err)
	}
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return File{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return file, nil
}

func parse(file File) (snapshot, error) {
	snap := snapshot{
		active:  strings.TrimSpace(file.Active),
		tenants: map[string]string{},
		keys:    map[string][]byte{},
		retired: map[string]bool{},
	}
	for kid, encoded := range file.Keys {
		kid = strings.TrimSpace(kid)
		if kid == "" || strings.Contains(kid, ".") {
			return snapshot{}, fmt.Errorf("%w: invalid kid %q", ErrInvalid, kid)
		}
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return snapshot{}, fmt.Errorf("%w: key %s: %v", ErrInvalid, kid, err)
		}
		switch len(key) {
		case 16, 24, 32:
		default:
			return snapshot{}, fmt.Errorf("%w: key %s must be 16, 24 or 32 bytes, got %d", ErrInvalid, kid, len(key))
		}
		snap.keys[kid] = key
	}
	if snap.active == "" {
		return snapshot{}, fmt.Errorf("%w: active kid is required", ErrInvalid)
	}
	if _, ok := snap.keys[snap.active]; !ok {
		return snapshot{}, fmt.Errorf("%w: active kid %s has no key", ErrInvalid, snap.active)
	}
	for tenant, kid := range file.Tenants {
		if _, ok := snap.keys[kid]; !ok {
			return snapshot{}, fmt.Errorf("%w: tenant %s uses unknown kid %s", ErrInvalid, tenant, kid)
		}
		snap.tenants[strings.TrimSpace(tenant)] = kid
	}
	for _, kid := range file.Retired {
		if kid == snap.active {
			return snapshot{}, fmt.Errorf("%w: active kid %s is retired", ErrInvalid, kid)
		}
		snap.retired[kid] = true
	}
	if strings.TrimSpace(file.HashKey) != "" {
		hashKey, err := base64.StdEncoding.DecodeString(strings.TrimSpace(file.HashKey))
		if err != nil {
			return snapshot{}, fmt.Errorf("%w: hash key: %v", ErrInvalid, err)
		}
		if len(hashKey) < 16 {
			return snapshot{}, fmt.Errorf("%w: hash key must be at least 16 bytes", ErrInvalid)
		}
		snap.hashKey = hashKey
	}
	return snap, nil
}

func (k *Keyring) ActiveKid(_ context.Context, kc fieldcrypto.KeyContext) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if kid, ok := k.snap.tenants[kc.TenantID]; ok && !k.snap.retired[kid] {
		return kid, nil
	}
	return k.snap.active, nil
}

// CandidateKids orders decryption candidates: the record's own kid, the
// tenant kid, the global active kid, then every other loaded key. Retired
// kids are offered only as the record's own kid.
func (k *Keyring) CandidateKids(_ context.Context, kc fieldcrypto.KeyContext) ([]string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []string
	add := func(kid string, allowRetired bool) {
		if kid == "" || slices.Contains(out, kid) {
			return
		}
		if _, ok := k.snap.keys[kid]; !ok {
			return
		}
		if k.snap.retired[kid] && !allowRetired {
			return
		}
		out = append(out, kid)
	}
	add(kc.RecordKid, true)
	add(k.snap.tenants[kc.TenantID], false)
	add(k.snap.active, false)
	rest := make([]string, 0, len(k.snap.keys))
	for kid := range k.snap.keys {
		rest = append(rest, kid)
	}
	sort.Strings(rest)
	for _, kid := range rest {
		add(kid, false)
	}
	return out, nil
}

func (k *Keyring) Key(kid string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.snap.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKid, kid)
	}
	return key, nil
}

func (k *Keyring) HashKey() ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(k.snap.hashKey) == 0 {
		return nil, ErrNoHashKey
	}
	return k.snap.hashKey, nil
}

func (k *Keyring) Kids() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.snap.keys))
	for kid := range k.snap.keys {
		out = append(out, kid)
	}
	sort.Strings(out)
	return out
}

// Reload re-reads the key file. A file that fails to parse leaves the current
// keys in place.
func (k *Keyring) Reload() error {
	if k.path == "" {
		return nil
	}
	snap, err := readFile(k.path)
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.snap = snap
	k.mu.Unlock()
	return nil
}

// Watch reloads the key file whenever it changes until ctx is done. The
// parent directory is watched so atomic rename-into-place is seen.
func (k *Keyring) Watch(ctx context.Context) error {
	if k.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create key file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(k.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(k.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := k.Reload(); err != nil {
				k.logger.Warn("key file reload failed, keeping previous keys",
					slog.String("path", k.path),
					slog.String("error", err.Error()),
				)
				continue
			}
			k.logger.Info("key file reloaded", slog.String("path", k.path), slog.Int("keys", len(k.Kids())))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			k.logger.Warn("key file watcher error", slog.String("error", err.Error()))
		}
	}
}

func Write(path string, file File) error {
	raw, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode key file: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace key file: %w", err)
	}
	return nil
}
