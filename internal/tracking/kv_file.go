package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileObjectStore keeps every object in one JSON file that is rewritten
// atomically on each change. It suits local development and small installs.
type FileObjectStore struct {
	path string

	mu      sync.Mutex
	objects map[string]json.RawMessage
}

var (
	_ ObjectStore   = (*FileObjectStore)(nil)
	_ ObjectUpdater = (*FileObjectStore)(nil)
)

func OpenFileObjectStore(path string) (*FileObjectStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: file path is required", ErrInvalidInput)
	}
	f := &FileObjectStore{path: path, objects: map[string]json.RawMessage{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return f, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(data, &f.objects); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return f, nil
}

func (f *FileObjectStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.objects[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (f *FileObjectStore) Put(_ context.Context, key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("%w: object %s is not JSON", ErrInvalidInput, key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putLocked(key, value)
}

func (f *FileObjectStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	f.mu.Lock()
	keys := make([]string, 0, len(f.objects))
	values := make(map[string][]byte, len(f.objects))
	for key, value := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
			values[key] = append([]byte(nil), value...)
		}
	}
	f.mu.Unlock()

	sort.Strings(keys)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(key, values[key]); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileObjectStore) Update(_ context.Context, key string, fn func(current []byte, ok bool) ([]byte, bool, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.objects[key]
	next, write, err := fn(append([]byte(nil), current...), ok)
	if err != nil || !write {
		return err
	}
	return f.putLocked(key, next)
}

func (f *FileObjectStore) Close() error {
	return nil
}

func (f *FileObjectStore) putLocked(key string, value []byte) error {
	previous, existed := f.objects[key]
	f.objects[key] = append(json.RawMessage(nil), value...)
	if err := f.save(); err != nil {
		if existed {
			f.objects[key] = previous
		} else {
			delete(f.objects, key)
		}
		return err
	}
	return nil
}

func (f *FileObjectStore) save() error {
	data, err := json.Marshal(f.objects)
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
