package tracking

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/agentworkforce/deliverytrack/internal/fieldcrypto"
	"github.com/agentworkforce/deliverytrack/internal/retention"
)

type StoreOptions struct {
	// Crypto protects To, From and Metadata. Nil stores them as plaintext.
	Crypto *fieldcrypto.Engine
	// Retention stamps each record with its retention class and bucket.
	Retention *retention.Resolver
	// Table names the SQL table and is bound into the crypto AAD.
	Table  string
	Logger *slog.Logger
}

type StoreFactory func(dsn string, opts StoreOptions) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

// RegisterStoreFactory makes BuildStoreFromDSN route scheme to factory. A
// registered factory takes precedence over the built-in backends.
func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildStoreFromDSN selects a backend by DSN scheme:
//
//	memory:                      in-process
//	sqlite:///var/lib/track.db   sqlite file
//	postgres://user@host/db      postgres
//	bolt:///var/lib/track.bolt   bbolt file
//	redis://host:6379/0          redis keyspace
//	file:///var/lib/track.json   single JSON file
//
// An empty DSN yields an in-memory store.
func BuildStoreFromDSN(dsn string, opts StoreOptions) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(opts), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: store dsn: %v", ErrInvalidInput, err)
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(opts), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn, opts)
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(path, opts)
	case "bolt", "bbolt":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		objects, err := OpenBoltObjectStore(path)
		if err != nil {
			return nil, err
		}
		return kvStoreOver(objects, opts)
	case "redis", "rediss":
		objects, err := NewRedisObjectStore(dsn)
		if err != nil {
			return nil, err
		}
		return kvStoreOver(objects, opts)
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		objects, err := OpenFileObjectStore(path)
		if err != nil {
			return nil, err
		}
		return kvStoreOver(objects, opts)
	case "mysql", "dynamodb":
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("%w: unsupported store scheme %q", ErrInvalidInput, scheme)
	}
}

func kvStoreOver(objects ObjectStore, opts StoreOptions) (Store, error) {
	store, err := NewKVStore(objects, opts)
	if err != nil {
		_ = objects.Close()
		return nil, err
	}
	return store, nil
}

// dsnPath extracts a filesystem path from a DSN. A bare path is returned as
// is, and sqlite://./data.db keeps its relative host part.
func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	host := strings.TrimSpace(parsed.Host)
	switch {
	case path == "" && host == "":
		path = strings.TrimSpace(parsed.Opaque)
	case host != "":
		path = host + path
	}
	if path == "" {
		return "", fmt.Errorf("%w: %s dsn has no path", ErrInvalidInput, parsed.Scheme)
	}
	return path, nil
}
