package cache

import (
	"context"
	"fmt"

	"nelie/internal/storage"
)

// Backend names accepted by New.
const (
	BackendMemory  = "memory"
	BackendFile    = "file"
	BackendRedis   = "redis"
	BackendStorage = "storage"
)

// Config holds content cache configuration.
type Config struct {
	// Enabled turns the cache on. A disabled cache misses every lookup.
	Enabled bool

	// Backend is "memory", "file", "redis" or "storage" (the shared database).
	Backend string

	// Dir is the directory of the file backend.
	Dir string

	Redis RedisConfig

	// Compress stores values brotli-compressed.
	Compress bool

	// Minify stores lessons as compact JSON instead of indented JSON.
	Minify bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Backend: BackendMemory,
		Dir:     "data/cache",
		Minify:  true,
	}
}

// New opens the store named by cfg.Backend. The storage backend borrows the
// shared database connection, which must then be non-nil.
func New(ctx context.Context, cfg Config, shared storage.Storage) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(cfg.Dir)
	case BackendRedis:
		return NewRedisStore(cfg.Redis)
	case BackendStorage:
		return newStorageStore(ctx, shared)
	default:
		return nil, fmt.Errorf("unknown cache backend: %s (valid: memory, file, redis, storage)", cfg.Backend)
	}
}

func newStorageStore(ctx context.Context, shared storage.Storage) (Store, error) {
	if shared == nil {
		return nil, fmt.Errorf("cache backend %q requires a storage connection", BackendStorage)
	}

	switch shared.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(shared.SQLiteDB())
	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(ctx, shared.PostgreSQLPool())
	case storage.TypeMongoDB:
		return NewMongoDBStore(shared.MongoDatabase())
	default:
		return nil, fmt.Errorf("unknown storage type: %s", shared.Type())
	}
}
