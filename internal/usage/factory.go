package usage

import (
	"context"
	"fmt"

	"nelie/internal/storage"
)

// Result holds the usage logger and a reader over the same backend.
type Result struct {
	Logger LoggerInterface
	Reader UsageReader
}

// Close flushes and stops the logger. The shared storage is closed by its owner.
func (r *Result) Close() error {
	if r.Logger == nil {
		return nil
	}
	if err := r.Logger.Close(); err != nil {
		return fmt.Errorf("logger close: %w", err)
	}
	return nil
}

// New builds the usage logger on a shared storage connection. When tracking
// is disabled it returns a NoopLogger and no reader.
func New(ctx context.Context, cfg Config, store storage.Storage) (*Result, error) {
	if !cfg.Enabled {
		return &Result{Logger: &NoopLogger{}}, nil
	}
	if store == nil {
		return nil, fmt.Errorf("storage is required when usage tracking is enabled")
	}

	usageStore, err := createUsageStore(ctx, store, cfg.RetentionDays)
	if err != nil {
		return nil, err
	}
	reader, err := NewReader(store)
	if err != nil {
		return nil, err
	}

	return &Result{
		Logger: NewLogger(usageStore, cfg),
		Reader: reader,
	}, nil
}

// NewReader returns the UsageReader for the storage backend.
func NewReader(store storage.Storage) (UsageReader, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteReader(store.SQLiteDB())
	case storage.TypePostgreSQL:
		return NewPostgreSQLReader(store.PostgreSQLPool())
	case storage.TypeMongoDB:
		return NewMongoDBReader(store.MongoDatabase())
	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}

func createUsageStore(ctx context.Context, store storage.Storage, retentionDays int) (UsageStore, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB(), retentionDays)
	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(ctx, store.PostgreSQLPool(), retentionDays)
	case storage.TypeMongoDB:
		return NewMongoDBStore(ctx, store.MongoDatabase(), retentionDays)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}
