package cache

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoDBStore implements Store on a MongoDB collection keyed by _id.
type MongoDBStore struct {
	collection *mongo.Collection
}

// NewMongoDBStore wraps the content_cache collection of database.
func NewMongoDBStore(database *mongo.Database) (*MongoDBStore, error) {
	if database == nil {
		return nil, errors.New("database is required")
	}
	return &MongoDBStore{collection: database.Collection(tableName)}, nil
}

// Get looks up key.
func (s *MongoDBStore) Get(ctx context.Context, key string) (*Entry, error) {
	var e Entry
	err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&e)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// Put upserts with $setOnInsert, so an existing document is never changed.
func (s *MongoDBStore) Put(ctx context.Context, entry *Entry) error {
	update := bson.D{{Key: "$setOnInsert", Value: bson.D{
		{Key: "kind", Value: string(entry.Kind)},
		{Key: "format_version", Value: entry.FormatVersion},
		{Key: "encoding", Value: entry.Encoding},
		{Key: "value", Value: entry.Value},
		{Key: "created_at", Value: entry.CreatedAt.UTC()},
	}}}

	_, err := s.collection.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: entry.Key}},
		update,
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Close is a no-op; the client belongs to the storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}
