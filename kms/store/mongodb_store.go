package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/root-sector/client-data-module-encryption/interfaces"
	"github.com/root-sector/client-data-module-encryption/types"
)

const versionsCollection = "encryptionKeyVersions"

// MongoDBStore implements key version persistence using MongoDB
type MongoDBStore struct {
	db *mongo.Database
}

// NewMongoDBStore creates a new MongoDB key version store
func NewMongoDBStore(db *mongo.Database) interfaces.KeyVersionStore {
	return &MongoDBStore{db: db}
}

// Save inserts or replaces a key version.
func (s *MongoDBStore) Save(ctx context.Context, version *types.KeyVersion) error {
	if version == nil || version.ID == "" || version.FieldPath == "" {
		return fmt.Errorf("key version requires an ID and field path")
	}

	_, err := s.db.Collection(versionsCollection).UpdateOne(
		ctx,
		bson.M{"_id": version.ID},
		bson.M{"$set": version},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save key version: %w", err)
	}
	return nil
}

// Get retrieves a version by field path and version ID.
func (s *MongoDBStore) Get(ctx context.Context, fieldPath, versionID string) (*types.KeyVersion, error) {
	var version types.KeyVersion
	err := s.db.Collection(versionsCollection).FindOne(ctx, bson.M{
		"_id":       versionID,
		"fieldPath": fieldPath,
	}).Decode(&version)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("version %s for field %s: %w", versionID, fieldPath, types.ErrKeyVersionNotFound)
		}
		return nil, fmt.Errorf("failed to get key version: %w", err)
	}
	return &version, nil
}

// GetActive retrieves the active version for a field, preferring the highest
// sequence while a swap is in flight.
func (s *MongoDBStore) GetActive(ctx context.Context, fieldPath string) (*types.KeyVersion, error) {
	var version types.KeyVersion
	err := s.db.Collection(versionsCollection).FindOne(
		ctx,
		bson.M{"fieldPath": fieldPath, "status": types.KeyStatusActive},
		options.FindOne().SetSort(bson.M{"sequence": -1}),
	).Decode(&version)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("no active version for field %s: %w", fieldPath, types.ErrKeyVersionNotFound)
		}
		return nil, fmt.Errorf("failed to get active key version: %w", err)
	}
	return &version, nil
}

// List returns all versions for a field, newest first.
func (s *MongoDBStore) List(ctx context.Context, fieldPath string) ([]*types.KeyVersion, error) {
	cursor, err := s.db.Collection(versionsCollection).Find(
		ctx,
		bson.M{"fieldPath": fieldPath},
		options.Find().SetSort(bson.M{"sequence": -1}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list key versions: %w", err)
	}

	var versions []*types.KeyVersion
	if err := cursor.All(ctx, &versions); err != nil {
		return nil, fmt.Errorf("failed to decode key versions: %w", err)
	}
	return versions, nil
}

// UpdateStatus transitions a version's lifecycle status.
func (s *MongoDBStore) UpdateStatus(ctx context.Context, fieldPath, versionID string, status types.KeyStatus) error {
	set := bson.M{"status": status}
	switch status {
	case types.KeyStatusRetired, types.KeyStatusRolledBack:
		set["retiredAt"] = time.Now().UTC()
	case types.KeyStatusActive:
		set["activatedAt"] = time.Now().UTC()
	}

	result, err := s.db.Collection(versionsCollection).UpdateOne(
		ctx,
		bson.M{"_id": versionID, "fieldPath": fieldPath},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("failed to update key version status: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("version %s for field %s: %w", versionID, fieldPath, types.ErrKeyVersionNotFound)
	}
	return nil
}
