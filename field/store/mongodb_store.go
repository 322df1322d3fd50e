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

const envelopesCollection = "encryptedEnvelopes"

// MongoDBStore implements envelope persistence using MongoDB
type MongoDBStore struct {
	db *mongo.Database
}

// NewMongoDBStore creates a new MongoDB envelope store
func NewMongoDBStore(db *mongo.Database) interfaces.EnvelopeStore {
	return &MongoDBStore{db: db}
}

// Save inserts or replaces a stored envelope.
func (s *MongoDBStore) Save(ctx context.Context, env *types.StoredEnvelope) error {
	if env == nil || env.ID == "" || env.Envelope == nil {
		return fmt.Errorf("stored envelope requires an ID and payload")
	}
	if env.UpdatedAt.IsZero() {
		env.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.Collection(envelopesCollection).UpdateOne(
		ctx,
		bson.M{"_id": env.ID},
		bson.M{"$set": env},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save envelope: %w", err)
	}
	return nil
}

// Get retrieves a stored envelope by ID.
func (s *MongoDBStore) Get(ctx context.Context, id string) (*types.StoredEnvelope, error) {
	var env types.StoredEnvelope
	err := s.db.Collection(envelopesCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&env)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("envelope %s: %w", id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get envelope: %w", err)
	}
	return &env, nil
}

// ListByKeyVersion streams envelopes referencing a key version in ID order,
// starting after afterID.
func (s *MongoDBStore) ListByKeyVersion(ctx context.Context, fieldPath, versionID, afterID string, batchSize int) ([]*types.StoredEnvelope, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive")
	}

	filter := bson.M{
		"envelope.fieldPath":  fieldPath,
		"envelope.keyVersion": versionID,
	}
	if afterID != "" {
		filter["_id"] = bson.M{"$gt": afterID}
	}

	cursor, err := s.db.Collection(envelopesCollection).Find(
		ctx,
		filter,
		options.Find().SetSort(bson.M{"_id": 1}).SetLimit(int64(batchSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list envelopes: %w", err)
	}

	var envelopes []*types.StoredEnvelope
	if err := cursor.All(ctx, &envelopes); err != nil {
		return nil, fmt.Errorf("failed to decode envelopes: %w", err)
	}
	return envelopes, nil
}

// CountByKeyVersion counts envelopes referencing a key version.
func (s *MongoDBStore) CountByKeyVersion(ctx context.Context, fieldPath, versionID string) (int64, error) {
	count, err := s.db.Collection(envelopesCollection).CountDocuments(ctx, bson.M{
		"envelope.fieldPath":  fieldPath,
		"envelope.keyVersion": versionID,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count envelopes: %w", err)
	}
	return count, nil
}

// Replace supersedes a stored envelope's payload.
func (s *MongoDBStore) Replace(ctx context.Context, id string, env *types.EncryptedFieldEnvelope) error {
	if env == nil {
		return fmt.Errorf("replacement envelope is required")
	}

	result, err := s.db.Collection(envelopesCollection).UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"envelope": env, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("failed to replace envelope: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("envelope %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// Delete removes a stored envelope.
func (s *MongoDBStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.Collection(envelopesCollection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete envelope: %w", err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("envelope %s: %w", id, types.ErrNotFound)
	}
	return nil
}
