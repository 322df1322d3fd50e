package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/root-sector/client-data-module-encryption/interfaces"
	"github.com/root-sector/client-data-module-encryption/types"
)

const (
	eventsCollection       = "auditEvents"
	archiveCollection      = "auditEventsArchive"
	correlationsCollection = "auditCorrelations"
)

// MongoDBStore implements audit event storage using MongoDB
type MongoDBStore struct {
	db *mongo.Database
}

// NewMongoDBStore creates a new MongoDB audit store
func NewMongoDBStore(db *mongo.Database) interfaces.AuditStore {
	return &MongoDBStore{db: db}
}

// InsertEvents persists a batch of events
func (s *MongoDBStore) InsertEvents(ctx context.Context, events []*types.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(events))
	for _, event := range events {
		docs = append(docs, event)
	}
	_, err := s.db.Collection(eventsCollection).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("failed to insert audit events: %w", err)
	}
	return nil
}

// GetEvent retrieves one event by ID
func (s *MongoDBStore) GetEvent(ctx context.Context, id string) (*types.AuditEvent, error) {
	var event types.AuditEvent
	err := s.db.Collection(eventsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&event)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}
	return &event, nil
}

// QueryEvents retrieves events matching the filter, timestamp-ordered
func (s *MongoDBStore) QueryEvents(ctx context.Context, filter types.AuditFilter) ([]*types.AuditEvent, error) {
	query := bson.M{}
	if filter.CorrelationID != "" {
		query["correlationId"] = filter.CorrelationID
	}
	if filter.EventType != "" {
		query["eventType"] = filter.EventType
	}
	if filter.ActorID != "" {
		query["actorId"] = filter.ActorID
	}
	if filter.ResourceID != "" {
		query["resourceId"] = filter.ResourceID
	}
	if filter.MinRiskScore > 0 {
		query["riskScore"] = bson.M{"$gte": filter.MinRiskScore}
	}
	timeRange := bson.M{}
	if !filter.From.IsZero() {
		timeRange["$gte"] = filter.From
	}
	if !filter.To.IsZero() {
		timeRange["$lte"] = filter.To
	}
	if len(timeRange) > 0 {
		query["timestamp"] = timeRange
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	if filter.Limit > 0 {
		opts = opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.db.Collection(eventsCollection).Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []*types.AuditEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode audit events: %w", err)
	}
	return events, nil
}

// UpsertCorrelation creates or updates a correlation node
func (s *MongoDBStore) UpsertCorrelation(ctx context.Context, node *types.CorrelationNode) error {
	_, err := s.db.Collection(correlationsCollection).UpdateOne(
		ctx,
		bson.M{"_id": node.ID},
		bson.M{"$set": node},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert correlation: %w", err)
	}
	return nil
}

// GetCorrelation retrieves a correlation node
func (s *MongoDBStore) GetCorrelation(ctx context.Context, id string) (*types.CorrelationNode, error) {
	var node types.CorrelationNode
	err := s.db.Collection(correlationsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&node)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get correlation: %w", err)
	}
	return &node, nil
}

// ListCorrelationsByActor finds correlations touched by an actor within a
// time window
func (s *MongoDBStore) ListCorrelationsByActor(ctx context.Context, actorID string, from, to time.Time) ([]*types.CorrelationNode, error) {
	query := bson.M{
		"actors":     actorID,
		"firstEvent": bson.M{"$lte": to},
		"lastEvent":  bson.M{"$gte": from},
	}
	cursor, err := s.db.Collection(correlationsCollection).Find(ctx, query,
		options.Find().SetSort(bson.D{{Key: "firstEvent", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list correlations: %w", err)
	}
	defer cursor.Close(ctx)

	var nodes []*types.CorrelationNode
	if err := cursor.All(ctx, &nodes); err != nil {
		return nil, fmt.Errorf("failed to decode correlations: %w", err)
	}
	return nodes, nil
}

// ArchiveEvents moves events past their retention window into the archive
// collection. Held resources are skipped. Events are never deleted.
func (s *MongoDBStore) ArchiveEvents(ctx context.Context, now time.Time, held func(resourceID string) bool) (int, error) {
	cursor, err := s.db.Collection(eventsCollection).Find(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to scan events for archival: %w", err)
	}
	defer cursor.Close(ctx)

	archived := 0
	for cursor.Next(ctx) {
		var event types.AuditEvent
		if err := cursor.Decode(&event); err != nil {
			return archived, fmt.Errorf("failed to decode event for archival: %w", err)
		}
		cutoff := event.Timestamp.AddDate(0, 0, event.Classification.RetentionDays)
		if now.Before(cutoff) || (held != nil && held(event.ResourceID)) {
			continue
		}
		event.State = types.EventArchived
		if _, err := s.db.Collection(archiveCollection).UpdateOne(
			ctx,
			bson.M{"_id": event.ID},
			bson.M{"$set": &event},
			options.UpdateOne().SetUpsert(true),
		); err != nil {
			return archived, fmt.Errorf("failed to archive event %s: %w", event.ID, err)
		}
		if _, err := s.db.Collection(eventsCollection).DeleteOne(ctx, bson.M{"_id": event.ID}); err != nil {
			return archived, fmt.Errorf("failed to remove archived event %s: %w", event.ID, err)
		}
		archived++
	}
	return archived, cursor.Err()
}
