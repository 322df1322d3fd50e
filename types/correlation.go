package types

import (
	"time"
)

// CorrelationNode tracks one logical operation's position in the correlation
// tree. Children reference their parent by ID only; the tree is reconstructed
// on demand for analysis.
type CorrelationNode struct {
	ID         string    `json:"correlationId" bson:"_id"`
	ParentID   string    `json:"parentId,omitempty" bson:"parentId,omitempty"`
	Operation  string    `json:"operation" bson:"operation"`
	FirstEvent time.Time `json:"firstEvent" bson:"firstEvent"`
	LastEvent  time.Time `json:"lastEvent" bson:"lastEvent"`
	EventCount int64     `json:"eventCount" bson:"eventCount"`

	// Actors is the set of distinct actor IDs seen within the correlation.
	// More than one is an anomaly signal.
	Actors []string `json:"actors,omitempty" bson:"actors,omitempty"`

	Archived bool `json:"archived" bson:"archived"`
}

// Anomaly flags a suspicious pattern detected within a correlation.
type Anomaly struct {
	CorrelationID string    `json:"correlationId"`
	Kind          string    `json:"kind"`
	Detail        string    `json:"detail"`
	DetectedAt    time.Time `json:"detectedAt"`
}

// Anomaly kinds.
const (
	AnomalyMultipleActors = "multiple_actors"
	AnomalyEventRate      = "event_rate"
)
