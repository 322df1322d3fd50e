package types

import (
	"time"
)

// RotationMode selects between schedule-driven and emergency rotation.
type RotationMode string

const (
	RotationScheduled RotationMode = "scheduled"
	RotationEmergency RotationMode = "emergency"
)

// RotationResult summarizes one completed rotation.
type RotationResult struct {
	FieldPath    string       `json:"fieldPath" bson:"fieldPath"`
	Mode         RotationMode `json:"mode" bson:"mode"`
	OldVersionID string       `json:"oldVersionId" bson:"oldVersionId"`
	NewVersionID string       `json:"newVersionId" bson:"newVersionId"`
	Reencrypted  int          `json:"reencrypted" bson:"reencrypted"`
	StartedAt    time.Time    `json:"startedAt" bson:"startedAt"`
	CompletedAt  time.Time    `json:"completedAt" bson:"completedAt"`
	RolledBack   bool         `json:"rolledBack" bson:"rolledBack"`
}

// RollbackResult summarizes a rollback to a prior key version.
type RollbackResult struct {
	FieldPath         string    `json:"fieldPath" bson:"fieldPath"`
	RestoredVersionID string    `json:"restoredVersionId" bson:"restoredVersionId"`
	RevertedEnvelopes int       `json:"revertedEnvelopes" bson:"revertedEnvelopes"`
	CompletedAt       time.Time `json:"completedAt" bson:"completedAt"`
}

// RotationProgress is the persisted checkpoint of an in-flight rotation so a
// crash mid-batch can resume or roll back cleanly.
type RotationProgress struct {
	FieldPath    string    `json:"fieldPath" bson:"_id"`
	NewVersionID string    `json:"newVersionId" bson:"newVersionId"`
	OldVersionID string    `json:"oldVersionId" bson:"oldVersionId"`
	Total        int64     `json:"total" bson:"total"`
	Processed    int64     `json:"processed" bson:"processed"`
	Failed       int64     `json:"failed" bson:"failed"`
	StartedAt    time.Time `json:"startedAt" bson:"startedAt"`
	UpdatedAt    time.Time `json:"updatedAt" bson:"updatedAt"`
}

// Percent returns completion as a percentage.
func (p *RotationProgress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Processed) / float64(p.Total) * 100
}
