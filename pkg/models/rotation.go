package models

import "time"

// Rotation run states.
const (
	RotationIdle                = "IDLE"
	RotationRunning             = "RUNNING"
	RotationCompleted           = "COMPLETED"
	RotationCompletedWithErrors = "COMPLETED_WITH_ERRORS"
	RotationFailed              = "FAILED"
)

// RotationReport describes a master-key rotation run.
type RotationReport struct {
	State       string     `json:"state"`
	NewVersion  int        `json:"new_version,omitempty"`
	OldVersion  int        `json:"old_version,omitempty"`
	Processed   int        `json:"processed"`
	Skipped     int        `json:"skipped"`
	Failed      int        `json:"failed"`
	InitiatedBy string     `json:"initiated_by,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}
