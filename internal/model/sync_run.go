package model

import "time"

type SyncStatus string

const (
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusSkipped   SyncStatus = "skipped"
	SyncStatusFailed    SyncStatus = "failed"
)

type SyncTrigger string

const (
	SyncTriggerScheduled SyncTrigger = "scheduled"
	SyncTriggerCommand   SyncTrigger = "command"
	SyncTriggerAPI       SyncTrigger = "api"
)

// SyncRun is the outcome of one sync pass.
type SyncRun struct {
	ID         string      `json:"id"`
	Trigger    SyncTrigger `json:"trigger"`
	Status     SyncStatus  `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	Patrons    int         `json:"patrons"`
	Evaluated  int         `json:"evaluated"`
	Granted    int         `json:"granted"`
	Revoked    int         `json:"revoked"`
	Removed    int         `json:"removed"`
	Cleared    int         `json:"cleared"`
	RoleErrors int         `json:"role_errors"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Duration returns how long the pass took.
func (r SyncRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
