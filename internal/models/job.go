package models

import (
	"time"
)

// Status enumerates Task Run states persisted in Postgres.
type Status string

const (
	StatusPending  Status = "pending"
	StatusReceived Status = "received"
	StatusStarted  Status = "started"
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusRevoked  Status = "revoked"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusRevoked:
		return true
	}
	return false
}

// Job is the substrate's Task Run record, keyed by ID (the task_id).
type Job struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Priority  string         `json:"priority"`
	Payload   map[string]any `json:"payload"`
	Status    Status         `json:"status"`
	Attempts  int            `json:"attempts"`
	NextRunAt time.Time      `json:"next_run_at"`
	Meta      map[string]any `json:"meta,omitempty"`
	LastError *string        `json:"last_error,omitempty"`
	WorkerID  *string        `json:"worker_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// Job types accepted by the intake API and run by the worker.
const (
	TypeArchiveBuckets  = "archive:buckets"
	TypeArchiveUpload   = "archive:upload"
	TypeArchivePublish  = "archive:publish"
	TypeArchiveFlush    = "archive:flush"
	TypeBuildPreview    = "build:preview"
	TypeBuildProduction = "build:production"
)

// JobTypes lists every known job type.
var JobTypes = []string{
	TypeArchiveBuckets,
	TypeArchiveUpload,
	TypeArchivePublish,
	TypeArchiveFlush,
	TypeBuildPreview,
	TypeBuildProduction,
}

// KnownType reports whether t is a job type the worker can run.
func KnownType(t string) bool {
	for _, known := range JobTypes {
		if known == t {
			return true
		}
	}
	return false
}

// IsBuild reports whether t runs a build and so needs the target's Lock Marker.
func IsBuild(t string) bool {
	return t == TypeBuildPreview || t == TypeBuildProduction
}
