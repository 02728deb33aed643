// Package models defines the record, status, and report types shared by the
// sync engine, local store, and remote gateway.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SyncStatus tracks where a record sits in the push lifecycle.
type SyncStatus string

const (
	// StatusPending marks a local mutation not yet acknowledged by the server.
	StatusPending SyncStatus = "PENDING"
	// StatusSyncing marks a record claimed by an in-flight push.
	StatusSyncing SyncStatus = "SYNCING"
	// StatusSynced marks a record the server has acknowledged.
	StatusSynced SyncStatus = "SYNCED"
	// StatusFailed marks a record the server rejected; requires a local fix
	// or an operator retry before it becomes eligible again.
	StatusFailed SyncStatus = "FAILED"
)

// Valid reports whether s is one of the four known statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// Record is a locally stored domain entity tagged with sync bookkeeping.
// The payload is opaque to the sync core; only the domain layer reads or
// writes it.
type Record struct {
	LocalID    string          // client-generated, immutable
	RemoteID   string          // empty until the server accepts the record; set at most once
	OrgUnit    string          // partition key, e.g. a facility ID
	EntityType string          // e.g. "trackedEntities", "enrollments"
	Payload    json.RawMessage // opaque domain fields
	Status     SyncStatus
	Deleted    bool // tombstone: push becomes a remote delete

	Attempts            int // transport-error retries so far
	LastLocalMutationAt time.Time
	LastSyncAttemptAt   time.Time
	NextAttemptAt       time.Time // backoff gate; zero means eligible now
	LastSyncError       string    // empty when the last push succeeded
}

// NewRecord creates a pending record for a fresh local mutation.
func NewRecord(orgUnit, entityType string, payload json.RawMessage) *Record {
	return &Record{
		LocalID:             uuid.NewString(),
		OrgUnit:             orgUnit,
		EntityType:          entityType,
		Payload:             payload,
		Status:              StatusPending,
		LastLocalMutationAt: time.Now().UTC(),
	}
}

// RecordError pairs a record with the error that stopped its push.
type RecordError struct {
	LocalID string `json:"local_id"`
	Message string `json:"message"`
}

// SyncReport summarises one RunSync invocation. It is assembled during the
// run and never mutated after return.
type SyncReport struct {
	OrgUnit   string        `json:"org_unit"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	Attempted int `json:"attempted"` // records claimed this run
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"` // claim lost, backoff not elapsed, or capability-gated

	Failures []RecordError `json:"failures,omitempty"`
	Pulled   int           `json:"pulled"`
	PullErr  string        `json:"pull_error,omitempty"` // pull failure never voids push results
}

// RemoteRecord is the server's view of an entity, as returned by a pull.
type RemoteRecord struct {
	RemoteID    string
	OrgUnit     string
	EntityType  string
	Payload     json.RawMessage
	LastUpdated time.Time
}
