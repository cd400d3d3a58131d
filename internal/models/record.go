package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RecordKind identifies the payload variant carried by a LocalRecord
type RecordKind string

const (
	KindIdentification RecordKind = "identification"
	KindLightReading   RecordKind = "light_reading"
	KindGrowthPhoto    RecordKind = "growth_photo"
)

// IsValid reports whether the kind is one of the known variants
func (k RecordKind) IsValid() bool {
	switch k {
	case KindIdentification, KindLightReading, KindGrowthPhoto:
		return true
	}
	return false
}

// SyncStatus represents the sync state of a locally captured record
type SyncStatus string

const (
	StatusPending   SyncStatus = "pending"
	StatusSyncing   SyncStatus = "syncing"
	StatusSynced    SyncStatus = "synced"
	StatusFailed    SyncStatus = "failed"
	StatusConflict  SyncStatus = "conflict"
	StatusCancelled SyncStatus = "cancelled"
)

// syncTransitions is the allowed transition table. Synced and cancelled are
// terminal; failed and conflict only leave via an explicit reset.
var syncTransitions = map[SyncStatus][]SyncStatus{
	StatusPending:  {StatusSyncing, StatusCancelled},
	StatusSyncing:  {StatusSynced, StatusPending, StatusFailed, StatusConflict, StatusCancelled},
	StatusFailed:   {StatusPending},
	StatusConflict: {StatusPending, StatusSynced},
}

// CanTransitionTo reports whether moving from s to next is a legal transition
func (s SyncStatus) CanTransitionTo(next SyncStatus) bool {
	for _, allowed := range syncTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status requires external action to leave
func (s SyncStatus) IsTerminal() bool {
	switch s {
	case StatusSynced, StatusCancelled, StatusFailed, StatusConflict:
		return true
	}
	return false
}

// LocalRecord is a locally captured result awaiting reconciliation with the
// server. The payload is an immutable kind-tagged JSON document; only the sync
// bookkeeping fields mutate after creation.
type LocalRecord struct {
	ID               string          `json:"id"`
	Kind             RecordKind      `json:"kind"`
	Payload          json.RawMessage `json:"payload"`
	DeviceTS         time.Time       `json:"deviceTs"`
	SyncStatus       SyncStatus      `json:"syncStatus"`
	RetryCount       int             `json:"retryCount"`
	LastError        string          `json:"lastError,omitempty"`
	ServerCorrection json.RawMessage `json:"serverCorrection,omitempty"`
	NextAttemptAt    *time.Time      `json:"nextAttemptAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// NewRecord creates a pending LocalRecord with a time-ordered id. UUIDv7 ids
// sort lexicographically by creation time, which keeps oldest-first batch
// assembly a plain index scan.
func NewRecord(kind RecordKind, payload json.RawMessage, deviceTS time.Time) (*LocalRecord, error) {
	if !kind.IsValid() {
		return nil, ErrUnknownKind
	}
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if err := ValidatePayload(kind, payload); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &LocalRecord{
		ID:         strings.ToLower(id.String()),
		Kind:       kind,
		Payload:    payload,
		DeviceTS:   deviceTS.UTC(),
		SyncStatus: StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}
