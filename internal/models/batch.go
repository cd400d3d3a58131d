package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// ModelDescriptor identifies the on-device model that produced a batch's
// results, for server-side audit and correction weighting.
type ModelDescriptor struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// BatchItem is one record inside a sync batch
type BatchItem struct {
	RecordID string          `json:"recordId"`
	Kind     RecordKind      `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	DeviceTS string          `json:"deviceTs,omitempty"`
}

// SyncBatch is one submission attempt of a fixed set of records. The
// idempotency key is a function of the item ids only, so a crash-and-retry
// reuses the same key and the server can collapse the duplicate.
type SyncBatch struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Items          []BatchItem     `json:"items"`
	ClientModel    ModelDescriptor `json:"clientModel"`
	DeviceID       string          `json:"deviceId,omitempty"`
}

// IdempotencyKey computes the stable key for a set of record ids. The ids are
// sorted before hashing so item order does not matter; wall-clock time never
// participates.
func IdempotencyKey(recordIDs []string) string {
	sorted := make([]string, len(recordIDs))
	copy(sorted, recordIDs)
	sort.Strings(sorted)

	h := sha256.New()
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// OutcomeStatus is the server's verdict for one submitted item
type OutcomeStatus string

const (
	OutcomeAccepted  OutcomeStatus = "accepted"
	OutcomeDuplicate OutcomeStatus = "duplicate"
	OutcomeCorrected OutcomeStatus = "corrected"
	OutcomeRejected  OutcomeStatus = "rejected"
)

// ItemOutcome is the per-item result of batch ingestion, returned in
// submission order. Correction is set only for corrected outcomes.
type ItemOutcome struct {
	RecordID   string          `json:"recordId"`
	Status     OutcomeStatus   `json:"status"`
	Correction json.RawMessage `json:"correction,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}
