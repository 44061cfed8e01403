// Package record defines the canonical telemetry record delivered through the
// Courier pipeline.
package record

import (
	"encoding/hex"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Kind identifies a telemetry record category.
type Kind string

const (
	// KindEvent identifies discrete usage events.
	KindEvent Kind = "event"
	// KindSnapshot identifies structural snapshots of host state.
	KindSnapshot Kind = "snapshot"
	// KindMutation identifies mutation log entries.
	KindMutation Kind = "mutation"
)

// ParseKind converts a stored kind string back to a Kind.
func ParseKind(raw string) (Kind, bool) {
	switch Kind(strings.TrimSpace(strings.ToLower(raw))) {
	case KindEvent:
		return KindEvent, true
	case KindSnapshot:
		return KindSnapshot, true
	case KindMutation:
		return KindMutation, true
	default:
		return "", false
	}
}

// Record represents one telemetry record captured from the host application.
// Records are immutable once enqueued; the pipeline never mutates a payload
// after Track accepts it.
type Record struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	ContentHash string          `json:"content_hash,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// New constructs a record of the given kind with a fresh identifier.
func New(kind Kind, payload []byte) Record {
	return Record{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    clonePayload(payload),
		RecordedAt: time.Now().UTC(),
	}
}

// NewEvent constructs a usage event record.
func NewEvent(payload []byte) Record {
	return New(KindEvent, payload)
}

// NewSnapshot constructs a structural snapshot record with its content hash
// precomputed for flush-time deduplication.
func NewSnapshot(payload []byte) Record {
	rec := New(KindSnapshot, payload)
	rec.ContentHash = HashContent(rec.Payload)
	return rec
}

// NewMutation constructs a mutation log record.
func NewMutation(payload []byte) Record {
	return New(KindMutation, payload)
}

// Clone returns a deep copy of the record so downstream components can hold
// it past the caller's buffer lifetime.
func (r Record) Clone() Record {
	clone := r
	clone.Payload = clonePayload(r.Payload)
	return clone
}

// HashContent computes the content hash used to deduplicate snapshot records.
func HashContent(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func clonePayload(payload []byte) json.RawMessage {
	if payload == nil {
		return nil
	}
	clone := make(json.RawMessage, len(payload))
	copy(clone, payload)
	return clone
}

// CloneAll deep-copies a slice of records.
func CloneAll(records []Record) []Record {
	if len(records) == 0 {
		return nil
	}
	clones := make([]Record, len(records))
	for i, rec := range records {
		clones[i] = rec.Clone()
	}
	return clones
}
