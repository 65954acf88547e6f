// Package memory defines the memory record model: kinds with fixed
// retention, content fingerprints and draft validation.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/sandevgo/memd/internal/core"
)

// Kind categorizes a record and fixes its retention. Retention is a
// property of the kind, never configurable per record.
type Kind string

const (
	KindEpisodic   Kind = "episodic"
	KindSemantic   Kind = "semantic"
	KindProcedural Kind = "procedural"
	KindWorking    Kind = "working"
	KindSensory    Kind = "sensory"
	KindPreference Kind = "preference"
)

var retention = map[Kind]time.Duration{
	KindEpisodic: 30 * 24 * time.Hour,
	KindWorking:  24 * time.Hour,
	KindSensory:  6 * time.Hour,
}

var validKinds = map[Kind]bool{
	KindEpisodic:   true,
	KindSemantic:   true,
	KindProcedural: true,
	KindWorking:    true,
	KindSensory:    true,
	KindPreference: true,
}

// Kinds lists every valid kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindEpisodic, KindSemantic, KindProcedural,
		KindWorking, KindSensory, KindPreference,
	}
}

func (k Kind) Valid() bool {
	return validKinds[k]
}

// Retention returns the kind's retention window. ok is false for
// kinds that never expire (semantic, procedural, preference).
func (k Kind) Retention() (d time.Duration, ok bool) {
	d, ok = retention[k]
	return d, ok
}

// Record is the unit of stored knowledge. Records are created by the
// store and never mutated in place; an update is a new record whose
// metadata points at the one it supersedes.
type Record struct {
	ID          string            `json:"id"`
	Content     string            `json:"content"`
	Fingerprint string            `json:"fingerprint"`
	Kind        Kind              `json:"kind"`
	CreatedAt   time.Time         `json:"created_at"`
	ValidFrom   time.Time         `json:"valid_from"`
	ValidTo     *time.Time        `json:"valid_to,omitempty"`
	Importance  float64           `json:"importance"`
	Confidence  float64           `json:"confidence"`
	SourceID    string            `json:"source_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ActiveAt reports whether the record's validity window covers now.
func (r Record) ActiveAt(now time.Time) bool {
	return r.ValidTo == nil || now.Before(*r.ValidTo)
}

// Draft is an unsaved candidate record produced by extraction or a
// direct store call. The store assigns id, timestamps and fingerprint.
type Draft struct {
	Content    string            `json:"content"`
	Kind       Kind              `json:"kind"`
	Importance float64           `json:"importance"`
	Confidence float64           `json:"confidence"`
	SourceID   string            `json:"source_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Entities   []string          `json:"entities,omitempty"`
}

// Validate rejects malformed drafts before any persistence attempt.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Content) == "" {
		return fmt.Errorf("%w: empty content", core.ErrInvalidRecord)
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", core.ErrInvalidRecord, d.Kind)
	}
	if d.Importance < 0 || d.Importance > 1 {
		return fmt.Errorf("%w: importance %v out of range", core.ErrInvalidRecord, d.Importance)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range", core.ErrInvalidRecord, d.Confidence)
	}
	return nil
}

// Normalize canonicalizes content for fingerprinting: trimmed,
// lowercased, inner whitespace collapsed to single spaces.
func Normalize(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// FingerprintOf hashes normalized content. Two records with the same
// fingerprint are the same fact.
func FingerprintOf(content string) string {
	sum := sha256.Sum256([]byte(Normalize(content)))
	return hex.EncodeToString(sum[:])
}
