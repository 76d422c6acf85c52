// Package analysis defines the core domain types shared by the pipeline:
// the Analysis record, its lifecycle states, and the Finding model emitted
// by the detector runner.
package analysis

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// State is the observable pipeline stage of an Analysis.
// These are labels for downstream consumers, not gates: the binary
// job outcome (done/error) lives in the job registry.
type State string

const (
	StateReceived  State = "RECEIVED"
	StateExtracted State = "EXTRACTED"
	StateSegmented State = "SEGMENTED"
	StateDetected  State = "DETECTED"
	StateReported  State = "REPORTED"
	StateFailed    State = "FAILED"
)

// Verdict classifies how an obligation is addressed by a span of text.
type Verdict string

const (
	VerdictPass        Verdict = "pass"
	VerdictWeak        Verdict = "weak"
	VerdictMissing     Verdict = "missing"
	VerdictNeedsReview Verdict = "needs_review"
)

// Valid reports whether v is one of the four known verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictPass, VerdictWeak, VerdictMissing, VerdictNeedsReview:
		return true
	}
	return false
}

// Analysis is the unit of work: one uploaded document plus the rulepack
// version pinned at submission. RulepackVersion is immutable once set so a
// report can always be reproduced against the same rules.
type Analysis struct {
	ID              string    `json:"id"`
	Filename        string    `json:"filename"`
	SizeBytes       int64     `json:"size"`
	MIMEType        string    `json:"mime_type"`
	RulepackVersion string    `json:"rulepack_version"`
	RulepackHash    string    `json:"rulepack_hash,omitempty"`
	State           State     `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewID returns a fresh opaque analysis identifier
// (128-bit, lowercase hex with dashes).
func NewID() string {
	return uuid.NewString()
}

// Finding is a single detector output: a verdict, the evidentiary snippet,
// and its absolute byte coordinates into the normalized document text.
type Finding struct {
	DetectorID           string  `json:"detector_id"`
	RuleID               string  `json:"rule_id"`
	Verdict              Verdict `json:"verdict"`
	Snippet              string  `json:"snippet"`
	Page                 int     `json:"page"`
	Start                int     `json:"start"`
	End                  int     `json:"end"`
	Rationale            string  `json:"rationale"`
	Confidence           float64 `json:"confidence"`
	Category             string  `json:"category,omitempty"`
	Reviewed             bool    `json:"reviewed"`
	WeakLanguageDetected bool    `json:"weak_language_detected,omitempty"`
}

// SortFindings orders findings by (page, start, detector_id).
// This is the canonical serialization order and is observable in output.
func SortFindings(fs []Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		if fs[i].Page != fs[j].Page {
			return fs[i].Page < fs[j].Page
		}
		if fs[i].Start != fs[j].Start {
			return fs[i].Start < fs[j].Start
		}
		return fs[i].DetectorID < fs[j].DetectorID
	})
}
