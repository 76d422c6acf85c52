// Package auditlog records the processing history of an analysis as an
// append-only, hash-chained log. The chain makes post-hoc tampering with a
// report's provenance detectable.
package auditlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Entry is one immutable stage-transition record.
type Entry struct {
	Sequence    int       `json:"sequence"`
	Stage       string    `json:"stage"`
	Note        string    `json:"note,omitempty"`
	ContentHash string    `json:"content_hash"`
	PrevHash    string    `json:"prev_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// Log is an append-only hash chain of stage transitions for one analysis.
type Log struct {
	AnalysisID string  `json:"analysis_id"`
	Entries    []Entry `json:"entries"`

	clock func() time.Time
}

// New creates an empty log for an analysis.
func New(analysisID string) *Log {
	return &Log{AnalysisID: analysisID, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// head returns the hash the next entry chains from.
func (l *Log) head() string {
	if len(l.Entries) == 0 {
		return "genesis"
	}
	return l.Entries[len(l.Entries)-1].ContentHash
}

// Append records a stage transition and returns its sequence number.
func (l *Log) Append(stage, note string) (int, error) {
	if l.clock == nil {
		l.clock = time.Now
	}
	seq := len(l.Entries) + 1
	prev := l.head()
	hash, err := entryHash(seq, stage, note, prev)
	if err != nil {
		return 0, err
	}
	l.Entries = append(l.Entries, Entry{
		Sequence:    seq,
		Stage:       stage,
		Note:        note,
		ContentHash: hash,
		PrevHash:    prev,
		Timestamp:   l.clock().UTC(),
	})
	return seq, nil
}

// Verify walks the chain and reports the first inconsistency.
func (l *Log) Verify() (bool, string) {
	prev := "genesis"
	for i, e := range l.Entries {
		if e.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at entry %d", i+1)
		}
		hash, err := entryHash(e.Sequence, e.Stage, e.Note, prev)
		if err != nil {
			return false, fmt.Sprintf("entry %d not hashable", i+1)
		}
		if hash != e.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prev = e.ContentHash
	}
	return true, "chain verified"
}

func entryHash(seq int, stage, note, prev string) (string, error) {
	raw, err := json.Marshal(struct {
		Seq   int    `json:"seq"`
		Stage string `json:"stage"`
		Note  string `json:"note"`
		Prev  string `json:"prev"`
	}{seq, stage, note, prev})
	if err != nil {
		return "", fmt.Errorf("marshal audit entry: %w", err)
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
