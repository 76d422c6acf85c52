// Package coverage computes how much of a rulepack's advertised obligation
// set is addressed by a findings array.
package coverage

import (
	"math"
	"sort"

	"github.com/clauseguard/clauseguard/pkg/analysis"
)

// Status classifies coverage completeness.
type Status string

const (
	StatusComplete   Status = "complete"
	StatusIncomplete Status = "incomplete"
	StatusUnknown    Status = "unknown"
)

// Coverage is the derived per-analysis obligation presence summary.
type Coverage struct {
	Present          int      `json:"present"`
	Total            int      `json:"total"`
	Percentage       float64  `json:"percentage"`
	MissingDetectors []string `json:"missing_detectors"`
	Status           Status   `json:"status"`
}

// Compute derives coverage from findings against the expected detector
// set. A detector counts as present when at least one finding with a valid
// verdict names it.
func Compute(findings []analysis.Finding, expected []string) *Coverage {
	present := map[string]bool{}
	for _, f := range findings {
		if f.Verdict.Valid() {
			present[f.DetectorID] = true
		}
	}

	c := &Coverage{Total: len(expected), MissingDetectors: []string{}}
	for _, id := range expected {
		if present[id] {
			c.Present++
		} else {
			c.MissingDetectors = append(c.MissingDetectors, id)
		}
	}
	sort.Strings(c.MissingDetectors)

	if c.Total > 0 {
		c.Percentage = math.Round(float64(c.Present)/float64(c.Total)*100*100) / 100
	}
	switch {
	case c.Total > 0 && c.Present == c.Total:
		c.Status = StatusComplete
	case c.Present > 0:
		c.Status = StatusIncomplete
	default:
		c.Status = StatusUnknown
	}
	return c
}
