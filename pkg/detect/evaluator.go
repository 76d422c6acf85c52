// Package detect evaluates rulepack detectors over sentence windows and
// turns the resulting flags into verdicts and findings.
package detect

import (
	"github.com/clauseguard/clauseguard/pkg/analysis"
	"github.com/clauseguard/clauseguard/pkg/rulepack"
)

// Flags is the evaluator output for one (window, detector) pair.
type Flags struct {
	Anchor  bool
	Weak    bool
	Redflag bool
}

// Evaluate runs one detector against a window of text. Pure and
// synchronous; all patterns were compiled at rulepack load time.
func Evaluate(window string, d *rulepack.Detector) Flags {
	return Flags{
		Anchor:  d.MatchAnchor(window),
		Weak:    d.MatchWeak(window),
		Redflag: d.MatchRedflag(window),
	}
}

// MapVerdict is the canonical total mapping from flags to
// (verdict, confidence). Redflag always wins.
func MapVerdict(f Flags) (analysis.Verdict, float64) {
	switch {
	case f.Redflag:
		return analysis.VerdictNeedsReview, 0.1
	case f.Anchor && f.Weak:
		return analysis.VerdictWeak, 0.5
	case f.Anchor:
		return analysis.VerdictPass, 1.0
	default:
		return analysis.VerdictMissing, 0.0
	}
}
