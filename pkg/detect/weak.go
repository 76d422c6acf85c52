package detect

import (
	"regexp"

	"github.com/clauseguard/clauseguard/pkg/analysis"
	"github.com/clauseguard/clauseguard/pkg/rulepack"
)

// WeakFilter downgrades pass verdicts whose snippet carries hedging,
// discretionary, or vague language without a counter-anchor. When disabled
// it is the identity.
type WeakFilter struct {
	enabled  bool
	weak     []*regexp.Regexp
	counters []*regexp.Regexp
}

// NewWeakFilter builds the filter from the rulepack's weak-language and
// strengthener lexicons.
func NewWeakFilter(rp *rulepack.Rulepack, enabled bool) *WeakFilter {
	f := &WeakFilter{enabled: enabled}
	if !enabled {
		return f
	}
	for _, name := range []string{"hedging", "discretionary", "vague"} {
		for _, term := range rp.LexiconTerms(name) {
			f.weak = append(f.weak, wordPattern(term))
		}
	}
	for _, term := range rp.LexiconTerms("strengtheners") {
		f.counters = append(f.counters, wordPattern(term))
	}
	return f
}

// Apply post-processes a verdict. Only pass verdicts are ever touched:
// a counter-anchor keeps the pass, otherwise any weak term downgrades to
// weak. Reports whether weak language was detected in the snippet.
func (f *WeakFilter) Apply(v analysis.Verdict, snippet string) (analysis.Verdict, bool) {
	if !f.enabled || v != analysis.VerdictPass {
		return v, false
	}
	for _, re := range f.counters {
		if re.MatchString(snippet) {
			return analysis.VerdictPass, false
		}
	}
	for _, re := range f.weak {
		if re.MatchString(snippet) {
			return analysis.VerdictWeak, true
		}
	}
	return analysis.VerdictPass, false
}

// wordPattern compiles a whole-word case-insensitive matcher for a literal
// lexicon term.
func wordPattern(term string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
}
