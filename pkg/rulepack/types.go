// Package rulepack loads and validates YAML rulepacks: versioned bundles of
// detectors and lexicons pinned per analysis for reproducibility. All
// regexes compile at load time; evaluation never sees a malformed pattern.
package rulepack

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Meta identifies a rulepack. Version is semver-ordered.
type Meta struct {
	ID        string `yaml:"id" json:"id"`
	Version   string `yaml:"version" json:"version"`
	Author    string `yaml:"author,omitempty" json:"author,omitempty"`
	CreatedAt string `yaml:"created_at,omitempty" json:"created_at,omitempty"`
}

// Term is one lexicon entry: a bare string in YAML, or a record with
// optional category and confidence.
type Term struct {
	Term       string  `json:"term"`
	Category   string  `json:"category,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// UnmarshalYAML accepts either a scalar or a mapping form.
func (t *Term) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&t.Term)
	}
	type raw struct {
		Term       string  `yaml:"term"`
		Category   string  `yaml:"category"`
		Confidence float64 `yaml:"confidence"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return fmt.Errorf("lexicon term: %w", err)
	}
	if r.Term == "" {
		return fmt.Errorf("lexicon term entry missing 'term'")
	}
	t.Term, t.Category, t.Confidence = r.Term, r.Category, r.Confidence
	return nil
}

// DetectorType discriminates the detector variants.
type DetectorType string

const (
	TypeLexicon DetectorType = "lexicon"
	TypeRegex   DetectorType = "regex"
	TypeAnchor  DetectorType = "anchor"
)

// WeakNearby lists patterns (or @lexicon refs) that downgrade a verdict
// when matched inside the evaluation window.
type WeakNearby struct {
	Any []string `yaml:"any" json:"any"`
}

// Detector is one rule unit. Anchors signal that the obligation is
// addressed; redflags force needs_review regardless of anchors.
type Detector struct {
	ID          string       `yaml:"id" json:"id"`
	Type        DetectorType `yaml:"type" json:"type"`
	Lexicon     string       `yaml:"lexicon,omitempty" json:"lexicon,omitempty"`
	Pattern     string       `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	AnchorsAny  []string     `yaml:"anchors_any,omitempty" json:"anchors_any,omitempty"`
	AnchorsAll  []string     `yaml:"anchors_all,omitempty" json:"anchors_all,omitempty"`
	WeakNearby  WeakNearby   `yaml:"weak_nearby,omitempty" json:"weak_nearby,omitempty"`
	RedflagsAny []string     `yaml:"redflags_any,omitempty" json:"redflags_any,omitempty"`
	Category    string       `yaml:"category,omitempty" json:"category,omitempty"`

	compiled compiledDetector
}

// compiledDetector holds the patterns precompiled per
// (rulepack version, detector id).
type compiledDetector struct {
	anchorsAny []*regexp.Regexp
	anchorsAll []*regexp.Regexp
	weak       []*regexp.Regexp
	redflags   []*regexp.Regexp
}

// MatchAnchor evaluates the anchor flag against a window: conjunction over
// anchors_all when present, otherwise disjunction over anchors_any.
func (d *Detector) MatchAnchor(window string) bool {
	if len(d.compiled.anchorsAll) > 0 {
		for _, re := range d.compiled.anchorsAll {
			if !re.MatchString(window) {
				return false
			}
		}
		return true
	}
	return matchAny(d.compiled.anchorsAny, window)
}

// HasExplicitAnchors reports whether the detector declares anchors_any or
// anchors_all, as opposed to anchoring implicitly on its pattern or
// lexicon terms.
func (d *Detector) HasExplicitAnchors() bool {
	return len(d.AnchorsAny) > 0 || len(d.AnchorsAll) > 0
}

// MatchWeak reports whether any resolved weak_nearby term matches.
func (d *Detector) MatchWeak(window string) bool {
	return matchAny(d.compiled.weak, window)
}

// MatchRedflag reports whether any redflag pattern matches.
func (d *Detector) MatchRedflag(window string) bool {
	return matchAny(d.compiled.redflags, window)
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Rulepack is an immutable validated bundle. Detectors is sorted by id
// ascending; that order is the evaluation order and is observable.
type Rulepack struct {
	Meta          Meta
	Lexicons      map[string][]Term
	SharedLexicon map[string]string
	Detectors     []Detector

	// EvidenceWindow is the per-rulepack sentence expansion; <0 means
	// unset (use the configured default).
	EvidenceWindow int

	// Expected is the advertised obligation set for coverage. Defaults
	// to every detector id.
	Expected []string

	// Hash is the SHA-256 of the source bytes, for pinning in reports.
	Hash string
}

// ExpectedDetectors returns the coverage obligation set.
func (rp *Rulepack) ExpectedDetectors() []string {
	if len(rp.Expected) > 0 {
		return append([]string(nil), rp.Expected...)
	}
	ids := make([]string, 0, len(rp.Detectors))
	for _, d := range rp.Detectors {
		ids = append(ids, d.ID)
	}
	return ids
}

// Detector returns the detector with the given id, or nil.
func (rp *Rulepack) Detector(id string) *Detector {
	for i := range rp.Detectors {
		if rp.Detectors[i].ID == id {
			return &rp.Detectors[i]
		}
	}
	return nil
}

// LexiconTerms returns the flattened term strings of a lexicon.
func (rp *Rulepack) LexiconTerms(name string) []string {
	terms := rp.Lexicons[name]
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		out = append(out, t.Term)
	}
	return out
}
