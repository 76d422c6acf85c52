package rulepack

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/clauseguard/clauseguard/pkg/analysis"
)

// document is the on-disk YAML shape.
type document struct {
	Meta           Meta              `yaml:"meta"`
	WeakLanguage   map[string][]Term `yaml:"weak_language"`
	Anchors        map[string][]Term `yaml:"anchors"`
	Lexicons       map[string][]Term `yaml:"lexicons"`
	SharedLexicon  map[string]string `yaml:"shared_lexicon"`
	EvidenceWindow *int              `yaml:"evidence_window_sentences"`
	Expected       []string          `yaml:"expected_detectors"`
	Detectors      []Detector        `yaml:"detectors"`
}

// Parse validates and compiles one YAML rulepack.
func Parse(data []byte) (*Rulepack, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, analysis.Errorf(analysis.CodeRulepackMalformed, "yaml: %v", err)
	}
	if doc.Meta.ID == "" || doc.Meta.Version == "" {
		return nil, analysis.Errorf(analysis.CodeRulepackMalformed, "meta.id and meta.version are required")
	}
	if _, err := semver.NewVersion(doc.Meta.Version); err != nil {
		return nil, analysis.Errorf(analysis.CodeRulepackMalformed, "meta.version %q is not semver: %v", doc.Meta.Version, err)
	}

	rp := &Rulepack{
		Meta:           doc.Meta,
		Lexicons:       map[string][]Term{},
		SharedLexicon:  doc.SharedLexicon,
		EvidenceWindow: -1,
		Expected:       doc.Expected,
	}
	if doc.EvidenceWindow != nil {
		if *doc.EvidenceWindow < 0 {
			return nil, analysis.Errorf(analysis.CodeRulepackMalformed, "evidence_window_sentences must be >= 0")
		}
		rp.EvidenceWindow = *doc.EvidenceWindow
	}
	for _, group := range []map[string][]Term{doc.WeakLanguage, doc.Anchors, doc.Lexicons} {
		for name, terms := range group {
			if _, dup := rp.Lexicons[name]; dup {
				return nil, analysis.Errorf(analysis.CodeRulepackMalformed, "lexicon %q defined twice", name)
			}
			rp.Lexicons[name] = terms
		}
	}

	seen := map[string]bool{}
	for i := range doc.Detectors {
		d := &doc.Detectors[i]
		if d.ID == "" {
			return nil, analysis.Errorf(analysis.CodeRulepackMalformed, "detector %d has no id", i)
		}
		if seen[d.ID] {
			return nil, analysis.Errorf(analysis.CodeRulepackMalformed, "detector id %q duplicated", d.ID)
		}
		seen[d.ID] = true
		if err := compileDetector(rp, d); err != nil {
			return nil, err
		}
	}
	rp.Detectors = doc.Detectors
	sort.SliceStable(rp.Detectors, func(i, j int) bool {
		return rp.Detectors[i].ID < rp.Detectors[j].ID
	})

	for _, id := range rp.Expected {
		if !seen[id] {
			return nil, analysis.Errorf(analysis.CodeRulepackMalformed, "expected_detectors names unknown detector %q", id)
		}
	}

	sum := sha256.Sum256(data)
	rp.Hash = "sha256:" + hex.EncodeToString(sum[:])
	return rp, nil
}

// compileDetector validates one detector and precompiles its patterns.
func compileDetector(rp *Rulepack, d *Detector) error {
	switch d.Type {
	case TypeLexicon:
		if d.Lexicon == "" {
			return analysis.Errorf(analysis.CodeRulepackMalformed, "detector %q: type lexicon requires 'lexicon'", d.ID)
		}
		terms, err := rp.resolveRef("@"+d.Lexicon, nil)
		if err != nil {
			return analysis.Errorf(analysis.CodeLexiconUnresolved, "detector %q: %v", d.ID, err)
		}
		if len(d.AnchorsAny) == 0 && len(d.AnchorsAll) == 0 {
			// A bare lexicon detector anchors on its own terms.
			for _, t := range terms {
				d.compiled.anchorsAny = append(d.compiled.anchorsAny, compileWord(t))
			}
		}
	case TypeRegex:
		if d.Pattern == "" {
			return analysis.Errorf(analysis.CodeRulepackMalformed, "detector %q: type regex requires 'pattern'", d.ID)
		}
		re, err := compilePattern(d.Pattern)
		if err != nil {
			return analysis.Errorf(analysis.CodeRegexInvalid, "detector %q pattern: %v", d.ID, err)
		}
		if len(d.AnchorsAny) == 0 && len(d.AnchorsAll) == 0 {
			d.compiled.anchorsAny = append(d.compiled.anchorsAny, re)
		}
	case TypeAnchor:
		// Anchors come from anchors_any / anchors_all only.
	default:
		return analysis.Errorf(analysis.CodeRulepackMalformed, "detector %q: unknown type %q", d.ID, d.Type)
	}

	var err error
	if d.compiled.anchorsAny, err = appendPatterns(d.compiled.anchorsAny, d.AnchorsAny); err != nil {
		return analysis.Errorf(analysis.CodeRegexInvalid, "detector %q anchors_any: %v", d.ID, err)
	}
	if d.compiled.anchorsAll, err = appendPatterns(nil, d.AnchorsAll); err != nil {
		return analysis.Errorf(analysis.CodeRegexInvalid, "detector %q anchors_all: %v", d.ID, err)
	}
	if d.compiled.redflags, err = appendPatterns(nil, d.RedflagsAny); err != nil {
		return analysis.Errorf(analysis.CodeRegexInvalid, "detector %q redflags_any: %v", d.ID, err)
	}

	// weak_nearby entries are regex fragments, or @lexicon refs whose
	// terms match whole-word.
	for _, item := range d.WeakNearby.Any {
		if strings.HasPrefix(item, "@") {
			terms, rerr := rp.resolveRef(item, nil)
			if rerr != nil {
				return analysis.Errorf(analysis.CodeLexiconUnresolved, "detector %q weak_nearby: %v", d.ID, rerr)
			}
			for _, t := range terms {
				d.compiled.weak = append(d.compiled.weak, compileWord(t))
			}
			continue
		}
		re, rerr := compilePattern(item)
		if rerr != nil {
			return analysis.Errorf(analysis.CodeRegexInvalid, "detector %q weak_nearby: %v", d.ID, rerr)
		}
		d.compiled.weak = append(d.compiled.weak, re)
	}
	return nil
}

// resolveRef expands an @name reference to its flattened terms, following
// shared_lexicon aliases. Cycles are rejected.
func (rp *Rulepack) resolveRef(ref string, trail []string) ([]string, error) {
	name := strings.TrimPrefix(ref, "@")
	for _, prev := range trail {
		if prev == name {
			return nil, fmt.Errorf("lexicon reference cycle: %s -> %s", strings.Join(trail, " -> "), name)
		}
	}
	trail = append(trail, name)

	if alias, ok := rp.SharedLexicon[name]; ok {
		return rp.resolveRef("@"+alias, trail)
	}
	terms, ok := rp.Lexicons[name]
	if !ok {
		return nil, fmt.Errorf("lexicon %q not found", name)
	}
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if strings.HasPrefix(t.Term, "@") {
			nested, err := rp.resolveRef(t.Term, trail)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
			continue
		}
		out = append(out, t.Term)
	}
	return out, nil
}

func appendPatterns(dst []*regexp.Regexp, patterns []string) ([]*regexp.Regexp, error) {
	for _, p := range patterns {
		re, err := compilePattern(p)
		if err != nil {
			return nil, err
		}
		dst = append(dst, re)
	}
	return dst, nil
}

// compilePattern compiles a pattern fragment under case-insensitive mode.
func compilePattern(p string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + p)
}

// compileWord compiles a literal lexicon term as a whole-word,
// case-insensitive matcher.
func compileWord(term string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
}

// LoadFile parses a single rulepack file.
func LoadFile(path string) (*Rulepack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, analysis.Errorf(analysis.CodeRulepackMissing, "rulepack %s not found", path)
		}
		return nil, analysis.WrapTransient(analysis.CodeDiskIO, err)
	}
	rp, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return rp, nil
}

// Load reads one YAML file or every *.yaml/*.yml file in a directory.
func Load(path string) ([]*Rulepack, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, analysis.Errorf(analysis.CodeRulepackMissing, "rulepack path %s not found", path)
		}
		return nil, analysis.WrapTransient(analysis.CodeDiskIO, err)
	}
	if !info.IsDir() {
		rp, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		return []*Rulepack{rp}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, analysis.WrapTransient(analysis.CodeDiskIO, err)
	}
	var packs []*Rulepack
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		rp, err := LoadFile(filepath.Join(path, e.Name()))
		if err != nil {
			return nil, err
		}
		packs = append(packs, rp)
	}
	if len(packs) == 0 {
		return nil, analysis.Errorf(analysis.CodeRulepackMissing, "no rulepacks in %s", path)
	}
	return packs, nil
}
