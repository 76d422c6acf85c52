package detect

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/clauseguard/clauseguard/pkg/analysis"
	"github.com/clauseguard/clauseguard/pkg/extract"
	"github.com/clauseguard/clauseguard/pkg/rulepack"
	"github.com/clauseguard/clauseguard/pkg/store"
	"github.com/clauseguard/clauseguard/pkg/tokens"
)

// TokenCapDetectorID marks the synthetic finding emitted when the token
// ledger reports the cap exceeded before detection starts.
const TokenCapDetectorID = "token_cap"

// Runner iterates sentences x detectors over an extraction artifact and
// persists the resulting findings atomically. Two runs over the same
// (artifact, rulepack) produce byte-identical findings.json.
type Runner struct {
	Store              *store.Store
	Ledger             *tokens.Ledger
	WeakLexiconEnabled bool
	// DefaultWindow is the sentence expansion used when the rulepack
	// does not set its own evidence window.
	DefaultWindow int
	Logger        *slog.Logger
}

// Run executes detection for one analysis and persists findings.json.
// The ledger is consulted first: a capped analysis yields exactly one
// synthetic needs_review finding and no detector findings.
func (r *Runner) Run(ctx context.Context, analysisID string, art *extract.Artifact, rp *rulepack.Rulepack) ([]analysis.Finding, error) {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}

	estimate := tokens.EstimateDocumentTokens(len(art.Text))
	capped, reason, err := r.Ledger.ChargeDocumentEstimate(analysisID, estimate)
	if err != nil {
		return nil, err
	}
	if capped {
		log.Warn("token cap exceeded, skipping detection",
			"analysis_id", analysisID, "reason", reason)
		capFinding := []analysis.Finding{{
			DetectorID: TokenCapDetectorID,
			RuleID:     TokenCapDetectorID,
			Verdict:    analysis.VerdictNeedsReview,
			Rationale:  reason,
			Page:       1,
			Start:      0,
			End:        0,
		}}
		if err := r.Store.SaveFindings(analysisID, capFinding); err != nil {
			return nil, err
		}
		return capFinding, nil
	}

	window := r.DefaultWindow
	if rp.EvidenceWindow >= 0 {
		window = rp.EvidenceWindow
	}
	weakFilter := NewWeakFilter(rp, r.WeakLexiconEnabled)

	var findings []analysis.Finding
	for i := range art.Sentences {
		if err := ctx.Err(); err != nil {
			return nil, analysis.ErrCancelled
		}
		span := art.Sentences[i]
		page, perr := art.PageFor(span.Start)
		if perr != nil {
			return nil, analysis.Wrap(analysis.CodeDetectionFailed, perr)
		}
		snippet := art.SentenceText(i)
		win := art.Window(i, window)
		winText := art.Text[win.Start:win.End]

		for di := range rp.Detectors {
			d := &rp.Detectors[di]
			f, ok := r.evaluatePair(art, i, winText, d)
			if !ok {
				// One broken detector must not poison the run.
				findings = append(findings, analysis.Finding{
					DetectorID: d.ID,
					RuleID:     d.ID,
					Verdict:    analysis.VerdictNeedsReview,
					Snippet:    snippet,
					Page:       page.Page,
					Start:      span.Start,
					End:        span.End,
					Rationale:  fmt.Sprintf("detector error: %s", d.ID),
					Confidence: 0.1,
					Category:   d.Category,
				})
				continue
			}
			if !f.Anchor && !f.Weak && !f.Redflag {
				continue
			}
			verdict, confidence := MapVerdict(f)
			if verdict == analysis.VerdictMissing {
				// Absence is reported by coverage, not per sentence.
				continue
			}
			weakDetected := f.Anchor && f.Weak
			if filtered, hit := weakFilter.Apply(verdict, snippet); hit {
				verdict = filtered
				confidence = 0.5
				weakDetected = true
			}
			findings = append(findings, analysis.Finding{
				DetectorID:           d.ID,
				RuleID:               d.ID,
				Verdict:              verdict,
				Snippet:              snippet,
				Page:                 page.Page,
				Start:                span.Start,
				End:                  span.End,
				Rationale:            rationaleFor(f),
				Confidence:           confidence,
				Category:             d.Category,
				WeakLanguageDetected: weakDetected,
			})
		}
	}

	analysis.SortFindings(findings)
	if err := r.Store.SaveFindings(analysisID, findings); err != nil {
		return nil, err
	}
	log.Info("detection complete", "analysis_id", analysisID, "findings", len(findings))
	return findings, nil
}

// evaluatePair evaluates one (sentence, detector) pair, converting an
// engine panic into a not-ok result.
func (r *Runner) evaluatePair(art *extract.Artifact, sentence int, winText string, d *rulepack.Detector) (f Flags, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	f = Evaluate(winText, d)
	// Fast path: precomputed lexicon hits replace live term matching for
	// bare lexicon detectors.
	if d.Type == rulepack.TypeLexicon && !d.HasExplicitAnchors() && art.LexiconHits != nil {
		f.Anchor = len(art.LexiconHits[sentence][d.Lexicon]) > 0
	}
	return f, true
}

func rationaleFor(f Flags) string {
	switch {
	case f.Redflag:
		return "redflag pattern matched in evidence window"
	case f.Anchor && f.Weak:
		return "anchor matched with weak language nearby"
	case f.Anchor:
		return "anchor matched"
	default:
		return "weak language without anchor"
	}
}
