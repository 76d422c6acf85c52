package store

import (
	"os"
	"path/filepath"
	"time"

	"github.com/clauseguard/clauseguard/pkg/analysis"
	"github.com/clauseguard/clauseguard/pkg/extract"
)

// File names inside an analysis directory.
const (
	FileAnalysis    = "analysis.json"
	FileExtraction  = "extraction.json"
	FileText        = "text.txt"
	FilePageMap     = "page_map.json"
	FileSentences   = "sentences.json"
	FileLexiconHits = "lexicon_hits.json"
	FileFindings    = "findings.json"
	FileTokens      = "tokens.json"
	FileAudit       = "audit.json"
)

// ExtractionManifest indexes the artifact files; paths are relative to the
// analysis directory.
type ExtractionManifest struct {
	TextPath        string `json:"text_path"`
	PageMapPath     string `json:"page_map_path"`
	SentenceIdxPath string `json:"sentence_idx_path"`
	LexiconHitsPath string `json:"lexicon_hits_path,omitempty"`
}

// SaveAnalysis persists the analysis record.
func (s *Store) SaveAnalysis(a *analysis.Analysis) error {
	return s.writeJSON(filepath.Join(s.Dir(a.ID), FileAnalysis), a)
}

// LoadAnalysis reads the analysis record.
func (s *Store) LoadAnalysis(analysisID string) (*analysis.Analysis, error) {
	var a analysis.Analysis
	if err := s.readJSON(filepath.Join(s.Dir(analysisID), FileAnalysis), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveUpload writes the original binary next to the artifacts. The name is
// sanitized to a basename.
func (s *Store) SaveUpload(analysisID, filename string, data []byte) (string, error) {
	name := SanitizeFilename(filename)
	if err := s.writeAtomic(filepath.Join(s.Dir(analysisID), name), data); err != nil {
		return "", err
	}
	return name, nil
}

// LoadUpload reads the original binary back.
func (s *Store) LoadUpload(analysisID, filename string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(analysisID), SanitizeFilename(filename)))
	if err != nil {
		return nil, analysis.WrapTransient(analysis.CodeDiskIO, err)
	}
	return data, nil
}

// SaveArtifact persists the extraction artifact: text, page map, sentence
// index, optional lexicon hits, and the manifest tying them together. The
// manifest is written last so its presence implies a complete artifact.
func (s *Store) SaveArtifact(analysisID string, art *extract.Artifact) error {
	dir := s.Dir(analysisID)
	if err := s.writeAtomic(filepath.Join(dir, FileText), []byte(art.Text)); err != nil {
		return err
	}
	if err := s.writeJSON(filepath.Join(dir, FilePageMap), art.PageMap); err != nil {
		return err
	}
	if err := s.writeJSON(filepath.Join(dir, FileSentences), art.Sentences); err != nil {
		return err
	}
	m := ExtractionManifest{
		TextPath:        FileText,
		PageMapPath:     FilePageMap,
		SentenceIdxPath: FileSentences,
	}
	if art.LexiconHits != nil {
		if err := s.writeJSON(filepath.Join(dir, FileLexiconHits), art.LexiconHits); err != nil {
			return err
		}
		m.LexiconHitsPath = FileLexiconHits
	}
	return s.writeJSON(filepath.Join(dir, FileExtraction), &m)
}

// LoadArtifact reads the extraction artifact back through its manifest.
func (s *Store) LoadArtifact(analysisID string) (*extract.Artifact, error) {
	dir := s.Dir(analysisID)
	var m ExtractionManifest
	if err := s.readJSON(filepath.Join(dir, FileExtraction), &m); err != nil {
		return nil, err
	}
	text, err := os.ReadFile(filepath.Join(dir, m.TextPath))
	if err != nil {
		return nil, analysis.WrapTransient(analysis.CodeDiskIO, err)
	}
	art := &extract.Artifact{Text: string(text)}
	if err := s.readJSON(filepath.Join(dir, m.PageMapPath), &art.PageMap); err != nil {
		return nil, err
	}
	if err := s.readJSON(filepath.Join(dir, m.SentenceIdxPath), &art.Sentences); err != nil {
		return nil, err
	}
	if m.LexiconHitsPath != "" {
		if err := s.readJSON(filepath.Join(dir, m.LexiconHitsPath), &art.LexiconHits); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := art.Validate(); err != nil {
		return nil, analysis.Wrap(analysis.CodeExtractionFailed, err)
	}
	return art, nil
}

// SaveFindings persists the findings array in canonical order and form.
// The sort is re-applied here so the file is canonical no matter the caller.
func (s *Store) SaveFindings(analysisID string, findings []analysis.Finding) error {
	analysis.SortFindings(findings)
	if findings == nil {
		findings = []analysis.Finding{}
	}
	return s.writeJSON(filepath.Join(s.Dir(analysisID), FileFindings), findings)
}

// LoadFindings reads the findings array; a missing file returns an empty
// slice, not an error.
func (s *Store) LoadFindings(analysisID string) ([]analysis.Finding, error) {
	var fs []analysis.Finding
	err := s.readJSON(filepath.Join(s.Dir(analysisID), FileFindings), &fs)
	if os.IsNotExist(err) {
		return []analysis.Finding{}, nil
	}
	if err != nil {
		return nil, err
	}
	return fs, nil
}

// TokenUsage is the persisted ledger record for one analysis. DocEstimate
// records the one-time document pre-charge so retried or resumed runs do not
// re-add it.
type TokenUsage struct {
	AnalysisID    string  `json:"analysis_id"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	TotalTokens   int64   `json:"total_tokens"`
	DocEstimate   int64   `json:"doc_estimate,omitempty"`
	EstimatedCost float64 `json:"estimated_cost"`
	LastUpdated   int64   `json:"last_updated"`
	CapExceeded   bool    `json:"cap_exceeded"`
	CapReason     string  `json:"cap_reason,omitempty"`
}

// SaveTokens persists the token usage record.
func (s *Store) SaveTokens(u *TokenUsage) error {
	return s.writeJSON(filepath.Join(s.Dir(u.AnalysisID), FileTokens), u)
}

// LoadTokens reads the usage record; a missing file returns an empty record.
func (s *Store) LoadTokens(analysisID string) (*TokenUsage, error) {
	var u TokenUsage
	err := s.readJSON(filepath.Join(s.Dir(analysisID), FileTokens), &u)
	if os.IsNotExist(err) {
		return &TokenUsage{AnalysisID: analysisID, LastUpdated: time.Now().Unix()}, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
