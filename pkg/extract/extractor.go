package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/clauseguard/clauseguard/pkg/analysis"
)

// Extractor turns an uploaded document into an extraction artifact.
// Binary formats (PDF, DOCX) are handled by upstream collaborators that
// deliver already-extracted text; the implementations here cover the text
// formats the core accepts directly.
type Extractor interface {
	// Extract parses the document bytes. The returned artifact satisfies
	// Artifact.Validate.
	Extract(ctx context.Context, data []byte, mime string) (*Artifact, error)
	// Supports reports whether the extractor handles the MIME type.
	Supports(mime string) bool
}

// Registry dispatches extraction by MIME type.
type Registry struct {
	extractors []Extractor
}

// NewRegistry returns a registry with the built-in text extractors.
func NewRegistry(extra ...Extractor) *Registry {
	r := &Registry{}
	r.extractors = append(r.extractors, extra...)
	r.extractors = append(r.extractors, &PlainText{}, &HTML{})
	return r
}

// Extract runs the first extractor supporting the MIME type.
func (r *Registry) Extract(ctx context.Context, data []byte, mime string) (*Artifact, error) {
	for _, e := range r.extractors {
		if e.Supports(mime) {
			art, err := e.Extract(ctx, data, mime)
			if err != nil {
				return nil, err
			}
			if verr := art.Validate(); verr != nil {
				return nil, analysis.Wrap(analysis.CodeExtractionFailed, verr)
			}
			return art, nil
		}
	}
	return nil, analysis.Errorf(analysis.CodeExtractionFailed, "unsupported mime type %q", mime)
}

// Supports reports whether any registered extractor handles the MIME type.
func (r *Registry) Supports(mime string) bool {
	for _, e := range r.extractors {
		if e.Supports(mime) {
			return true
		}
	}
	return false
}

// PlainText extracts text/plain documents. Form feeds mark page breaks.
type PlainText struct{}

// Supports reports text/plain and markdown.
func (*PlainText) Supports(mime string) bool {
	return mime == "text/plain" || mime == "text/markdown"
}

// Extract splits on form feeds and builds the artifact.
func (*PlainText) Extract(_ context.Context, data []byte, _ string) (*Artifact, error) {
	if len(data) == 0 {
		return nil, analysis.Errorf(analysis.CodeExtractionFailed, "empty document")
	}
	pages := strings.Split(string(data), "\f")
	return BuildArtifact(pages), nil
}

var (
	tagRE    = regexp.MustCompile(`(?s)<[^>]*>`)
	scriptRE = regexp.MustCompile(`(?is)<(script|style)\b.*?</(script|style)>`)
)

// HTML extracts text/html documents by stripping markup. Single page.
type HTML struct{}

// Supports reports text/html.
func (*HTML) Supports(mime string) bool { return mime == "text/html" }

// Extract strips script/style blocks and tags, then builds a one-page
// artifact from the remaining text.
func (*HTML) Extract(_ context.Context, data []byte, _ string) (*Artifact, error) {
	if len(data) == 0 {
		return nil, analysis.Errorf(analysis.CodeExtractionFailed, "empty document")
	}
	s := scriptRE.ReplaceAllString(string(data), " ")
	s = tagRE.ReplaceAllString(s, " ")
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return nil, analysis.Errorf(analysis.CodeExtractionFailed, "no text content")
	}
	return BuildArtifact([]string{s}), nil
}
