// Package extract defines the extraction artifact: the canonical
// representation of a parsed document as normalized text, a page map, and a
// sentence index. Byte offsets everywhere index the UTF-8 text.
package extract

import (
	"encoding/json"
	"fmt"
)

// Span is a half-open [Start, End) byte interval over the document text.
// It serializes as a two-element JSON array.
type Span struct {
	Start int
	End   int
}

// MarshalJSON encodes the span as [start, end].
func (s Span) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{s.Start, s.End})
}

// UnmarshalJSON decodes [start, end].
func (s *Span) UnmarshalJSON(data []byte) error {
	var raw [2]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("sentence span: %w", err)
	}
	s.Start, s.End = raw[0], raw[1]
	return nil
}

// PageSpan maps a 1-based page number to its half-open byte interval.
// It serializes as a three-element JSON array [page, start, end].
type PageSpan struct {
	Page  int
	Start int
	End   int
}

// MarshalJSON encodes the page span as [page, start, end].
func (p PageSpan) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int{p.Page, p.Start, p.End})
}

// UnmarshalJSON decodes [page, start, end].
func (p *PageSpan) UnmarshalJSON(data []byte) error {
	var raw [3]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("page span: %w", err)
	}
	p.Page, p.Start, p.End = raw[0], raw[1], raw[2]
	return nil
}

// Artifact is the extraction output for one analysis. Text is UTF-8,
// LF line endings, NFC-normalized. PageMap intervals partition
// [0, len(Text)) exactly; sentences never straddle a page boundary.
type Artifact struct {
	Text      string
	PageMap   []PageSpan
	Sentences []Span

	// LexiconHits optionally carries per-sentence precomputed lexicon
	// matches keyed by lexicon name. When nil the detector runner falls
	// back to live term matching.
	LexiconHits []map[string][]string
}

// Validate checks the artifact invariants: the page map partitions the text
// exactly, intervals are ordered and non-overlapping, and every sentence
// lies inside exactly one page.
func (a *Artifact) Validate() error {
	n := len(a.Text)
	if len(a.PageMap) == 0 {
		if n == 0 {
			return nil
		}
		return fmt.Errorf("page map empty for %d bytes of text", n)
	}
	pos := 0
	for i, p := range a.PageMap {
		if p.Page != i+1 {
			return fmt.Errorf("page %d out of sequence at index %d", p.Page, i)
		}
		if p.Start != pos {
			return fmt.Errorf("page %d starts at %d, want %d", p.Page, p.Start, pos)
		}
		if p.End < p.Start {
			return fmt.Errorf("page %d has negative extent", p.Page)
		}
		pos = p.End
	}
	if pos != n {
		return fmt.Errorf("page map covers [0,%d), text has %d bytes", pos, n)
	}

	prevEnd := 0
	for i, s := range a.Sentences {
		if s.Start < prevEnd || s.End < s.Start || s.End > n {
			return fmt.Errorf("sentence %d span [%d,%d) invalid", i, s.Start, s.End)
		}
		page, err := a.PageFor(s.Start)
		if err != nil {
			return fmt.Errorf("sentence %d: %w", i, err)
		}
		if s.End > page.End {
			return fmt.Errorf("sentence %d straddles page %d boundary", i, page.Page)
		}
		prevEnd = s.End
	}
	if a.LexiconHits != nil && len(a.LexiconHits) != len(a.Sentences) {
		return fmt.Errorf("lexicon hits cover %d sentences, index has %d", len(a.LexiconHits), len(a.Sentences))
	}
	return nil
}

// PageFor returns the page whose interval contains the byte offset.
func (a *Artifact) PageFor(offset int) (PageSpan, error) {
	lo, hi := 0, len(a.PageMap)
	for lo < hi {
		mid := (lo + hi) / 2
		p := a.PageMap[mid]
		switch {
		case offset < p.Start:
			hi = mid
		case offset >= p.End:
			lo = mid + 1
		default:
			return p, nil
		}
	}
	return PageSpan{}, fmt.Errorf("offset %d outside page map", offset)
}

// SentenceText returns the text of sentence i.
func (a *Artifact) SentenceText(i int) string {
	s := a.Sentences[i]
	return a.Text[s.Start:s.End]
}

// Window returns the evaluation window for sentence i expanded symmetrically
// by n sentences on each side, clamped to sentences on the same page. The
// returned span covers from the first to the last included sentence.
func (a *Artifact) Window(i, n int) Span {
	s := a.Sentences[i]
	page, err := a.PageFor(s.Start)
	if err != nil {
		return s
	}
	lo := i
	for lo > 0 && lo > i-n && a.Sentences[lo-1].Start >= page.Start {
		lo--
	}
	hi := i
	for hi < len(a.Sentences)-1 && hi < i+n && a.Sentences[hi+1].End <= page.End {
		hi++
	}
	return Span{Start: a.Sentences[lo].Start, End: a.Sentences[hi].End}
}
