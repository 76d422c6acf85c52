package extract

// BuildArtifact assembles an artifact from per-page raw text. Pages are
// normalized individually, joined with a single LF (attributed to the
// preceding page's interval), and segmented into sentences page by page so
// that no sentence ever straddles a page boundary.
func BuildArtifact(rawPages []string) *Artifact {
	pages := make([]string, 0, len(rawPages))
	for _, p := range rawPages {
		pages = append(pages, NormalizeText(p))
	}

	var b []byte
	art := &Artifact{}
	for i, p := range pages {
		start := len(b)
		b = append(b, p...)
		if i < len(pages)-1 {
			b = append(b, '\n')
		}
		art.PageMap = append(art.PageMap, PageSpan{Page: i + 1, Start: start, End: len(b)})
	}
	art.Text = string(b)

	for _, page := range art.PageMap {
		art.Sentences = append(art.Sentences, segment(art.Text, page.Start, page.End)...)
	}
	return art
}

// Segment splits one page's byte range into sentence spans. A sentence ends
// at '.', '!' or '?' (plus any closing quotes or brackets) followed by
// whitespace, or at a blank line. Spans are trimmed; blanks are dropped.
func segment(text string, start, end int) []Span {
	var spans []Span
	emit := func(s, e int) {
		s, e = trimSpan(text, s, e)
		if s < e {
			spans = append(spans, Span{Start: s, End: e})
		}
	}

	cur := start
	i := start
	for i < end {
		c := text[i]
		switch c {
		case '.', '!', '?':
			j := i + 1
			for j < end && isCloser(text[j]) {
				j++
			}
			if j >= end || isSpace(text[j]) {
				emit(cur, j)
				cur = j
				i = j
				continue
			}
		case '\n':
			// Blank line terminates a sentence even without punctuation.
			if i+1 < end && text[i+1] == '\n' {
				emit(cur, i)
				cur = i + 1
			}
		}
		i++
	}
	emit(cur, end)
	return spans
}

func isCloser(b byte) bool {
	return b == '"' || b == '\'' || b == ')' || b == ']'
}
