package extract

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText canonicalizes extracted text: NFC normalization, LF line
// endings, NUL bytes stripped. All downstream byte offsets are relative to
// the output of this function, so it must stay stable across releases.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\x00", "")
	return norm.NFC.String(s)
}

// trimSpan narrows [start, end) over text to exclude leading and trailing
// ASCII whitespace. Returns an empty span (start == end) for blank input.
func trimSpan(text string, start, end int) (int, int) {
	for start < end && isSpace(text[start]) {
		start++
	}
	for end > start && isSpace(text[end-1]) {
		end--
	}
	return start, end
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\f' || b == '\v'
}
