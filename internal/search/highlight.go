package search

import (
	"html"
	"strings"
	"unicode"
)

const (
	highlightWidth = 160
	snippetWidth   = 200
)

type span struct {
	start, end int
}

// Highlight returns an HTML-escaped window of the candidate's best matching
// field with query terms wrapped in <mark>. It returns nil when no term
// occurs literally.
func Highlight(c Candidate, query string) *string {
	terms := map[string]bool{}
	for _, term := range QueryTerms(query) {
		terms[term] = true
	}
	if len(terms) == 0 {
		return nil
	}

	var (
		bestRunes []rune
		bestSpans []span
		bestStart int
		bestCount int
	)
	for _, field := range []string{c.Body, c.Transcript, c.Title} {
		runes := []rune(field)
		spans := matchSpans(runes, terms)
		if len(spans) == 0 {
			continue
		}
		start, count := bestWindow(spans, highlightWidth)
		if count > bestCount {
			bestRunes, bestSpans, bestStart, bestCount = runes, spans, start, count
		}
	}
	if bestCount == 0 {
		return nil
	}
	out := render(bestRunes, bestSpans, bestStart, highlightWidth)
	return &out
}

// Snippet is the leading text of the candidate used when no highlight is
// requested or possible.
func Snippet(c Candidate) string {
	for _, field := range []string{c.Body, c.Transcript, c.Title} {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		runes := []rune(field)
		if len(runes) <= snippetWidth {
			return field
		}
		return strings.TrimSpace(string(runes[:snippetWidth])) + "…"
	}
	return ""
}

func matchSpans(runes []rune, terms map[string]bool) []span {
	var spans []span
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		word := make([]rune, end-start)
		for i, r := range runes[start:end] {
			word[i] = unicode.ToLower(r)
		}
		if terms[string(word)] {
			spans = append(spans, span{start: start, end: end})
		}
		start = -1
	}
	for i, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(runes))
	return spans
}

// bestWindow picks the window of the given width holding the most matches.
// It returns the window start, backed off a little so the first match has
// some leading context.
func bestWindow(spans []span, width int) (int, int) {
	bestIdx, bestCount := 0, 0
	for i, s := range spans {
		count := 0
		for _, other := range spans[i:] {
			if other.end-s.start > width {
				break
			}
			count++
		}
		if count > bestCount {
			bestIdx, bestCount = i, count
		}
	}
	start := spans[bestIdx].start - width/4
	if start < 0 {
		start = 0
	}
	return start, bestCount
}

func render(runes []rune, spans []span, start, width int) string {
	end := start + width
	if end > len(runes) {
		end = len(runes)
	}
	var b strings.Builder
	if start > 0 {
		b.WriteString("…")
	}
	pos := start
	for _, s := range spans {
		if s.start < start || s.end > end {
			continue
		}
		b.WriteString(html.EscapeString(string(runes[pos:s.start])))
		b.WriteString("<mark>")
		b.WriteString(html.EscapeString(string(runes[s.start:s.end])))
		b.WriteString("</mark>")
		pos = s.end
	}
	b.WriteString(html.EscapeString(string(runes[pos:end])))
	if end < len(runes) {
		b.WriteString("…")
	}
	return b.String()
}
