package search

import (
	"sort"
	"strings"
)

// Allows reports whether c passes every filter except TopicIDs, which needs
// cluster membership data only the corpus has.
func (f Filter) Allows(c Candidate) bool {
	if c.OrganizationID != f.OrganizationID {
		return false
	}
	switch c.Kind {
	case KindVideo:
		if !f.IncludeVideos {
			return false
		}
	case KindContentItem:
		if !f.IncludeContentItems {
			return false
		}
	default:
		return false
	}
	if !containsOrEmpty(f.Sources, c.Source) {
		return false
	}
	if !containsOrEmpty(f.SourceIDs, c.SourceID) {
		return false
	}
	if !containsOrEmpty(f.ContentTypes, c.ContentType) {
		return false
	}
	return f.DateRange.Contains(c.CreatedAtSource)
}

// SortNewestFirst orders candidates by CreatedAtSource descending, then id.
func SortNewestFirst(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAtSource.Equal(candidates[j].CreatedAtSource) {
			return candidates[i].CreatedAtSource.After(candidates[j].CreatedAtSource)
		}
		return candidates[i].ID < candidates[j].ID
	})
}

func containsOrEmpty(values []string, value string) bool {
	if len(values) == 0 {
		return true
	}
	for _, v := range values {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

// Admits reports whether c can score above zero under the hint: it shares a
// query term when lexical matching is on, or its embedding reaches the
// semantic threshold. A nil hint admits everything.
func (h *MatchHint) Admits(c Candidate) bool {
	if h == nil {
		return true
	}
	return h.termHits(c) > 0 || h.similarity(c) > 0
}

// RankByHint orders candidates most relevant first: more distinct query
// terms, then higher similarity, then newest.
func RankByHint(candidates []Candidate, h *MatchHint) {
	if h == nil {
		SortNewestFirst(candidates)
		return
	}
	hits := make(map[string]int, len(candidates))
	sims := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		hits[c.ID] = h.termHits(c)
		sims[c.ID] = h.similarity(c)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if hits[a.ID] != hits[b.ID] {
			return hits[a.ID] > hits[b.ID]
		}
		if sims[a.ID] != sims[b.ID] {
			return sims[a.ID] > sims[b.ID]
		}
		if !a.CreatedAtSource.Equal(b.CreatedAtSource) {
			return a.CreatedAtSource.After(b.CreatedAtSource)
		}
		return a.ID < b.ID
	})
}

func (h *MatchHint) termHits(c Candidate) int {
	if !h.Lexical {
		return 0
	}
	terms := QueryTerms(h.Query)
	if len(terms) == 0 {
		return 0
	}
	tokens := map[string]bool{}
	for _, tok := range Tokenize(c.Title + " " + c.Body + " " + c.Transcript) {
		tokens[tok] = true
	}
	hits := 0
	for _, term := range terms {
		if tokens[term] {
			hits++
		}
	}
	return hits
}

func (h *MatchHint) similarity(c Candidate) float64 {
	if len(h.Vector) == 0 {
		return 0
	}
	if s := Cosine(h.Vector, c.Embedding); s > 0 && s >= h.SemanticThreshold {
		return s
	}
	return 0
}
