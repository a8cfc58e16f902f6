package search

import (
	"context"
	"math"
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "that": true, "the": true,
	"this": true, "to": true, "was": true, "we": true, "with": true,
}

// Tokenize lower-cases text and splits it on anything that is not a letter
// or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// QueryTerms returns the distinct non-stopword tokens of a query. A query
// made only of stopwords keeps them.
func QueryTerms(query string) []string {
	tokens := Tokenize(query)
	seen := map[string]bool{}
	terms := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		terms = append(terms, tok)
	}
	if len(terms) > 0 {
		return terms
	}
	for _, tok := range tokens {
		if !seen[tok] {
			seen[tok] = true
			terms = append(terms, tok)
		}
	}
	return terms
}

// BM25 scores candidates against a query using Okapi BM25 over title, body
// and transcript. Statistics come from the candidate set itself.
type BM25 struct {
	K1 float64
	B  float64
}

func NewBM25() BM25 {
	return BM25{K1: 1.2, B: 0.75}
}

func (s BM25) LexicalScores(_ context.Context, query string, candidates []Candidate) (map[string]float64, error) {
	terms := QueryTerms(query)
	scores := map[string]float64{}
	if len(terms) == 0 || len(candidates) == 0 {
		return scores, nil
	}

	type doc struct {
		id     string
		length int
		tf     map[string]int
	}
	docs := make([]doc, 0, len(candidates))
	df := make(map[string]int, len(terms))
	totalLength := 0
	for _, c := range candidates {
		tokens := Tokenize(c.Title + " " + c.Body + " " + c.Transcript)
		d := doc{id: c.ID, length: len(tokens), tf: map[string]int{}}
		for _, tok := range tokens {
			d.tf[tok]++
		}
		for _, term := range terms {
			if d.tf[term] > 0 {
				df[term]++
			}
		}
		totalLength += d.length
		docs = append(docs, d)
	}

	n := float64(len(docs))
	avgLength := float64(totalLength) / n
	if avgLength == 0 {
		avgLength = 1
	}
	for _, d := range docs {
		var score float64
		for _, term := range terms {
			tf := float64(d.tf[term])
			if tf == 0 {
				continue
			}
			nq := float64(df[term])
			idf := math.Log(1 + (n-nq+0.5)/(nq+0.5))
			score += idf * tf * (s.K1 + 1) / (tf + s.K1*(1-s.B+s.B*float64(d.length)/avgLength))
		}
		if score > 0 {
			scores[d.id] = score
		}
	}
	return scores, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when the vectors
// differ in length or either is zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
