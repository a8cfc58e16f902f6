package search

import (
	"context"
	"math"
	"testing"
)

func TestTokenize(t *testing.T) {
	got := Tokenize("Rollout-plan: v2 (EU/US) naïve")
	want := []string{"rollout", "plan", "v2", "eu", "us", "naïve"}
	if len(got) != len(want) {
		t.Fatalf("Tokenize() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Tokenize()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestQueryTermsDropsStopwordsAndDuplicates(t *testing.T) {
	got := QueryTerms("the Rollout of the rollout plan")
	if len(got) != 2 || got[0] != "rollout" || got[1] != "plan" {
		t.Fatalf("QueryTerms() = %v", got)
	}
	if got := QueryTerms("to be or"); len(got) != 3 {
		t.Fatalf("all-stopword queries keep their tokens, got %v", got)
	}
}

func TestBM25(t *testing.T) {
	candidates := []Candidate{
		{ID: "dense", Title: "Rollout", Body: "rollout rollout checklist"},
		{ID: "sparse", Title: "Notes", Body: "meeting notes mention the rollout once among many other words here"},
		{ID: "none", Title: "Budget", Body: "quarterly numbers"},
		{ID: "transcript", Title: "Sync", Transcript: "the rollout slipped"},
	}
	scores, err := NewBM25().LexicalScores(context.Background(), "rollout", candidates)
	if err != nil {
		t.Fatalf("LexicalScores() error = %v", err)
	}
	if _, ok := scores["none"]; ok {
		t.Fatal("non-matching candidates must be absent")
	}
	if scores["transcript"] <= 0 {
		t.Fatal("transcripts must be searchable")
	}
	if scores["dense"] <= scores["sparse"] {
		t.Fatalf("expected dense > sparse, got %v", scores)
	}

	empty, _ := NewBM25().LexicalScores(context.Background(), "  ", candidates)
	if len(empty) != 0 {
		t.Fatalf("blank query scored %d candidates", len(empty))
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		a, b []float32
		want float64
	}{
		{[]float32{1, 0}, []float32{1, 0}, 1},
		{[]float32{1, 0}, []float32{0, 1}, 0},
		{[]float32{1, 0}, []float32{-1, 0}, -1},
		{[]float32{1, 1}, []float32{2, 2}, 1},
		{[]float32{1, 0}, []float32{1, 0, 0}, 0},
		{[]float32{0, 0}, []float32{1, 0}, 0},
		{nil, nil, 0},
	}
	for _, tc := range tests {
		if got := Cosine(tc.a, tc.b); math.Abs(got-tc.want) > 1e-6 {
			t.Errorf("Cosine(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
