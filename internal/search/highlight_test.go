package search

import (
	"strings"
	"testing"
)

func TestHighlightMarksTermsAndEscapes(t *testing.T) {
	c := Candidate{Title: "Plan", Body: "Use <b>Rollout</b> & then ROLLOUT again"}
	got := Highlight(c, "rollout")
	if got == nil {
		t.Fatal("expected a highlight")
	}
	want := "Use &lt;b&gt;<mark>Rollout</mark>&lt;/b&gt; &amp; then <mark>ROLLOUT</mark> again"
	if *got != want {
		t.Fatalf("Highlight() = %q, want %q", *got, want)
	}
}

func TestHighlightPicksDensestWindow(t *testing.T) {
	body := "rollout " + strings.Repeat("filler ", 60) + "rollout plan rollout schedule"
	got := Highlight(Candidate{Body: body}, "rollout plan")
	if got == nil {
		t.Fatal("expected a highlight")
	}
	if strings.Count(*got, "<mark>") != 3 {
		t.Fatalf("expected the window with three matches, got %q", *got)
	}
	if !strings.HasPrefix(*got, "…") {
		t.Fatalf("expected leading ellipsis, got %q", *got)
	}
}

func TestHighlightRequiresLiteralMatch(t *testing.T) {
	if got := Highlight(Candidate{Title: "Rollouts", Body: "rolled out"}, "rollout"); got != nil {
		t.Fatalf("expected nil, got %q", *got)
	}
	if got := Highlight(Candidate{Transcript: "we discussed the rollout"}, "rollout"); got == nil {
		t.Fatal("transcript matches should highlight")
	}
}

func TestSnippet(t *testing.T) {
	if got := Snippet(Candidate{Title: "Only title"}); got != "Only title" {
		t.Fatalf("Snippet() = %q", got)
	}
	long := strings.Repeat("x", 250)
	got := Snippet(Candidate{Body: long})
	if !strings.HasSuffix(got, "…") || len([]rune(got)) != snippetWidth+1 {
		t.Fatalf("Snippet() length = %d", len([]rune(got)))
	}
}
