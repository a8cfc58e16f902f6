package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Mode selects which relevance signals contribute to the final score.
type Mode string

const (
	ModeKeyword  Mode = "keyword"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
)

// Kind identifies which corpus a candidate came from.
type Kind string

const (
	KindVideo       Kind = "video"
	KindContentItem Kind = "content_item"
)

// Candidate is one searchable item after filtering, carrying everything the
// scorers need.
type Candidate struct {
	ID              string
	Kind            Kind
	OrganizationID  string
	ContentType     string
	Source          string
	SourceID        string
	AuthorID        string
	Title           string
	Body            string
	Transcript      string
	CreatedAtSource time.Time
	Embedding       []float32
}

// DateRange is inclusive of From and exclusive of To. Either bound may be nil.
type DateRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

func (r *DateRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && !t.Before(*r.To) {
		return false
	}
	return true
}

// Filter restricts the candidate universe before any scoring happens.
type Filter struct {
	OrganizationID      string
	Sources             []string
	SourceIDs           []string
	ContentTypes        []string
	DateRange           *DateRange
	TopicIDs            []string
	IncludeVideos       bool
	IncludeContentItems bool
	// Limit caps the number of candidates returned. When Match is set the
	// most relevant candidates are kept, otherwise the newest.
	Limit int
	// Match, when set, lets a corpus drop candidates that can score zero.
	// Implementations may ignore it and return a superset.
	Match *MatchHint
}

// MatchHint describes what a candidate needs to possibly score above zero.
type MatchHint struct {
	Query             string
	Lexical           bool
	Vector            []float32
	SemanticThreshold float64
}

// Request describes a search call.
type Request struct {
	Query               string     `json:"query" validate:"required,max=1000"`
	OrganizationID      string     `json:"organizationId" validate:"required"`
	Sources             []string   `json:"sources,omitempty"`
	SourceIDs           []string   `json:"sourceIds,omitempty"`
	ContentTypes        []string   `json:"contentTypes,omitempty"`
	DateRange           *DateRange `json:"dateRange,omitempty"`
	TopicIDs            []string   `json:"topicIds,omitempty"`
	Mode                Mode       `json:"mode" validate:"omitempty,oneof=keyword semantic hybrid"`
	SemanticWeight      *float64   `json:"semanticWeight,omitempty" validate:"omitempty,min=0,max=1"`
	SemanticThreshold   *float64   `json:"semanticThreshold,omitempty" validate:"omitempty,min=0,max=1"`
	IncludeVideos       bool       `json:"includeVideos"`
	IncludeContentItems bool       `json:"includeContentItems"`
	IncludeFacets       bool       `json:"includeFacets"`
	IncludeHighlights   *bool      `json:"includeHighlights,omitempty"`
	Limit               int        `json:"limit" validate:"min=1,max=100"`
	Offset              int        `json:"offset" validate:"min=0"`
	// IncludeHighlights defaults to true when unset.
	// QueryEmbedding overrides the configured query embedder.
	QueryEmbedding []float32 `json:"queryEmbedding,omitempty"`
}

// Result is a single ranked hit. LexicalScore is normalized against the best
// lexical match; SemanticScore is the raw cosine similarity.
type Result struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"kind"`
	ContentType     string    `json:"contentType"`
	Source          string    `json:"source"`
	SourceID        string    `json:"sourceId"`
	AuthorID        string    `json:"authorId"`
	Title           string    `json:"title"`
	Snippet         string    `json:"snippet"`
	CreatedAtSource time.Time `json:"createdAtSource"`
	Score           float64   `json:"score"`
	LexicalScore    float64   `json:"lexicalScore"`
	SemanticScore   float64   `json:"semanticScore"`
	Highlight       *string   `json:"highlight"`
}

// Facets counts ranked matches per categorical attribute.
type Facets struct {
	ContentType map[string]int `json:"contentType"`
	Source      map[string]int `json:"source"`
	Author      map[string]int `json:"author"`
}

// Response is one page of ranked results. Truncated reports that more
// candidates matched than the engine scores per request; Total and Facets
// then cover only the scored, most relevant candidates.
type Response struct {
	Results   []Result `json:"results"`
	Total     int      `json:"total"`
	HasMore   bool     `json:"hasMore"`
	Facets    *Facets  `json:"facets,omitempty"`
	Truncated bool     `json:"truncated"`
	Query     string   `json:"query"`
	Mode      Mode     `json:"mode"`
}

// Corpus returns the filtered candidate universe for an organization.
type Corpus interface {
	Candidates(ctx context.Context, f Filter) ([]Candidate, error)
}

// LexicalScorer assigns a non-negative term relevance score per candidate id.
// Candidates without any lexical match are absent from the returned map.
type LexicalScorer interface {
	LexicalScores(ctx context.Context, query string, candidates []Candidate) (map[string]float64, error)
}

// QueryEmbedder turns query text into a vector comparable with the stored
// candidate embeddings.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Document is the record pushed into the external lexical index.
type Document struct {
	ID              string `json:"id"`
	OrganizationID  string `json:"organizationId"`
	Kind            Kind   `json:"kind"`
	ContentType     string `json:"contentType"`
	Source          string `json:"source"`
	SourceID        string `json:"sourceId"`
	AuthorID        string `json:"authorId"`
	Title           string `json:"title"`
	Body            string `json:"body"`
	Transcript      string `json:"transcript"`
	CreatedAtSource int64  `json:"createdAtSource"`
	Digest          string `json:"digest"`
}

// DocumentFromCandidate converts a candidate into its index record.
func DocumentFromCandidate(c Candidate) Document {
	return Document{
		ID:              c.ID,
		OrganizationID:  c.OrganizationID,
		Kind:            c.Kind,
		ContentType:     c.ContentType,
		Source:          c.Source,
		SourceID:        c.SourceID,
		AuthorID:        c.AuthorID,
		Title:           c.Title,
		Body:            c.Body,
		Transcript:      c.Transcript,
		CreatedAtSource: c.CreatedAtSource.Unix(),
		Digest:          Digest(c),
	}
}

// Digest is a short fingerprint of the text a candidate is indexed under.
func Digest(c Candidate) string {
	sum := sha256.Sum256([]byte(c.Title + "\x00" + c.Body + "\x00" + c.Transcript))
	return hex.EncodeToString(sum[:8])
}
