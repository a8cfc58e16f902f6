package expertise

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"lodestar/api/internal/apperr"
	"lodestar/api/internal/store"
)

var now = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func daysAgo(d int) time.Time {
	return now.AddDate(0, 0, -d)
}

func item(id, author string, t store.ContentType, created time.Time) store.ContentItem {
	return store.ContentItem{
		ID:              id,
		OrganizationID:  "org1",
		SourceID:        "src-" + id,
		Source:          "slack",
		Type:            t,
		Title:           "item " + id,
		AuthorID:        author,
		CreatedAtSource: created,
		CreatedAt:       created,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestDecayHalvesEveryHalfLife(t *testing.T) {
	if got := Decay(0, 90); got != 1 {
		t.Fatalf("Decay(0) = %v", got)
	}
	if got := Decay(90*24*time.Hour, 90); !almostEqual(got, 0.5) {
		t.Fatalf("Decay(90d) = %v", got)
	}
	if got := Decay(180*24*time.Hour, 90); !almostEqual(got, 0.25) {
		t.Fatalf("Decay(180d) = %v", got)
	}
	if got := Decay(-time.Hour, 90); got != 1 {
		t.Fatalf("future contributions must not be boosted: %v", got)
	}
}

func TestRankRecentContributionsOutweighStale(t *testing.T) {
	cfg := DefaultConfig()
	items := []store.ContentItem{
		item("1", "alice", store.ContentTypeMessage, daysAgo(0)),
		item("2", "bob", store.ContentTypeMessage, daysAgo(90)),
		item("3", "bob", store.ContentTypeMessage, daysAgo(180)),
	}
	ranked := Rank(cfg, "topic-1", items, now, 10)
	if len(ranked) != 2 {
		t.Fatalf("expected 2 experts, got %d", len(ranked))
	}
	if ranked[0].UserID != "alice" || !almostEqual(ranked[0].Score, 1) {
		t.Fatalf("unexpected leader: %+v", ranked[0])
	}
	if ranked[1].UserID != "bob" || !almostEqual(ranked[1].Score, 0.75) {
		t.Fatalf("unexpected runner-up: %+v", ranked[1])
	}
}

func TestRankSignalsSumToScore(t *testing.T) {
	cfg := DefaultConfig()
	items := []store.ContentItem{
		item("1", "alice", store.ContentTypePullRequest, daysAgo(10)),
		item("2", "alice", store.ContentTypeMessage, daysAgo(40)),
		item("3", "alice", store.ContentTypeDocument, daysAgo(200)),
		item("4", "", store.ContentTypeDocument, daysAgo(1)),
	}
	ranked := Rank(cfg, "topic-1", items, now, 10)
	if len(ranked) != 1 {
		t.Fatalf("anonymous items must be skipped, got %d experts", len(ranked))
	}
	score := ranked[0]
	var sum float64
	for _, v := range score.Signals.ByContentType {
		sum += v
	}
	if !almostEqual(sum, score.Score) || !almostEqual(score.Signals.RecencyWeightedCount, score.Score) {
		t.Fatalf("signals do not reproduce score: %+v", score)
	}
	if score.Signals.MentionCount != 3 {
		t.Fatalf("MentionCount = %d", score.Signals.MentionCount)
	}
	if !almostEqual(score.Signals.RoleWeight, (3+1+2.5)/3.0) {
		t.Fatalf("RoleWeight = %v", score.Signals.RoleWeight)
	}
	if !score.FirstContribution.Equal(daysAgo(200)) {
		t.Fatalf("FirstContribution = %v", score.FirstContribution)
	}
}

func TestRankTieBreaksOnEarliestContribution(t *testing.T) {
	cfg := Config{HalfLifeDays: 90, DefaultWeight: 1}
	// Equal scores: one item each at the same age, but carol started earlier
	// on a zero-weight item.
	cfg.BaseWeights = map[store.ContentType]float64{store.ContentTypeComment: 0}
	items := []store.ContentItem{
		item("1", "dave", store.ContentTypeMessage, daysAgo(5)),
		item("2", "carol", store.ContentTypeMessage, daysAgo(5)),
		item("3", "carol", store.ContentTypeComment, daysAgo(300)),
		item("4", "erin", store.ContentTypeMessage, daysAgo(5)),
		item("5", "bert", store.ContentTypeMessage, daysAgo(5)),
	}
	ranked := Rank(cfg, "topic-1", items, now, 10)
	want := []string{"carol", "bert", "dave", "erin"}
	for i, id := range want {
		if ranked[i].UserID != id {
			t.Fatalf("position %d = %s, want %s", i, ranked[i].UserID, id)
		}
	}

	if got := Rank(cfg, "topic-1", items, now, 2); len(got) != 2 {
		t.Fatalf("limit not applied: %d", len(got))
	}
}

func TestTopicExperts(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	for _, it := range []store.ContentItem{
		item("c1", "alice", store.ContentTypePullRequest, daysAgo(3)),
		item("c2", "bob", store.ContentTypeMessage, daysAgo(3)),
		item("c3", "bob", store.ContentTypeMessage, daysAgo(4)),
		item("c4", "zed", store.ContentTypeIssue, daysAgo(1)),
	} {
		if err := mem.UpsertContentItem(ctx, it); err != nil {
			t.Fatalf("UpsertContentItem() error = %v", err)
		}
	}
	if err := mem.SaveTopicCluster(ctx, store.TopicCluster{
		ID: "topic-1", OrganizationID: "org1", Name: "Rollout", MemberContentIDs: []string{"c1", "c2", "c3"},
	}); err != nil {
		t.Fatalf("SaveTopicCluster() error = %v", err)
	}

	ranker := NewRanker(mem, DefaultConfig())
	ranker.now = func() time.Time { return now }

	experts, err := ranker.TopicExperts(ctx, "org1", "topic-1", 0)
	if err != nil {
		t.Fatalf("TopicExperts() error = %v", err)
	}
	if len(experts) != 2 || experts[0].UserID != "alice" || experts[1].UserID != "bob" {
		t.Fatalf("unexpected experts: %+v", experts)
	}
	for _, e := range experts {
		if e.UserID == "zed" {
			t.Fatal("non-member content must not count")
		}
		if e.TopicID != "topic-1" {
			t.Fatalf("TopicID = %q", e.TopicID)
		}
	}

	if _, err := ranker.TopicExperts(ctx, "org1", "missing", 5); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("missing topic error = %v, want not found", err)
	}
	if _, err := ranker.TopicExperts(ctx, "org2", "topic-1", 5); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("cross-org topic error = %v, want not found", err)
	}
	if _, err := ranker.TopicExperts(ctx, "org1", "topic-1", 101); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("limit 101 error = %v, want validation", err)
	}
}

type brokenRepo struct{}

func (brokenRepo) GetTopicCluster(context.Context, string, string) (store.TopicCluster, error) {
	return store.TopicCluster{}, errors.New("connection refused")
}

func (brokenRepo) ListContentItemsByID(context.Context, string, []string) ([]store.ContentItem, error) {
	return nil, nil
}

func TestTopicExpertsStoreFailureIsRetrieval(t *testing.T) {
	ranker := NewRanker(brokenRepo{}, DefaultConfig())
	_, err := ranker.TopicExperts(context.Background(), "org1", "topic-1", 5)
	if !apperr.Is(err, apperr.KindRetrieval) {
		t.Fatalf("expected retrieval error, got %v", err)
	}
}
