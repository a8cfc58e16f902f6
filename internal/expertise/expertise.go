// Package expertise ranks the people who contributed most to a topic.
package expertise

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"lodestar/api/internal/apperr"
	"lodestar/api/internal/config"
	"lodestar/api/internal/store"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

type Repository interface {
	GetTopicCluster(ctx context.Context, orgID, topicID string) (store.TopicCluster, error)
	ListContentItemsByID(ctx context.Context, orgID string, ids []string) ([]store.ContentItem, error)
}

type Config struct {
	HalfLifeDays  float64
	BaseWeights   map[store.ContentType]float64
	DefaultWeight float64
}

func DefaultConfig() Config {
	return ConfigFromRanking(config.DefaultRanking())
}

func ConfigFromRanking(r config.Ranking) Config {
	weights := make(map[store.ContentType]float64, len(r.Expertise.BaseWeights))
	for contentType, weight := range r.Expertise.BaseWeights {
		weights[store.ContentType(strings.ToLower(contentType))] = weight
	}
	return Config{
		HalfLifeDays:  r.Expertise.HalfLifeDays,
		BaseWeights:   weights,
		DefaultWeight: r.Expertise.DefaultWeight,
	}
}

func (c Config) baseWeight(t store.ContentType) float64 {
	if w, ok := c.BaseWeights[t]; ok {
		return w
	}
	return c.DefaultWeight
}

// Signals explains a score. RecencyWeightedCount equals Score and the
// ByContentType values sum to it.
type Signals struct {
	MentionCount         int                `json:"mentionCount"`
	RecencyWeightedCount float64            `json:"recencyWeightedCount"`
	RoleWeight           float64            `json:"roleWeight"`
	ByContentType        map[string]float64 `json:"byContentType"`
}

type ExpertScore struct {
	UserID            string    `json:"userId"`
	TopicID           string    `json:"topicId"`
	Score             float64   `json:"score"`
	FirstContribution time.Time `json:"firstContribution"`
	Signals           Signals   `json:"signals"`
}

type Ranker struct {
	repo Repository
	cfg  Config
	now  func() time.Time
}

func NewRanker(repo Repository, cfg Config) *Ranker {
	if cfg.HalfLifeDays <= 0 {
		cfg.HalfLifeDays = DefaultConfig().HalfLifeDays
	}
	return &Ranker{repo: repo, cfg: cfg, now: time.Now}
}

// TopicExperts ranks the authors of the topic's member content.
func (r *Ranker) TopicExperts(ctx context.Context, orgID, topicID string, limit int) ([]ExpertScore, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, apperr.Validation("VALIDATION_ERROR", "organizationId is required")
	}
	if strings.TrimSpace(topicID) == "" {
		return nil, apperr.Validation("VALIDATION_ERROR", "topicId is required")
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 1 || limit > MaxLimit {
		return nil, apperr.Validation("VALIDATION_ERROR", "limit must be between 1 and 100").
			WithDetail("limit", limit)
	}

	cluster, err := r.repo.GetTopicCluster(ctx, orgID, topicID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("TOPIC_NOT_FOUND", "topic does not exist").WithDetail("topicId", topicID)
	}
	if err != nil {
		return nil, apperr.Retrieval("STORE_UNAVAILABLE", "load topic failed", err)
	}
	if len(cluster.MemberContentIDs) == 0 {
		return []ExpertScore{}, nil
	}
	items, err := r.repo.ListContentItemsByID(ctx, orgID, cluster.MemberContentIDs)
	if err != nil {
		return nil, apperr.Retrieval("STORE_UNAVAILABLE", "load topic content failed", err)
	}
	return Rank(r.cfg, topicID, items, r.now(), limit), nil
}

// Rank scores each author by sum(baseWeight(type) * 0.5^(ageDays/halfLife))
// over their items. Ties go to the earliest first contribution, then user id.
func Rank(cfg Config, topicID string, items []store.ContentItem, now time.Time, limit int) []ExpertScore {
	byUser := map[string]*ExpertScore{}
	for _, item := range items {
		if item.AuthorID == "" {
			continue
		}
		base := cfg.baseWeight(item.Type)
		weight := base * Decay(now.Sub(item.CreatedAtSource), cfg.HalfLifeDays)

		score, ok := byUser[item.AuthorID]
		if !ok {
			score = &ExpertScore{
				UserID:            item.AuthorID,
				TopicID:           topicID,
				FirstContribution: item.CreatedAtSource,
				Signals:           Signals{ByContentType: map[string]float64{}},
			}
			byUser[item.AuthorID] = score
		}
		score.Score += weight
		score.Signals.MentionCount++
		score.Signals.RoleWeight += base
		score.Signals.ByContentType[string(item.Type)] += weight
		if item.CreatedAtSource.Before(score.FirstContribution) {
			score.FirstContribution = item.CreatedAtSource
		}
	}

	ranked := make([]ExpertScore, 0, len(byUser))
	for _, score := range byUser {
		score.Signals.RecencyWeightedCount = score.Score
		if score.Signals.MentionCount > 0 {
			score.Signals.RoleWeight /= float64(score.Signals.MentionCount)
		}
		ranked = append(ranked, *score)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.FirstContribution.Equal(b.FirstContribution) {
			return a.FirstContribution.Before(b.FirstContribution)
		}
		return a.UserID < b.UserID
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// Decay returns 0.5^(age/halfLife) with age in days. Future timestamps count
// as age zero.
func Decay(age time.Duration, halfLifeDays float64) float64 {
	if age < 0 {
		age = 0
	}
	days := age.Hours() / 24
	return math.Pow(0.5, days/halfLifeDays)
}
