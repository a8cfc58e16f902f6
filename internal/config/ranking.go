package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Ranking holds the tunable weights for expert ranking and search blending.
type Ranking struct {
	Expertise ExpertiseRanking `yaml:"expertise"`
	Search    SearchRanking    `yaml:"search"`
}

type ExpertiseRanking struct {
	HalfLifeDays  float64            `yaml:"halfLifeDays"`
	DefaultWeight float64            `yaml:"defaultWeight"`
	BaseWeights   map[string]float64 `yaml:"baseWeights"`
}

type SearchRanking struct {
	SemanticWeight    float64 `yaml:"semanticWeight"`
	SemanticThreshold float64 `yaml:"semanticThreshold"`
	MaxCandidates     int     `yaml:"maxCandidates"`
	ScoringWorkers    int     `yaml:"scoringWorkers"`
}

func DefaultRanking() Ranking {
	return Ranking{
		Expertise: ExpertiseRanking{
			HalfLifeDays:  90,
			DefaultWeight: 1,
			BaseWeights: map[string]float64{
				"pull_request": 3,
				"document":     2.5,
				"issue":        2,
				"video":        2,
				"file":         1.5,
				"thread":       1.5,
				"message":      1,
				"comment":      1,
			},
		},
		Search: SearchRanking{
			SemanticWeight:    0.5,
			SemanticThreshold: 0.6,
			MaxCandidates:     2000,
			ScoringWorkers:    8,
		},
	}
}

// LoadRanking reads the YAML file at path over the defaults. An empty path
// returns the defaults unchanged.
func LoadRanking(path string) (Ranking, error) {
	ranking := DefaultRanking()
	if path == "" {
		return ranking, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Ranking{}, fmt.Errorf("read ranking config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &ranking); err != nil {
		return Ranking{}, fmt.Errorf("parse ranking config: %w", err)
	}
	if err := ranking.Validate(); err != nil {
		return Ranking{}, err
	}
	return ranking, nil
}

func (r Ranking) Validate() error {
	if r.Expertise.HalfLifeDays <= 0 {
		return fmt.Errorf("ranking config: expertise.halfLifeDays must be positive")
	}
	if r.Expertise.DefaultWeight < 0 {
		return fmt.Errorf("ranking config: expertise.defaultWeight must not be negative")
	}
	for contentType, weight := range r.Expertise.BaseWeights {
		if weight < 0 {
			return fmt.Errorf("ranking config: base weight for %q must not be negative", contentType)
		}
	}
	if r.Search.SemanticWeight < 0 || r.Search.SemanticWeight > 1 {
		return fmt.Errorf("ranking config: search.semanticWeight must be within [0,1]")
	}
	if r.Search.SemanticThreshold < 0 || r.Search.SemanticThreshold > 1 {
		return fmt.Errorf("ranking config: search.semanticThreshold must be within [0,1]")
	}
	if r.Search.MaxCandidates <= 0 {
		return fmt.Errorf("ranking config: search.maxCandidates must be positive")
	}
	if r.Search.ScoringWorkers <= 0 {
		return fmt.Errorf("ranking config: search.scoringWorkers must be positive")
	}
	return nil
}
