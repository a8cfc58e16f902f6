package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("KG_STORE", "")
	t.Setenv("TEI_TIMEOUT_MS", "not-a-number")

	cfg := Load()
	if cfg.Addr != ":8787" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.StoreBackend != StoreBackendPostgres {
		t.Fatalf("StoreBackend = %q", cfg.StoreBackend)
	}
	if cfg.EmbeddingTimeout != 3*time.Second {
		t.Fatalf("EmbeddingTimeout = %v, want fallback", cfg.EmbeddingTimeout)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("KG_STORE", "Memory")
	t.Setenv("KG_EMBEDDING_CACHE_TTL_SECONDS", "60")
	t.Setenv("MEILI_URL", "http://meili:7700")

	cfg := Load()
	if cfg.StoreBackend != StoreBackendMemory {
		t.Fatalf("StoreBackend = %q", cfg.StoreBackend)
	}
	if cfg.EmbeddingCacheTTL != time.Minute {
		t.Fatalf("EmbeddingCacheTTL = %v", cfg.EmbeddingCacheTTL)
	}
	if cfg.MeiliURL != "http://meili:7700" {
		t.Fatalf("MeiliURL = %q", cfg.MeiliURL)
	}
}

func TestLoadRankingOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ranking.yaml")
	content := []byte(`
expertise:
  halfLifeDays: 30
  baseWeights:
    pull_request: 5
search:
  semanticWeight: 0.7
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write ranking file: %v", err)
	}

	ranking, err := LoadRanking(path)
	if err != nil {
		t.Fatalf("LoadRanking() error = %v", err)
	}
	if ranking.Expertise.HalfLifeDays != 30 {
		t.Fatalf("HalfLifeDays = %v", ranking.Expertise.HalfLifeDays)
	}
	if ranking.Expertise.BaseWeights["pull_request"] != 5 {
		t.Fatalf("pull_request weight = %v", ranking.Expertise.BaseWeights["pull_request"])
	}
	if ranking.Expertise.BaseWeights["message"] != 1 {
		t.Fatalf("expected untouched default weights to survive, got %+v", ranking.Expertise.BaseWeights)
	}
	if ranking.Search.SemanticWeight != 0.7 || ranking.Search.SemanticThreshold != 0.6 {
		t.Fatalf("unexpected search ranking: %+v", ranking.Search)
	}
}

func TestLoadRankingRejectsOutOfRangeWeight(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ranking.yaml")
	if err := os.WriteFile(path, []byte("search:\n  semanticWeight: 1.5\n"), 0o600); err != nil {
		t.Fatalf("write ranking file: %v", err)
	}
	if _, err := LoadRanking(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadRankingEmptyPathUsesDefaults(t *testing.T) {
	ranking, err := LoadRanking("")
	if err != nil {
		t.Fatalf("LoadRanking() error = %v", err)
	}
	if ranking.Expertise.HalfLifeDays != 90 {
		t.Fatalf("HalfLifeDays = %v", ranking.Expertise.HalfLifeDays)
	}
}
