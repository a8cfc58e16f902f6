package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		version := match[1]
		direction := match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestSchemaKeepsGraphAndSearchInvariants(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	var schema strings.Builder
	files, err := listMigrations(migrationsDir)
	if err != nil {
		t.Fatalf("listMigrations() error = %v", err)
	}
	for _, file := range files {
		raw, err := os.ReadFile(file.up)
		if err != nil {
			t.Fatalf("read %s: %v", file.up, err)
		}
		schema.Write(raw)
	}

	for _, snippet := range []string{
		"ON graph_nodes (organization_id, type, external_id)",
		"WHERE external_id IS NOT NULL",
		"UNIQUE (source_node_id, target_node_id, relationship)",
		"REFERENCES graph_nodes (organization_id, id)",
		"CHECK (weight >= 0)",
		"(status = 'superseded') = (superseded_by IS NOT NULL)",
		"CREATE EXTENSION IF NOT EXISTS vector",
		"to_tsvector('simple'",
	} {
		if !strings.Contains(schema.String(), snippet) {
			t.Errorf("schema is missing %q", snippet)
		}
	}
	if strings.Contains(schema.String(), "to_tsvector('english'") {
		t.Error("search vectors must use the simple configuration so they agree with in-process tokenization")
	}
}
