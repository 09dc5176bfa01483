// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ingestion.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// TestLoadFile_ExpandsEnv verifies ${VAR} expansion and YAML overrides.
func TestLoadFile_ExpandsEnv(t *testing.T) {
	t.Setenv("TEST_DB_URL", "postgres://u:p@db:5432/intel")
	path := writeConfig(t, `
server:
  port: 9000
storage:
  backend: Postgres
  database_url: ${TEST_DB_URL}
lock:
  backend: postgres
pipeline:
  interval: 90s
matching:
  min_confidence: 0.8
  low_confidence: reject
competitors:
  - name: " Acme "
    domains: ["News.Acme.com"]
  - name: Globex
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "postgres" {
		t.Errorf("backend = %q, want postgres", cfg.Storage.Backend)
	}
	if cfg.Storage.DatabaseURL != "postgres://u:p@db:5432/intel" {
		t.Errorf("database_url = %q", cfg.Storage.DatabaseURL)
	}
	if cfg.Pipeline.Interval != 90*time.Second {
		t.Errorf("interval = %v, want 90s", cfg.Pipeline.Interval)
	}
	if cfg.Matching.LowConfidence != LowConfidenceReject {
		t.Errorf("low_confidence = %q", cfg.Matching.LowConfidence)
	}
	if got := cfg.CompetitorNames(); len(got) != 2 || got[0] != "Acme" {
		t.Errorf("competitors = %v", got)
	}
	if cfg.Competitors[0].Domains[0] != "news.acme.com" {
		t.Errorf("domain not normalized: %q", cfg.Competitors[0].Domains[0])
	}
	// Untouched sections keep their defaults.
	if cfg.Matching.BodyPreviewChars != 500 {
		t.Errorf("body_preview_chars = %d, want 500", cfg.Matching.BodyPreviewChars)
	}
}

// TestLoadFile_MissingFileUsesDefaults verifies a missing file is not fatal.
func TestLoadFile_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PORT", "8123")
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.Port != 8123 {
		t.Errorf("port = %d, want 8123 from env", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Lock.Backend != "file" {
		t.Errorf("unexpected defaults: storage=%q lock=%q", cfg.Storage.Backend, cfg.Lock.Backend)
	}
	if cfg.Enrichment.Categories[len(cfg.Enrichment.Categories)-1] != "Other" {
		t.Errorf("categories = %v", cfg.Enrichment.Categories)
	}
}

// TestLoadFile_CategoriesAlwaysIncludeOther verifies the fallback category.
func TestLoadFile_CategoriesAlwaysIncludeOther(t *testing.T) {
	path := writeConfig(t, `
enrichment:
  categories: [Pricing, Product]
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	want := []string{"Pricing", "Product", "Other"}
	if strings.Join(cfg.Enrichment.Categories, ",") != strings.Join(want, ",") {
		t.Errorf("categories = %v, want %v", cfg.Enrichment.Categories, want)
	}
}

// TestValidate verifies rejected combinations.
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "csv" }, "unknown storage.backend"},
		{"postgres without url", func(c *Config) { c.Storage.Backend = "postgres" }, "database_url"},
		{"redis lock without url", func(c *Config) { c.Lock.Backend = "redis" }, "redis.url"},
		{"bad policy", func(c *Config) { c.Matching.LowConfidence = "maybe" }, "low_confidence"},
		{"confidence range", func(c *Config) { c.Matching.MinConfidence = 1.5 }, "min_confidence"},
		{"duplicate competitor", func(c *Config) {
			c.Competitors = []Competitor{{Name: "Acme"}, {Name: "acme"}}
		}, "duplicate competitor"},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "parrot" }, "llm.provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

// TestLogLevel verifies level parsing with an info fallback.
func TestLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "debug"
	if cfg.LogLevel() != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel())
	}
	cfg.Logging.Level = "loud"
	if cfg.LogLevel() != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info fallback", cfg.LogLevel())
	}
}
