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

// Package config loads configuration from a YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Low-confidence policies for AI matches below Matching.MinConfidence.
const (
	LowConfidenceAccept = "accept"
	LowConfidenceReview = "review"
	LowConfidenceReject = "reject"
)

// DefaultCategories is the enrichment category list used when none is configured.
var DefaultCategories = []string{
	"Product/Feature", "Pricing/Plans", "Partnership", "Acquisition/Investment",
	"Case Study/Customer", "Events/Webinar", "Best Practices/Guides",
	"Security/Compliance", "Hiring/Leadership", "Company News", "Other",
}

// DefaultImpactRules guides the High/Medium/Low impact rating.
var DefaultImpactRules = map[string][]string{
	"high":   {"pricing change", "major feature GA", "acquisitions", "big partnerships", "security incidents"},
	"medium": {"meaningful feature update", "big case study", "notable event announcements"},
	"low":    {"generic tips", "routine posts"},
}

// Competitor is one entry of the configured competitor list.
type Competitor struct {
	Name    string   `yaml:"name"`
	Domains []string `yaml:"domains"`
}

// BasicAuth protects the inbound webhook. CloudMailin supports credentials
// embedded in the target URL.
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BasicAuth    BasicAuth     `yaml:"basic_auth"`
	AdminToken   string        `yaml:"admin_token"`
}

// SMTPConfig configures the optional SMTP ingress.
type SMTPConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	Domain          string        `yaml:"domain"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
}

// StorageConfig selects the keyed-store backend.
type StorageConfig struct {
	Backend     string `yaml:"backend"` // "memory", "sqlite" or "postgres"
	SQLitePath  string `yaml:"sqlite_path"`
	DatabaseURL string `yaml:"database_url"`
}

// ArtifactConfig locates the raw artifact store.
type ArtifactConfig struct {
	Dir string `yaml:"dir"`
}

// LockConfig selects the run-level lock backend.
type LockConfig struct {
	Backend     string        `yaml:"backend"` // "local", "file", "postgres" or "redis"
	FilePath    string        `yaml:"file_path"`
	StaleAfter  time.Duration `yaml:"stale_after"`
	RedisKey    string        `yaml:"redis_key"`
	AdvisoryKey int64         `yaml:"advisory_key"`
}

// RedisConfig configures the shared Redis connection.
type RedisConfig struct {
	URL         string `yaml:"url"`
	EnrichQueue string `yaml:"enrich_queue"`
}

// PipelineConfig controls batch runs.
type PipelineConfig struct {
	Interval         time.Duration `yaml:"interval"`
	ProcessOnReceive bool          `yaml:"process_on_receive"`
	StaleAttempts    int           `yaml:"stale_attempts"`
	BatchLimit       int           `yaml:"batch_limit"`
}

// MatchingConfig controls the sender matcher.
type MatchingConfig struct {
	MinConfidence    float64 `yaml:"min_confidence"`
	LowConfidence    string  `yaml:"low_confidence"`
	BodyPreviewChars int     `yaml:"body_preview_chars"`
	SystemPrompt     string  `yaml:"system_prompt"`
	UserPrompt       string  `yaml:"user_prompt"`
}

// OAuthConfig enables client-credentials auth against an LLM gateway.
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// Enabled reports whether client-credentials auth is configured.
func (o OAuthConfig) Enabled() bool {
	return o.TokenURL != "" && o.ClientID != ""
}

// LLMConfig configures the language model provider.
type LLMConfig struct {
	Provider    string        `yaml:"provider"` // "openai", "gemini" or "bedrock"
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Region      string        `yaml:"region"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	OAuth       OAuthConfig   `yaml:"oauth"`
}

// EnrichmentConfig controls asynchronous classification of injected content.
type EnrichmentConfig struct {
	Enabled         bool                `yaml:"enabled"`
	Workers         int                 `yaml:"workers"`
	MaxChars        int                 `yaml:"max_chars"`
	Categories      []string            `yaml:"categories"`
	ImpactRules     map[string][]string `yaml:"impact_rules"`
	IndustryContext string              `yaml:"industry_context"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config holds all configuration for the ingestion service.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	SMTP        SMTPConfig       `yaml:"smtp"`
	Storage     StorageConfig    `yaml:"storage"`
	Artifacts   ArtifactConfig   `yaml:"artifacts"`
	Lock        LockConfig       `yaml:"lock"`
	Redis       RedisConfig      `yaml:"redis"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Matching    MatchingConfig   `yaml:"matching"`
	LLM         LLMConfig        `yaml:"llm"`
	Enrichment  EnrichmentConfig `yaml:"enrichment"`
	Competitors []Competitor     `yaml:"competitors"`
	Logging     LoggingConfig    `yaml:"logging"`
}

// Default returns a configuration that runs a single node with a local
// SQLite store and file lock.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8001,
			MaxBodyBytes: 25 << 20,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		SMTP: SMTPConfig{
			Addr:            ":2525",
			Domain:          "localhost",
			MaxMessageBytes: 25 << 20,
			ReadTimeout:     60 * time.Second,
		},
		Storage:   StorageConfig{Backend: "sqlite", SQLitePath: "data/ingestion.db"},
		Artifacts: ArtifactConfig{Dir: "data/emails"},
		Lock: LockConfig{
			Backend:     "file",
			FilePath:    "data/.process.lock",
			StaleAfter:  30 * time.Minute,
			RedisKey:    "ingestion:run-lock",
			AdvisoryKey: 7420211,
		},
		Redis: RedisConfig{EnrichQueue: "ingestion:enrich"},
		Pipeline: PipelineConfig{
			Interval:      5 * time.Minute,
			StaleAttempts: 5,
			BatchLimit:    500,
		},
		Matching: MatchingConfig{
			MinConfidence:    0.7,
			LowConfidence:    LowConfidenceReview,
			BodyPreviewChars: 500,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Temperature: 0,
			MaxTokens:   300,
			Timeout:     30 * time.Second,
		},
		Enrichment: EnrichmentConfig{
			Enabled:         true,
			Workers:         1,
			MaxChars:        4000,
			IndustryContext: "membership/club management software",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from CONFIG_PATH (default config/ingestion.yaml).
// A missing file is not an error: defaults and environment variables apply.
func Load() (*Config, error) {
	return LoadFile(envOrDefault("CONFIG_PATH", "config/ingestion.yaml"))
}

// LoadFile reads configuration from path, expanding ${VAR} references, then
// applies environment fallbacks and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		slog.Warn("config file not found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills settings from the environment. Explicit environment values
// win over the file for the handful of deployment-specific settings.
func (c *Config) applyEnv() {
	c.Server.Port = envOrDefaultInt("PORT", c.Server.Port)
	c.Server.AdminToken = envOrDefault("ADMIN_TOKEN", c.Server.AdminToken)
	c.Storage.Backend = envOrDefault("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.DatabaseURL = firstNonEmpty(c.Storage.DatabaseURL, os.Getenv("DATABASE_URL"))
	c.Artifacts.Dir = envOrDefault("ARTIFACT_DIR", c.Artifacts.Dir)
	c.Lock.Backend = envOrDefault("LOCK_BACKEND", c.Lock.Backend)
	c.Redis.URL = firstNonEmpty(c.Redis.URL, os.Getenv("REDIS_URL"))
	c.Pipeline.Interval = envOrDefaultDuration("PIPELINE_INTERVAL", c.Pipeline.Interval)
	c.LLM.Provider = envOrDefault("LLM_PROVIDER", c.LLM.Provider)
	c.Logging.Level = envOrDefault("LOG_LEVEL", c.Logging.Level)

	switch c.LLM.Provider {
	case "openai":
		c.LLM.APIKey = firstNonEmpty(c.LLM.APIKey, os.Getenv("OPENAI_API_KEY"))
	case "gemini":
		c.LLM.APIKey = firstNonEmpty(c.LLM.APIKey, os.Getenv("GEMINI_API_KEY"))
	case "bedrock":
		c.LLM.Region = firstNonEmpty(c.LLM.Region, os.Getenv("AWS_REGION"))
	}
}

func (c *Config) normalize() {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Lock.Backend = strings.ToLower(strings.TrimSpace(c.Lock.Backend))
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	c.Matching.LowConfidence = strings.ToLower(strings.TrimSpace(c.Matching.LowConfidence))

	if len(c.Enrichment.Categories) == 0 {
		c.Enrichment.Categories = append([]string(nil), DefaultCategories...)
	}
	hasOther := false
	for _, cat := range c.Enrichment.Categories {
		if cat == "Other" {
			hasOther = true
		}
	}
	if !hasOther {
		c.Enrichment.Categories = append(c.Enrichment.Categories, "Other")
	}
	if len(c.Enrichment.ImpactRules) == 0 {
		c.Enrichment.ImpactRules = DefaultImpactRules
	}

	for i := range c.Competitors {
		c.Competitors[i].Name = strings.TrimSpace(c.Competitors[i].Name)
		for j, d := range c.Competitors[i].Domains {
			c.Competitors[i].Domains[j] = strings.ToLower(strings.TrimSpace(d))
		}
	}
}

// Validate rejects impossible combinations of settings.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite backend"))
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.database_url (or DATABASE_URL) is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}

	switch c.Lock.Backend {
	case "local":
	case "file":
		if c.Lock.FilePath == "" {
			errs = append(errs, errors.New("lock.file_path is required for the file lock"))
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("the postgres lock needs storage.database_url"))
		}
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("the redis lock needs redis.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lock.backend %q", c.Lock.Backend))
	}

	switch c.Matching.LowConfidence {
	case LowConfidenceAccept, LowConfidenceReview, LowConfidenceReject:
	default:
		errs = append(errs, fmt.Errorf("unknown matching.low_confidence %q", c.Matching.LowConfidence))
	}
	if c.Matching.MinConfidence < 0 || c.Matching.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("matching.min_confidence %v outside [0,1]", c.Matching.MinConfidence))
	}

	switch c.LLM.Provider {
	case "openai", "gemini", "bedrock":
	default:
		errs = append(errs, fmt.Errorf("unknown llm.provider %q", c.LLM.Provider))
	}

	seen := make(map[string]bool)
	for _, comp := range c.Competitors {
		if comp.Name == "" {
			errs = append(errs, errors.New("competitor with empty name"))
			continue
		}
		key := strings.ToLower(comp.Name)
		if seen[key] {
			errs = append(errs, fmt.Errorf("duplicate competitor %q", comp.Name))
		}
		seen[key] = true
	}

	if c.Pipeline.Interval <= 0 {
		errs = append(errs, errors.New("pipeline.interval must be positive"))
	}

	return errors.Join(errs...)
}

// CompetitorNames returns the configured competitor names in order.
func (c *Config) CompetitorNames() []string {
	names := make([]string, 0, len(c.Competitors))
	for _, comp := range c.Competitors {
		names = append(names, comp.Name)
	}
	return names
}

// LogLevel parses Logging.Level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
