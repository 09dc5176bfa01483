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

// Package enrich summarises and classifies injected content rows.
package enrich

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/compintel/ingestion/internal/config"
	"github.com/compintel/ingestion/internal/llm"
	"github.com/compintel/ingestion/internal/mailparse"
	"github.com/compintel/ingestion/internal/models"
)

// Impact levels.
const (
	ImpactHigh   = "High"
	ImpactMedium = "Medium"
	ImpactLow    = "Low"
)

const fallbackCategory = "Other"

// Classifier asks the model for a summary, category and impact rating.
type Classifier struct {
	client llm.Client
	cfg    config.EnrichmentConfig
	system string
}

// NewClassifier builds a classifier. The system prompt is fixed at
// construction from the configured categories and impact rules.
func NewClassifier(client llm.Client, cfg config.EnrichmentConfig) *Classifier {
	if len(cfg.Categories) == 0 {
		cfg.Categories = config.DefaultCategories
	}
	if len(cfg.ImpactRules) == 0 {
		cfg.ImpactRules = config.DefaultImpactRules
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 4000
	}
	return &Classifier{client: client, cfg: cfg, system: systemPrompt(cfg)}
}

func systemPrompt(cfg config.EnrichmentConfig) string {
	quoted := make([]string, len(cfg.Categories))
	for i, c := range cfg.Categories {
		quoted[i] = strconv.Quote(c)
	}
	industry := cfg.IndustryContext
	if industry == "" {
		industry = "software"
	}
	var b strings.Builder
	b.WriteString("You are a precise analyst. Given a competitor newsletter or news post, return:\n")
	b.WriteString("- 'summary': 40-80 words, plain text.\n")
	fmt.Fprintf(&b, "- 'category': one of %s.\n", strings.Join(quoted, ", "))
	fmt.Fprintf(&b, "- 'impact': High, Medium, or Low for a %s competitor.\n", industry)
	b.WriteString("Impact guidance:\n")
	fmt.Fprintf(&b, "High = %s.\n", strings.Join(cfg.ImpactRules["high"], ", "))
	fmt.Fprintf(&b, "Medium = %s.\n", strings.Join(cfg.ImpactRules["medium"], ", "))
	fmt.Fprintf(&b, "Low = %s.\n", strings.Join(cfg.ImpactRules["low"], ", "))
	b.WriteString("Return ONLY valid JSON with keys: summary, category, impact.")
	return b.String()
}

type classification struct {
	Summary  string `json:"summary"`
	Category string `json:"category"`
	Impact   string `json:"impact"`
}

// Classify returns the enrichment for rec. Rows with no title and no text
// get the fallback classification without a model call.
func (c *Classifier) Classify(ctx context.Context, rec *models.ContentRecord) (models.Enrichment, error) {
	title := strings.TrimSpace(rec.Title)
	body := mailparse.Preview(strings.TrimSpace(rec.CleanText), c.cfg.MaxChars)
	if title == "" && body == "" {
		return models.Enrichment{Category: fallbackCategory, Impact: ImpactLow}, nil
	}

	company := rec.Competitor
	if company == "" {
		company = "Unknown"
	}
	prompt := fmt.Sprintf("Company: %s\nTitle: %s\n\nBody:\n%s\n\nRespond in JSON.", company, title, body)

	text, err := c.client.Complete(ctx, llm.Request{
		System:      c.system,
		User:        prompt,
		MaxTokens:   400,
		Temperature: 0.2,
		JSON:        true,
	})
	if err != nil {
		return models.Enrichment{}, fmt.Errorf("classify %s: %w", rec.Fingerprint, err)
	}

	var out classification
	if err := llm.ExtractJSON(text, &out); err != nil {
		return models.Enrichment{}, fmt.Errorf("classify %s: %w", rec.Fingerprint, err)
	}
	return models.Enrichment{
		Summary:  strings.TrimSpace(out.Summary),
		Category: c.category(out.Category),
		Impact:   impact(out.Impact),
	}, nil
}

func (c *Classifier) category(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, cat := range c.cfg.Categories {
		if cat == raw {
			return cat
		}
	}
	return fallbackCategory
}

func impact(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "high":
		return ImpactHigh
	case "medium":
		return ImpactMedium
	default:
		return ImpactLow
	}
}
