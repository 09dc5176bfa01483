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

package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/compintel/ingestion/internal/config"
	"github.com/compintel/ingestion/internal/llm"
	"github.com/compintel/ingestion/internal/mailparse"
	"github.com/compintel/ingestion/internal/models"
)

const noneAnswer = "NONE"

// DefaultSystemPrompt instructs the model to answer with a competitor name.
const DefaultSystemPrompt = `You match newsletter emails to the competitor company that sent them.
Respond only with a JSON object: {"competitor": "<exact name from the list, or NONE>", "confidence": <number between 0 and 1>}.`

// DefaultUserPrompt is expanded with {competitors_list}, {from_address},
// {subject} and {body_preview}.
const DefaultUserPrompt = `Competitors:
{competitors_list}

From: {from_address}
Subject: {subject}

Body preview:
{body_preview}

Which competitor sent this email?`

// AIMatch asks the language model which configured competitor sent the
// email and validates the answer against the list.
type AIMatch struct {
	client      llm.Client
	competitors []config.Competitor
	cfg         config.MatchingConfig
	maxTokens   int
}

// NewAIMatch returns the model-backed strategy.
func NewAIMatch(client llm.Client, competitors []config.Competitor, cfg config.MatchingConfig) *AIMatch {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.UserPrompt == "" {
		cfg.UserPrompt = DefaultUserPrompt
	}
	if cfg.BodyPreviewChars <= 0 {
		cfg.BodyPreviewChars = 500
	}
	if cfg.LowConfidence == "" {
		cfg.LowConfidence = config.LowConfidenceReview
	}
	return &AIMatch{client: client, competitors: competitors, cfg: cfg, maxTokens: 60}
}

// Name implements Strategy.
func (a *AIMatch) Name() string { return string(models.MatchAI) }

type aiAnswer struct {
	Competitor string   `json:"competitor"`
	Confidence *float64 `json:"confidence"`
}

// Match always returns a definite resolution; model failures are transient errors.
func (a *AIMatch) Match(ctx context.Context, in Input) (*Resolution, error) {
	if len(a.competitors) == 0 {
		slog.Warn("no competitors configured, leaving email unmatched", "sender", in.Sender)
		return &Resolution{Method: models.MatchAI, ReviewReason: "no competitors configured"}, nil
	}

	text, err := a.client.Complete(ctx, llm.Request{
		System:    a.cfg.SystemPrompt,
		User:      a.prompt(in),
		MaxTokens: a.maxTokens,
		JSON:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}

	ans := parseAnswer(text)
	res := &Resolution{Method: models.MatchAI, Confidence: ans.confidence()}

	if strings.EqualFold(strings.TrimSpace(ans.Competitor), noneAnswer) || strings.TrimSpace(ans.Competitor) == "" {
		res.ReviewReason = "model found no competitor"
		return res, nil
	}
	name, ok := a.resolve(ans.Competitor)
	if !ok {
		slog.Debug("model answer not in competitor list", "answer", ans.Competitor, "sender", in.Sender)
		res.ReviewReason = fmt.Sprintf("model answered %q, not a configured competitor", ans.Competitor)
		return res, nil
	}

	if res.Confidence >= a.cfg.MinConfidence {
		res.Matched = true
		res.Competitor = name
		return res, nil
	}

	switch a.cfg.LowConfidence {
	case config.LowConfidenceAccept:
		res.Matched = true
		res.Competitor = name
	case config.LowConfidenceReject:
		res.ReviewReason = fmt.Sprintf("confidence %.2f below %.2f", res.Confidence, a.cfg.MinConfidence)
	default:
		res.Suggested = name
		res.ReviewReason = fmt.Sprintf("low confidence %.2f for %s", res.Confidence, name)
	}
	return res, nil
}

func (a *AIMatch) prompt(in Input) string {
	lines := make([]string, 0, len(a.competitors))
	for _, c := range a.competitors {
		line := "- " + c.Name
		if len(c.Domains) > 0 {
			line += " (" + strings.Join(c.Domains, ", ") + ")"
		}
		lines = append(lines, line)
	}
	r := strings.NewReplacer(
		"{competitors_list}", strings.Join(lines, "\n"),
		"{from_address}", in.Sender,
		"{subject}", in.Subject,
		"{body_preview}", mailparse.Preview(in.BodyPreview, a.cfg.BodyPreviewChars),
	)
	return r.Replace(a.cfg.UserPrompt)
}

// resolve maps a model answer onto a configured name: exact
// case-insensitive first, then containment either way.
func (a *AIMatch) resolve(answer string) (string, bool) {
	ans := strings.ToLower(strings.TrimSpace(answer))
	for _, c := range a.competitors {
		if strings.ToLower(c.Name) == ans {
			return c.Name, true
		}
	}
	for _, c := range a.competitors {
		name := strings.ToLower(c.Name)
		if strings.Contains(ans, name) || strings.Contains(name, ans) {
			return c.Name, true
		}
	}
	return "", false
}

// parseAnswer accepts the JSON object or, from older prompts, a bare name.
func parseAnswer(text string) aiAnswer {
	var ans aiAnswer
	if err := llm.ExtractJSON(text, &ans); err == nil {
		return ans
	}
	return aiAnswer{Competitor: strings.Trim(strings.TrimSpace(text), `"'.`)}
}

func (a aiAnswer) confidence() float64 {
	if a.Confidence == nil {
		return 1
	}
	c := *a.Confidence
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
