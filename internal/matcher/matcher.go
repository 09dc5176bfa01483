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

// Package matcher decides which competitor sent a newsletter. Strategies are
// tried in a fixed order and the first definite answer wins: a human's
// sticky sender assignment, then the language model.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/compintel/ingestion/internal/metrics"
	"github.com/compintel/ingestion/internal/models"
	"github.com/compintel/ingestion/internal/store"
)

// ErrTransient marks failures worth retrying on a later run (model timeouts,
// provider outages, storage hiccups).
var ErrTransient = errors.New("transient match failure")

// Input is what the matcher sees of an email.
type Input struct {
	Sender      string
	Subject     string
	BodyPreview string
}

// Resolution is the matcher's answer. Matched=false with a Suggested name
// means a low-confidence guess that goes to the review queue.
type Resolution struct {
	Matched      bool
	Competitor   string
	Method       models.MatchMethod
	Confidence   float64
	Suggested    string
	ReviewReason string
}

// Strategy returns a definite Resolution, or nil to defer to the next one.
type Strategy interface {
	Name() string
	Match(ctx context.Context, in Input) (*Resolution, error)
}

// Chain tries strategies in order.
type Chain struct {
	strategies []Strategy
}

// NewChain returns a chain over strategies in priority order.
func NewChain(strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies}
}

// Match returns the first definite resolution. When every strategy defers,
// the email is unmatched.
func (c *Chain) Match(ctx context.Context, in Input) (*Resolution, error) {
	for _, s := range c.strategies {
		res, err := s.Match(ctx, in)
		if err != nil {
			metrics.Match(s.Name(), "error")
			return nil, fmt.Errorf("%s match for %s: %w", s.Name(), in.Sender, err)
		}
		if res == nil {
			continue
		}
		outcome := "unmatched"
		switch {
		case res.Matched:
			outcome = "matched"
		case res.Suggested != "":
			outcome = "review"
		}
		metrics.Match(s.Name(), outcome)
		return res, nil
	}
	return &Resolution{ReviewReason: "no strategy produced a match"}, nil
}

// SenderLookup reads sender stats.
type SenderLookup interface {
	GetSender(ctx context.Context, sender string) (*models.SenderStats, error)
}

// ManualAssignment resolves senders a human has assigned to a competitor.
type ManualAssignment struct {
	senders SenderLookup
}

// NewManualAssignment returns the assignment strategy.
func NewManualAssignment(senders SenderLookup) *ManualAssignment {
	return &ManualAssignment{senders: senders}
}

// Name implements Strategy.
func (m *ManualAssignment) Name() string { return string(models.MatchManual) }

// Match returns the assigned competitor, or nil for unassigned senders.
func (m *ManualAssignment) Match(ctx context.Context, in Input) (*Resolution, error) {
	st, err := m.senders.GetSender(ctx, in.Sender)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load sender: %w", ErrTransient, err)
	}
	if !st.Assigned() {
		return nil, nil
	}
	slog.Debug("using assigned competitor", "sender", in.Sender, "competitor", st.AssignedCompetitor)
	return &Resolution{
		Matched:    true,
		Competitor: st.AssignedCompetitor,
		Method:     models.MatchManual,
		Confidence: 1,
	}, nil
}
