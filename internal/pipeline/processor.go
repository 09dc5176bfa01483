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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/compintel/ingestion/internal/artifact"
	"github.com/compintel/ingestion/internal/config"
	"github.com/compintel/ingestion/internal/lock"
	"github.com/compintel/ingestion/internal/mailparse"
	"github.com/compintel/ingestion/internal/matcher"
	"github.com/compintel/ingestion/internal/metrics"
	"github.com/compintel/ingestion/internal/models"
	"github.com/compintel/ingestion/internal/store"
)

const (
	// tempMaxAge is how old an unfinished artifact write must be before a
	// run deletes it.
	tempMaxAge = time.Hour
	// orphanGrace keeps a run from adopting an artifact whose receiver is
	// still inserting the log row.
	orphanGrace = time.Minute
)

// Matcher resolves a sender to a competitor.
type Matcher interface {
	Match(ctx context.Context, in matcher.Input) (*matcher.Resolution, error)
}

// RunResult summarises one batch run.
type RunResult struct {
	Adopted    int           `json:"adopted"`
	Matched    int           `json:"matched"`
	Unmatched  int           `json:"unmatched"`
	Deferred   int           `json:"deferred"`
	Injected   int           `json:"injected"`
	Duplicates int           `json:"duplicates"`
	Failed     int           `json:"failed"`
	Swept      int           `json:"swept"`
	Stale      []string      `json:"stale,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Processor runs the matcher and injector over the backlog.
type Processor struct {
	store     store.Store
	artifacts *artifact.Store
	matcher   Matcher
	injector  *Injector
	locker    lock.Locker
	cfg       config.PipelineConfig
	preview   int
	now       func() time.Time
}

// ProcessorConfig holds the processor's collaborators.
type ProcessorConfig struct {
	Store        store.Store
	Artifacts    *artifact.Store
	Matcher      Matcher
	Injector     *Injector
	Locker       lock.Locker
	Pipeline     config.PipelineConfig
	PreviewChars int
}

// NewProcessor creates a processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.PreviewChars <= 0 {
		cfg.PreviewChars = 500
	}
	if cfg.Pipeline.StaleAttempts <= 0 {
		cfg.Pipeline.StaleAttempts = 5
	}
	return &Processor{
		store:     cfg.Store,
		artifacts: cfg.Artifacts,
		matcher:   cfg.Matcher,
		injector:  cfg.Injector,
		locker:    cfg.Locker,
		cfg:       cfg.Pipeline,
		preview:   cfg.PreviewChars,
		now:       time.Now,
	}
}

// Run processes the backlog once. It returns ErrRunInProgress if another run
// holds the lock. A cancelled run stops between records; every record keeps
// its last committed status and the next run resumes from there.
func (p *Processor) Run(ctx context.Context) (*RunResult, error) {
	lease, err := p.locker.TryAcquire(ctx)
	if errors.Is(err, lock.ErrHeld) {
		return nil, ErrRunInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Error("failed to release run lock", "error", err)
		}
	}()

	start := p.now()
	res := &RunResult{}
	err = p.run(ctx, res)
	res.Duration = p.now().Sub(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.Run(outcome, res.Duration)

	slog.Info("batch run complete",
		"adopted", res.Adopted,
		"matched", res.Matched,
		"unmatched", res.Unmatched,
		"deferred", res.Deferred,
		"injected", res.Injected,
		"duplicates", res.Duplicates,
		"failed", res.Failed,
		"swept", res.Swept,
		"stale", len(res.Stale),
		"duration", res.Duration,
	)
	return res, err
}

func (p *Processor) run(ctx context.Context, res *RunResult) error {
	if n, err := p.artifacts.CleanupTemp(tempMaxAge); err != nil {
		slog.Warn("temp artifact cleanup failed", "error", err)
	} else if n > 0 {
		slog.Info("removed abandoned artifact writes", "count", n)
	}

	if err := p.adoptOrphans(ctx, res); err != nil {
		return err
	}

	received, err := p.store.ListEmails(ctx, store.EmailFilter{
		Statuses:       []models.Status{models.StatusReceived},
		Limit:          p.cfg.BatchLimit,
		FewestAttempts: true,
	})
	if err != nil {
		return fmt.Errorf("list received emails: %w", err)
	}
	for _, rec := range received {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.matchOne(ctx, rec, res)
	}

	processed, err := p.store.ListEmails(ctx, store.EmailFilter{
		Statuses:       []models.Status{models.StatusProcessed},
		Limit:          p.cfg.BatchLimit,
		FewestAttempts: true,
	})
	if err != nil {
		return fmt.Errorf("list processed emails: %w", err)
	}
	for _, rec := range processed {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.injectOne(ctx, rec, res)
	}

	if err := p.sweep(ctx, res); err != nil {
		return err
	}
	return p.reportStale(ctx, res)
}

// matchOne resolves one RECEIVED record. Transient failures leave it
// RECEIVED with an attempt recorded.
func (p *Processor) matchOne(ctx context.Context, rec *models.EmailRecord, res *RunResult) {
	in := matcher.Input{Sender: rec.Sender, Subject: rec.Subject}
	if email, err := loadEmail(ctx, p.artifacts, rec); err != nil {
		slog.Warn("artifact unreadable, matching without body", "email_id", rec.ID, "error", err)
	} else {
		in.BodyPreview = mailparse.Preview(mailparse.CleanText(email), p.preview)
	}

	r, err := p.matcher.Match(ctx, in)
	if err != nil {
		res.Deferred++
		p.recordAttempt(ctx, rec, err)
		slog.Warn("match deferred to next run", "email_id", rec.ID, "sender", rec.Sender, "error", err)
		return
	}

	now := p.now().UTC()
	next := rec.Clone()
	next.ProcessedAt = &now
	next.Confidence = r.Confidence
	next.MatchMethod = r.Method
	next.LastError = ""
	if r.Matched {
		next.Status = models.StatusProcessed
		next.Competitor = r.Competitor
		next.Suggested = ""
		next.ReviewReason = ""
	} else {
		next.Status = models.StatusUnmatched
		next.Suggested = r.Suggested
		next.ReviewReason = r.ReviewReason
	}

	err = p.store.TransitionEmail(ctx, next, models.StatusReceived, models.Counters{Processed: 1})
	if errors.Is(err, store.ErrStaleTransition) {
		slog.Debug("record moved by another writer", "email_id", rec.ID)
		return
	}
	if err != nil {
		res.Failed++
		p.recordAttempt(ctx, rec, err)
		slog.Error("match transition failed", "email_id", rec.ID, "error", err)
		return
	}
	metrics.Transition(string(next.Status))

	if r.Matched {
		res.Matched++
		slog.Info("matched",
			"email_id", rec.ID,
			"sender", rec.Sender,
			"company", r.Competitor,
			"method", r.Method,
			"confidence", r.Confidence,
		)
		return
	}
	res.Unmatched++
	slog.Info("unmatched",
		"email_id", rec.ID,
		"sender", rec.Sender,
		"suggested", r.Suggested,
		"reason", r.ReviewReason,
	)
}

func (p *Processor) injectOne(ctx context.Context, rec *models.EmailRecord, res *RunResult) {
	ir, err := p.injector.Inject(ctx, rec)
	if errors.Is(err, store.ErrStaleTransition) {
		slog.Debug("record moved by another writer", "email_id", rec.ID)
		return
	}
	if err != nil {
		res.Failed++
		p.recordAttempt(ctx, rec, err)
		slog.Error("injection failed, record stays PROCESSED", "email_id", rec.ID, "error", err)
		return
	}
	if ir.Credited {
		res.Injected++
	} else {
		res.Duplicates++
	}
}

func (p *Processor) recordAttempt(ctx context.Context, rec *models.EmailRecord, cause error) {
	if err := p.store.RecordAttempt(context.WithoutCancel(ctx), rec.ID, cause.Error()); err != nil {
		slog.Warn("failed to record attempt", "email_id", rec.ID, "error", err)
	}
}

// adoptOrphans logs inbox artifacts left without a log row by a crash
// between the artifact write and the log insert.
func (p *Processor) adoptOrphans(ctx context.Context, res *RunResult) error {
	infos, err := p.artifacts.List(ctx, models.ZoneInbox)
	if err != nil {
		return fmt.Errorf("list inbox: %w", err)
	}
	cutoff := p.now().Add(-orphanGrace)
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.ModTime.After(cutoff) {
			continue
		}
		id := strings.TrimSuffix(info.Name, filepath.Ext(info.Name))
		_, err := p.store.GetEmail(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("check orphan %s: %w", info.Name, err)
		}
		if p.adopt(ctx, id, info) {
			res.Adopted++
		}
	}
	return nil
}

func (p *Processor) adopt(ctx context.Context, id string, info artifact.Info) bool {
	format, err := mailparse.FormatFromName(info.Name)
	if err != nil {
		slog.Warn("ignoring unknown inbox file", "artifact", info.Name)
		return false
	}
	data, err := p.artifacts.Get(ctx, models.ZoneInbox, info.Name)
	if err != nil {
		slog.Warn("orphan artifact unreadable", "artifact", info.Name, "error", err)
		return false
	}
	email, err := mailparse.Parse(format, data, "")
	if err != nil {
		slog.Warn("orphan artifact is malformed, moving to deleted", "artifact", info.Name, "error", err)
		if err := p.artifacts.Move(ctx, info.Name, models.ZoneInbox, models.ZoneDeleted); err != nil {
			slog.Warn("failed to move malformed orphan", "artifact", info.Name, "error", err)
		}
		return false
	}

	rec := newRecord(id, info.Name, email, "", info.ModTime)
	if err := p.store.ReceiveEmail(ctx, rec); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			slog.Warn("failed to adopt orphan artifact", "artifact", info.Name, "error", err)
		}
		return false
	}
	metrics.EmailReceived()
	slog.Info("received", "email_id", id, "sender", rec.Sender, "adopted", true)
	return true
}

// sweep retries archive moves that failed after a terminal transition.
func (p *Processor) sweep(ctx context.Context, res *RunResult) error {
	targets := []struct {
		status models.Status
		zone   models.Zone
	}{
		{models.StatusInjected, models.ZoneProcessed},
		{models.StatusRejected, models.ZoneDeleted},
	}
	for _, t := range targets {
		recs, err := p.store.ListEmails(ctx, store.EmailFilter{
			Statuses:    []models.Status{t.status},
			ExcludeZone: t.zone,
			Limit:       p.cfg.BatchLimit,
		})
		if err != nil {
			return fmt.Errorf("list %s emails outside %s: %w", t.status, t.zone, err)
		}
		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := archive(ctx, p.artifacts, p.store, rec, t.zone); err != nil {
				slog.Warn("archive sweep failed", "email_id", rec.ID, "zone", t.zone, "error", err)
				continue
			}
			res.Swept++
		}
	}
	return nil
}

// reportStale warns about pending records that keep failing.
func (p *Processor) reportStale(ctx context.Context, res *RunResult) error {
	stale, err := staleRecords(ctx, p.store, p.cfg.StaleAttempts)
	if err != nil {
		return err
	}
	for _, rec := range stale {
		res.Stale = append(res.Stale, rec.ID)
		slog.Warn("record repeatedly failing",
			"email_id", rec.ID,
			"status", rec.Status,
			"attempts", rec.Attempts,
			"last_error", rec.LastError,
		)
	}
	return nil
}

func staleRecords(ctx context.Context, emails store.EmailLog, threshold int) ([]*models.EmailRecord, error) {
	pending, err := emails.ListEmails(ctx, store.EmailFilter{
		Statuses: []models.Status{models.StatusReceived, models.StatusProcessed},
	})
	if err != nil {
		return nil, fmt.Errorf("list pending emails: %w", err)
	}
	var out []*models.EmailRecord
	for _, rec := range pending {
		if rec.Attempts >= threshold {
			out = append(out, rec)
		}
	}
	return out, nil
}
