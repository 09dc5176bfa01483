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
	"fmt"
	"log/slog"
	"time"

	"github.com/compintel/ingestion/internal/artifact"
	"github.com/compintel/ingestion/internal/dedup"
	"github.com/compintel/ingestion/internal/mailparse"
	"github.com/compintel/ingestion/internal/metrics"
	"github.com/compintel/ingestion/internal/models"
	"github.com/compintel/ingestion/internal/queue"
	"github.com/compintel/ingestion/internal/store"
)

// Injector appends matched emails to the content dataset exactly once.
type Injector struct {
	store     store.Store
	artifacts *artifact.Store
	publisher queue.Publisher
	now       func() time.Time
}

// NewInjector creates an injector. publisher may be nil to disable
// enrichment triggers.
func NewInjector(st store.Store, artifacts *artifact.Store, publisher queue.Publisher) *Injector {
	return &Injector{store: st, artifacts: artifacts, publisher: publisher, now: time.Now}
}

// InjectResult describes one injection.
type InjectResult struct {
	Fingerprint string
	// Credited is false when another email already supplied the row.
	Credited bool
}

// Inject appends rec's content row and moves rec to INJECTED. Any error
// leaves rec PROCESSED for the next run; the fingerprint keeps a retried
// append from creating a second row.
func (i *Injector) Inject(ctx context.Context, rec *models.EmailRecord) (*InjectResult, error) {
	if rec.Status != models.StatusProcessed {
		return nil, fmt.Errorf("inject %s: %w: status is %s", rec.ID, store.ErrInvalidTransition, rec.Status)
	}
	if rec.Competitor == "" {
		return nil, fmt.Errorf("inject %s: no competitor resolved", rec.ID)
	}

	email, err := loadEmail(ctx, i.artifacts, rec)
	if err != nil {
		return nil, fmt.Errorf("inject %s: load artifact: %w", rec.ID, err)
	}

	now := i.now().UTC()
	fp := dedup.Fingerprint(rec.Competitor, dedup.NormalizeSource(rec.MessageID, rec.Subject, rec.PublishedAt, rec.Date))
	row := &models.ContentRecord{
		Fingerprint: fp,
		Competitor:  rec.Competitor,
		SourceURL:   "email://" + rec.ID,
		Title:       mailparse.Title(email),
		CleanText:   mailparse.CleanText(email),
		PublishedAt: rec.PublishedAt,
		CollectedAt: now,
		EmailID:     rec.ID,
	}

	inserted, err := i.store.AppendContent(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("inject %s: append content: %w", rec.ID, err)
	}

	// A row carrying this email's id was written by an earlier attempt that
	// crashed before the transition; it still counts as this email's insert.
	credited := inserted
	if !inserted {
		existing, err := i.store.GetContent(ctx, fp)
		if err != nil {
			return nil, fmt.Errorf("inject %s: load existing content: %w", rec.ID, err)
		}
		credited = existing.EmailID == rec.ID
	}
	if inserted {
		metrics.ContentRow("inserted")
	} else {
		metrics.ContentRow("duplicate")
	}

	next := rec.Clone()
	next.Status = models.StatusInjected
	next.Fingerprint = fp
	next.Duplicate = !credited
	next.InjectedAt = &now
	next.LastError = ""
	var delta models.Counters
	if credited {
		delta.Injected = 1
	}
	if err := i.store.TransitionEmail(ctx, next, models.StatusProcessed, delta); err != nil {
		return nil, fmt.Errorf("inject %s: %w", rec.ID, err)
	}
	metrics.Transition(string(models.StatusInjected))

	if credited {
		slog.Info("injected", "email_id", rec.ID, "company", rec.Competitor, "fingerprint", fp)
	} else {
		slog.Info("duplicate", "email_id", rec.ID, "company", rec.Competitor, "fingerprint", fp)
	}

	if err := archive(ctx, i.artifacts, i.store, next, models.ZoneProcessed); err != nil {
		slog.Warn("archive after injection failed, will retry on next run",
			"email_id", rec.ID,
			"error", err,
		)
	}

	if credited && i.publisher != nil {
		task := queue.Task{Fingerprint: fp, EmailID: rec.ID, Competitor: rec.Competitor}
		if err := i.publisher.PublishEnrichment(ctx, task); err != nil {
			slog.Warn("enrichment trigger failed, row left for batch enrichment",
				"email_id", rec.ID,
				"fingerprint", fp,
				"error", err,
			)
		}
	}

	*rec = *next
	return &InjectResult{Fingerprint: fp, Credited: credited}, nil
}
