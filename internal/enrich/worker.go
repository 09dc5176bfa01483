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

package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/compintel/ingestion/internal/metrics"
	"github.com/compintel/ingestion/internal/models"
	"github.com/compintel/ingestion/internal/queue"
	"github.com/compintel/ingestion/internal/store"
)

// Enricher is the part of the classifier the worker needs.
type Enricher interface {
	Classify(ctx context.Context, rec *models.ContentRecord) (models.Enrichment, error)
}

// Worker applies enrichment to content rows, either from queued tasks or in
// a batch pass over every unenriched row.
type Worker struct {
	content    store.ContentDataset
	classifier Enricher
	consumer   queue.Consumer
	workers    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a worker. consumer may be nil for batch-only use.
func NewWorker(content store.ContentDataset, classifier Enricher, consumer queue.Consumer, workers int) *Worker {
	if workers <= 0 {
		workers = 1
	}
	return &Worker{content: content, classifier: classifier, consumer: consumer, workers: workers}
}

// Start launches the queue consumers.
func (w *Worker) Start(ctx context.Context) {
	if w.consumer == nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				task, err := w.consumer.Next(loopCtx)
				if err != nil {
					if loopCtx.Err() != nil {
						return
					}
					slog.Error("enrichment queue read failed", "error", err)
					continue
				}
				if _, err := w.Enrich(loopCtx, task.Fingerprint); err != nil {
					slog.Warn("enrichment failed, row left for batch pass",
						"fingerprint", task.Fingerprint,
						"email_id", task.EmailID,
						"error", err,
					)
				}
			}
		}()
	}

	slog.Info("enrichment workers started", "workers", w.workers)
}

// Stop shuts down the consumers and waits for in-flight work.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// Enrich classifies one row. It reports false without error when the row is
// already enriched. A failed classification leaves the row untouched.
func (w *Worker) Enrich(ctx context.Context, fingerprint string) (bool, error) {
	rec, err := w.content.GetContent(ctx, fingerprint)
	if err != nil {
		return false, fmt.Errorf("load content: %w", err)
	}
	if rec.Done() {
		metrics.Enrichment("skipped")
		return false, nil
	}
	return w.apply(ctx, rec)
}

func (w *Worker) apply(ctx context.Context, rec *models.ContentRecord) (bool, error) {
	e, err := w.classifier.Classify(ctx, rec)
	if err != nil {
		metrics.Enrichment("error")
		return false, err
	}
	if err := w.content.UpdateEnrichment(ctx, rec.Fingerprint, e); err != nil {
		metrics.Enrichment("error")
		return false, storageError{fmt.Errorf("store enrichment: %w", err)}
	}
	metrics.Enrichment("ok")
	slog.Info("content enriched",
		"fingerprint", rec.Fingerprint,
		"company", rec.Competitor,
		"category", e.Category,
		"impact", e.Impact,
	)
	return true, nil
}

// EnrichPending enriches up to limit unenriched rows in insertion order and
// returns how many succeeded. Classification failures are logged and
// skipped; storage failures stop the pass.
func (w *Worker) EnrichPending(ctx context.Context, limit int) (int, error) {
	rows, err := w.content.ListUnenriched(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unenriched content: %w", err)
	}
	done := 0
	for _, rec := range rows {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		ok, err := w.apply(ctx, rec)
		switch {
		case err == nil:
			if ok {
				done++
			}
		case errors.Is(err, store.ErrNotFound):
			// Row vanished between list and update.
		case isStorage(err):
			return done, err
		default:
			slog.Warn("enrichment failed", "fingerprint", rec.Fingerprint, "error", err)
		}
	}
	slog.Info("batch enrichment complete", "enriched", done, "pending", len(rows))
	return done, nil
}

type storageError struct{ error }

func (e storageError) Unwrap() error { return e.error }

func isStorage(err error) bool {
	var se storageError
	return errors.As(err, &se)
}
