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

// Package backfill provides historical newsletter ingestion by walking
// directories of exported messages (.eml or CloudMailin .json) and feeding
// each one through the same receiver the webhook uses.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/compintel/ingestion/internal/mailparse"
	"github.com/compintel/ingestion/internal/models"
	"github.com/compintel/ingestion/internal/pipeline"
	"github.com/compintel/ingestion/internal/store"
)

// BackfillRequest defines the scope of a historical ingestion run.
type BackfillRequest struct {
	Dirs  []string      // export directories, walked recursively
	Since time.Duration // only files modified within this window; 0 = all
}

// BackfillResult summarises a completed backfill run.
type BackfillResult struct {
	DirResults    []DirResult
	TotalNew      int
	TotalSkipped  int
	TotalRejected int
	Elapsed       time.Duration
}

// DirResult tracks per-directory backfill progress.
type DirResult struct {
	Dir      string
	Imported int
	Skipped  int // already in the email log
	Rejected int // malformed or unsupported
	Errors   int
}

// Receiver persists one inbound payload.
type Receiver interface {
	Receive(ctx context.Context, p pipeline.Payload) (*pipeline.Receipt, error)
}

// EmailLister lists the email log for Message-ID dedup.
type EmailLister interface {
	ListEmails(ctx context.Context, f store.EmailFilter) ([]*models.EmailRecord, error)
}

// Runner performs historical backfill.
type Runner struct {
	receiver Receiver
	emails   EmailLister
	now      func() time.Time
}

// RunnerConfig holds dependencies for the backfill runner.
type RunnerConfig struct {
	Receiver Receiver
	Emails   EmailLister
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{receiver: cfg.Receiver, emails: cfg.Emails, now: time.Now}
}

// Run imports every directory in req. A failing directory is logged and
// counted; the remaining directories still run. Storage failures abort the
// run since every later file would fail the same way.
func (r *Runner) Run(ctx context.Context, req BackfillRequest) (*BackfillResult, error) {
	start := r.now()
	var cutoff time.Time
	if req.Since > 0 {
		cutoff = start.Add(-req.Since)
	}

	seen, err := r.seenMessageIDs(ctx)
	if err != nil {
		return nil, err
	}

	slog.Info("starting historical backfill",
		"dirs", len(req.Dirs),
		"since", cutoff,
		"known_messages", len(seen),
	)

	result := &BackfillResult{}
	for _, dir := range req.Dirs {
		dr, err := r.backfillDir(ctx, dir, cutoff, seen)
		result.DirResults = append(result.DirResults, dr)
		result.TotalNew += dr.Imported
		result.TotalSkipped += dr.Skipped
		result.TotalRejected += dr.Rejected
		if err != nil {
			if errors.Is(err, pipeline.ErrStorage) || ctx.Err() != nil {
				result.Elapsed = time.Since(start)
				return result, err
			}
			slog.Error("backfill failed for directory", "dir", dir, "error", err)
		}
	}

	result.Elapsed = time.Since(start)

	slog.Info("historical backfill complete",
		"total_new", result.TotalNew,
		"total_skipped", result.TotalSkipped,
		"total_rejected", result.TotalRejected,
		"elapsed", result.Elapsed,
	)

	return result, nil
}

// seenMessageIDs loads the Message-IDs already in the log so re-running a
// backfill does not inflate the received counters.
func (r *Runner) seenMessageIDs(ctx context.Context) (map[string]bool, error) {
	recs, err := r.emails.ListEmails(ctx, store.EmailFilter{})
	if err != nil {
		return nil, fmt.Errorf("list email log: %w", err)
	}
	seen := make(map[string]bool, len(recs))
	for _, rec := range recs {
		if rec.MessageID != "" {
			seen[rec.MessageID] = true
		}
	}
	return seen, nil
}

type candidate struct {
	path   string
	format mailparse.Format
}

// backfillDir imports the files of a single export directory in name order.
func (r *Runner) backfillDir(ctx context.Context, dir string, cutoff time.Time, seen map[string]bool) (DirResult, error) {
	dr := DirResult{Dir: dir}

	var files []candidate
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		format, err := mailparse.FormatFromName(d.Name())
		if err != nil {
			return nil
		}
		if !cutoff.IsZero() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.ModTime().Before(cutoff) {
				return nil
			}
		}
		files = append(files, candidate{path: path, format: format})
		return nil
	})
	if err != nil {
		return dr, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })

	slog.Info("backfilling directory", "dir", dir, "files", len(files))

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return dr, err
		}

		data, err := os.ReadFile(f.path)
		if err != nil {
			slog.Warn("backfill: read failed", "file", f.path, "error", err)
			dr.Errors++
			continue
		}

		email, err := mailparse.Parse(f.format, data, "")
		if err != nil {
			slog.Warn("backfill: unparseable file", "file", f.path, "error", err)
			dr.Rejected++
			continue
		}
		if email.MessageID != "" && seen[email.MessageID] {
			dr.Skipped++
			continue
		}

		receipt, err := r.receiver.Receive(ctx, pipeline.Payload{Format: f.format, Body: data})
		if err != nil {
			if errors.Is(err, pipeline.ErrStorage) {
				return dr, err
			}
			slog.Warn("backfill: receive failed", "file", f.path, "error", err)
			dr.Errors++
			continue
		}
		if email.MessageID != "" {
			seen[email.MessageID] = true
		}
		slog.Debug("backfill: imported", "file", f.path, "email_id", receipt.ID)
		dr.Imported++
	}

	slog.Info("directory backfill complete",
		"dir", dir,
		"imported", dr.Imported,
		"skipped", dr.Skipped,
		"rejected", dr.Rejected,
		"errors", dr.Errors,
	)

	return dr, nil
}
