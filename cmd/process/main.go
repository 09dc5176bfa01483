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

// One-shot batch processor.
//
// Runs a single match-and-inject pass over the email log and exits. Intended
// for cron on deployments that do not run the server's scheduler. A run that
// finds another holding the lock exits cleanly.
//
// Usage:
//
//	go run ./cmd/process/ [--rebuild-stats] [--enrich] [--enrich-limit 200] [--report] [--no-run]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/compintel/ingestion/internal/app"
	"github.com/compintel/ingestion/internal/config"
	"github.com/compintel/ingestion/internal/pipeline"
)

func main() {
	rebuildFlag := flag.Bool("rebuild-stats", false, "Recompute sender counters from the email log before running")
	noRunFlag := flag.Bool("no-run", false, "Skip the batch run")
	enrichFlag := flag.Bool("enrich", false, "Classify content rows that are not yet enriched")
	enrichLimit := flag.Int("enrich-limit", 200, "Maximum rows to enrich")
	reportFlag := flag.Bool("report", false, "Print the operational report as JSON")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, *rebuildFlag, !*noRunFlag, *enrichFlag, *enrichLimit, *reportFlag); err != nil {
		slog.Error("process failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, rebuild, process, enrich bool, enrichLimit int, report bool) error {
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if rebuild {
		n, err := a.Admin.RebuildStats(ctx)
		switch {
		case errors.Is(err, pipeline.ErrRunInProgress):
			slog.Info("another run holds the lock; skipping stats rebuild")
		case err != nil:
			return fmt.Errorf("rebuild stats: %w", err)
		default:
			slog.Info("sender stats rebuilt", "senders", n)
		}
	}

	if process {
		res, err := a.Processor.Run(ctx)
		switch {
		case errors.Is(err, pipeline.ErrRunInProgress):
			slog.Info("another run holds the lock; nothing to do")
		case err != nil:
			return fmt.Errorf("batch run: %w", err)
		default:
			for _, id := range res.Stale {
				slog.Warn("stale email", "email_id", id)
			}
		}
	}

	if enrich {
		if a.Enricher == nil {
			slog.Warn("enrichment is disabled in configuration")
		} else {
			n, err := a.Enricher.EnrichPending(ctx, enrichLimit)
			if err != nil {
				return fmt.Errorf("enrich pending: %w", err)
			}
			slog.Info("enrichment pass complete", "enriched", n)
		}
	}

	if report {
		rep, err := a.Admin.Report(ctx)
		if err != nil {
			return fmt.Errorf("build report: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	}
	return nil
}
