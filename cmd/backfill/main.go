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

// Historical Backfill Command
//
// Standalone CLI tool that imports exported newsletters (.eml or CloudMailin
// .json files) into the email log. Intended for seeding data on new
// deployments. Imported emails are RECEIVED; the next batch run matches and
// injects them.
//
// Usage:
//
//	go run ./cmd/backfill/ --dir exports/2025,exports/2026 [--since 720h]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/compintel/ingestion/internal/app"
	"github.com/compintel/ingestion/internal/backfill"
	"github.com/compintel/ingestion/internal/config"
	"github.com/compintel/ingestion/internal/pipeline"
)

func main() {
	// --- CLI Flags ---
	dirFlag := flag.String("dir", "", "Comma-separated list of export directories (required)")
	sinceFlag := flag.String("since", "0", "Only import files modified within this window (e.g. 720h); 0 = all")
	flag.Parse()

	if *dirFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --dir is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	sinceDuration, err := time.ParseDuration(*sinceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q: %v\n", *sinceFlag, err)
		os.Exit(1)
	}

	var dirs []string
	for _, d := range strings.Split(*dirFlag, ",") {
		if d = strings.TrimSpace(d); d != "" {
			dirs = append(dirs, d)
		}
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Structured JSON logging
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := app.Base(ctx, cfg)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// --- Run Backfill ---
	runner := backfill.NewRunner(backfill.RunnerConfig{
		Receiver: pipeline.NewReceiver(a.Store, a.Artifacts, nil),
		Emails:   a.Store,
	})

	result, err := runner.Run(ctx, backfill.BackfillRequest{
		Dirs:  dirs,
		Since: sinceDuration,
	})
	if err != nil {
		slog.Error("backfill failed", "error", err)
		a.Close()
		os.Exit(1)
	}

	// --- Summary ---
	for _, dr := range result.DirResults {
		slog.Info("directory result",
			"dir", dr.Dir,
			"imported", dr.Imported,
			"skipped", dr.Skipped,
			"rejected", dr.Rejected,
			"errors", dr.Errors,
		)
	}
	slog.Info("backfill complete",
		"total_new", result.TotalNew,
		"total_skipped", result.TotalSkipped,
		"elapsed", result.Elapsed,
	)
}
