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

// Newsletter ingestion service.
//
// Entry point for the long-running service. It:
//  1. Loads configuration from config/ingestion.yaml and the environment
//  2. Opens the keyed store, artifact store and (optionally) Redis
//  3. Serves the inbound email webhook and operator API
//  4. Optionally accepts mail over SMTP
//  5. Runs batch processing on an interval and on demand
//  6. Runs the enrichment workers
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/compintel/ingestion/internal/app"
	"github.com/compintel/ingestion/internal/config"
	"github.com/compintel/ingestion/internal/smtpd"
	"github.com/compintel/ingestion/internal/webhook"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("starting newsletter ingestion service",
		"port", cfg.Server.Port,
		"smtp", cfg.SMTP.Enabled,
		"interval", cfg.Pipeline.Interval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise pipeline", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	pingers := map[string]webhook.Pinger{"store": a.Store}
	if a.Redis != nil {
		pingers["redis"] = redisPinger{a}
	}

	// --- HTTP ---
	handler := webhook.NewHandler(webhook.HandlerConfig{
		Receiver: a.Receiver,
		Admin:    a.Admin,
		Kicker:   a.Scheduler,
		Pingers:  pingers,
		Server:   cfg.Server,
	})
	ready, err := webhook.Serve(ctx, cfg.Server, handler.Routes())
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- SMTP ---
	if cfg.SMTP.Enabled {
		srv := smtpd.New(a.Receiver, cfg.SMTP)
		smtpReady, err := srv.Serve(ctx)
		if err != nil {
			slog.Error("failed to start smtp server", "error", err)
			os.Exit(1)
		}
		<-smtpReady
	}

	// --- Background work ---
	a.Scheduler.Start(ctx)
	if a.Enricher != nil {
		a.Enricher.Start(ctx)
	}

	// Catch up on anything left by a previous process.
	a.Scheduler.Kick()

	<-ctx.Done()
	slog.Info("received shutdown signal")

	a.Scheduler.Stop()
	if a.Enricher != nil {
		a.Enricher.Stop()
	}

	slog.Info("ingestion service stopped")
}

type redisPinger struct{ a *app.App }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.a.Redis.Ping(ctx).Err()
}
