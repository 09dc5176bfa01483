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

// Package app wires the ingestion components from configuration. The
// binaries under cmd/ share it so the server, the cron runner and the admin
// CLI all see the same stores.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/compintel/ingestion/internal/artifact"
	"github.com/compintel/ingestion/internal/config"
	"github.com/compintel/ingestion/internal/enrich"
	"github.com/compintel/ingestion/internal/llm"
	"github.com/compintel/ingestion/internal/lock"
	"github.com/compintel/ingestion/internal/matcher"
	"github.com/compintel/ingestion/internal/pipeline"
	"github.com/compintel/ingestion/internal/queue"
	"github.com/compintel/ingestion/internal/store"
	"github.com/compintel/ingestion/internal/store/memory"
	"github.com/compintel/ingestion/internal/store/postgres"
	"github.com/compintel/ingestion/internal/store/sqlite"
)

// memoryQueueSize bounds the in-process enrichment queue.
const memoryQueueSize = 1024

// App holds the wired components.
type App struct {
	Config    *config.Config
	Store     store.Store
	Artifacts *artifact.Store
	Redis     *redis.Client

	Receiver  *pipeline.Receiver
	Processor *pipeline.Processor
	Scheduler *pipeline.Scheduler
	Admin     *pipeline.Admin
	// Enricher is nil when enrichment is disabled.
	Enricher *enrich.Worker

	closers []func()
}

// Base opens only the stores. It is enough for admin commands, which must
// work without model credentials.
func Base(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	st, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.closers = append(a.closers, func() { st.Close() })

	arts, err := artifact.New(cfg.Artifacts.Dir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	a.Artifacts = arts

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Redis = rdb
		a.closers = append(a.closers, func() { rdb.Close() })
		slog.Info("connected to Redis")
	}

	a.Admin = pipeline.NewAdmin(st, arts, nil, nil, cfg.CompetitorNames(), cfg.Pipeline.StaleAttempts)
	return a, nil
}

// Build wires the full pipeline: LLM client, matcher chain, lock, queue,
// enrichment worker, receiver, processor and scheduler. Nothing is started.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a, err := Base(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build llm client: %w", err)
	}

	locker, err := a.newLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	var (
		publisher queue.Publisher
		consumer  queue.Consumer
	)
	if cfg.Enrichment.Enabled {
		if a.Redis != nil {
			q := queue.NewRedis(a.Redis, cfg.Redis.EnrichQueue)
			publisher, consumer = q, q
		} else {
			q := queue.NewMemory(memoryQueueSize)
			publisher, consumer = q, q
		}
		a.Enricher = enrich.NewWorker(a.Store, enrich.NewClassifier(client, cfg.Enrichment), consumer, cfg.Enrichment.Workers)
	}

	chain := matcher.NewChain(
		matcher.NewManualAssignment(a.Store),
		matcher.NewAIMatch(client, cfg.Competitors, cfg.Matching),
	)

	a.Processor = pipeline.NewProcessor(pipeline.ProcessorConfig{
		Store:        a.Store,
		Artifacts:    a.Artifacts,
		Matcher:      chain,
		Injector:     pipeline.NewInjector(a.Store, a.Artifacts, publisher),
		Locker:       locker,
		Pipeline:     cfg.Pipeline,
		PreviewChars: cfg.Matching.BodyPreviewChars,
	})
	a.Scheduler = pipeline.NewScheduler(a.Processor, cfg.Pipeline.Interval)

	var kicker pipeline.Kicker
	if cfg.Pipeline.ProcessOnReceive {
		kicker = a.Scheduler
	}
	a.Receiver = pipeline.NewReceiver(a.Store, a.Artifacts, kicker)
	a.Admin = pipeline.NewAdmin(a.Store, a.Artifacts, a.Scheduler, locker, cfg.CompetitorNames(), cfg.Pipeline.StaleAttempts)

	slog.Info("pipeline wired",
		"storage", cfg.Storage.Backend,
		"lock", cfg.Lock.Backend,
		"llm", cfg.LLM.Provider,
		"enrichment", cfg.Enrichment.Enabled,
		"competitors", len(cfg.Competitors),
	)
	return a, nil
}

// Close releases every resource in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// OpenStore opens the configured keyed-store backend.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		slog.Warn("using the in-memory store; state is lost on exit")
		return memory.New(), nil
	case "sqlite":
		return sqlite.Open(ctx, cfg.SQLitePath)
	case "postgres":
		st, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		slog.Info("connected to PostgreSQL")
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func (a *App) newLocker(ctx context.Context) (lock.Locker, error) {
	cfg := a.Config.Lock
	switch cfg.Backend {
	case "local":
		return lock.NewLocal(), nil
	case "file":
		return lock.NewFile(cfg.FilePath, cfg.StaleAfter)
	case "redis":
		if a.Redis == nil {
			return nil, errors.New("the redis lock needs redis.url")
		}
		return lock.NewRedis(a.Redis, cfg.RedisKey, cfg.StaleAfter), nil
	case "postgres":
		if pg, ok := a.Store.(*postgres.Store); ok {
			return lock.NewPostgres(pg.Pool(), cfg.AdvisoryKey), nil
		}
		pool, err := pgxpool.New(ctx, a.Config.Storage.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres for lock: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		return lock.NewPostgres(pool, cfg.AdvisoryKey), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}
