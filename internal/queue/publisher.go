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

// Package queue carries enrichment tasks from the injector to the
// enrichment workers. Delivery is best effort: rows that miss their task
// are picked up by the batch enrichment pass.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TaskEnrichContent is the task name carried in every message.
const TaskEnrichContent = "ingestion.enrich_content"

// Task asks a worker to enrich one content row.
type Task struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	EmailID     string    `json:"email_id"`
	Competitor  string    `json:"company"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Publisher enqueues enrichment tasks.
type Publisher interface {
	PublishEnrichment(ctx context.Context, task Task) error
}

// Consumer blocks until a task is available or ctx is done.
type Consumer interface {
	Next(ctx context.Context) (Task, error)
}

// message is the Redis wire envelope.
type message struct {
	Task    string `json:"task"`
	Body    Task   `json:"body"`
	Retries int    `json:"retries"`
}

// Redis is a list-backed queue: producers LPUSH, consumers BRPOP.
type Redis struct {
	rdb       *redis.Client
	queueName string
	pollWait  time.Duration
}

// NewRedis creates a queue on the named Redis list.
func NewRedis(rdb *redis.Client, queueName string) *Redis {
	return &Redis{rdb: rdb, queueName: queueName, pollWait: 2 * time.Second}
}

// PublishEnrichment serialises the task and pushes it onto the list.
func (q *Redis) PublishEnrichment(ctx context.Context, task Task) error {
	fillTask(&task)
	msgJSON, err := json.Marshal(message{Task: TaskEnrichContent, Body: task})
	if err != nil {
		return fmt.Errorf("marshal enrichment task: %w", err)
	}

	if err := q.rdb.LPush(ctx, q.queueName, string(msgJSON)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published enrichment task",
		"task_id", task.ID,
		"fingerprint", task.Fingerprint,
		"queue", q.queueName,
	)
	return nil
}

// Next pops the oldest task. BRPOP waits in short slices so cancellation is
// noticed promptly.
func (q *Redis) Next(ctx context.Context) (Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Task{}, err
		}
		res, err := q.rdb.BRPop(ctx, q.pollWait, q.queueName).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			return Task{}, fmt.Errorf("redis BRPOP: %w", err)
		}
		// res is [key, value].
		var msg message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil || msg.Task != TaskEnrichContent {
			slog.Warn("dropping unrecognised queue message", "queue", q.queueName, "error", err)
			continue
		}
		return msg.Body, nil
	}
}

// Ping checks the Redis connection.
func (q *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return q.rdb.Ping(ctx).Err()
}

// Memory is an in-process queue for single-binary deployments.
type Memory struct {
	ch chan Task
}

// NewMemory returns a queue holding up to size pending tasks.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1024
	}
	return &Memory{ch: make(chan Task, size)}
}

// PublishEnrichment enqueues without blocking. A full queue drops the task.
func (q *Memory) PublishEnrichment(ctx context.Context, task Task) error {
	fillTask(&task)
	select {
	case q.ch <- task:
	default:
		slog.Warn("enrichment queue full, task dropped", "fingerprint", task.Fingerprint)
	}
	return nil
}

// Next waits for a task.
func (q *Memory) Next(ctx context.Context) (Task, error) {
	select {
	case <-ctx.Done():
		return Task{}, ctx.Err()
	case t := <-q.ch:
		return t, nil
	}
}

// Len returns the number of pending tasks.
func (q *Memory) Len() int {
	return len(q.ch)
}

func fillTask(t *Task) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
}
