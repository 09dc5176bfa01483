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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisQueue(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := NewRedis(rdb, "ingestion:enrich")
	q.pollWait = 100 * time.Millisecond
	return q, mr
}

// TestRedis_PublishAndNext verifies FIFO delivery through the Redis list.
func TestRedis_PublishAndNext(t *testing.T) {
	ctx := context.Background()
	q, mr := newRedisQueue(t)

	if err := q.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	for _, fp := range []string{"fp1", "fp2"} {
		if err := q.PublishEnrichment(ctx, Task{Fingerprint: fp, EmailID: "e-" + fp}); err != nil {
			t.Fatalf("PublishEnrichment: %v", err)
		}
	}

	items, err := mr.List("ingestion:enrich")
	if err != nil || len(items) != 2 {
		t.Fatalf("list = %v, %v", items, err)
	}
	var msg message
	if err := json.Unmarshal([]byte(items[0]), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Task != TaskEnrichContent || msg.Body.ID == "" || msg.Body.EnqueuedAt.IsZero() {
		t.Errorf("message = %+v", msg)
	}

	first, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	second, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first.Fingerprint != "fp1" || second.Fingerprint != "fp2" {
		t.Errorf("order = %s, %s", first.Fingerprint, second.Fingerprint)
	}
}

// TestRedis_NextSkipsGarbage verifies foreign messages are dropped.
func TestRedis_NextSkipsGarbage(t *testing.T) {
	ctx := context.Background()
	q, mr := newRedisQueue(t)

	mr.Lpush("ingestion:enrich", "not json")
	q.PublishEnrichment(ctx, Task{Fingerprint: "fp1"})

	got, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Fingerprint != "fp1" {
		t.Errorf("got %+v", got)
	}
}

// TestRedis_NextCancelled verifies an empty queue returns on cancellation.
func TestRedis_NextCancelled(t *testing.T) {
	q, _ := newRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	if _, err := q.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

// TestMemory_DropsWhenFull verifies publishing never blocks.
func TestMemory_DropsWhenFull(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(1)
	q.PublishEnrichment(ctx, Task{Fingerprint: "fp1"})
	if err := q.PublishEnrichment(ctx, Task{Fingerprint: "fp2"}); err != nil {
		t.Fatalf("PublishEnrichment: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
	got, err := q.Next(ctx)
	if err != nil || got.Fingerprint != "fp1" {
		t.Errorf("Next = %+v, %v", got, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := q.Next(cctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want Canceled", err)
	}
}
