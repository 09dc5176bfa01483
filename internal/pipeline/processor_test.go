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
	"os"
	"sync"
	"testing"
	"time"

	"github.com/compintel/ingestion/internal/config"
	"github.com/compintel/ingestion/internal/dedup"
	"github.com/compintel/ingestion/internal/matcher"
	"github.com/compintel/ingestion/internal/models"
)

// TestRun_UnseenSenderUnmatched verifies an unknown sender with no AI match
// lands in the review queue with processed counted.
func TestRun_UnseenSenderUnmatched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.receive(t, "hello@unknown.example", "Weekly digest", "<d1@unknown.example>")

	res := h.run(t)
	if res.Unmatched != 1 || res.Matched != 0 {
		t.Errorf("result = %+v", res)
	}

	rec := h.email(t, r.ID)
	if rec.Status != models.StatusUnmatched || rec.ProcessedAt == nil || rec.ReviewReason == "" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Zone != models.ZoneInbox {
		t.Errorf("zone = %s, want inbox", rec.Zone)
	}
	if c := h.counters(t, "hello@unknown.example"); c != (models.Counters{Received: 1, Processed: 1}) {
		t.Errorf("counters = %+v", c)
	}

	queue, err := h.admin.ReviewQueue(ctx)
	if err != nil {
		t.Fatalf("ReviewQueue: %v", err)
	}
	if len(queue) != 1 || queue[0].ID != r.ID {
		t.Errorf("review queue = %v", queue)
	}
}

// TestRun_AssignedSenderDuplicate verifies a sticky assignment skips the
// model and that a repeated newsletter yields one row and one injection.
func TestRun_AssignedSenderDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if _, err := h.admin.AssignSender(ctx, "News@Acme.com", "acme", false); err != nil {
		t.Fatalf("AssignSender: %v", err)
	}

	first := h.receive(t, "news@acme.com", "Pricing update", "")
	second := h.receive(t, "news@acme.com", "Pricing update", "")

	res := h.run(t)
	if res.Matched != 2 || res.Injected != 1 || res.Duplicates != 1 {
		t.Errorf("result = %+v", res)
	}
	if h.ai.Calls() != 0 {
		t.Errorf("model called %d times for an assigned sender", h.ai.Calls())
	}

	a, b := h.email(t, first.ID), h.email(t, second.ID)
	if a.Status != models.StatusInjected || b.Status != models.StatusInjected {
		t.Fatalf("statuses = %s, %s", a.Status, b.Status)
	}
	if a.MatchMethod != models.MatchManual || a.Competitor != "Acme" {
		t.Errorf("match = %s/%s", a.MatchMethod, a.Competitor)
	}
	if a.Duplicate || !b.Duplicate || a.Fingerprint != b.Fingerprint {
		t.Errorf("duplicate flags = %v, %v; fingerprints %s, %s", a.Duplicate, b.Duplicate, a.Fingerprint, b.Fingerprint)
	}
	if a.Zone != models.ZoneProcessed || b.Zone != models.ZoneProcessed {
		t.Errorf("zones = %s, %s", a.Zone, b.Zone)
	}
	if _, err := h.artifacts.Get(ctx, models.ZoneProcessed, a.ArtifactName); err != nil {
		t.Errorf("artifact not archived: %v", err)
	}

	rows, _ := h.st.ListUnenriched(ctx, 0)
	if len(rows) != 1 || rows[0].EmailID != first.ID || rows[0].SourceURL != "email://"+first.ID {
		t.Errorf("content rows = %+v", rows)
	}
	if h.queue.Len() != 1 {
		t.Errorf("enrichment tasks = %d, want 1", h.queue.Len())
	}
	if c := h.counters(t, "news@acme.com"); c != (models.Counters{Received: 2, Processed: 2, Injected: 1}) {
		t.Errorf("counters = %+v", c)
	}
	h.assertInvariant(t)

	// Nothing left to do on the next run.
	if again := h.run(t); again.Matched+again.Injected+again.Duplicates != 0 {
		t.Errorf("second run = %+v", again)
	}
}

// TestRun_AIMatch verifies an AI match is recorded with its confidence.
func TestRun_AIMatch(t *testing.T) {
	h := newHarness(t)
	h.ai.set(`{"competitor":"Globex","confidence":0.92}`, nil)
	r := h.receive(t, "updates@globex.io", "Launch", "<l1@globex.io>")

	h.run(t)
	rec := h.email(t, r.ID)
	if rec.Status != models.StatusInjected || rec.MatchMethod != models.MatchAI || rec.Competitor != "Globex" || rec.Confidence != 0.92 {
		t.Errorf("record = %+v", rec)
	}
}

// TestRun_AIErrorStaysReceived verifies model failures are retried later.
func TestRun_AIErrorStaysReceived(t *testing.T) {
	h := newHarness(t)
	h.ai.set("", errors.New("upstream timeout"))
	r := h.receive(t, "hello@unknown.example", "Digest", "<t1@unknown.example>")

	res := h.run(t)
	if res.Deferred != 1 {
		t.Errorf("result = %+v", res)
	}
	rec := h.email(t, r.ID)
	if rec.Status != models.StatusReceived || rec.Attempts != 1 || rec.LastError == "" {
		t.Errorf("record = %+v", rec)
	}
	if c := h.counters(t, "hello@unknown.example"); c != (models.Counters{Received: 1}) {
		t.Errorf("counters = %+v", c)
	}

	h.ai.set(`{"competitor":"Globex","confidence":0.9}`, nil)
	h.run(t)
	if got := h.email(t, r.ID).Status; got != models.StatusInjected {
		t.Errorf("status after recovery = %s", got)
	}
}

// TestRun_ResumesProcessed verifies a record left PROCESSED by a crash
// before the append is injected exactly once.
func TestRun_ResumesProcessed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.receive(t, "news@acme.com", "Crash test", "<c1@acme.com>")

	rec := h.email(t, r.ID)
	next := rec.Clone()
	next.Status = models.StatusProcessed
	next.Competitor = "Acme"
	next.MatchMethod = models.MatchManual
	if err := h.st.TransitionEmail(ctx, next, models.StatusReceived, models.Counters{Processed: 1}); err != nil {
		t.Fatalf("TransitionEmail: %v", err)
	}

	res := h.run(t)
	if res.Injected != 1 || res.Matched != 0 {
		t.Errorf("result = %+v", res)
	}
	rows, _ := h.st.ListUnenriched(ctx, 0)
	if len(rows) != 1 {
		t.Errorf("rows = %d, want 1", len(rows))
	}
	if c := h.counters(t, "news@acme.com"); c != (models.Counters{Received: 1, Processed: 1, Injected: 1}) {
		t.Errorf("counters = %+v", c)
	}
}

// TestRun_CreditsOwnRowAfterCrash verifies a row written by this email
// before a crash still counts as its injection.
func TestRun_CreditsOwnRowAfterCrash(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.receive(t, "news@acme.com", "Crash after append", "<c2@acme.com>")

	rec := h.email(t, r.ID)
	next := rec.Clone()
	next.Status = models.StatusProcessed
	next.Competitor = "Acme"
	h.st.TransitionEmail(ctx, next, models.StatusReceived, models.Counters{Processed: 1})

	fp := dedup.Fingerprint("Acme", dedup.NormalizeSource(rec.MessageID, rec.Subject, rec.PublishedAt, rec.Date))
	h.st.AppendContent(ctx, &models.ContentRecord{Fingerprint: fp, Competitor: "Acme", EmailID: r.ID})

	res := h.run(t)
	if res.Injected != 1 || res.Duplicates != 0 {
		t.Errorf("result = %+v", res)
	}
	if got := h.email(t, r.ID); got.Duplicate {
		t.Error("own row treated as duplicate")
	}
	if c := h.counters(t, "news@acme.com"); c.Injected != 1 {
		t.Errorf("counters = %+v", c)
	}
}

// TestRun_LockHeld verifies overlapping runs are refused.
func TestRun_LockHeld(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	lease, err := h.locker.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	defer lease.Release(ctx)

	if _, err := h.proc.Run(ctx); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("err = %v, want ErrRunInProgress", err)
	}
}

// TestRun_Cancelled verifies a cancelled run leaves records where they were.
func TestRun_Cancelled(t *testing.T) {
	h := newHarness(t)
	r := h.receive(t, "news@acme.com", "Later", "<l@acme.com>")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.proc.Run(ctx); err == nil {
		t.Fatal("expected cancellation error")
	}
	if got := h.email(t, r.ID).Status; got != models.StatusReceived {
		t.Errorf("status = %s", got)
	}
	// The lock was released.
	h.run(t)
}

// TestRun_AdoptsOrphan verifies inbox artifacts without a log row are
// picked up.
func TestRun_AdoptsOrphan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	name := "orphan_at_acme.com-20260105_100000_000000.json"
	path, err := h.artifacts.Put(ctx, name, cloudMailin("news@acme.com", "Orphan", "<orphan@acme.com>"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	old := time.Now().Add(-10 * time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	fresh := "fresh_at_acme.com-20260105_100001_000000.json"
	h.artifacts.Put(ctx, fresh, cloudMailin("news@acme.com", "Fresh", "<fresh@acme.com>"))

	res := h.run(t)
	if res.Adopted != 1 {
		t.Errorf("adopted = %d, want 1", res.Adopted)
	}
	rec := h.email(t, "orphan_at_acme.com-20260105_100000_000000")
	if rec.Sender != "news@acme.com" || rec.ArtifactName != name {
		t.Errorf("record = %+v", rec)
	}
	if _, err := h.st.GetEmail(ctx, "fresh_at_acme.com-20260105_100001_000000"); err == nil {
		t.Error("artifact inside the grace period was adopted")
	}
}

// TestRun_SweepsArchive verifies a failed archive move is retried.
func TestRun_SweepsArchive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.admin.AssignSender(ctx, "news@acme.com", "Acme", false)
	r := h.receive(t, "news@acme.com", "Sweep", "<s@acme.com>")
	h.run(t)

	// Simulate the move failing: artifact back in the inbox.
	if err := h.artifacts.Move(ctx, r.Filename, "processed", "inbox"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	h.st.SetEmailZone(ctx, r.ID, models.ZoneInbox)

	res := h.run(t)
	if res.Swept != 1 {
		t.Errorf("swept = %d, want 1", res.Swept)
	}
	if z, _ := h.artifacts.Locate(ctx, r.Filename); z != models.ZoneProcessed {
		t.Errorf("artifact zone = %s", z)
	}
}

// TestRun_ReportsStale verifies repeatedly failing records are surfaced.
func TestRun_ReportsStale(t *testing.T) {
	h := newHarness(t)
	h.ai.set("", errors.New("quota exceeded"))
	r := h.receive(t, "x@unknown.example", "Stuck", "<stuck@x>")

	var res *RunResult
	for i := 0; i < 3; i++ {
		res = h.run(t)
	}
	if len(res.Stale) != 1 || res.Stale[0] != r.ID {
		t.Errorf("stale = %v", res.Stale)
	}
}

// TestRun_FailingRecordsDoNotStarveBatch verifies records that keep failing
// yield the batch to newer ones once the limit is reached.
func TestRun_FailingRecordsDoNotStarveBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ai.set("", errors.New("quota exceeded"))
	h.proc = NewProcessor(ProcessorConfig{
		Store:     h.st,
		Artifacts: h.artifacts,
		Matcher: matcher.NewChain(
			matcher.NewManualAssignment(h.st),
			matcher.NewAIMatch(h.ai, testCompetitors, config.MatchingConfig{MinConfidence: 0.7, BodyPreviewChars: 500}),
		),
		Injector: NewInjector(h.st, h.artifacts, h.queue),
		Locker:   h.locker,
		Pipeline: config.PipelineConfig{StaleAttempts: 3, BatchLimit: 2},
	})

	stuck := []*Receipt{
		h.receive(t, "x@unknown.example", "Stuck 1", "<s1@x>"),
		h.receive(t, "y@unknown.example", "Stuck 2", "<s2@y>"),
	}
	if res := h.run(t); res.Deferred != 2 {
		t.Fatalf("first run = %+v", res)
	}

	h.admin.AssignSender(ctx, "news@acme.com", "Acme", false)
	fresh := h.receive(t, "news@acme.com", "Launch", "<launch@acme.com>")
	h.run(t)

	if got := h.email(t, fresh.ID).Status; got != models.StatusInjected {
		t.Errorf("fresh record status = %s, want INJECTED", got)
	}
	stuckAttempts := 0
	for _, r := range stuck {
		stuckAttempts += h.email(t, r.ID).Attempts
	}
	if stuckAttempts != 3 {
		t.Errorf("stuck attempts = %d, want 3 (one retried within the limit)", stuckAttempts)
	}
}

// TestRun_ConcurrentRuns verifies overlapping runs and receives keep one
// row per fingerprint and valid counters.
func TestRun_ConcurrentRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.admin.AssignSender(ctx, "news@acme.com", "Acme", false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := h.recv.Receive(ctx, Payload{Format: "cloudmailin", Body: cloudMailin("news@acme.com", "Same issue", "<same@acme.com>")}); err != nil {
				t.Errorf("Receive: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := h.proc.Run(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
				t.Errorf("Run: %v", err)
			}
		}()
	}
	wg.Wait()
	h.run(t)

	rows, _ := h.st.ListUnenriched(ctx, 0)
	if len(rows) != 1 {
		t.Errorf("rows = %d, want 1", len(rows))
	}
	if c := h.counters(t, "news@acme.com"); c != (models.Counters{Received: 8, Processed: 8, Injected: 1}) {
		t.Errorf("counters = %+v", c)
	}
	h.assertInvariant(t)
}
