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

// Package storetest is a conformance suite run against every store backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/compintel/ingestion/internal/models"
	"github.com/compintel/ingestion/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("ReceiveAndGet", func(t *testing.T) { testReceiveAndGet(t, newStore(t)) })
	t.Run("Transition", func(t *testing.T) { testTransition(t, newStore(t)) })
	t.Run("AttemptsAndZone", func(t *testing.T) { testAttemptsAndZone(t, newStore(t)) })
	t.Run("ListAndCount", func(t *testing.T) { testListAndCount(t, newStore(t)) })
	t.Run("Senders", func(t *testing.T) { testSenders(t, newStore(t)) })
	t.Run("RebuildSenderCounts", func(t *testing.T) { testRebuildSenderCounts(t, newStore(t)) })
	t.Run("Content", func(t *testing.T) { testContent(t, newStore(t)) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewRecord builds a RECEIVED record for tests.
func NewRecord(id, sender string, receivedAt time.Time) *models.EmailRecord {
	return &models.EmailRecord{
		ID:           id,
		MessageID:    "<" + id + "@example.com>",
		Sender:       sender,
		Recipient:    "intel@example.org",
		Subject:      "Subject " + id,
		ReceivedAt:   receivedAt,
		ArtifactName: id + ".json",
		Zone:         models.ZoneInbox,
		Status:       models.StatusReceived,
	}
}

func testReceiveAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	pub := base.Add(-time.Hour)
	rec := NewRecord("e1", "news@acme.com", base)
	rec.PublishedAt = &pub
	rec.SourceIP = "10.0.0.1"

	if err := s.ReceiveEmail(ctx, rec); err != nil {
		t.Fatalf("ReceiveEmail: %v", err)
	}
	if err := s.ReceiveEmail(ctx, rec); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("duplicate ReceiveEmail err = %v, want ErrDuplicate", err)
	}

	got, err := s.GetEmail(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEmail: %v", err)
	}
	if got.Sender != "news@acme.com" || got.Status != models.StatusReceived || got.Zone != models.ZoneInbox {
		t.Errorf("unexpected record: %+v", got)
	}
	if !got.ReceivedAt.Equal(base) {
		t.Errorf("received_at = %v, want %v", got.ReceivedAt, base)
	}
	if got.PublishedAt == nil || !got.PublishedAt.Equal(pub) {
		t.Errorf("published_at = %v, want %v", got.PublishedAt, pub)
	}
	if got.SourceIP != "10.0.0.1" || got.ArtifactName != "e1.json" {
		t.Errorf("metadata not persisted: %+v", got)
	}

	if _, err := s.GetEmail(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetEmail(missing) err = %v, want ErrNotFound", err)
	}

	st, err := s.GetSender(ctx, "news@acme.com")
	if err != nil {
		t.Fatalf("GetSender: %v", err)
	}
	if st.Counters != (models.Counters{Received: 1}) {
		t.Errorf("counters = %+v, want received=1", st.Counters)
	}
	if !st.LastSeen.Equal(base) {
		t.Errorf("last_seen = %v, want %v", st.LastSeen, base)
	}
}

func testTransition(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord("e1", "news@acme.com", base)
	if err := s.ReceiveEmail(ctx, rec); err != nil {
		t.Fatalf("ReceiveEmail: %v", err)
	}

	processedAt := base.Add(time.Minute)
	rec.Status = models.StatusProcessed
	rec.Competitor = "Acme"
	rec.MatchMethod = models.MatchAI
	rec.Confidence = 0.92
	rec.ProcessedAt = &processedAt
	if err := s.TransitionEmail(ctx, rec, models.StatusReceived, models.Counters{Processed: 1}); err != nil {
		t.Fatalf("TransitionEmail: %v", err)
	}

	// A second writer holding the old status loses.
	err := s.TransitionEmail(ctx, rec, models.StatusReceived, models.Counters{Processed: 1})
	if !errors.Is(err, store.ErrStaleTransition) {
		t.Fatalf("stale TransitionEmail err = %v, want ErrStaleTransition", err)
	}

	bad := rec.Clone()
	bad.Status = models.StatusReceived
	if err := s.TransitionEmail(ctx, bad, models.StatusProcessed, models.Counters{}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("backwards TransitionEmail err = %v, want ErrInvalidTransition", err)
	}

	ghost := NewRecord("ghost", "x@y.z", base)
	ghost.Status = models.StatusProcessed
	if err := s.TransitionEmail(ctx, ghost, models.StatusReceived, models.Counters{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing TransitionEmail err = %v, want ErrNotFound", err)
	}

	got, err := s.GetEmail(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEmail: %v", err)
	}
	if got.Status != models.StatusProcessed || got.Competitor != "Acme" || got.MatchMethod != models.MatchAI {
		t.Errorf("transition not persisted: %+v", got)
	}
	if got.Confidence < 0.91 || got.Confidence > 0.93 {
		t.Errorf("confidence = %v", got.Confidence)
	}
	if got.ProcessedAt == nil || !got.ProcessedAt.Equal(processedAt) {
		t.Errorf("processed_at = %v", got.ProcessedAt)
	}

	injectedAt := base.Add(2 * time.Minute)
	got.Status = models.StatusInjected
	got.Fingerprint = "fp1"
	got.InjectedAt = &injectedAt
	if err := s.TransitionEmail(ctx, got, models.StatusProcessed, models.Counters{Injected: 1}); err != nil {
		t.Fatalf("inject TransitionEmail: %v", err)
	}

	st, err := s.GetSender(ctx, "news@acme.com")
	if err != nil {
		t.Fatalf("GetSender: %v", err)
	}
	want := models.Counters{Received: 1, Processed: 1, Injected: 1}
	if st.Counters != want {
		t.Errorf("counters = %+v, want %+v", st.Counters, want)
	}
	if !st.Counters.Valid() {
		t.Errorf("counter invariant broken: %+v", st.Counters)
	}
}

func testAttemptsAndZone(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.ReceiveEmail(ctx, NewRecord("e1", "a@b.c", base)); err != nil {
		t.Fatalf("ReceiveEmail: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.RecordAttempt(ctx, "e1", "model timeout"); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}
	if err := s.SetEmailZone(ctx, "e1", models.ZoneProcessed); err != nil {
		t.Fatalf("SetEmailZone: %v", err)
	}
	got, err := s.GetEmail(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEmail: %v", err)
	}
	if got.Attempts != 2 || got.LastError != "model timeout" {
		t.Errorf("attempts = %d, last_error = %q", got.Attempts, got.LastError)
	}
	if got.Status != models.StatusReceived {
		t.Errorf("status changed to %s", got.Status)
	}
	if got.Zone != models.ZoneProcessed {
		t.Errorf("zone = %s", got.Zone)
	}
	if err := s.RecordAttempt(ctx, "missing", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("RecordAttempt(missing) err = %v", err)
	}
	if err := s.SetEmailZone(ctx, "missing", models.ZoneInbox); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetEmailZone(missing) err = %v", err)
	}
}

func testListAndCount(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, id := range []string{"e3", "e1", "e2"} {
		sender := "a@acme.com"
		if id == "e2" {
			sender = "b@globex.io"
		}
		if err := s.ReceiveEmail(ctx, NewRecord(id, sender, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("ReceiveEmail %s: %v", id, err)
		}
	}
	rec, _ := s.GetEmail(ctx, "e1")
	rec.Status = models.StatusUnmatched
	if err := s.TransitionEmail(ctx, rec, models.StatusReceived, models.Counters{Processed: 1}); err != nil {
		t.Fatalf("TransitionEmail: %v", err)
	}

	all, err := s.ListEmails(ctx, store.EmailFilter{})
	if err != nil {
		t.Fatalf("ListEmails: %v", err)
	}
	if ids(all) != "e3,e1,e2" {
		t.Errorf("oldest-first order = %s", ids(all))
	}

	newest, err := s.ListEmails(ctx, store.EmailFilter{Newest: true, Limit: 2})
	if err != nil {
		t.Fatalf("ListEmails newest: %v", err)
	}
	if ids(newest) != "e2,e1" {
		t.Errorf("newest order = %s", ids(newest))
	}

	if err := s.RecordAttempt(ctx, "e3", "timeout"); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	retries, err := s.ListEmails(ctx, store.EmailFilter{FewestAttempts: true, Limit: 2})
	if err != nil {
		t.Fatalf("ListEmails fewest attempts: %v", err)
	}
	if ids(retries) != "e1,e2" {
		t.Errorf("fewest-attempts order = %s", ids(retries))
	}

	pending, err := s.ListEmails(ctx, store.EmailFilter{Statuses: []models.Status{models.StatusReceived, models.StatusProcessed}})
	if err != nil {
		t.Fatalf("ListEmails pending: %v", err)
	}
	if ids(pending) != "e3,e2" {
		t.Errorf("pending = %s", ids(pending))
	}

	bySender, err := s.ListEmails(ctx, store.EmailFilter{Sender: "a@acme.com", Zone: models.ZoneInbox})
	if err != nil {
		t.Fatalf("ListEmails sender: %v", err)
	}
	if ids(bySender) != "e3,e1" {
		t.Errorf("by sender = %s", ids(bySender))
	}

	notInbox, err := s.ListEmails(ctx, store.EmailFilter{ExcludeZone: models.ZoneInbox})
	if err != nil {
		t.Fatalf("ListEmails exclude: %v", err)
	}
	if len(notInbox) != 0 {
		t.Errorf("exclude inbox returned %s", ids(notInbox))
	}

	counts, err := s.CountEmails(ctx)
	if err != nil {
		t.Fatalf("CountEmails: %v", err)
	}
	if counts[models.StatusReceived] != 2 || counts[models.StatusUnmatched] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func testSenders(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.IncrementSender(ctx, "a@acme.com", models.Counters{Received: 3, Processed: 1}, base); err != nil {
		t.Fatalf("IncrementSender: %v", err)
	}
	if err := s.IncrementSender(ctx, "a@acme.com", models.Counters{Received: 1}, base.Add(-time.Hour)); err != nil {
		t.Fatalf("IncrementSender: %v", err)
	}
	if err := s.IncrementSender(ctx, "b@globex.io", models.Counters{Received: 1}, base); err != nil {
		t.Fatalf("IncrementSender: %v", err)
	}

	st, err := s.GetSender(ctx, "a@acme.com")
	if err != nil {
		t.Fatalf("GetSender: %v", err)
	}
	if st.Received != 4 || st.Processed != 1 {
		t.Errorf("counters = %+v", st.Counters)
	}
	if !st.LastSeen.Equal(base) {
		t.Errorf("last_seen moved backwards: %v", st.LastSeen)
	}

	if err := s.AssignSender(ctx, "a@acme.com", "Acme"); err != nil {
		t.Fatalf("AssignSender: %v", err)
	}
	if err := s.DeleteSender(ctx, "a@acme.com"); !errors.Is(err, store.ErrSenderAssigned) {
		t.Fatalf("DeleteSender assigned err = %v, want ErrSenderAssigned", err)
	}

	// Assigning an unseen sender creates it.
	if err := s.AssignSender(ctx, "new@initech.com", "Initech"); err != nil {
		t.Fatalf("AssignSender new: %v", err)
	}
	if st, err := s.GetSender(ctx, "new@initech.com"); err != nil || st.AssignedCompetitor != "Initech" {
		t.Errorf("GetSender new = %+v, %v", st, err)
	}

	list, err := s.ListSenders(ctx)
	if err != nil {
		t.Fatalf("ListSenders: %v", err)
	}
	if len(list) != 3 || list[0].Address != "a@acme.com" {
		t.Errorf("ListSenders order = %+v", list)
	}

	if err := s.DeleteSender(ctx, "b@globex.io"); err != nil {
		t.Fatalf("DeleteSender: %v", err)
	}
	if _, err := s.GetSender(ctx, "b@globex.io"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetSender deleted err = %v", err)
	}
	if err := s.DeleteSender(ctx, "b@globex.io"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("DeleteSender twice err = %v", err)
	}

	if err := s.AssignSender(ctx, "a@acme.com", ""); err != nil {
		t.Fatalf("clear assignment: %v", err)
	}
	if err := s.DeleteSender(ctx, "a@acme.com"); err != nil {
		t.Errorf("DeleteSender after clearing: %v", err)
	}
}

func testRebuildSenderCounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, id := range []string{"r1", "r2", "r3"} {
		if err := s.ReceiveEmail(ctx, NewRecord(id, "a@acme.com", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("ReceiveEmail %s: %v", id, err)
		}
	}
	at := base.Add(time.Hour)
	for _, id := range []string{"r1", "r2"} {
		rec, err := s.GetEmail(ctx, id)
		if err != nil {
			t.Fatalf("GetEmail %s: %v", id, err)
		}
		rec.Status = models.StatusProcessed
		rec.ProcessedAt = &at
		if err := s.TransitionEmail(ctx, rec, models.StatusReceived, models.Counters{Processed: 1}); err != nil {
			t.Fatalf("TransitionEmail %s: %v", id, err)
		}
		rec.Status = models.StatusInjected
		rec.InjectedAt = &at
		rec.Duplicate = id == "r2"
		delta := models.Counters{Injected: 1}
		if rec.Duplicate {
			delta = models.Counters{}
		}
		if err := s.TransitionEmail(ctx, rec, models.StatusProcessed, delta); err != nil {
			t.Fatalf("TransitionEmail %s: %v", id, err)
		}
	}

	// Drift the counters and add a sender with no emails.
	if err := s.IncrementSender(ctx, "a@acme.com", models.Counters{Received: 40, Injected: 7}, time.Time{}); err != nil {
		t.Fatalf("IncrementSender: %v", err)
	}
	if err := s.AssignSender(ctx, "a@acme.com", "Acme"); err != nil {
		t.Fatalf("AssignSender: %v", err)
	}
	if err := s.IncrementSender(ctx, "idle@globex.io", models.Counters{Received: 5}, base); err != nil {
		t.Fatalf("IncrementSender idle: %v", err)
	}

	n, err := s.RebuildSenderCounts(ctx)
	if err != nil {
		t.Fatalf("RebuildSenderCounts: %v", err)
	}
	if n != 2 {
		t.Errorf("senders written = %d, want 2", n)
	}

	st, err := s.GetSender(ctx, "a@acme.com")
	if err != nil {
		t.Fatalf("GetSender: %v", err)
	}
	if st.Counters != (models.Counters{Received: 3, Processed: 2, Injected: 1}) {
		t.Errorf("counters = %+v", st.Counters)
	}
	if st.AssignedCompetitor != "Acme" {
		t.Errorf("assignment lost on rebuild: %+v", st)
	}
	if !st.LastSeen.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("last_seen = %v", st.LastSeen)
	}
	idle, err := s.GetSender(ctx, "idle@globex.io")
	if err != nil {
		t.Fatalf("GetSender idle: %v", err)
	}
	if !idle.Counters.IsZero() {
		t.Errorf("idle counters = %+v, want zero", idle.Counters)
	}
}

func testContent(t *testing.T, s store.Store) {
	ctx := context.Background()
	pub := base.Add(-24 * time.Hour)
	rec := &models.ContentRecord{
		Fingerprint: "fp1",
		Competitor:  "Acme",
		SourceURL:   "email://e1",
		Title:       "Spring launch",
		CleanText:   "Big news",
		PublishedAt: &pub,
		CollectedAt: base,
		EmailID:     "e1",
	}

	inserted, err := s.AppendContent(ctx, rec)
	if err != nil || !inserted {
		t.Fatalf("AppendContent = %v, %v; want inserted", inserted, err)
	}
	dup := rec.Clone()
	dup.EmailID = "e2"
	inserted, err = s.AppendContent(ctx, dup)
	if err != nil || inserted {
		t.Fatalf("duplicate AppendContent = %v, %v; want no-op", inserted, err)
	}

	got, err := s.GetContent(ctx, "fp1")
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if got.EmailID != "e1" || got.Title != "Spring launch" || got.SourceURL != "email://e1" {
		t.Errorf("content = %+v", got)
	}
	if got.PublishedAt == nil || !got.PublishedAt.Equal(pub) {
		t.Errorf("published_at = %v", got.PublishedAt)
	}
	if _, err := s.GetContent(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetContent(missing) err = %v", err)
	}

	second := rec.Clone()
	second.Fingerprint = "fp2"
	second.EmailID = "e3"
	if _, err := s.AppendContent(ctx, second); err != nil {
		t.Fatalf("AppendContent fp2: %v", err)
	}

	pending, err := s.ListUnenriched(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnenriched: %v", err)
	}
	if len(pending) != 2 || pending[0].Fingerprint != "fp1" {
		t.Fatalf("ListUnenriched = %+v", pending)
	}

	if err := s.UpdateEnrichment(ctx, "fp1", models.Enrichment{Summary: "s", Category: "Product/Feature", Impact: "High"}); err != nil {
		t.Fatalf("UpdateEnrichment: %v", err)
	}
	got, _ = s.GetContent(ctx, "fp1")
	if !got.Done() || got.Category != "Product/Feature" || got.Impact != "High" {
		t.Errorf("enrichment not stored: %+v", got.Enrichment)
	}
	pending, _ = s.ListUnenriched(ctx, 10)
	if len(pending) != 1 || pending[0].Fingerprint != "fp2" {
		t.Errorf("ListUnenriched after update = %+v", pending)
	}
	if err := s.UpdateEnrichment(ctx, "nope", models.Enrichment{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateEnrichment(missing) err = %v", err)
	}
}

func ids(recs []*models.EmailRecord) string {
	out := ""
	for i, r := range recs {
		if i > 0 {
			out += ","
		}
		out += r.ID
	}
	return out
}
