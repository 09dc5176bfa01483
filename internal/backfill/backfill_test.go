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

package backfill

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/compintel/ingestion/internal/artifact"
	"github.com/compintel/ingestion/internal/pipeline"
	"github.com/compintel/ingestion/internal/store"
	"github.com/compintel/ingestion/internal/store/memory"
)

// --- Test helpers ---

func eml(from, subject, messageID string) string {
	return fmt.Sprintf("From: %s\r\nSubject: %s\r\nMessage-ID: %s\r\nContent-Type: text/plain\r\n\r\nBody of %s\r\n",
		from, subject, messageID, subject)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newRunner(t *testing.T) (*Runner, *memory.Store) {
	t.Helper()
	arts, err := artifact.New(t.TempDir())
	if err != nil {
		t.Fatalf("artifact.New: %v", err)
	}
	st := memory.New()
	return NewRunner(RunnerConfig{
		Receiver: pipeline.NewReceiver(st, arts, nil),
		Emails:   st,
	}), st
}

// TestBackfill_ImportsAndSkips verifies a directory import, nested files,
// malformed files and ignored extensions.
func TestBackfill_ImportsAndSkips(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.eml", eml("news@acme.com", "One", "<1@acme.com>"))
	writeFile(t, dir, "2025/b.eml", eml("news@acme.com", "Two", "<2@acme.com>"))
	writeFile(t, dir, "c.json", `{"headers":{"from":"hi@globex.io","subject":"Three","message_id":"<3@globex.io>"},"plain":"x"}`)
	writeFile(t, dir, "broken.eml", "")
	writeFile(t, dir, "notes.txt", "ignored")

	r, st := newRunner(t)
	res, err := r.Run(context.Background(), BackfillRequest{Dirs: []string{dir}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalNew != 3 || res.TotalRejected != 1 || res.TotalSkipped != 0 {
		t.Errorf("result = %+v", res)
	}
	emails, _ := st.ListEmails(context.Background(), store.EmailFilter{})
	if len(emails) != 3 {
		t.Errorf("emails = %d, want 3", len(emails))
	}

	// A second pass finds every Message-ID already logged.
	res, err = r.Run(context.Background(), BackfillRequest{Dirs: []string{dir}})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.TotalNew != 0 || res.TotalSkipped != 3 {
		t.Errorf("second result = %+v", res)
	}
	s, err := st.GetSender(context.Background(), "news@acme.com")
	if err != nil {
		t.Fatalf("GetSender: %v", err)
	}
	if s.Counters.Received != 2 {
		t.Errorf("received = %d, want 2", s.Counters.Received)
	}
}

// TestBackfill_Since verifies the modification-time window.
func TestBackfill_Since(t *testing.T) {
	dir := t.TempDir()
	old := writeFile(t, dir, "old.eml", eml("news@acme.com", "Old", "<old@acme.com>"))
	writeFile(t, dir, "new.eml", eml("news@acme.com", "New", "<new@acme.com>"))
	past := time.Now().Add(-30 * 24 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	r, _ := newRunner(t)
	res, err := r.Run(context.Background(), BackfillRequest{Dirs: []string{dir}, Since: 7 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalNew != 1 {
		t.Errorf("imported = %d, want 1", res.TotalNew)
	}
}

// TestBackfill_MissingDirContinues verifies one bad directory does not stop
// the others.
func TestBackfill_MissingDirContinues(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.eml", eml("news@acme.com", "One", "<1@acme.com>"))

	r, _ := newRunner(t)
	res, err := r.Run(context.Background(), BackfillRequest{Dirs: []string{filepath.Join(dir, "missing"), dir}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.DirResults) != 2 || res.TotalNew != 1 {
		t.Errorf("result = %+v", res)
	}
}

type failingReceiver struct{}

func (failingReceiver) Receive(context.Context, pipeline.Payload) (*pipeline.Receipt, error) {
	return nil, fmt.Errorf("%w: disk full", pipeline.ErrStorage)
}

// TestBackfill_StorageFailureAborts verifies storage errors stop the run.
func TestBackfill_StorageFailureAborts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.eml", eml("news@acme.com", "One", "<1@acme.com>"))
	writeFile(t, dir, "b.eml", eml("news@acme.com", "Two", "<2@acme.com>"))

	r := NewRunner(RunnerConfig{Receiver: failingReceiver{}, Emails: memory.New()})
	_, err := r.Run(context.Background(), BackfillRequest{Dirs: []string{dir}})
	if !errors.Is(err, pipeline.ErrStorage) {
		t.Errorf("err = %v, want ErrStorage", err)
	}
}
