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

package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/compintel/ingestion/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "emails"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// TestNew_CreatesZones verifies the zone directory layout.
func TestNew_CreatesZones(t *testing.T) {
	s := newTestStore(t)
	for _, sub := range []string{"processed", "deleted"} {
		fi, err := os.Stat(filepath.Join(s.Dir(), sub))
		if err != nil || !fi.IsDir() {
			t.Errorf("zone dir %s missing: %v", sub, err)
		}
	}
	if _, err := New("  "); err == nil {
		t.Error("expected error for blank directory")
	}
}

// TestPutGet verifies an artifact survives a fresh store instance.
func TestPutGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	path, err := s.Put(ctx, "msg-1.json", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if filepath.Dir(path) != s.Dir() {
		t.Errorf("artifact written to %s, want inbox %s", path, s.Dir())
	}

	reopened, err := New(s.Dir())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	data, err := reopened.Get(ctx, models.ZoneInbox, "msg-1.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("data = %q", data)
	}

	if _, err := s.Put(ctx, "msg-1.json", []byte("x")); !errors.Is(err, ErrExists) {
		t.Errorf("err = %v, want ErrExists", err)
	}

	entries, _ := os.ReadDir(s.Dir())
	for _, e := range entries {
		if !e.IsDir() && e.Name() != "msg-1.json" {
			t.Errorf("unexpected leftover file %s", e.Name())
		}
	}
}

// TestPut_RejectsBadNames verifies path traversal is refused.
func TestPut_RejectsBadNames(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"", "..", "../escape.json", "a/b.json", ".tmp-x"} {
		if _, err := s.Put(context.Background(), name, []byte("x")); err == nil {
			t.Errorf("Put(%q) succeeded, want error", name)
		}
	}
}

// TestMove verifies zone moves, idempotent retries and missing artifacts.
func TestMove(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.Put(ctx, "m.eml", []byte("raw")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := s.Move(ctx, "m.eml", models.ZoneInbox, models.ZoneProcessed); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if _, err := s.Get(ctx, models.ZoneInbox, "m.eml"); !errors.Is(err, ErrNotFound) {
		t.Errorf("inbox Get err = %v, want ErrNotFound", err)
	}
	if z, err := s.Locate(ctx, "m.eml"); err != nil || z != models.ZoneProcessed {
		t.Errorf("Locate = %s, %v; want processed", z, err)
	}

	// Retrying the same move is a no-op.
	if err := s.Move(ctx, "m.eml", models.ZoneInbox, models.ZoneProcessed); err != nil {
		t.Errorf("retried Move: %v", err)
	}

	if err := s.Move(ctx, "absent.eml", models.ZoneInbox, models.ZoneDeleted); !errors.Is(err, ErrNotFound) {
		t.Errorf("Move missing err = %v, want ErrNotFound", err)
	}
}

// TestListAndCleanup verifies listings skip temp files and old temp files are removed.
func TestListAndCleanup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, n := range []string{"b.json", "a.json"} {
		if _, err := s.Put(ctx, n, []byte(n)); err != nil {
			t.Fatalf("Put %s: %v", n, err)
		}
	}
	stale := filepath.Join(s.Dir(), tempPrefix+"crashed")
	if err := os.WriteFile(stale, []byte("partial"), 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	infos, err := s.List(ctx, models.ZoneInbox)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("List returned %d entries, want 2: %+v", len(infos), infos)
	}

	removed, err := s.CleanupTemp(time.Hour)
	if err != nil || removed != 1 {
		t.Errorf("CleanupTemp = %d, %v; want 1", removed, err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale temp file still present")
	}
}

// TestRemove verifies removal is idempotent.
func TestRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.Put(ctx, "r.json", []byte("{}")); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, models.ZoneInbox, "r.json"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(ctx, models.ZoneInbox, "r.json"); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}
