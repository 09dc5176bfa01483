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

// Package artifact stores raw inbound payloads on the local filesystem.
//
// The store is split into three zones: the inbox (unresolved work), processed
// (injected) and deleted (rejected). The inbox is the base directory itself;
// the other zones are subdirectories of it. Writes are atomic: a payload is
// written to a temp file, synced and renamed into place, so a crash never
// leaves a partial artifact visible.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/compintel/ingestion/internal/models"
)

var (
	// ErrNotFound is returned when an artifact is not present in a zone.
	ErrNotFound = errors.New("artifact not found")
	// ErrExists is returned by Put when the name is taken.
	ErrExists = errors.New("artifact already exists")
)

// tempPrefix marks in-flight writes. Listings skip them.
const tempPrefix = ".tmp-"

// Store is a zone-aware filesystem artifact store.
type Store struct {
	baseDir string
}

// New creates the zone directories under baseDir and checks they are writable.
func New(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("artifact directory is required")
	}

	s := &Store{baseDir: filepath.Clean(baseDir)}
	for _, z := range models.Zones {
		if err := os.MkdirAll(s.dir(z), 0o750); err != nil {
			return nil, fmt.Errorf("create %s zone: %w", z, err)
		}
	}

	check, err := os.CreateTemp(s.baseDir, tempPrefix+"check-")
	if err != nil {
		return nil, fmt.Errorf("artifact directory is not writable: %w", err)
	}
	check.Close()
	if err := os.Remove(check.Name()); err != nil {
		return nil, fmt.Errorf("clean up write check file: %w", err)
	}

	return s, nil
}

// Dir returns the base directory.
func (s *Store) Dir() string { return s.baseDir }

func (s *Store) dir(z models.Zone) string {
	if z == models.ZoneInbox {
		return s.baseDir
	}
	return filepath.Join(s.baseDir, string(z))
}

// Path returns the full path of name in zone z.
func (s *Store) Path(z models.Zone, name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if !z.Valid() {
		return "", fmt.Errorf("unknown zone %q", z)
	}
	return filepath.Join(s.dir(z), name), nil
}

// validName rejects anything that is not a single plain path element.
func validName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, tempPrefix) {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return nil
}

// Put writes data to the inbox under name. It fails if an artifact of that
// name already exists in the inbox.
func (s *Store) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst, err := s.Path(models.ZoneInbox, name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dst); err == nil {
		return "", fmt.Errorf("%w: %s", ErrExists, name)
	}

	tmp, err := os.CreateTemp(s.baseDir, tempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return "", fmt.Errorf("write temp artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync temp artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp artifact: %w", err)
	}
	// Link refuses to replace an existing file, unlike rename.
	if err := os.Link(tmpName, dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrExists, name)
		}
		return "", fmt.Errorf("commit artifact: %w", err)
	}
	committed = true
	os.Remove(tmpName)

	if err := syncDir(s.baseDir); err != nil {
		slog.Warn("artifact directory sync failed", "dir", s.baseDir, "error", err)
	}
	return dst, nil
}

// Get reads an artifact from zone z.
func (s *Store) Get(ctx context.Context, z models.Zone, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.Path(z, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, z, name)
	}
	return data, err
}

// Locate returns the zone currently holding name, searching every zone.
func (s *Store) Locate(ctx context.Context, name string) (models.Zone, error) {
	for _, z := range models.Zones {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		p, err := s.Path(z, name)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(p); err == nil {
			return z, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Move relocates an artifact between zones. Moving an artifact that is
// already in the destination (and no longer in the source) succeeds, so a
// retried move is harmless.
func (s *Store) Move(ctx context.Context, name string, from, to models.Zone) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	src, err := s.Path(from, name)
	if err != nil {
		return err
	}
	dst, err := s.Path(to, name)
	if err != nil {
		return err
	}

	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, statErr := os.Stat(dst); statErr == nil {
				return nil
			}
			return fmt.Errorf("%w: %s/%s", ErrNotFound, from, name)
		}
		return fmt.Errorf("move artifact %s from %s to %s: %w", name, from, to, err)
	}

	if err := syncDir(s.dir(to)); err != nil {
		slog.Warn("artifact directory sync failed", "dir", s.dir(to), "error", err)
	}
	return nil
}

// Remove deletes an artifact from zone z. Removing a missing artifact succeeds.
func (s *Store) Remove(ctx context.Context, z models.Zone, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.Path(z, name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

// Info describes a stored artifact.
type Info struct {
	Name    string
	ModTime time.Time
}

// List returns the artifacts in zone z, oldest first. Temp files and
// subdirectories are skipped.
func (s *Store) List(ctx context.Context, z models.Zone) ([]Info, error) {
	if !z.Valid() {
		return nil, fmt.Errorf("unknown zone %q", z)
	}
	entries, err := os.ReadDir(s.dir(z))
	if err != nil {
		return nil, fmt.Errorf("list %s zone: %w", z, err)
	}

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || strings.HasPrefix(e.Name(), tempPrefix) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{Name: e.Name(), ModTime: fi.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].Name < out[j].Name
		}
		return out[i].ModTime.Before(out[j].ModTime)
	})
	return out, nil
}

// CleanupTemp removes temp files older than olderThan, left behind by writes
// interrupted by a crash. It returns the number removed.
func (s *Store) CleanupTemp(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, fmt.Errorf("scan for temp artifacts: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		fi, err := e.Info()
		if err != nil || fi.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.baseDir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
