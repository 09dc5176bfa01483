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

package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fileOwner is the content of a lock file.
type fileOwner struct {
	Token       string    `json:"token"`
	PID         int       `json:"pid"`
	Host        string    `json:"host"`
	AcquiredAt  time.Time `json:"acquired_at"`
	RefreshedAt time.Time `json:"refreshed_at,omitempty"`
}

// heartbeat is the last time the holder proved it was alive.
func (o fileOwner) heartbeat() time.Time {
	if o.RefreshedAt.After(o.AcquiredAt) {
		return o.RefreshedAt
	}
	return o.AcquiredAt
}

// File is a lock file created with O_EXCL. A live holder refreshes the file
// every staleAfter/3; holders that crash leave it behind and it is broken
// once its heartbeat is older than staleAfter.
type File struct {
	path       string
	staleAfter time.Duration
	now        func() time.Time
}

// NewFile returns a file lock at path. staleAfter <= 0 never breaks a lock.
func NewFile(path string, staleAfter time.Duration) (*File, error) {
	if path == "" {
		return nil, errors.New("lock file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &File{path: path, staleAfter: staleAfter, now: time.Now}, nil
}

// TryAcquire creates the lock file or returns ErrHeld.
func (f *File) TryAcquire(ctx context.Context) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lease, err := f.create()
	if !errors.Is(err, os.ErrExist) {
		return f.start(lease, err)
	}

	owner, age, err := f.inspect()
	if err != nil {
		return nil, err
	}
	if f.staleAfter <= 0 || age < f.staleAfter {
		return nil, ErrHeld
	}
	slog.Warn("breaking stale run lock",
		"path", f.path,
		"owner_pid", owner.PID,
		"owner_host", owner.Host,
		"age", age.Round(time.Second),
	)
	if err := f.breakStale(owner); err != nil {
		return nil, err
	}

	lease, err = f.create()
	if errors.Is(err, os.ErrExist) {
		// Another process broke it first.
		return nil, ErrHeld
	}
	return f.start(lease, err)
}

func (f *File) start(lease *fileLease, err error) (Lease, error) {
	if err != nil {
		return nil, err
	}
	if f.staleAfter > 0 {
		lease.stop = make(chan struct{})
		lease.wg.Add(1)
		go lease.keepalive(f.staleAfter / 3)
	}
	return lease, nil
}

// breakStale moves the lock file aside and removes it only if it still holds
// the stale owner. A lock re-created by another process in the meantime is
// linked back into place and reported as held.
func (f *File) breakStale(stale fileOwner) error {
	aside := fmt.Sprintf("%s.%s.stale", f.path, uuid.NewString())
	if err := os.Rename(f.path, aside); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("move stale lock: %w", err)
	}
	defer os.Remove(aside)

	var moved fileOwner
	data, err := os.ReadFile(aside)
	if err != nil {
		return fmt.Errorf("read stale lock: %w", err)
	}
	if json.Unmarshal(data, &moved) == nil && moved.Token != stale.Token {
		if err := os.Link(aside, f.path); err != nil && !errors.Is(err, os.ErrExist) {
			slog.Error("failed to restore run lock", "path", f.path, "error", err)
		}
		return ErrHeld
	}
	return nil
}

func (f *File) create() (*fileLease, error) {
	host, _ := os.Hostname()
	owner := fileOwner{
		Token:      uuid.NewString(),
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: f.now().UTC(),
	}
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, err
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	werr := json.NewEncoder(fh).Encode(owner)
	cerr := fh.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(f.path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &fileLease{lock: f, owner: owner}, nil
}

// inspect returns the current owner and how long since its last heartbeat.
// An unreadable or half-written file is aged by its modification time.
func (f *File) inspect() (fileOwner, time.Duration, error) {
	var owner fileOwner
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return owner, 0, nil
	}
	if err != nil {
		return owner, 0, fmt.Errorf("read lock file: %w", err)
	}
	if err := json.Unmarshal(data, &owner); err == nil && !owner.AcquiredAt.IsZero() {
		return owner, f.now().Sub(owner.heartbeat()), nil
	}
	info, err := os.Stat(f.path)
	if err != nil {
		return owner, 0, fmt.Errorf("stat lock file: %w", err)
	}
	return owner, f.now().Sub(info.ModTime()), nil
}

type fileLease struct {
	lock  *File
	owner fileOwner
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
	err   error
}

func (l *fileLease) keepalive(every time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.refresh(); err != nil {
				slog.Error("run lock refresh failed", "path", l.lock.path, "error", err)
			}
		}
	}
}

// refresh rewrites the heartbeat by renaming a fresh copy over the lock file,
// so readers never see a partial write.
func (l *fileLease) refresh() error {
	current, err := l.read()
	if err != nil {
		return err
	}
	if current.Token != l.owner.Token {
		return errors.New("lock no longer owned")
	}

	next := l.owner
	next.RefreshedAt = l.lock.now().UTC()
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.%s.tmp", l.lock.path, l.owner.Token)
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write lock heartbeat: %w", err)
	}
	if err := os.Rename(tmp, l.lock.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace lock file: %w", err)
	}
	return nil
}

func (l *fileLease) read() (fileOwner, error) {
	var owner fileOwner
	data, err := os.ReadFile(l.lock.path)
	if err != nil {
		return owner, fmt.Errorf("read lock file: %w", err)
	}
	if err := json.Unmarshal(data, &owner); err != nil {
		return owner, fmt.Errorf("decode lock file: %w", err)
	}
	return owner, nil
}

// Release stops the keepalive and removes the lock file if it still belongs
// to this lease.
func (l *fileLease) Release(context.Context) error {
	l.once.Do(func() {
		if l.stop != nil {
			close(l.stop)
			l.wg.Wait()
		}
		owner, err := l.read()
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		if err == nil && owner.Token != l.owner.Token {
			slog.Warn("run lock was taken over, leaving it in place", "path", l.lock.path)
			return
		}
		if err := os.Remove(l.lock.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.err = fmt.Errorf("remove lock file: %w", err)
		}
	})
	return l.err
}
