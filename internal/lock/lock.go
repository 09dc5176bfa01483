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

// Package lock provides the run-level lock that keeps two batch runs from
// processing the same records at once. Every backend is try-only: a second
// caller gets ErrHeld instead of queueing behind the first.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrHeld is returned by TryAcquire when another run owns the lock.
var ErrHeld = errors.New("lock: held by another run")

// Locker hands out exclusive leases.
type Locker interface {
	TryAcquire(ctx context.Context) (Lease, error)
}

// Lease is an acquired lock. Release must be called on every exit path and
// is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Local is an in-process lock for single-binary deployments.
type Local struct {
	mu sync.Mutex
}

// NewLocal returns an unlocked Local.
func NewLocal() *Local {
	return &Local{}
}

// TryAcquire takes the mutex or returns ErrHeld.
func (l *Local) TryAcquire(ctx context.Context) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !l.mu.TryLock() {
		return nil, ErrHeld
	}
	return &localLease{mu: &l.mu}, nil
}

type localLease struct {
	mu   *sync.Mutex
	once sync.Once
}

func (l *localLease) Release(context.Context) error {
	l.once.Do(l.mu.Unlock)
	return nil
}
