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
	"sync/atomic"
	"testing"
	"time"
)

type countingRunner struct {
	runs atomic.Int32
}

func (r *countingRunner) Run(context.Context) (*RunResult, error) {
	r.runs.Add(1)
	return &RunResult{}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

// TestScheduler_Kick verifies on-demand runs.
func TestScheduler_Kick(t *testing.T) {
	r := &countingRunner{}
	s := NewScheduler(r, 0)
	s.Start(context.Background())
	defer s.Stop()

	s.Kick()
	waitFor(t, func() bool { return r.runs.Load() >= 1 })
}

// TestScheduler_Interval verifies periodic runs.
func TestScheduler_Interval(t *testing.T) {
	r := &countingRunner{}
	s := NewScheduler(r, 10*time.Millisecond)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return r.runs.Load() >= 2 })
}

// TestScheduler_KickCollapses verifies pending kicks do not queue up.
func TestScheduler_KickCollapses(t *testing.T) {
	s := NewScheduler(&countingRunner{}, 0)
	for i := 0; i < 10; i++ {
		s.Kick()
	}
	if len(s.kick) != 1 {
		t.Errorf("pending kicks = %d, want 1", len(s.kick))
	}
}

// TestScheduler_StopWaits verifies Stop returns after the loop exits.
func TestScheduler_StopWaits(t *testing.T) {
	s := NewScheduler(&countingRunner{}, time.Hour)
	s.Start(context.Background())
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
