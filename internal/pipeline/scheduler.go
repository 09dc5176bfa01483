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
	"log/slog"
	"sync"
	"time"
)

// Runner executes one batch run.
type Runner interface {
	Run(ctx context.Context) (*RunResult, error)
}

// Scheduler triggers batch runs on an interval and on demand.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	kick     chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. A non-positive interval disables the
// periodic trigger; Kick still works.
func NewScheduler(runner Runner, interval time.Duration) *Scheduler {
	return &Scheduler{
		runner:   runner,
		interval: interval,
		kick:     make(chan struct{}, 1),
	}
}

// Kick requests a run without blocking. Requests made while one is pending
// collapse into it.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start runs the loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		var tick <-chan time.Time
		if s.interval > 0 {
			ticker := time.NewTicker(s.interval)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-tick:
				s.runOnce(loopCtx, "interval")
			case <-s.kick:
				s.runOnce(loopCtx, "kick")
			}
		}
	}()

	slog.Info("batch scheduler started", "interval", s.interval)
}

func (s *Scheduler) runOnce(ctx context.Context, trigger string) {
	_, err := s.runner.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrRunInProgress):
		slog.Debug("batch run skipped, another run holds the lock", "trigger", trigger)
	case ctx.Err() != nil:
	default:
		slog.Error("batch run failed", "trigger", trigger, "error", err)
	}
}

// Stop shuts down the loop and waits for an in-flight run to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
