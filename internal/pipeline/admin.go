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
	"fmt"
	"log/slog"
	"strings"

	"github.com/compintel/ingestion/internal/artifact"
	"github.com/compintel/ingestion/internal/lock"
	"github.com/compintel/ingestion/internal/metrics"
	"github.com/compintel/ingestion/internal/models"
	"github.com/compintel/ingestion/internal/store"
)

// ErrUnknownCompetitor is returned when assigning a sender to a name that is
// not in the configured competitor list.
var ErrUnknownCompetitor = errors.New("unknown competitor")

// Admin carries operator actions on senders and records.
type Admin struct {
	store         store.Store
	artifacts     *artifact.Store
	kicker        Kicker
	locker        lock.Locker
	competitors   []string
	staleAttempts int
}

// NewAdmin creates the admin surface. competitors, when non-empty, restricts
// assignments to configured names. kicker and locker may be nil; without a
// locker a counter rebuild relies on the store transaction alone.
func NewAdmin(st store.Store, artifacts *artifact.Store, kicker Kicker, locker lock.Locker, competitors []string, staleAttempts int) *Admin {
	if staleAttempts <= 0 {
		staleAttempts = 5
	}
	return &Admin{
		store:         st,
		artifacts:     artifacts,
		kicker:        kicker,
		locker:        locker,
		competitors:   competitors,
		staleAttempts: staleAttempts,
	}
}

// normalizeSender lowercases and trims an address the way the receiver does.
func normalizeSender(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func (a *Admin) canonicalCompetitor(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(a.competitors) == 0 {
		return name, nil
	}
	for _, c := range a.competitors {
		if strings.EqualFold(c, name) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCompetitor, name)
}

// Assignment is the outcome of AssignSender.
type Assignment struct {
	Sender     string `json:"sender"`
	Competitor string `json:"competitor"`
	Resumed    int    `json:"resumed"`
}

// AssignSender sets the sticky assignment for addr; an empty competitor
// clears it. The competitor is stored under its configured spelling. With
// reprocess, the sender's unmatched records resume as PROCESSED and a run is
// requested.
func (a *Admin) AssignSender(ctx context.Context, addr, competitor string, reprocess bool) (*Assignment, error) {
	addr = normalizeSender(addr)
	if addr == "" {
		return nil, errors.New("sender address is required")
	}
	competitor, err := a.canonicalCompetitor(competitor)
	if err != nil {
		return nil, err
	}
	if err := a.store.AssignSender(ctx, addr, competitor); err != nil {
		return nil, fmt.Errorf("assign sender: %w", err)
	}
	slog.Info("sender assigned", "sender", addr, "company", competitor)

	out := &Assignment{Sender: addr, Competitor: competitor}
	if !reprocess || competitor == "" {
		return out, nil
	}

	unmatched, err := a.store.ListEmails(ctx, store.EmailFilter{
		Statuses: []models.Status{models.StatusUnmatched},
		Sender:   addr,
	})
	if err != nil {
		return nil, fmt.Errorf("list unmatched emails: %w", err)
	}

	for _, rec := range unmatched {
		next := rec.Clone()
		next.Status = models.StatusProcessed
		next.Competitor = competitor
		next.MatchMethod = models.MatchManual
		next.Confidence = 1
		next.Suggested = ""
		next.ReviewReason = ""
		// processed was counted when the record went unmatched.
		err := a.store.TransitionEmail(ctx, next, models.StatusUnmatched, models.Counters{})
		if errors.Is(err, store.ErrStaleTransition) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("resume %s: %w", rec.ID, err)
		}
		metrics.Transition(string(models.StatusProcessed))
		out.Resumed++
	}

	slog.Info("unmatched emails resumed", "sender", addr, "count", out.Resumed)
	if out.Resumed > 0 && a.kicker != nil {
		a.kicker.Kick()
	}
	return out, nil
}

// RejectEmail retires a record from any status. Counters are left alone;
// the content row, if any, stays in the dataset.
func (a *Admin) RejectEmail(ctx context.Context, id string) (*models.EmailRecord, error) {
	rec, err := a.store.GetEmail(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusRejected {
		next := rec.Clone()
		next.Status = models.StatusRejected
		if err := a.store.TransitionEmail(ctx, next, rec.Status, models.Counters{}); err != nil {
			return nil, fmt.Errorf("reject %s: %w", id, err)
		}
		metrics.Transition(string(models.StatusRejected))
		slog.Info("rejected", "email_id", id, "previous_status", rec.Status)
		rec = next
	}

	if rec.Zone != models.ZoneDeleted {
		if err := archive(ctx, a.artifacts, a.store, rec, models.ZoneDeleted); err != nil {
			slog.Warn("archive after reject failed, will retry on next run", "email_id", id, "error", err)
		}
	}
	return rec, nil
}

// DeleteSender removes an unassigned sender's stats.
func (a *Admin) DeleteSender(ctx context.Context, addr string) error {
	addr = normalizeSender(addr)
	if err := a.store.DeleteSender(ctx, addr); err != nil {
		return err
	}
	slog.Info("sender deleted", "sender", addr)
	return nil
}

// RebuildStats recomputes every sender's counters from the email log,
// keeping assignments. It holds the run lock so no batch run moves records
// mid-rebuild, and returns ErrRunInProgress if a run is active. It returns
// the number of senders written.
func (a *Admin) RebuildStats(ctx context.Context) (int, error) {
	if a.locker != nil {
		lease, err := a.locker.TryAcquire(ctx)
		if errors.Is(err, lock.ErrHeld) {
			return 0, ErrRunInProgress
		}
		if err != nil {
			return 0, fmt.Errorf("acquire run lock: %w", err)
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				slog.Error("failed to release run lock", "error", err)
			}
		}()
	}

	n, err := a.store.RebuildSenderCounts(ctx)
	if err != nil {
		return 0, err
	}
	slog.Info("sender stats rebuilt", "senders", n)
	return n, nil
}

// ReviewQueue returns unmatched records, newest first.
func (a *Admin) ReviewQueue(ctx context.Context) ([]*models.EmailRecord, error) {
	return a.store.ListEmails(ctx, store.EmailFilter{
		Statuses: []models.Status{models.StatusUnmatched},
		Newest:   true,
	})
}

// RecentEmails lists the newest records, optionally filtered by status.
func (a *Admin) RecentEmails(ctx context.Context, status models.Status, limit int) ([]*models.EmailRecord, error) {
	f := store.EmailFilter{Limit: limit, Newest: true}
	if status != "" {
		f.Statuses = []models.Status{status}
	}
	return a.store.ListEmails(ctx, f)
}

// Email returns one record.
func (a *Admin) Email(ctx context.Context, id string) (*models.EmailRecord, error) {
	return a.store.GetEmail(ctx, id)
}

// Senders lists sender stats.
func (a *Admin) Senders(ctx context.Context) ([]*models.SenderStats, error) {
	return a.store.ListSenders(ctx)
}

// StaleRecord is a pending record that keeps failing.
type StaleRecord struct {
	ID        string        `json:"id"`
	Sender    string        `json:"sender"`
	Status    models.Status `json:"status"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"last_error,omitempty"`
}

// Report is the operational status summary.
type Report struct {
	Statuses       map[models.Status]int `json:"statuses"`
	ReviewQueue    int                   `json:"review_queue"`
	Stale          []StaleRecord         `json:"stale"`
	ArchiveBacklog int                   `json:"archive_backlog"`
	Senders        int                   `json:"senders"`
	Unenriched     int                   `json:"unenriched"`
	Warnings       []string              `json:"warnings,omitempty"`
}

// Report summarises pipeline health.
func (a *Admin) Report(ctx context.Context) (*Report, error) {
	counts, err := a.store.CountEmails(ctx)
	if err != nil {
		return nil, fmt.Errorf("count emails: %w", err)
	}
	r := &Report{Statuses: counts, ReviewQueue: counts[models.StatusUnmatched], Stale: []StaleRecord{}}

	stale, err := staleRecords(ctx, a.store, a.staleAttempts)
	if err != nil {
		return nil, err
	}
	for _, rec := range stale {
		r.Stale = append(r.Stale, StaleRecord{
			ID:        rec.ID,
			Sender:    rec.Sender,
			Status:    rec.Status,
			Attempts:  rec.Attempts,
			LastError: rec.LastError,
		})
	}
	if len(stale) > 0 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("%d record(s) failed %d or more runs", len(stale), a.staleAttempts))
	}

	for _, t := range []struct {
		status models.Status
		zone   models.Zone
	}{
		{models.StatusInjected, models.ZoneProcessed},
		{models.StatusRejected, models.ZoneDeleted},
	} {
		recs, err := a.store.ListEmails(ctx, store.EmailFilter{Statuses: []models.Status{t.status}, ExcludeZone: t.zone})
		if err != nil {
			return nil, fmt.Errorf("list archive backlog: %w", err)
		}
		r.ArchiveBacklog += len(recs)
	}
	if r.ArchiveBacklog > 0 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("%d artifact(s) awaiting archive", r.ArchiveBacklog))
	}

	senders, err := a.store.ListSenders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list senders: %w", err)
	}
	r.Senders = len(senders)

	pending, err := a.store.ListUnenriched(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("list unenriched content: %w", err)
	}
	r.Unenriched = len(pending)
	return r, nil
}
