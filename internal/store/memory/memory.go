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

// Package memory is an in-process store backend for tests and single-node
// development. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/compintel/ingestion/internal/models"
	"github.com/compintel/ingestion/internal/store"
)

// Store keeps every table in maps guarded by one mutex, so each method is
// atomic with respect to the others.
type Store struct {
	mu      sync.Mutex
	emails  map[string]*models.EmailRecord
	senders map[string]*models.SenderStats
	content map[string]*models.ContentRecord
	order   []string // content insertion order
	now     func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		emails:  make(map[string]*models.EmailRecord),
		senders: make(map[string]*models.SenderStats),
		content: make(map[string]*models.ContentRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// ReceiveEmail inserts a RECEIVED record and counts it for its sender.
func (s *Store) ReceiveEmail(ctx context.Context, rec *models.EmailRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.emails[rec.ID]; ok {
		return fmt.Errorf("email %s: %w", rec.ID, store.ErrDuplicate)
	}
	c := rec.Clone()
	c.UpdatedAt = s.now()
	s.emails[rec.ID] = c
	s.incrementLocked(rec.Sender, models.Counters{Received: 1}, rec.ReceivedAt)
	return nil
}

// GetEmail returns a copy of the record with the given id.
func (s *Store) GetEmail(ctx context.Context, id string) (*models.EmailRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.emails[id]
	if !ok {
		return nil, fmt.Errorf("email %s: %w", id, store.ErrNotFound)
	}
	return rec.Clone(), nil
}

// ListEmails returns copies of the records matching f.
func (s *Store) ListEmails(ctx context.Context, f store.EmailFilter) ([]*models.EmailRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.EmailRecord, 0)
	for _, rec := range s.emails {
		if f.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if f.FewestAttempts && a.Attempts != b.Attempts {
			return a.Attempts < b.Attempts
		}
		if f.Newest {
			a, b = b, a
		}
		if a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ID < b.ID
		}
		return a.ReceivedAt.Before(b.ReceivedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CountEmails returns the number of records per status.
func (s *Store) CountEmails(ctx context.Context) (map[models.Status]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[models.Status]int)
	for _, rec := range s.emails {
		counts[rec.Status]++
	}
	return counts, nil
}

// TransitionEmail applies a compare-and-set status change plus counter delta.
func (s *Store) TransitionEmail(ctx context.Context, rec *models.EmailRecord, from models.Status, delta models.Counters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := store.CheckTransition(from, rec.Status); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.emails[rec.ID]
	if !ok {
		return fmt.Errorf("email %s: %w", rec.ID, store.ErrNotFound)
	}
	if cur.Status != from {
		return fmt.Errorf("email %s is %s, not %s: %w", rec.ID, cur.Status, from, store.ErrStaleTransition)
	}

	next := cur.Clone()
	next.Status = rec.Status
	next.Zone = rec.Zone
	next.Competitor = rec.Competitor
	next.MatchMethod = rec.MatchMethod
	next.Confidence = rec.Confidence
	next.Suggested = rec.Suggested
	next.ReviewReason = rec.ReviewReason
	next.Fingerprint = rec.Fingerprint
	next.Duplicate = rec.Duplicate
	next.LastError = rec.LastError
	in := rec.Clone()
	next.ProcessedAt = in.ProcessedAt
	next.InjectedAt = in.InjectedAt
	next.UpdatedAt = s.now()
	s.emails[rec.ID] = next

	if !delta.IsZero() {
		s.incrementLocked(cur.Sender, delta, time.Time{})
	}
	return nil
}

// RecordAttempt increments the attempt counter and stores the error text.
func (s *Store) RecordAttempt(ctx context.Context, id string, errText string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.emails[id]
	if !ok {
		return fmt.Errorf("email %s: %w", id, store.ErrNotFound)
	}
	rec.Attempts++
	rec.LastError = errText
	rec.UpdatedAt = s.now()
	return nil
}

// SetEmailZone records the artifact's current zone.
func (s *Store) SetEmailZone(ctx context.Context, id string, zone models.Zone) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.emails[id]
	if !ok {
		return fmt.Errorf("email %s: %w", id, store.ErrNotFound)
	}
	rec.Zone = zone
	rec.UpdatedAt = s.now()
	return nil
}

// IncrementSender adds delta to the sender's counters.
func (s *Store) IncrementSender(ctx context.Context, sender string, delta models.Counters, seen time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incrementLocked(sender, delta, seen)
	return nil
}

func (s *Store) incrementLocked(sender string, delta models.Counters, seen time.Time) {
	st, ok := s.senders[sender]
	if !ok {
		st = &models.SenderStats{Address: sender}
		s.senders[sender] = st
	}
	st.Counters = st.Counters.Add(delta)
	if seen.After(st.LastSeen) {
		st.LastSeen = seen.UTC()
	}
}

// GetSender returns a copy of the sender's stats.
func (s *Store) GetSender(ctx context.Context, sender string) (*models.SenderStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.senders[sender]
	if !ok {
		return nil, fmt.Errorf("sender %s: %w", sender, store.ErrNotFound)
	}
	c := *st
	return &c, nil
}

// ListSenders returns every sender, most active first.
func (s *Store) ListSenders(ctx context.Context) ([]*models.SenderStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.SenderStats, 0, len(s.senders))
	for _, st := range s.senders {
		c := *st
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Received != out[j].Received {
			return out[i].Received > out[j].Received
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

// AssignSender sets or clears the manual assignment, creating the sender if needed.
func (s *Store) AssignSender(ctx context.Context, sender, competitor string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.senders[sender]
	if !ok {
		st = &models.SenderStats{Address: sender}
		s.senders[sender] = st
	}
	st.AssignedCompetitor = competitor
	return nil
}

// DeleteSender removes an unassigned sender.
func (s *Store) DeleteSender(ctx context.Context, sender string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.senders[sender]
	if !ok {
		return fmt.Errorf("sender %s: %w", sender, store.ErrNotFound)
	}
	if st.Assigned() {
		return fmt.Errorf("sender %s: %w", sender, store.ErrSenderAssigned)
	}
	delete(s.senders, sender)
	return nil
}

// RebuildSenderCounts recomputes every sender's counters from the email log
// under the store mutex, keeping assignments.
func (s *Store) RebuildSenderCounts(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make(map[string]*models.SenderStats)
	for _, rec := range s.emails {
		st, ok := fresh[rec.Sender]
		if !ok {
			st = &models.SenderStats{Address: rec.Sender}
			fresh[rec.Sender] = st
		}
		st.Counters = st.Counters.Add(store.RecordCounters(rec))
		if rec.ReceivedAt.After(st.LastSeen) {
			st.LastSeen = rec.ReceivedAt.UTC()
		}
	}
	for addr, st := range s.senders {
		if f, ok := fresh[addr]; ok {
			st.Counters = f.Counters
			st.LastSeen = f.LastSeen
			delete(fresh, addr)
			continue
		}
		st.Counters = models.Counters{}
	}
	n := len(s.senders)
	for addr, st := range fresh {
		s.senders[addr] = st
	}
	return n + len(fresh), nil
}

// AppendContent inserts rec if its fingerprint is new.
func (s *Store) AppendContent(ctx context.Context, rec *models.ContentRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.content[rec.Fingerprint]; ok {
		return false, nil
	}
	s.content[rec.Fingerprint] = rec.Clone()
	s.order = append(s.order, rec.Fingerprint)
	return true, nil
}

// GetContent returns a copy of the row with the given fingerprint.
func (s *Store) GetContent(ctx context.Context, fingerprint string) (*models.ContentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.content[fingerprint]
	if !ok {
		return nil, fmt.Errorf("content %s: %w", fingerprint, store.ErrNotFound)
	}
	return rec.Clone(), nil
}

// ListUnenriched returns rows without enrichment in insertion order.
func (s *Store) ListUnenriched(ctx context.Context, limit int) ([]*models.ContentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.ContentRecord
	for _, fp := range s.order {
		rec := s.content[fp]
		if rec.Done() {
			continue
		}
		out = append(out, rec.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// UpdateEnrichment sets the enrichment fields of an existing row.
func (s *Store) UpdateEnrichment(ctx context.Context, fingerprint string, e models.Enrichment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.content[fingerprint]
	if !ok {
		return fmt.Errorf("content %s: %w", fingerprint, store.ErrNotFound)
	}
	if e.EnrichedAt == nil {
		now := s.now()
		e.EnrichedAt = &now
	}
	rec.Enrichment = e
	return nil
}
