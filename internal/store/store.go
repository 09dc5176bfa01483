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

// Package store defines the keyed stores behind the ingestion pipeline: the
// email log, per-sender statistics and the canonical content dataset.
// Backends live in subpackages (memory, sqlite, postgres).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/compintel/ingestion/internal/models"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when inserting a record whose key exists.
	ErrDuplicate = errors.New("already exists")
	// ErrStaleTransition is returned when the record is no longer in the
	// expected status; another writer moved it first.
	ErrStaleTransition = errors.New("stale status transition")
	// ErrInvalidTransition is returned for an edge outside the lifecycle graph.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrSenderAssigned is returned when deleting a sender that has a
	// manual assignment.
	ErrSenderAssigned = errors.New("sender has a manual assignment")
)

// EmailFilter selects email log rows. Zero values match everything.
type EmailFilter struct {
	Statuses    []models.Status
	Zone        models.Zone
	ExcludeZone models.Zone
	Sender      string
	Limit       int
	// Newest orders by received time descending instead of ascending.
	Newest bool
	// FewestAttempts orders by failed attempts first, so records that keep
	// failing sort behind fresh ones.
	FewestAttempts bool
}

// Match reports whether rec passes the filter (limit aside).
func (f EmailFilter) Match(rec *models.EmailRecord) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if rec.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Zone != "" && rec.Zone != f.Zone {
		return false
	}
	if f.ExcludeZone != "" && rec.Zone == f.ExcludeZone {
		return false
	}
	if f.Sender != "" && rec.Sender != f.Sender {
		return false
	}
	return true
}

// EmailLog records every received email and its lifecycle status.
type EmailLog interface {
	// ReceiveEmail inserts a new RECEIVED record and increments the sender's
	// received counter atomically.
	ReceiveEmail(ctx context.Context, rec *models.EmailRecord) error
	GetEmail(ctx context.Context, id string) (*models.EmailRecord, error)
	ListEmails(ctx context.Context, f EmailFilter) ([]*models.EmailRecord, error)
	CountEmails(ctx context.Context) (map[models.Status]int, error)
	// TransitionEmail moves rec from status from to rec.Status, persisting
	// rec's mutable fields and applying delta to the sender counters in the
	// same transaction. It fails with ErrStaleTransition if the stored
	// status is not from.
	TransitionEmail(ctx context.Context, rec *models.EmailRecord, from models.Status, delta models.Counters) error
	// RecordAttempt notes a failed processing attempt without changing status.
	RecordAttempt(ctx context.Context, id string, errText string) error
	SetEmailZone(ctx context.Context, id string, zone models.Zone) error
}

// SenderStats tracks counters and manual assignments per sender address.
type SenderStats interface {
	IncrementSender(ctx context.Context, sender string, delta models.Counters, seen time.Time) error
	GetSender(ctx context.Context, sender string) (*models.SenderStats, error)
	ListSenders(ctx context.Context) ([]*models.SenderStats, error)
	// AssignSender sets (or, with "", clears) the sticky manual assignment.
	AssignSender(ctx context.Context, sender, competitor string) error
	// DeleteSender removes an unassigned sender.
	DeleteSender(ctx context.Context, sender string) error
	// RebuildSenderCounts recomputes every sender's counters from the email
	// log in one transaction, keeping assignments. Senders with no emails
	// are zeroed. It returns the number of senders written.
	RebuildSenderCounts(ctx context.Context) (int, error)
}

// ContentDataset is the append-only canonical dataset keyed by fingerprint.
type ContentDataset interface {
	// AppendContent inserts rec unless its fingerprint exists. It reports
	// whether a row was inserted.
	AppendContent(ctx context.Context, rec *models.ContentRecord) (bool, error)
	GetContent(ctx context.Context, fingerprint string) (*models.ContentRecord, error)
	ListUnenriched(ctx context.Context, limit int) ([]*models.ContentRecord, error)
	UpdateEnrichment(ctx context.Context, fingerprint string, e models.Enrichment) error
}

// Store is a complete backend.
type Store interface {
	EmailLog
	SenderStats
	ContentDataset
	Ping(ctx context.Context) error
	Close() error
}

// RecordCounters is the contribution of one email log row to its sender's
// counters.
func RecordCounters(rec *models.EmailRecord) models.Counters {
	c := models.Counters{Received: 1}
	if rec.ProcessedAt != nil || rec.Status == models.StatusInjected {
		c.Processed = 1
	}
	if rec.InjectedAt != nil && !rec.Duplicate {
		c.Injected = 1
	}
	return c
}

// CheckTransition validates a requested transition.
func CheckTransition(from, to models.Status) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
