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

package models

import (
	"fmt"
	"time"
)

// Status is the position of an email in the ingestion lifecycle.
type Status string

const (
	StatusReceived  Status = "RECEIVED"
	StatusProcessed Status = "PROCESSED"
	StatusUnmatched Status = "PROCESSED_UNMATCHED"
	StatusInjected  Status = "INJECTED"
	StatusRejected  Status = "REJECTED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusReceived,
	StatusProcessed,
	StatusUnmatched,
	StatusInjected,
	StatusRejected,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Pending reports whether a batch run still has work to do for s.
func (s Status) Pending() bool {
	return s == StatusReceived || s == StatusProcessed
}

// ParseStatus converts a string (case-sensitive) into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// transitions is the lifecycle graph. REJECTED is reachable from every
// other status and handled in CanTransition.
var transitions = map[Status][]Status{
	StatusReceived:  {StatusProcessed, StatusUnmatched},
	StatusProcessed: {StatusInjected},
	// A manual assignment resumes an unmatched email.
	StatusUnmatched: {StatusProcessed},
}

// CanTransition reports whether an email may move from one status to another.
// Transitions never move backwards and nothing leaves REJECTED.
func CanTransition(from, to Status) bool {
	if from == StatusRejected {
		return false
	}
	if to == StatusRejected {
		return from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Zone is the location of a raw artifact inside the artifact store.
type Zone string

const (
	ZoneInbox     Zone = "inbox"
	ZoneProcessed Zone = "processed"
	ZoneDeleted   Zone = "deleted"
)

// Zones lists every artifact zone.
var Zones = []Zone{ZoneInbox, ZoneProcessed, ZoneDeleted}

// Valid reports whether z is a known zone.
func (z Zone) Valid() bool {
	return z == ZoneInbox || z == ZoneProcessed || z == ZoneDeleted
}

// ZoneFor returns the zone an artifact belongs in once its email reaches s.
// Unresolved work stays in the inbox.
func ZoneFor(s Status) Zone {
	switch s {
	case StatusInjected:
		return ZoneProcessed
	case StatusRejected:
		return ZoneDeleted
	default:
		return ZoneInbox
	}
}

// MatchMethod records which strategy resolved the competitor.
type MatchMethod string

const (
	MatchManual MatchMethod = "manual"
	MatchAI     MatchMethod = "ai"
)

// EmailRecord is one row of the email log. It tracks a received payload
// through the lifecycle; the raw payload itself lives in the artifact store
// under ArtifactName.
type EmailRecord struct {
	ID           string      `json:"id"`
	MessageID    string      `json:"message_id"`
	Sender       string      `json:"sender"`
	Recipient    string      `json:"recipient,omitempty"`
	Subject      string      `json:"subject"`
	Date         string      `json:"date,omitempty"`
	PublishedAt  *time.Time  `json:"published_at,omitempty"`
	ReceivedAt   time.Time   `json:"received_at"`
	SourceIP     string      `json:"source_ip,omitempty"`
	ArtifactName string      `json:"artifact_name"`
	Zone         Zone        `json:"zone"`
	Status       Status      `json:"status"`
	Competitor   string      `json:"competitor,omitempty"`
	MatchMethod  MatchMethod `json:"match_method,omitempty"`
	Confidence   float64     `json:"confidence,omitempty"`
	Suggested    string      `json:"suggested,omitempty"`
	ReviewReason string      `json:"review_reason,omitempty"`
	Fingerprint  string      `json:"fingerprint,omitempty"`
	Duplicate    bool        `json:"duplicate,omitempty"`
	Attempts     int         `json:"attempts"`
	LastError    string      `json:"last_error,omitempty"`
	ProcessedAt  *time.Time  `json:"processed_at,omitempty"`
	InjectedAt   *time.Time  `json:"injected_at,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r *EmailRecord) Clone() *EmailRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.PublishedAt = cloneTime(r.PublishedAt)
	c.ProcessedAt = cloneTime(r.ProcessedAt)
	c.InjectedAt = cloneTime(r.InjectedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
