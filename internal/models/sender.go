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

import "time"

// Counters are the per-sender lifecycle counters. They only ever grow and
// always satisfy Injected <= Processed <= Received.
type Counters struct {
	Received  int64 `json:"emails_received"`
	Processed int64 `json:"emails_processed"`
	Injected  int64 `json:"emails_injected"`
}

// Add returns the element-wise sum of c and d.
func (c Counters) Add(d Counters) Counters {
	return Counters{
		Received:  c.Received + d.Received,
		Processed: c.Processed + d.Processed,
		Injected:  c.Injected + d.Injected,
	}
}

// IsZero reports whether every counter is zero.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

// Valid reports whether the counters respect their ordering.
func (c Counters) Valid() bool {
	return c.Injected >= 0 && c.Injected <= c.Processed && c.Processed <= c.Received
}

// SenderStats tracks one sender address: its counters and an optional sticky
// manual assignment to a competitor.
type SenderStats struct {
	Address            string    `json:"sender"`
	Counters                     // embedded for flat JSON
	AssignedCompetitor string    `json:"assigned_company,omitempty"`
	LastSeen           time.Time `json:"last_seen"`
}

// Assigned reports whether a human has assigned this sender.
func (s *SenderStats) Assigned() bool {
	return s != nil && s.AssignedCompetitor != ""
}
