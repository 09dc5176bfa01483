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

// Enrichment holds the fields filled in asynchronously after injection.
type Enrichment struct {
	Summary    string     `json:"summary,omitempty"`
	Category   string     `json:"category,omitempty"`
	Impact     string     `json:"impact,omitempty"`
	EnrichedAt *time.Time `json:"enriched_at,omitempty"`
}

// Done reports whether the enrichment has been applied.
func (e Enrichment) Done() bool {
	return e.EnrichedAt != nil
}

// ContentRecord is one row of the canonical content dataset, keyed by
// Fingerprint. Rows are append-only; only the enrichment fields change.
type ContentRecord struct {
	Fingerprint string     `json:"id"`
	Competitor  string     `json:"company"`
	SourceURL   string     `json:"source_url"`
	Title       string     `json:"title"`
	CleanText   string     `json:"clean_text"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CollectedAt time.Time  `json:"collected_at"`
	EmailID     string     `json:"email_id"`
	Enrichment
}

// Clone returns a deep copy of c.
func (c *ContentRecord) Clone() *ContentRecord {
	if c == nil {
		return nil
	}
	out := *c
	out.PublishedAt = cloneTime(c.PublishedAt)
	out.EnrichedAt = cloneTime(c.EnrichedAt)
	return &out
}
