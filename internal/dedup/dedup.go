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

// Package dedup derives the content fingerprint that keys the canonical
// dataset. The same newsletter delivered twice (webhook retries, duplicate
// forwarding) maps to the same fingerprint and is appended only once.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// separator joins the competitor and source identifier. Keeping the
// "email" marker makes fingerprints from other collectors (crawlers) disjoint.
const separator = "||email||"

// NormalizeSource returns the stable source identifier for an email: its
// Message-ID when present, otherwise its subject and date.
func NormalizeSource(messageID, subject string, date *time.Time, rawDate string) string {
	id := strings.TrimSpace(messageID)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	id = strings.ToLower(strings.TrimSpace(id))
	if id != "" {
		return id
	}

	d := strings.TrimSpace(rawDate)
	if date != nil && !date.IsZero() {
		d = date.UTC().Format(time.RFC3339)
	}
	return "subject:" + collapse(strings.ToLower(subject)) + "|date:" + d
}

// Fingerprint returns the hex SHA-256 of the normalized competitor and
// source identifier.
func Fingerprint(competitor, source string) string {
	key := strings.ToLower(strings.TrimSpace(competitor)) + separator + source
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
