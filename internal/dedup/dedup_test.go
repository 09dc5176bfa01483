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

package dedup

import (
	"testing"
	"time"
)

// TestNormalizeSource verifies Message-ID normalization and the subject/date fallback.
func TestNormalizeSource(t *testing.T) {
	date := time.Date(2026, 3, 1, 9, 30, 0, 0, time.FixedZone("EST", -5*3600))
	tests := []struct {
		name      string
		messageID string
		subject   string
		date      *time.Time
		rawDate   string
		want      string
	}{
		{"brackets and case", " <ABC@Mail.Acme.com> ", "", nil, "", "abc@mail.acme.com"},
		{"bare id", "abc@mail.acme.com", "ignored", &date, "", "abc@mail.acme.com"},
		{"parsed date fallback", "", "  Spring   Launch ", &date, "whatever", "subject:spring launch|date:2026-03-01T14:30:00Z"},
		{"raw date fallback", "", "Launch", nil, " Sun, 1 Mar 2026 ", "subject:launch|date:Sun, 1 Mar 2026"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeSource(tt.messageID, tt.subject, tt.date, tt.rawDate); got != tt.want {
				t.Errorf("NormalizeSource = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestFingerprint verifies determinism and competitor normalization.
func TestFingerprint(t *testing.T) {
	a := Fingerprint("Acme", "abc@mail.acme.com")
	b := Fingerprint("  acme ", "abc@mail.acme.com")
	if a != b {
		t.Errorf("fingerprints differ for equivalent competitor names: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(a))
	}
	if a == Fingerprint("Globex", "abc@mail.acme.com") {
		t.Error("different competitors produced the same fingerprint")
	}
	if a == Fingerprint("Acme", "other@mail.acme.com") {
		t.Error("different sources produced the same fingerprint")
	}
}
