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

// Package models defines the data structures shared across the ingestion service.
package models

import "time"

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// EmailBody represents the message body content.
type EmailBody struct {
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

// InboundEmail is the normalized view of a newsletter payload, whichever
// upstream format it arrived in. From.Address is always lowercase.
type InboundEmail struct {
	MessageID   string            `json:"message_id"`
	From        EmailAddress      `json:"from"`
	To          []EmailAddress    `json:"to"`
	Subject     string            `json:"subject"`
	Date        string            `json:"date,omitempty"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	Body        EmailBody         `json:"body"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Recipient returns the first recipient address, or "" when there is none.
func (e *InboundEmail) Recipient() string {
	if len(e.To) == 0 {
		return ""
	}
	return e.To[0].Address
}
