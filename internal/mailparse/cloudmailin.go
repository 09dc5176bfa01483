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

package mailparse

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/compintel/ingestion/internal/models"
)

// cloudMailinMessage represents the relevant fields of a CloudMailin JSON
// (normalized) post. Header values are strings, or arrays of strings when a
// header repeats.
type cloudMailinMessage struct {
	Headers  map[string]any `json:"headers"`
	Envelope struct {
		From       string   `json:"from"`
		To         string   `json:"to"`
		Recipients []string `json:"recipients"`
		RemoteIP   string   `json:"remote_ip"`
	} `json:"envelope"`
	Plain string `json:"plain"`
	HTML  string `json:"html"`
}

// parseCloudMailin converts a CloudMailin post into an InboundEmail.
// The From header identifies the newsletter; the envelope sender is only a
// fallback because bulk senders use per-message bounce addresses.
func parseCloudMailin(data []byte) (*models.InboundEmail, error) {
	var msg cloudMailinMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: decode json: %v", ErrMalformed, err)
	}

	headers := make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		if s := headerString(v); s != "" {
			headers[strings.ToLower(k)] = s
		}
	}

	email := &models.InboundEmail{
		MessageID: firstHeader(headers, "message_id", "message-id"),
		Subject:   strings.TrimSpace(firstHeader(headers, "subject")),
		Date:      firstHeader(headers, "date"),
		Body: models.EmailBody{
			Text: msg.Plain,
			HTML: msg.HTML,
		},
		Headers: headers,
	}
	email.PublishedAt = parseDate(email.Date)

	for _, raw := range []string{firstHeader(headers, "from"), msg.Envelope.From} {
		if addr, err := NormalizeAddress(raw); err == nil {
			email.From = addr
			break
		}
	}

	email.To = parseAddressList(firstHeader(headers, "to"))
	if len(email.To) == 0 {
		email.To = parseAddressList(msg.Envelope.To)
	}

	return email, nil
}

func firstHeader(headers map[string]string, names ...string) string {
	for _, n := range names {
		if v, ok := headers[n]; ok {
			return v
		}
	}
	return ""
}

func headerString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
