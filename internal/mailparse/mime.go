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
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/compintel/ingestion/internal/models"
)

// maxPartBytes bounds how much of a single text part is read.
const maxPartBytes = 10 << 20

// parseMIME converts a raw RFC 5322 message into an InboundEmail.
func parseMIME(data []byte) (*models.InboundEmail, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}

	mr, err := mail.CreateReader(bytes.NewReader(data))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("%w: read message: %v", ErrMalformed, err)
	}
	if mr == nil {
		return nil, fmt.Errorf("%w: read message", ErrMalformed)
	}
	defer mr.Close()

	h := mr.Header
	email := &models.InboundEmail{
		Date:    h.Get("Date"),
		Headers: make(map[string]string),
	}

	fields := h.Fields()
	for fields.Next() {
		key := strings.ToLower(fields.Key())
		if _, ok := email.Headers[key]; !ok {
			email.Headers[key] = fields.Value()
		}
	}

	if subject, err := h.Subject(); err == nil {
		email.Subject = strings.TrimSpace(subject)
	} else {
		email.Subject = strings.TrimSpace(h.Get("Subject"))
	}
	if id, err := h.MessageID(); err == nil {
		email.MessageID = id
	}
	if email.MessageID == "" {
		email.MessageID = strings.TrimSpace(h.Get("Message-Id"))
	}
	email.PublishedAt = parseDate(email.Date)

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		email.From = models.EmailAddress{Address: strings.ToLower(from[0].Address), Name: from[0].Name}
	} else if raw := h.Get("From"); raw != "" {
		if addr, err := NormalizeAddress(raw); err == nil {
			email.From = addr
		}
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, a := range to {
			email.To = append(email.To, models.EmailAddress{Address: strings.ToLower(a.Address), Name: a.Name})
		}
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			// Keep what was read so far; a broken trailing part should not
			// drop an otherwise readable newsletter.
			break
		}

		inline, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := inline.ContentType()
		if ct == "" {
			ct = "text/plain"
		}
		body, err := io.ReadAll(io.LimitReader(p.Body, maxPartBytes))
		if err != nil {
			continue
		}
		switch ct {
		case "text/plain":
			if email.Body.Text == "" {
				email.Body.Text = string(body)
			}
		case "text/html":
			if email.Body.HTML == "" {
				email.Body.HTML = string(body)
			}
		}
	}

	return email, nil
}
