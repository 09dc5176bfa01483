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

// Package mailparse converts inbound newsletter payloads into
// models.InboundEmail. Two upstream formats are supported: the CloudMailin
// JSON format posted by the webhook provider, and raw RFC 5322 messages
// (posted directly or received over SMTP).
package mailparse

import (
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/compintel/ingestion/internal/models"
)

// ErrMalformed marks a payload that can never be processed. It is reported
// to the caller and never persisted.
var ErrMalformed = errors.New("malformed email payload")

// ErrUnsupported marks a content type the receiver does not understand.
var ErrUnsupported = errors.New("unsupported payload format")

// Format identifies the wire format of a raw payload.
type Format string

const (
	FormatCloudMailin Format = "cloudmailin"
	FormatMIME        Format = "mime"
)

// Ext returns the artifact file extension for the format.
func (f Format) Ext() string {
	if f == FormatMIME {
		return ".eml"
	}
	return ".json"
}

// FormatFromContentType maps an HTTP Content-Type to a payload format.
func FormatFromContentType(contentType string) (Format, error) {
	if strings.TrimSpace(contentType) == "" {
		return FormatCloudMailin, nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: content type %q", ErrUnsupported, contentType)
	}
	switch mediaType {
	case "application/json":
		return FormatCloudMailin, nil
	case "message/rfc822", "text/plain":
		return FormatMIME, nil
	default:
		return "", fmt.Errorf("%w: content type %q", ErrUnsupported, mediaType)
	}
}

// FormatFromName recovers the format of a stored artifact from its name.
func FormatFromName(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return FormatCloudMailin, nil
	case ".eml":
		return FormatMIME, nil
	default:
		return "", fmt.Errorf("%w: artifact %q", ErrUnsupported, name)
	}
}

// Parse decodes a payload in the given format. envelopeFrom, when set, is
// used as the sender if the message itself carries none (SMTP MAIL FROM).
func Parse(format Format, data []byte, envelopeFrom string) (*models.InboundEmail, error) {
	var (
		email *models.InboundEmail
		err   error
	)
	switch format {
	case FormatCloudMailin:
		email, err = parseCloudMailin(data)
	case FormatMIME:
		email, err = parseMIME(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, format)
	}
	if err != nil {
		return nil, err
	}

	if email.From.Address == "" && envelopeFrom != "" {
		addr, err := NormalizeAddress(envelopeFrom)
		if err == nil {
			email.From = addr
		}
	}
	if email.From.Address == "" {
		return nil, fmt.Errorf("%w: no sender address", ErrMalformed)
	}
	return email, nil
}

// NormalizeAddress parses an address header value and lowercases the address.
func NormalizeAddress(raw string) (models.EmailAddress, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return models.EmailAddress{}, fmt.Errorf("%w: empty address", ErrMalformed)
	}
	if a, err := mail.ParseAddress(raw); err == nil {
		return models.EmailAddress{
			Address: strings.ToLower(a.Address),
			Name:    a.Name,
		}, nil
	}
	// Bare addresses with odd local parts still identify a sender.
	bare := strings.Trim(raw, "<> ")
	if at := strings.LastIndex(bare, "@"); at > 0 && at < len(bare)-1 && !strings.ContainsAny(bare, " \t") {
		return models.EmailAddress{Address: strings.ToLower(bare)}, nil
	}
	return models.EmailAddress{}, fmt.Errorf("%w: invalid address %q", ErrMalformed, raw)
}

func parseAddressList(raw string) []models.EmailAddress {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	list, err := mail.ParseAddressList(raw)
	if err != nil {
		if a, err := NormalizeAddress(raw); err == nil {
			return []models.EmailAddress{a}
		}
		return nil
	}
	out := make([]models.EmailAddress, 0, len(list))
	for _, a := range list {
		out = append(out, models.EmailAddress{Address: strings.ToLower(a.Address), Name: a.Name})
	}
	return out
}

func parseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	t, err := mail.ParseDate(raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

var unsafeChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// maxIDLen caps the Message-ID part of artifact names.
const maxIDLen = 100

// SanitizeID turns a Message-ID into a string safe for use in file names.
// It returns "" when nothing usable remains.
func SanitizeID(messageID string) string {
	s := strings.TrimSpace(messageID)
	s = strings.NewReplacer("<", "", ">", "").Replace(s)
	s = strings.ReplaceAll(s, "@", "_at_")
	s = unsafeChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, ". ")
	if len(s) > maxIDLen {
		s = s[:maxIDLen]
		for !utf8.ValidString(s) {
			s = s[:len(s)-1]
		}
	}
	return s
}

// Preview returns at most n runes of s.
func Preview(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
