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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/compintel/ingestion/internal/artifact"
	"github.com/compintel/ingestion/internal/mailparse"
	"github.com/compintel/ingestion/internal/metrics"
	"github.com/compintel/ingestion/internal/models"
	"github.com/compintel/ingestion/internal/store"
)

// Payload is one inbound message as handed over by a transport.
type Payload struct {
	Format       mailparse.Format
	Body         []byte
	SourceIP     string
	EnvelopeFrom string
}

// Receipt identifies a durably accepted message.
type Receipt struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Sender   string `json:"sender"`
}

// Receiver persists inbound payloads. A payload is acknowledged only after
// both the artifact and its log row are durable.
type Receiver struct {
	emails    store.EmailLog
	artifacts *artifact.Store
	kicker    Kicker
	now       func() time.Time
}

// NewReceiver creates a receiver. kicker may be nil; when set, every accepted
// message requests a batch run.
func NewReceiver(emails store.EmailLog, artifacts *artifact.Store, kicker Kicker) *Receiver {
	return &Receiver{
		emails:    emails,
		artifacts: artifacts,
		kicker:    kicker,
		now:       time.Now,
	}
}

// Receive parses, stores and logs one payload. Malformed payloads return an
// error wrapping mailparse.ErrMalformed and leave nothing behind; storage
// failures wrap ErrStorage.
func (r *Receiver) Receive(ctx context.Context, p Payload) (*Receipt, error) {
	email, err := mailparse.Parse(p.Format, p.Body, p.EnvelopeFrom)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	id := emailID(email.MessageID, now)
	name := id + p.Format.Ext()

	for attempt := 0; ; attempt++ {
		_, err := r.artifacts.Put(ctx, name, p.Body)
		if err == nil {
			break
		}
		// Same Message-ID within the same microsecond.
		if errors.Is(err, artifact.ErrExists) && attempt < 3 {
			id = emailID(email.MessageID, now) + "-" + uuid.NewString()[:8]
			name = id + p.Format.Ext()
			continue
		}
		return nil, fmt.Errorf("%w: write artifact: %w", ErrStorage, err)
	}

	rec := newRecord(id, name, email, p.SourceIP, now)
	if err := r.emails.ReceiveEmail(ctx, rec); err != nil {
		// A batch run may have adopted the artifact already.
		if !errors.Is(err, store.ErrDuplicate) {
			if rmErr := r.artifacts.Remove(context.WithoutCancel(ctx), models.ZoneInbox, name); rmErr != nil {
				slog.Warn("failed to remove artifact after log failure", "artifact", name, "error", rmErr)
			}
			return nil, fmt.Errorf("%w: log email: %w", ErrStorage, err)
		}
	}

	metrics.EmailReceived()
	slog.Info("received",
		"email_id", id,
		"sender", rec.Sender,
		"subject", rec.Subject,
		"source_ip", p.SourceIP,
		"bytes", len(p.Body),
	)

	if r.kicker != nil {
		r.kicker.Kick()
	}
	return &Receipt{ID: id, Filename: name, Sender: rec.Sender}, nil
}

// emailID is the sanitised Message-ID plus a microsecond UTC timestamp.
// Messages without a Message-ID get a random suffix so two arriving in the
// same microsecond stay distinct.
func emailID(messageID string, at time.Time) string {
	base := mailparse.SanitizeID(messageID)
	if base == "" {
		base = "unknown-" + uuid.NewString()[:8]
	}
	return fmt.Sprintf("%s-%s_%06d", base, at.Format("20060102_150405"), at.Nanosecond()/1000)
}
