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

// Package pipeline moves newsletters through the ingestion lifecycle:
//
//	RECEIVED -> PROCESSED -> INJECTED
//	RECEIVED -> PROCESSED_UNMATCHED (until a human assigns the sender)
//	any      -> REJECTED
//
// The Receiver persists inbound payloads, the Processor matches and injects
// the backlog under the run-level lock, and Admin carries the operator
// actions that resume or retire records.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/compintel/ingestion/internal/artifact"
	"github.com/compintel/ingestion/internal/mailparse"
	"github.com/compintel/ingestion/internal/models"
	"github.com/compintel/ingestion/internal/store"
)

var (
	// ErrStorage wraps durable-write failures. Callers should answer with a
	// retryable error.
	ErrStorage = errors.New("storage failure")
	// ErrRunInProgress is returned when another batch run holds the lock.
	ErrRunInProgress = errors.New("batch run already in progress")
)

// Kicker asks for a batch run soon.
type Kicker interface {
	Kick()
}

// newRecord builds the RECEIVED log row for a parsed email.
func newRecord(id, artifactName string, email *models.InboundEmail, sourceIP string, receivedAt time.Time) *models.EmailRecord {
	return &models.EmailRecord{
		ID:           id,
		MessageID:    email.MessageID,
		Sender:       email.From.Address,
		Recipient:    email.Recipient(),
		Subject:      email.Subject,
		Date:         email.Date,
		PublishedAt:  email.PublishedAt,
		ReceivedAt:   receivedAt.UTC(),
		SourceIP:     sourceIP,
		ArtifactName: artifactName,
		Zone:         models.ZoneInbox,
		Status:       models.StatusReceived,
		UpdatedAt:    receivedAt.UTC(),
	}
}

// loadEmail reads and parses the record's artifact from whichever zone
// holds it.
func loadEmail(ctx context.Context, artifacts *artifact.Store, rec *models.EmailRecord) (*models.InboundEmail, error) {
	zone, err := artifacts.Locate(ctx, rec.ArtifactName)
	if err != nil {
		return nil, err
	}
	data, err := artifacts.Get(ctx, zone, rec.ArtifactName)
	if err != nil {
		return nil, err
	}
	format, err := mailparse.FormatFromName(rec.ArtifactName)
	if err != nil {
		return nil, err
	}
	return mailparse.Parse(format, data, rec.Sender)
}

// archive moves the record's artifact into target and records the new zone.
func archive(ctx context.Context, artifacts *artifact.Store, emails store.EmailLog, rec *models.EmailRecord, target models.Zone) error {
	zone, err := artifacts.Locate(ctx, rec.ArtifactName)
	if err != nil {
		return fmt.Errorf("locate artifact %s: %w", rec.ArtifactName, err)
	}
	if err := artifacts.Move(ctx, rec.ArtifactName, zone, target); err != nil {
		return err
	}
	if err := emails.SetEmailZone(ctx, rec.ID, target); err != nil {
		return fmt.Errorf("record zone: %w", err)
	}
	rec.Zone = target
	slog.Debug("artifact archived", "email_id", rec.ID, "zone", target)
	return nil
}
