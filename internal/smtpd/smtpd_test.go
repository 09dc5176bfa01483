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

package smtpd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/compintel/ingestion/internal/artifact"
	"github.com/compintel/ingestion/internal/config"
	"github.com/compintel/ingestion/internal/mailparse"
	"github.com/compintel/ingestion/internal/models"
	"github.com/compintel/ingestion/internal/pipeline"
	"github.com/compintel/ingestion/internal/store"
	"github.com/compintel/ingestion/internal/store/memory"
)

const message = "From: Acme News <news@acme.com>\r\n" +
	"To: newsletters@example.com\r\n" +
	"Subject: Spring launch\r\n" +
	"Message-ID: <spring@acme.com>\r\n" +
	"Date: Mon, 05 Jan 2026 10:00:00 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"We shipped a thing.\r\n"

type fakeReceiver struct {
	mu       sync.Mutex
	err      error
	payloads []pipeline.Payload
}

func (f *fakeReceiver) Receive(_ context.Context, p pipeline.Payload) (*pipeline.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.Receipt{ID: "id"}, nil
}

func deliver(t *testing.T, recv Receiver, data string) error {
	t.Helper()
	sess, err := (&backend{receiver: recv}).NewSession(nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.Mail("bounce@mailer.example", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := sess.Rcpt("newsletters@example.com", nil); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}
	return sess.Data(strings.NewReader(data))
}

// TestSession_Accepts verifies the payload carries the MIME format and the
// envelope sender.
func TestSession_Accepts(t *testing.T) {
	recv := &fakeReceiver{}
	if err := deliver(t, recv, message); err != nil {
		t.Fatalf("Data: %v", err)
	}
	if len(recv.payloads) != 1 {
		t.Fatalf("payloads = %d", len(recv.payloads))
	}
	p := recv.payloads[0]
	if p.Format != mailparse.FormatMIME || p.EnvelopeFrom != "bounce@mailer.example" {
		t.Errorf("payload = %+v", p)
	}
}

// TestSession_ErrorCodes verifies permanent and temporary failures map to
// 5xx and 4xx replies.
func TestSession_ErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"malformed", fmt.Errorf("%w: no sender address", mailparse.ErrMalformed), 554},
		{"storage", fmt.Errorf("%w: disk full", pipeline.ErrStorage), 451},
		{"unexpected", errors.New("boom"), 451},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := deliver(t, &fakeReceiver{err: tt.err}, message)
			var smtpErr *smtp.SMTPError
			if !errors.As(err, &smtpErr) {
				t.Fatalf("err = %v, want *smtp.SMTPError", err)
			}
			if smtpErr.Code != tt.code {
				t.Errorf("code = %d, want %d", smtpErr.Code, tt.code)
			}
		})
	}
}

// TestServer_EndToEnd delivers a message over TCP and checks it reached the
// email log.
func TestServer_EndToEnd(t *testing.T) {
	arts, err := artifact.New(t.TempDir())
	if err != nil {
		t.Fatalf("artifact.New: %v", err)
	}
	st := memory.New()
	srv := New(pipeline.NewReceiver(st, arts, nil), config.SMTPConfig{
		Addr:            "127.0.0.1:0",
		Domain:          "localhost",
		MaxMessageBytes: 1 << 20,
		ReadTimeout:     5 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready, err := srv.Serve(ctx)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	<-ready

	c, err := smtp.Dial(srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	if err := c.SendMail("bounce@mailer.example", []string{"newsletters@example.com"}, strings.NewReader(message)); err != nil {
		t.Fatalf("SendMail: %v", err)
	}

	emails, err := st.ListEmails(context.Background(), store.EmailFilter{})
	if err != nil {
		t.Fatalf("ListEmails: %v", err)
	}
	if len(emails) != 1 {
		t.Fatalf("emails = %d, want 1", len(emails))
	}
	rec := emails[0]
	if rec.Sender != "news@acme.com" || rec.Status != models.StatusReceived || rec.SourceIP != "127.0.0.1" {
		t.Errorf("record = %+v", rec)
	}
	if !strings.HasSuffix(rec.ArtifactName, ".eml") {
		t.Errorf("artifact = %s, want .eml", rec.ArtifactName)
	}
}
