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

// Package smtpd accepts newsletters over SMTP and hands each message to the
// same receiver the webhook uses. A message is acknowledged with 250 only
// once it is durable; storage failures answer 451 so the sending MTA retries.
package smtpd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/compintel/ingestion/internal/config"
	"github.com/compintel/ingestion/internal/mailparse"
	"github.com/compintel/ingestion/internal/pipeline"
)

// Receiver persists one inbound payload.
type Receiver interface {
	Receive(ctx context.Context, p pipeline.Payload) (*pipeline.Receipt, error)
}

var (
	errMalformed = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Malformed message rejected",
	}
	errTemporary = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary storage failure, try again later",
	}
)

// Server wraps a go-smtp server.
type Server struct {
	srv      *smtp.Server
	cfg      config.SMTPConfig
	listener net.Listener
}

// New creates an SMTP server that stores messages through receiver.
func New(receiver Receiver, cfg config.SMTPConfig) *Server {
	srv := smtp.NewServer(&backend{receiver: receiver, timeout: cfg.ReadTimeout})
	srv.Addr = cfg.Addr
	srv.Domain = cfg.Domain
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.ReadTimeout
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = 50
	return &Server{srv: srv, cfg: cfg}
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve binds the listener and serves until ctx is cancelled. The returned
// channel is closed once the port is bound.
func (s *Server) Serve(ctx context.Context) (<-chan struct{}, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("bind smtp %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("smtp server shutting down")
		if err := s.srv.Close(); err != nil {
			slog.Error("smtp server close error", "error", err)
		}
	}()

	go func() {
		slog.Info("smtp server listening", "addr", ln.Addr().String())
		close(ready)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			slog.Error("smtp server error", "error", err)
		}
	}()

	return ready, nil
}

type backend struct {
	receiver Receiver
	timeout  time.Duration
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	s := &session{receiver: b.receiver, timeout: b.timeout}
	if c != nil && c.Conn() != nil {
		if host, _, err := net.SplitHostPort(c.Conn().RemoteAddr().String()); err == nil {
			s.remoteIP = host
		}
	}
	return s, nil
}

type session struct {
	receiver Receiver
	timeout  time.Duration
	remoteIP string
	from     string
	rcpts    []string
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		if errors.Is(err, smtp.ErrDataTooLarge) {
			return err
		}
		slog.Warn("smtp read failed", "remote_ip", s.remoteIP, "error", err)
		return errTemporary
	}

	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	receipt, err := s.receiver.Receive(ctx, pipeline.Payload{
		Format:       mailparse.FormatMIME,
		Body:         body,
		SourceIP:     s.remoteIP,
		EnvelopeFrom: s.from,
	})
	switch {
	case err == nil:
		slog.Debug("smtp message accepted", "email_id", receipt.ID, "rcpts", len(s.rcpts))
		return nil
	case errors.Is(err, mailparse.ErrMalformed), errors.Is(err, mailparse.ErrUnsupported):
		slog.Warn("smtp message rejected", "remote_ip", s.remoteIP, "from", s.from, "error", err)
		return errMalformed
	default:
		slog.Error("smtp message not stored", "remote_ip", s.remoteIP, "from", s.from, "error", err)
		return errTemporary
	}
}

func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *session) Logout() error {
	return nil
}
