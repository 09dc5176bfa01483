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

// Package webhook serves the inbound email endpoint and the operator API.
// The email provider POSTs each newsletter to /email; the response is 200
// only once the payload is durable, so provider retries give at-least-once
// delivery.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/compintel/ingestion/internal/config"
	"github.com/compintel/ingestion/internal/mailparse"
	"github.com/compintel/ingestion/internal/metrics"
	"github.com/compintel/ingestion/internal/models"
	"github.com/compintel/ingestion/internal/pipeline"
	"github.com/compintel/ingestion/internal/store"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the HTTP collaborators.
type Handler struct {
	receiver *pipeline.Receiver
	admin    *pipeline.Admin
	kicker   pipeline.Kicker
	pingers  map[string]Pinger
	cfg      config.ServerConfig
}

// HandlerConfig configures NewHandler. Kicker may be nil, in which case
// POST /runs answers 503.
type HandlerConfig struct {
	Receiver *pipeline.Receiver
	Admin    *pipeline.Admin
	Kicker   pipeline.Kicker
	Pingers  map[string]Pinger
	Server   config.ServerConfig
}

// NewHandler creates the HTTP handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = 25 << 20
	}
	return &Handler{
		receiver: cfg.Receiver,
		admin:    cfg.Admin,
		kicker:   cfg.Kicker,
		pingers:  cfg.Pingers,
		cfg:      cfg.Server,
	}
}

// Routes returns the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/", h.serveRoot)
	r.Get("/health", h.serveHealth)
	r.Get("/ready", h.serveReady)
	r.Handle("/metrics", metrics.Handler())

	r.With(h.basicAuth).Post("/email", h.serveEmail)

	r.Group(func(r chi.Router) {
		r.Use(h.adminAuth)
		r.Get("/emails", h.listEmails)
		r.Get("/emails/{id}", h.getEmail)
		r.Delete("/emails/{id}", h.rejectEmail)
		r.Get("/review", h.reviewQueue)
		r.Get("/senders", h.listSenders)
		r.Put("/senders/{address}/assignment", h.assignSender)
		r.Delete("/senders/{address}", h.deleteSender)
		r.Post("/runs", h.kickRun)
		r.Get("/status", h.status)
	})
	return r
}

func (h *Handler) serveRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"service":  "newsletter ingestion webhook",
		"endpoint": "/email",
	})
}

func (h *Handler) serveHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) serveReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	for name, p := range h.pingers {
		if err := p.Ping(ctx); err != nil {
			slog.Warn("readiness check failed", "dependency", name, "error", err)
			writeError(w, http.StatusServiceUnavailable, name+" unhealthy")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// serveEmail accepts one inbound newsletter.
func (h *Handler) serveEmail(w http.ResponseWriter, r *http.Request) {
	format, err := mailparse.FormatFromContentType(r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	receipt, err := h.receiver.Receive(r.Context(), pipeline.Payload{
		Format:   format,
		Body:     body,
		SourceIP: clientIP(r),
	})
	switch {
	case err == nil:
	case errors.Is(err, mailparse.ErrMalformed), errors.Is(err, mailparse.ErrUnsupported):
		slog.Warn("rejected malformed email payload", "error", err, "bytes", len(body))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		slog.Error("failed to persist email", "error", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "success",
		"message":  "Email received and saved",
		"id":       receipt.ID,
		"filename": receipt.Filename,
	})
}

func (h *Handler) listEmails(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	var status models.Status
	if v := r.URL.Query().Get("status"); v != "" {
		s, err := models.ParseStatus(strings.ToUpper(v))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = s
	}

	emails, err := h.admin.RecentEmails(r.Context(), status, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(emails), "emails": emails})
}

func (h *Handler) getEmail(w http.ResponseWriter, r *http.Request) {
	rec, err := h.admin.Email(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) rejectEmail(w http.ResponseWriter, r *http.Request) {
	rec, err := h.admin.RejectEmail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) reviewQueue(w http.ResponseWriter, r *http.Request) {
	emails, err := h.admin.ReviewQueue(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(emails), "emails": emails})
}

func (h *Handler) listSenders(w http.ResponseWriter, r *http.Request) {
	senders, err := h.admin.Senders(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(senders), "senders": senders})
}

type assignmentRequest struct {
	Competitor string `json:"competitor"`
	Reprocess  bool   `json:"reprocess"`
}

func (h *Handler) assignSender(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	addr := chi.URLParam(r, "address")
	res, err := h.admin.AssignSender(r.Context(), addr, req.Competitor, req.Reprocess)
	if errors.Is(err, pipeline.ErrUnknownCompetitor) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) deleteSender(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeleteSender(r.Context(), chi.URLParam(r, "address")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) kickRun(w http.ResponseWriter, _ *http.Request) {
	if h.kicker == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	h.kicker.Kick()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	rep, err := h.admin.Report(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// basicAuth guards /email when credentials are configured.
func (h *Handler) basicAuth(next http.Handler) http.Handler {
	want := h.cfg.BasicAuth
	if want.Username == "" && want.Password == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !equal(user, want.Username) || !equal(pass, want.Password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="ingestion"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminAuth requires the bearer token when one is configured.
func (h *Handler) adminAuth(next http.Handler) http.Handler {
	token := h.cfg.AdminToken
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !equal(got, token) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrSenderAssigned), errors.Is(err, store.ErrStaleTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		slog.Error("admin request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("write JSON failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Serve starts the HTTP server. It binds the port immediately and signals
// readiness via the returned channel before accepting connections. The
// server shuts down gracefully when ctx is cancelled.
func Serve(ctx context.Context, cfg config.ServerConfig, handler http.Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", cfg.Port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("webhook server shutdown error", "error", err)
		}
	}()

	go func() {
		slog.Info("webhook server listening", "port", cfg.Port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
