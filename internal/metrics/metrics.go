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

// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	emailsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_emails_received_total",
		Help: "Emails durably accepted by the receiver.",
	})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_transitions_total",
		Help: "Email status transitions, labeled by target status.",
	}, []string{"to"})

	matchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_match_total",
		Help: "Sender match attempts, labeled by method and outcome.",
	}, []string{"method", "outcome"})

	contentRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_content_rows_total",
		Help: "Content dataset appends, labeled by result (inserted or duplicate).",
	}, []string{"result"})

	runDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_run_duration_seconds",
		Help:    "Duration of batch processing runs.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_runs_total",
		Help: "Batch runs, labeled by outcome.",
	}, []string{"outcome"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_http_requests_total",
		Help: "HTTP requests, labeled by route and status code.",
	}, []string{"route", "code"})

	enrichmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_enrichments_total",
		Help: "Content enrichment attempts, labeled by outcome.",
	}, []string{"outcome"})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EmailReceived counts one accepted email.
func EmailReceived() {
	emailsReceivedTotal.Inc()
}

// Transition counts one status transition.
func Transition(to string) {
	transitionsTotal.WithLabelValues(to).Inc()
}

// Match counts one match attempt.
func Match(method, outcome string) {
	matchTotal.WithLabelValues(method, outcome).Inc()
}

// ContentRow counts one dataset append.
func ContentRow(result string) {
	contentRowsTotal.WithLabelValues(result).Inc()
}

// Run records one batch run.
func Run(outcome string, d time.Duration) {
	runsTotal.WithLabelValues(outcome).Inc()
	runDurationSeconds.Observe(d.Seconds())
}

// Enrichment counts one enrichment attempt.
func Enrichment(outcome string) {
	enrichmentsTotal.WithLabelValues(outcome).Inc()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.statusCode)).Inc()
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
