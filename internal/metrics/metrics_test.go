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

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestCounters verifies the helpers feed the labeled collectors.
func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(transitionsTotal.WithLabelValues("INJECTED"))
	Transition("INJECTED")
	Transition("INJECTED")
	if got := testutil.ToFloat64(transitionsTotal.WithLabelValues("INJECTED")) - before; got != 2 {
		t.Errorf("transitions delta = %v, want 2", got)
	}

	before = testutil.ToFloat64(runsTotal.WithLabelValues("ok"))
	Run("ok", 3*time.Second)
	if got := testutil.ToFloat64(runsTotal.WithLabelValues("ok")) - before; got != 1 {
		t.Errorf("runs delta = %v, want 1", got)
	}
}

// TestMiddleware verifies requests are labeled by chi route pattern.
func TestMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Delete("/emails/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/emails/{id}", "404"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/emails/abc", nil))
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/emails/{id}", "404")) - before; got != 1 {
		t.Errorf("http requests delta = %v, want 1", got)
	}
}

// TestHandler verifies the scrape output names the ingestion metrics.
func TestHandler(t *testing.T) {
	EmailReceived()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "ingest_emails_received_total") {
		t.Error("scrape output missing ingest_emails_received_total")
	}
}
