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
	"encoding/json"
	"sync"
	"testing"

	"github.com/compintel/ingestion/internal/artifact"
	"github.com/compintel/ingestion/internal/config"
	"github.com/compintel/ingestion/internal/llm"
	"github.com/compintel/ingestion/internal/lock"
	"github.com/compintel/ingestion/internal/mailparse"
	"github.com/compintel/ingestion/internal/matcher"
	"github.com/compintel/ingestion/internal/models"
	"github.com/compintel/ingestion/internal/queue"
	"github.com/compintel/ingestion/internal/store/memory"
)

var testCompetitors = []config.Competitor{
	{Name: "Acme", Domains: []string{"acme.com"}},
	{Name: "Globex", Domains: []string{"globex.io"}},
}

// fakeLLM answers every prompt with a fixed reply.
type fakeLLM struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (f *fakeLLM) Complete(context.Context, llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.reply, f.err
}

func (f *fakeLLM) set(reply string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply, f.err = reply, err
}

func (f *fakeLLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingKicker struct {
	mu sync.Mutex
	n  int
}

func (k *countingKicker) Kick() {
	k.mu.Lock()
	k.n++
	k.mu.Unlock()
}

func (k *countingKicker) count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.n
}

type harness struct {
	st        *memory.Store
	artifacts *artifact.Store
	ai        *fakeLLM
	queue     *queue.Memory
	locker    *lock.Local
	kicker    *countingKicker
	recv      *Receiver
	proc      *Processor
	admin     *Admin
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	arts, err := artifact.New(t.TempDir())
	if err != nil {
		t.Fatalf("artifact.New: %v", err)
	}
	h := &harness{
		st:        memory.New(),
		artifacts: arts,
		ai:        &fakeLLM{reply: `{"competitor":"NONE","confidence":0.9}`},
		queue:     queue.NewMemory(64),
		locker:    lock.NewLocal(),
		kicker:    &countingKicker{},
	}
	chain := matcher.NewChain(
		matcher.NewManualAssignment(h.st),
		matcher.NewAIMatch(h.ai, testCompetitors, config.MatchingConfig{
			MinConfidence:    0.7,
			LowConfidence:    config.LowConfidenceReview,
			BodyPreviewChars: 500,
		}),
	)
	h.recv = NewReceiver(h.st, arts, h.kicker)
	h.proc = NewProcessor(ProcessorConfig{
		Store:     h.st,
		Artifacts: arts,
		Matcher:   chain,
		Injector:  NewInjector(h.st, arts, h.queue),
		Locker:    h.locker,
		Pipeline:  config.PipelineConfig{StaleAttempts: 3, BatchLimit: 100},
	})
	h.admin = NewAdmin(h.st, arts, h.kicker, h.locker, []string{"Acme", "Globex"}, 3)
	return h
}

// cloudMailin builds a CloudMailin JSON post.
func cloudMailin(from, subject, messageID string) []byte {
	headers := map[string]any{
		"from":    from,
		"to":      "newsletters@example.com",
		"subject": subject,
		"date":    "Mon, 05 Jan 2026 10:00:00 +0000",
	}
	if messageID != "" {
		headers["message_id"] = messageID
	}
	body, _ := json.Marshal(map[string]any{
		"headers":  headers,
		"envelope": map[string]any{"from": "bounce@mailer.example", "remote_ip": "203.0.113.9"},
		"plain":    "Big news this week: " + subject,
	})
	return body
}

func (h *harness) receive(t *testing.T, from, subject, messageID string) *Receipt {
	t.Helper()
	r, err := h.recv.Receive(context.Background(), Payload{
		Format:   mailparse.FormatCloudMailin,
		Body:     cloudMailin(from, subject, messageID),
		SourceIP: "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return r
}

func (h *harness) run(t *testing.T) *RunResult {
	t.Helper()
	res, err := h.proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func (h *harness) email(t *testing.T, id string) *models.EmailRecord {
	t.Helper()
	rec, err := h.st.GetEmail(context.Background(), id)
	if err != nil {
		t.Fatalf("GetEmail(%s): %v", id, err)
	}
	return rec
}

func (h *harness) counters(t *testing.T, sender string) models.Counters {
	t.Helper()
	s, err := h.st.GetSender(context.Background(), sender)
	if err != nil {
		t.Fatalf("GetSender(%s): %v", sender, err)
	}
	return s.Counters
}

// assertInvariant checks injected <= processed <= received for every sender.
func (h *harness) assertInvariant(t *testing.T) {
	t.Helper()
	senders, err := h.st.ListSenders(context.Background())
	if err != nil {
		t.Fatalf("ListSenders: %v", err)
	}
	for _, s := range senders {
		if !s.Counters.Valid() {
			t.Errorf("sender %s counters violate invariant: %+v", s.Address, s.Counters)
		}
	}
}
