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

package memory

import (
	"context"
	"testing"

	"github.com/compintel/ingestion/internal/models"
	"github.com/compintel/ingestion/internal/store"
	"github.com/compintel/ingestion/internal/store/storetest"
)

// TestConformance runs the shared store suite against the memory backend.
func TestConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}

// TestGetEmail_ReturnsCopy verifies callers cannot mutate stored records.
func TestGetEmail_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	rec := &models.EmailRecord{ID: "e1", Sender: "a@b.c", Status: models.StatusReceived, Zone: models.ZoneInbox}
	if err := s.ReceiveEmail(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetEmail(ctx, "e1")
	got.Status = models.StatusInjected

	again, _ := s.GetEmail(ctx, "e1")
	if again.Status != models.StatusReceived {
		t.Errorf("stored record mutated through returned copy: %s", again.Status)
	}
}
