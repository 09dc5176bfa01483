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

package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/compintel/ingestion/internal/models"
	"github.com/compintel/ingestion/internal/store"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS emails").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	s, err := New(context.Background(), mock)
	require.NoError(t, err)
	return s, mock
}

// anyArgs matches n positional arguments of any value.
func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

func testRecord() *models.EmailRecord {
	return &models.EmailRecord{
		ID:           "e1",
		Sender:       "news@acme.com",
		ReceivedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ArtifactName: "e1.json",
		Zone:         models.ZoneInbox,
		Status:       models.StatusReceived,
	}
}

// TestNew_SchemaFailure verifies schema errors surface from New.
func TestNew_SchemaFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS emails").WillReturnError(errors.New("permission denied"))
	_, err = New(context.Background(), mock)
	require.ErrorContains(t, err, "ensure ingestion schema")
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestReceiveEmail_CountsSender verifies the insert and the received
// increment share one transaction.
func TestReceiveEmail_CountsSender(t *testing.T) {
	s, mock := newMockStore(t)
	rec := testRecord()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO emails").
		WithArgs(anyArgs(23)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO sender_stats").
		WithArgs("news@acme.com", int64(1), int64(0), int64(0), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.ReceiveEmail(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestReceiveEmail_Duplicate verifies a conflicting id rolls back without
// touching the counters.
func TestReceiveEmail_Duplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO emails").
		WithArgs(anyArgs(23)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	err := s.ReceiveEmail(context.Background(), testRecord())
	require.ErrorIs(t, err, store.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestTransitionEmail_AppliesDelta verifies the status update and counter
// delta commit together.
func TestTransitionEmail_AppliesDelta(t *testing.T) {
	s, mock := newMockStore(t)
	rec := testRecord()
	rec.Status = models.StatusProcessed
	rec.Competitor = "Acme"

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sender, status FROM emails").
		WithArgs("e1").
		WillReturnRows(pgxmock.NewRows([]string{"sender", "status"}).AddRow("news@acme.com", "RECEIVED"))
	updateArgs := append([]any{"PROCESSED"}, anyArgs(11)...)
	mock.ExpectExec("UPDATE emails SET").
		WithArgs(append(updateArgs, "e1")...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO sender_stats").
		WithArgs("news@acme.com", int64(0), int64(1), int64(0), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.TransitionEmail(context.Background(), rec, models.StatusReceived, models.Counters{Processed: 1})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestTransitionEmail_Stale verifies a concurrent status change aborts the
// transaction.
func TestTransitionEmail_Stale(t *testing.T) {
	s, mock := newMockStore(t)
	rec := testRecord()
	rec.Status = models.StatusProcessed

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sender, status FROM emails").
		WithArgs("e1").
		WillReturnRows(pgxmock.NewRows([]string{"sender", "status"}).AddRow("news@acme.com", "REJECTED"))
	mock.ExpectRollback()

	err := s.TransitionEmail(context.Background(), rec, models.StatusReceived, models.Counters{Processed: 1})
	require.ErrorIs(t, err, store.ErrStaleTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestTransitionEmail_NotFound verifies a missing row maps to ErrNotFound.
func TestTransitionEmail_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	rec := testRecord()
	rec.Status = models.StatusProcessed

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sender, status FROM emails").WithArgs("e1").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := s.TransitionEmail(context.Background(), rec, models.StatusReceived, models.Counters{})
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestTransitionEmail_Invalid verifies illegal edges never reach the database.
func TestTransitionEmail_Invalid(t *testing.T) {
	s, mock := newMockStore(t)
	rec := testRecord()
	rec.Status = models.StatusReceived

	err := s.TransitionEmail(context.Background(), rec, models.StatusInjected, models.Counters{})
	require.ErrorIs(t, err, store.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRecordAttempt_NotFound verifies zero affected rows maps to ErrNotFound.
func TestRecordAttempt_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE emails SET attempts").
		WithArgs("model timeout", "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.RecordAttempt(context.Background(), "missing", "model timeout")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestListEmails_BuildsFilter verifies filters become positional arguments.
func TestListEmails_BuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = ANY($1) AND zone = $2 ORDER BY received_at DESC, id DESC LIMIT $3")).
		WithArgs([]string{"RECEIVED", "PROCESSED"}, "inbox", 5).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	out, err := s.ListEmails(context.Background(), store.EmailFilter{
		Statuses: []models.Status{models.StatusReceived, models.StatusProcessed},
		Zone:     models.ZoneInbox,
		Limit:    5,
		Newest:   true,
	})
	require.NoError(t, err)
	require.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestCountEmails verifies grouped counts are keyed by status.
func TestCountEmails(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("RECEIVED", int64(2)).
			AddRow("INJECTED", int64(7)))

	counts, err := s.CountEmails(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, counts[models.StatusReceived])
	require.Equal(t, 7, counts[models.StatusInjected])
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestDeleteSender_Assigned verifies assigned senders are protected.
func TestDeleteSender_Assigned(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT assigned_company FROM sender_stats").
		WithArgs("news@acme.com").
		WillReturnRows(pgxmock.NewRows([]string{"assigned_company"}).AddRow("Acme"))
	mock.ExpectRollback()

	err := s.DeleteSender(context.Background(), "news@acme.com")
	require.ErrorIs(t, err, store.ErrSenderAssigned)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRebuildSenderCounts_OneTransaction verifies the rebuild locks the email
// log and writes every counter inside a single transaction.
func TestRebuildSenderCounts_OneTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("LOCK TABLE emails IN SHARE MODE").
		WillReturnResult(pgxmock.NewResult("LOCK TABLE", 0))
	mock.ExpectExec("INSERT INTO sender_stats").
		WithArgs("INJECTED").
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec("UPDATE sender_stats").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	n, err := s.RebuildSenderCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRebuildSenderCounts_RollsBack verifies a failed write leaves the
// counters untouched.
func TestRebuildSenderCounts_RollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("LOCK TABLE emails IN SHARE MODE").
		WillReturnResult(pgxmock.NewResult("LOCK TABLE", 0))
	mock.ExpectExec("INSERT INTO sender_stats").
		WithArgs("INJECTED").
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err := s.RebuildSenderCounts(context.Background())
	require.ErrorContains(t, err, "rebuild sender counts")
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestAppendContent_Conflict verifies an existing fingerprint is a no-op.
func TestAppendContent_Conflict(t *testing.T) {
	s, mock := newMockStore(t)

	contentArgs := append([]any{"fp1", "Acme", "email://e1"}, anyArgs(4)...)
	mock.ExpectExec("INSERT INTO content").
		WithArgs(append(contentArgs, "e1")...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := s.AppendContent(context.Background(), &models.ContentRecord{
		Fingerprint: "fp1",
		Competitor:  "Acme",
		SourceURL:   "email://e1",
		CollectedAt: time.Now(),
		EmailID:     "e1",
	})
	require.NoError(t, err)
	require.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}
