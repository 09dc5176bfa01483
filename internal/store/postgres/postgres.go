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

// Package postgres is the shared store backend for deployments running more
// than one ingestion process against the same data.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/compintel/ingestion/internal/models"
	"github.com/compintel/ingestion/internal/store"
)

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store is a Postgres-backed store.
type Store struct {
	pool Pool
}

var _ store.Store = (*Store)(nil)

// Connect opens a pool for dsn and returns a store over it.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("storage.database_url is required for the postgres backend")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New creates a store over an existing pool and ensures the schema exists.
func New(ctx context.Context, pool Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure ingestion schema: %w", err)
	}
	slog.Info("postgres store initialised")
	return s, nil
}

// Pool exposes the underlying pool so the run lock can share it.
func (s *Store) Pool() Pool {
	return s.pool
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS emails (
			id            TEXT PRIMARY KEY,
			message_id    TEXT NOT NULL DEFAULT '',
			sender        TEXT NOT NULL,
			recipient     TEXT NOT NULL DEFAULT '',
			subject       TEXT NOT NULL DEFAULT '',
			date_header   TEXT NOT NULL DEFAULT '',
			published_at  TIMESTAMPTZ,
			received_at   TIMESTAMPTZ NOT NULL,
			source_ip     TEXT NOT NULL DEFAULT '',
			artifact_name TEXT NOT NULL,
			zone          TEXT NOT NULL,
			status        TEXT NOT NULL,
			competitor    TEXT NOT NULL DEFAULT '',
			match_method  TEXT NOT NULL DEFAULT '',
			confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
			suggested     TEXT NOT NULL DEFAULT '',
			review_reason TEXT NOT NULL DEFAULT '',
			fingerprint   TEXT NOT NULL DEFAULT '',
			duplicate     BOOLEAN NOT NULL DEFAULT FALSE,
			attempts      INTEGER NOT NULL DEFAULT 0,
			last_error    TEXT NOT NULL DEFAULT '',
			processed_at  TIMESTAMPTZ,
			injected_at   TIMESTAMPTZ,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_emails_status ON emails(status);
		CREATE INDEX IF NOT EXISTS idx_emails_sender ON emails(sender);
		CREATE INDEX IF NOT EXISTS idx_emails_received ON emails(received_at);

		CREATE TABLE IF NOT EXISTS sender_stats (
			sender           TEXT PRIMARY KEY,
			emails_received  BIGINT NOT NULL DEFAULT 0,
			emails_processed BIGINT NOT NULL DEFAULT 0,
			emails_injected  BIGINT NOT NULL DEFAULT 0,
			assigned_company TEXT NOT NULL DEFAULT '',
			last_seen        TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS content (
			seq          BIGSERIAL PRIMARY KEY,
			fingerprint  TEXT NOT NULL UNIQUE,
			company      TEXT NOT NULL,
			source_url   TEXT NOT NULL,
			title        TEXT NOT NULL DEFAULT '',
			clean_text   TEXT NOT NULL DEFAULT '',
			published_at TIMESTAMPTZ,
			collected_at TIMESTAMPTZ NOT NULL,
			email_id     TEXT NOT NULL DEFAULT '',
			summary      TEXT NOT NULL DEFAULT '',
			category     TEXT NOT NULL DEFAULT '',
			impact       TEXT NOT NULL DEFAULT '',
			enriched_at  TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_content_unenriched ON content(seq) WHERE enriched_at IS NULL;
	`)
	return err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const emailColumns = `id, message_id, sender, recipient, subject, date_header, published_at,
	received_at, source_ip, artifact_name, zone, status, competitor, match_method,
	confidence, suggested, review_reason, fingerprint, duplicate, attempts,
	last_error, processed_at, injected_at, updated_at`

// ReceiveEmail inserts a RECEIVED record and counts it for its sender.
func (s *Store) ReceiveEmail(ctx context.Context, rec *models.EmailRecord) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO emails (`+emailColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, NOW())
			ON CONFLICT (id) DO NOTHING`,
			rec.ID, rec.MessageID, rec.Sender, rec.Recipient, rec.Subject, rec.Date,
			rec.PublishedAt, rec.ReceivedAt, rec.SourceIP, rec.ArtifactName,
			string(rec.Zone), string(rec.Status), rec.Competitor, string(rec.MatchMethod),
			rec.Confidence, rec.Suggested, rec.ReviewReason, rec.Fingerprint, rec.Duplicate,
			rec.Attempts, rec.LastError, rec.ProcessedAt, rec.InjectedAt,
		)
		if err != nil {
			return fmt.Errorf("insert email: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("email %s: %w", rec.ID, store.ErrDuplicate)
		}
		return increment(ctx, tx, rec.Sender, models.Counters{Received: 1}, rec.ReceivedAt)
	})
}

// GetEmail returns the record with the given id.
func (s *Store) GetEmail(ctx context.Context, id string) (*models.EmailRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+emailColumns+` FROM emails WHERE id = $1`, id)
	rec, err := scanEmail(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("email %s: %w", id, store.ErrNotFound)
	}
	return rec, err
}

// ListEmails returns the records matching f.
func (s *Store) ListEmails(ctx context.Context, f store.EmailFilter) ([]*models.EmailRecord, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if f.Zone != "" {
		where = append(where, "zone = "+arg(string(f.Zone)))
	}
	if f.ExcludeZone != "" {
		where = append(where, "zone <> "+arg(string(f.ExcludeZone)))
	}
	if f.Sender != "" {
		where = append(where, "sender = "+arg(f.Sender))
	}

	q := `SELECT ` + emailColumns + ` FROM emails`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY "
	if f.FewestAttempts {
		q += "attempts ASC, "
	}
	if f.Newest {
		q += "received_at DESC, id DESC"
	} else {
		q += "received_at ASC, id ASC"
	}
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list emails: %w", err)
	}
	defer rows.Close()

	out := make([]*models.EmailRecord, 0)
	for rows.Next() {
		rec, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountEmails returns the number of records per status.
func (s *Store) CountEmails(ctx context.Context) (map[models.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM emails GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count emails: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var (
			st string
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[models.Status(st)] = int(n)
	}
	return counts, rows.Err()
}

// TransitionEmail applies a compare-and-set status change plus counter delta.
func (s *Store) TransitionEmail(ctx context.Context, rec *models.EmailRecord, from models.Status, delta models.Counters) error {
	if err := store.CheckTransition(from, rec.Status); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var sender, current string
		err := tx.QueryRow(ctx, `SELECT sender, status FROM emails WHERE id = $1 FOR UPDATE`, rec.ID).Scan(&sender, &current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("email %s: %w", rec.ID, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load email status: %w", err)
		}
		if models.Status(current) != from {
			return fmt.Errorf("email %s is %s, not %s: %w", rec.ID, current, from, store.ErrStaleTransition)
		}

		_, err = tx.Exec(ctx, `
			UPDATE emails SET
				status = $1, zone = $2, competitor = $3, match_method = $4, confidence = $5,
				suggested = $6, review_reason = $7, fingerprint = $8, duplicate = $9,
				last_error = $10, processed_at = $11, injected_at = $12, updated_at = NOW()
			WHERE id = $13`,
			string(rec.Status), string(rec.Zone), rec.Competitor, string(rec.MatchMethod), rec.Confidence,
			rec.Suggested, rec.ReviewReason, rec.Fingerprint, rec.Duplicate,
			rec.LastError, rec.ProcessedAt, rec.InjectedAt, rec.ID,
		)
		if err != nil {
			return fmt.Errorf("update email status: %w", err)
		}
		if delta.IsZero() {
			return nil
		}
		return increment(ctx, tx, sender, delta, time.Time{})
	})
}

// RecordAttempt increments the attempt counter and stores the error text.
func (s *Store) RecordAttempt(ctx context.Context, id string, errText string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE emails SET attempts = attempts + 1, last_error = $1, updated_at = NOW()
		WHERE id = $2`, errText, id)
	return affected(tag, err, "email "+id)
}

// SetEmailZone records the artifact's current zone.
func (s *Store) SetEmailZone(ctx context.Context, id string, zone models.Zone) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE emails SET zone = $1, updated_at = NOW() WHERE id = $2`, string(zone), id)
	return affected(tag, err, "email "+id)
}

// IncrementSender adds delta to the sender's counters.
func (s *Store) IncrementSender(ctx context.Context, sender string, delta models.Counters, seen time.Time) error {
	return increment(ctx, s.pool, sender, delta, seen)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func increment(ctx context.Context, db execer, sender string, delta models.Counters, seen time.Time) error {
	_, err := db.Exec(ctx, `
		INSERT INTO sender_stats (sender, emails_received, emails_processed, emails_injected, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sender) DO UPDATE SET
			emails_received  = sender_stats.emails_received + EXCLUDED.emails_received,
			emails_processed = sender_stats.emails_processed + EXCLUDED.emails_processed,
			emails_injected  = sender_stats.emails_injected + EXCLUDED.emails_injected,
			last_seen        = GREATEST(sender_stats.last_seen, EXCLUDED.last_seen)`,
		sender, delta.Received, delta.Processed, delta.Injected, timeOrNil(seen))
	if err != nil {
		return fmt.Errorf("increment sender stats: %w", err)
	}
	return nil
}

const senderColumns = `sender, emails_received, emails_processed, emails_injected, assigned_company, last_seen`

// GetSender returns the sender's stats.
func (s *Store) GetSender(ctx context.Context, sender string) (*models.SenderStats, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+senderColumns+` FROM sender_stats WHERE sender = $1`, sender)
	st, err := scanSender(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sender %s: %w", sender, store.ErrNotFound)
	}
	return st, err
}

// ListSenders returns every sender, most active first.
func (s *Store) ListSenders(ctx context.Context) ([]*models.SenderStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+senderColumns+` FROM sender_stats
		ORDER BY emails_received DESC, sender ASC`)
	if err != nil {
		return nil, fmt.Errorf("list senders: %w", err)
	}
	defer rows.Close()

	out := make([]*models.SenderStats, 0)
	for rows.Next() {
		st, err := scanSender(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// AssignSender sets or clears the manual assignment, creating the sender if needed.
func (s *Store) AssignSender(ctx context.Context, sender, competitor string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sender_stats (sender, assigned_company) VALUES ($1, $2)
		ON CONFLICT (sender) DO UPDATE SET assigned_company = EXCLUDED.assigned_company`,
		sender, competitor)
	if err != nil {
		return fmt.Errorf("assign sender: %w", err)
	}
	return nil
}

// DeleteSender removes an unassigned sender.
func (s *Store) DeleteSender(ctx context.Context, sender string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var assigned string
		err := tx.QueryRow(ctx, `SELECT assigned_company FROM sender_stats WHERE sender = $1 FOR UPDATE`, sender).Scan(&assigned)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("sender %s: %w", sender, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load sender: %w", err)
		}
		if assigned != "" {
			return fmt.Errorf("sender %s: %w", sender, store.ErrSenderAssigned)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM sender_stats WHERE sender = $1`, sender); err != nil {
			return fmt.Errorf("delete sender: %w", err)
		}
		return nil
	})
}

// RebuildSenderCounts recomputes every sender's counters from the email log
// in one transaction, keeping assignments. The emails table is share-locked
// so no receive or transition commits between the count and the write.
func (s *Store) RebuildSenderCounts(ctx context.Context) (int, error) {
	var n int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE emails IN SHARE MODE`); err != nil {
			return fmt.Errorf("lock emails: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO sender_stats (sender, emails_received, emails_processed, emails_injected, last_seen)
			SELECT sender,
			       COUNT(*),
			       COUNT(*) FILTER (WHERE processed_at IS NOT NULL OR status = $1),
			       COUNT(*) FILTER (WHERE injected_at IS NOT NULL AND NOT duplicate),
			       MAX(received_at)
			FROM emails
			GROUP BY sender
			ON CONFLICT (sender) DO UPDATE SET
				emails_received  = EXCLUDED.emails_received,
				emails_processed = EXCLUDED.emails_processed,
				emails_injected  = EXCLUDED.emails_injected,
				last_seen        = EXCLUDED.last_seen`,
			string(models.StatusInjected))
		if err != nil {
			return fmt.Errorf("write counts: %w", err)
		}
		n = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `
			UPDATE sender_stats
			SET emails_received = 0, emails_processed = 0, emails_injected = 0
			WHERE NOT EXISTS (SELECT 1 FROM emails WHERE emails.sender = sender_stats.sender)`)
		if err != nil {
			return fmt.Errorf("zero idle senders: %w", err)
		}
		n += tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("rebuild sender counts: %w", err)
	}
	return int(n), nil
}

const contentColumns = `fingerprint, company, source_url, title, clean_text, published_at,
	collected_at, email_id, summary, category, impact, enriched_at`

// AppendContent inserts rec if its fingerprint is new.
func (s *Store) AppendContent(ctx context.Context, rec *models.ContentRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO content (fingerprint, company, source_url, title, clean_text, published_at, collected_at, email_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (fingerprint) DO NOTHING`,
		rec.Fingerprint, rec.Competitor, rec.SourceURL, rec.Title, rec.CleanText,
		rec.PublishedAt, rec.CollectedAt, rec.EmailID)
	if err != nil {
		return false, fmt.Errorf("append content: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetContent returns the row with the given fingerprint.
func (s *Store) GetContent(ctx context.Context, fingerprint string) (*models.ContentRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+contentColumns+` FROM content WHERE fingerprint = $1`, fingerprint)
	rec, err := scanContent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("content %s: %w", fingerprint, store.ErrNotFound)
	}
	return rec, err
}

// ListUnenriched returns rows without enrichment in insertion order.
func (s *Store) ListUnenriched(ctx context.Context, limit int) ([]*models.ContentRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+contentColumns+` FROM content
		WHERE enriched_at IS NULL
		ORDER BY seq ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unenriched content: %w", err)
	}
	defer rows.Close()

	var out []*models.ContentRecord
	for rows.Next() {
		rec, err := scanContent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateEnrichment sets the enrichment fields of an existing row.
func (s *Store) UpdateEnrichment(ctx context.Context, fingerprint string, e models.Enrichment) error {
	enrichedAt := time.Now().UTC()
	if e.EnrichedAt != nil {
		enrichedAt = *e.EnrichedAt
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE content SET summary = $1, category = $2, impact = $3, enriched_at = $4
		WHERE fingerprint = $5`,
		e.Summary, e.Category, e.Impact, enrichedAt, fingerprint)
	return affected(tag, err, "content "+fingerprint)
}

func scanEmail(row pgx.Row) (*models.EmailRecord, error) {
	var (
		rec                  models.EmailRecord
		zone, status, method string
	)
	err := row.Scan(
		&rec.ID, &rec.MessageID, &rec.Sender, &rec.Recipient, &rec.Subject, &rec.Date, &rec.PublishedAt,
		&rec.ReceivedAt, &rec.SourceIP, &rec.ArtifactName, &zone, &status, &rec.Competitor, &method,
		&rec.Confidence, &rec.Suggested, &rec.ReviewReason, &rec.Fingerprint, &rec.Duplicate, &rec.Attempts,
		&rec.LastError, &rec.ProcessedAt, &rec.InjectedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Zone = models.Zone(zone)
	rec.Status = models.Status(status)
	rec.MatchMethod = models.MatchMethod(method)
	return &rec, nil
}

func scanSender(row pgx.Row) (*models.SenderStats, error) {
	var (
		st       models.SenderStats
		lastSeen *time.Time
	)
	if err := row.Scan(&st.Address, &st.Received, &st.Processed, &st.Injected, &st.AssignedCompetitor, &lastSeen); err != nil {
		return nil, err
	}
	if lastSeen != nil {
		st.LastSeen = lastSeen.UTC()
	}
	return &st, nil
}

func scanContent(row pgx.Row) (*models.ContentRecord, error) {
	var rec models.ContentRecord
	err := row.Scan(&rec.Fingerprint, &rec.Competitor, &rec.SourceURL, &rec.Title, &rec.CleanText,
		&rec.PublishedAt, &rec.CollectedAt, &rec.EmailID, &rec.Summary, &rec.Category, &rec.Impact, &rec.EnrichedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func affected(tag pgconn.CommandTag, err error, what string) error {
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return nil
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
