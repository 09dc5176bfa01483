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

// Package sqlite is the single-node store backend, a SQLite database file
// next to the artifact directory.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/compintel/ingestion/internal/models"
	"github.com/compintel/ingestion/internal/store"
)

// timeLayout sorts lexically for UTC values.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite-backed store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	slog.Info("sqlite store initialised", "path", path)
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS emails (
			id            TEXT PRIMARY KEY,
			message_id    TEXT NOT NULL DEFAULT '',
			sender        TEXT NOT NULL,
			recipient     TEXT NOT NULL DEFAULT '',
			subject       TEXT NOT NULL DEFAULT '',
			date_header   TEXT NOT NULL DEFAULT '',
			published_at  TEXT,
			received_at   TEXT NOT NULL,
			source_ip     TEXT NOT NULL DEFAULT '',
			artifact_name TEXT NOT NULL,
			zone          TEXT NOT NULL,
			status        TEXT NOT NULL,
			competitor    TEXT NOT NULL DEFAULT '',
			match_method  TEXT NOT NULL DEFAULT '',
			confidence    REAL NOT NULL DEFAULT 0,
			suggested     TEXT NOT NULL DEFAULT '',
			review_reason TEXT NOT NULL DEFAULT '',
			fingerprint   TEXT NOT NULL DEFAULT '',
			duplicate     INTEGER NOT NULL DEFAULT 0,
			attempts      INTEGER NOT NULL DEFAULT 0,
			last_error    TEXT NOT NULL DEFAULT '',
			processed_at  TEXT,
			injected_at   TEXT,
			updated_at    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_emails_status ON emails(status);
		CREATE INDEX IF NOT EXISTS idx_emails_sender ON emails(sender);
		CREATE INDEX IF NOT EXISTS idx_emails_received ON emails(received_at);

		CREATE TABLE IF NOT EXISTS sender_stats (
			sender           TEXT PRIMARY KEY,
			emails_received  INTEGER NOT NULL DEFAULT 0,
			emails_processed INTEGER NOT NULL DEFAULT 0,
			emails_injected  INTEGER NOT NULL DEFAULT 0,
			assigned_company TEXT NOT NULL DEFAULT '',
			last_seen        TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS content (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			fingerprint  TEXT NOT NULL UNIQUE,
			company      TEXT NOT NULL,
			source_url   TEXT NOT NULL,
			title        TEXT NOT NULL DEFAULT '',
			clean_text   TEXT NOT NULL DEFAULT '',
			published_at TEXT,
			collected_at TEXT NOT NULL,
			email_id     TEXT NOT NULL DEFAULT '',
			summary      TEXT NOT NULL DEFAULT '',
			category     TEXT NOT NULL DEFAULT '',
			impact       TEXT NOT NULL DEFAULT '',
			enriched_at  TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_content_enriched ON content(enriched_at);
	`)
	return err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const emailColumns = `id, message_id, sender, recipient, subject, date_header, published_at,
	received_at, source_ip, artifact_name, zone, status, competitor, match_method,
	confidence, suggested, review_reason, fingerprint, duplicate, attempts,
	last_error, processed_at, injected_at, updated_at`

// ReceiveEmail inserts a RECEIVED record and counts it for its sender.
func (s *Store) ReceiveEmail(ctx context.Context, rec *models.EmailRecord) error {
	now := formatTime(time.Now())
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO emails (`+emailColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.MessageID, rec.Sender, rec.Recipient, rec.Subject, rec.Date,
			nullTime(rec.PublishedAt), formatTime(rec.ReceivedAt), rec.SourceIP, rec.ArtifactName,
			string(rec.Zone), string(rec.Status), rec.Competitor, string(rec.MatchMethod),
			rec.Confidence, rec.Suggested, rec.ReviewReason, rec.Fingerprint, rec.Duplicate,
			rec.Attempts, rec.LastError, nullTime(rec.ProcessedAt), nullTime(rec.InjectedAt), now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("email %s: %w", rec.ID, store.ErrDuplicate)
			}
			return fmt.Errorf("insert email: %w", err)
		}
		return increment(ctx, tx, rec.Sender, models.Counters{Received: 1}, rec.ReceivedAt)
	})
}

// GetEmail returns the record with the given id.
func (s *Store) GetEmail(ctx context.Context, id string) (*models.EmailRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+emailColumns+` FROM emails WHERE id = ?`, id)
	rec, err := scanEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Zone != "" {
		where = append(where, "zone = ?")
		args = append(args, string(f.Zone))
	}
	if f.ExcludeZone != "" {
		where = append(where, "zone <> ?")
		args = append(args, string(f.ExcludeZone))
	}
	if f.Sender != "" {
		where = append(where, "sender = ?")
		args = append(args, f.Sender)
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
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
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
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM emails GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count emails: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[models.Status(st)] = n
	}
	return counts, rows.Err()
}

// TransitionEmail applies a compare-and-set status change plus counter delta.
func (s *Store) TransitionEmail(ctx context.Context, rec *models.EmailRecord, from models.Status, delta models.Counters) error {
	if err := store.CheckTransition(from, rec.Status); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var sender, current string
		err := tx.QueryRowContext(ctx, `SELECT sender, status FROM emails WHERE id = ?`, rec.ID).Scan(&sender, &current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("email %s: %w", rec.ID, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load email status: %w", err)
		}
		if models.Status(current) != from {
			return fmt.Errorf("email %s is %s, not %s: %w", rec.ID, current, from, store.ErrStaleTransition)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE emails SET
				status = ?, zone = ?, competitor = ?, match_method = ?, confidence = ?,
				suggested = ?, review_reason = ?, fingerprint = ?, duplicate = ?,
				last_error = ?, processed_at = ?, injected_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(rec.Status), string(rec.Zone), rec.Competitor, string(rec.MatchMethod), rec.Confidence,
			rec.Suggested, rec.ReviewReason, rec.Fingerprint, rec.Duplicate,
			rec.LastError, nullTime(rec.ProcessedAt), nullTime(rec.InjectedAt), formatTime(time.Now()),
			rec.ID, string(from),
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE emails SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		errText, formatTime(time.Now()), id)
	return affected(res, err, "email "+id)
}

// SetEmailZone records the artifact's current zone.
func (s *Store) SetEmailZone(ctx context.Context, id string, zone models.Zone) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE emails SET zone = ?, updated_at = ? WHERE id = ?`,
		string(zone), formatTime(time.Now()), id)
	return affected(res, err, "email "+id)
}

// IncrementSender adds delta to the sender's counters.
func (s *Store) IncrementSender(ctx context.Context, sender string, delta models.Counters, seen time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return increment(ctx, tx, sender, delta, seen)
	})
}

func increment(ctx context.Context, tx *sql.Tx, sender string, delta models.Counters, seen time.Time) error {
	lastSeen := ""
	if !seen.IsZero() {
		lastSeen = formatTime(seen)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sender_stats (sender, emails_received, emails_processed, emails_injected, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(sender) DO UPDATE SET
			emails_received  = emails_received + excluded.emails_received,
			emails_processed = emails_processed + excluded.emails_processed,
			emails_injected  = emails_injected + excluded.emails_injected,
			last_seen        = MAX(last_seen, excluded.last_seen)`,
		sender, delta.Received, delta.Processed, delta.Injected, lastSeen)
	if err != nil {
		return fmt.Errorf("increment sender stats: %w", err)
	}
	return nil
}

const senderColumns = `sender, emails_received, emails_processed, emails_injected, assigned_company, last_seen`

// GetSender returns the sender's stats.
func (s *Store) GetSender(ctx context.Context, sender string) (*models.SenderStats, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+senderColumns+` FROM sender_stats WHERE sender = ?`, sender)
	st, err := scanSender(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sender %s: %w", sender, store.ErrNotFound)
	}
	return st, err
}

// ListSenders returns every sender, most active first.
func (s *Store) ListSenders(ctx context.Context) ([]*models.SenderStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+senderColumns+` FROM sender_stats ORDER BY emails_received DESC, sender ASC`)
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sender_stats (sender, assigned_company) VALUES (?, ?)
		ON CONFLICT(sender) DO UPDATE SET assigned_company = excluded.assigned_company`,
		sender, competitor)
	if err != nil {
		return fmt.Errorf("assign sender: %w", err)
	}
	return nil
}

// DeleteSender removes an unassigned sender.
func (s *Store) DeleteSender(ctx context.Context, sender string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var assigned string
		err := tx.QueryRowContext(ctx, `SELECT assigned_company FROM sender_stats WHERE sender = ?`, sender).Scan(&assigned)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sender %s: %w", sender, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load sender: %w", err)
		}
		if assigned != "" {
			return fmt.Errorf("sender %s: %w", sender, store.ErrSenderAssigned)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM sender_stats WHERE sender = ?`, sender)
		return err
	})
}

// RebuildSenderCounts recomputes every sender's counters from the email log
// in one immediate transaction, keeping assignments.
func (s *Store) RebuildSenderCounts(ctx context.Context) (int, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sender_stats (sender, emails_received, emails_processed, emails_injected, last_seen)
			SELECT sender,
			       COUNT(*),
			       SUM(CASE WHEN processed_at IS NOT NULL OR status = ? THEN 1 ELSE 0 END),
			       SUM(CASE WHEN injected_at IS NOT NULL AND duplicate = 0 THEN 1 ELSE 0 END),
			       MAX(received_at)
			FROM emails
			WHERE true
			GROUP BY sender
			ON CONFLICT(sender) DO UPDATE SET
				emails_received  = excluded.emails_received,
				emails_processed = excluded.emails_processed,
				emails_injected  = excluded.emails_injected,
				last_seen        = excluded.last_seen`,
			string(models.StatusInjected))
		if err != nil {
			return fmt.Errorf("write counts: %w", err)
		}
		written, _ := res.RowsAffected()

		res, err = tx.ExecContext(ctx, `
			UPDATE sender_stats
			SET emails_received = 0, emails_processed = 0, emails_injected = 0
			WHERE sender NOT IN (SELECT DISTINCT sender FROM emails)`)
		if err != nil {
			return fmt.Errorf("zero idle senders: %w", err)
		}
		zeroed, _ := res.RowsAffected()
		n = written + zeroed
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
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO content (fingerprint, company, source_url, title, clean_text, published_at, collected_at, email_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING`,
		rec.Fingerprint, rec.Competitor, rec.SourceURL, rec.Title, rec.CleanText,
		nullTime(rec.PublishedAt), formatTime(rec.CollectedAt), rec.EmailID)
	if err != nil {
		return false, fmt.Errorf("append content: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetContent returns the row with the given fingerprint.
func (s *Store) GetContent(ctx context.Context, fingerprint string) (*models.ContentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contentColumns+` FROM content WHERE fingerprint = ?`, fingerprint)
	rec, err := scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("content %s: %w", fingerprint, store.ErrNotFound)
	}
	return rec, err
}

// ListUnenriched returns rows without enrichment in insertion order.
func (s *Store) ListUnenriched(ctx context.Context, limit int) ([]*models.ContentRecord, error) {
	q := `SELECT ` + contentColumns + ` FROM content WHERE enriched_at IS NULL ORDER BY seq ASC`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
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
	enrichedAt := time.Now()
	if e.EnrichedAt != nil {
		enrichedAt = *e.EnrichedAt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE content SET summary = ?, category = ?, impact = ?, enriched_at = ? WHERE fingerprint = ?`,
		e.Summary, e.Category, e.Impact, formatTime(enrichedAt), fingerprint)
	return affected(res, err, "content "+fingerprint)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEmail(row scanner) (*models.EmailRecord, error) {
	var (
		rec                            models.EmailRecord
		zone, status, method           string
		published, processed, injected sql.NullString
		received, updated              string
	)
	err := row.Scan(
		&rec.ID, &rec.MessageID, &rec.Sender, &rec.Recipient, &rec.Subject, &rec.Date, &published,
		&received, &rec.SourceIP, &rec.ArtifactName, &zone, &status, &rec.Competitor, &method,
		&rec.Confidence, &rec.Suggested, &rec.ReviewReason, &rec.Fingerprint, &rec.Duplicate, &rec.Attempts,
		&rec.LastError, &processed, &injected, &updated,
	)
	if err != nil {
		return nil, err
	}
	rec.Zone = models.Zone(zone)
	rec.Status = models.Status(status)
	rec.MatchMethod = models.MatchMethod(method)
	rec.PublishedAt = parseNullTime(published)
	rec.ProcessedAt = parseNullTime(processed)
	rec.InjectedAt = parseNullTime(injected)
	rec.ReceivedAt = parseTime(received)
	rec.UpdatedAt = parseTime(updated)
	return &rec, nil
}

func scanSender(row scanner) (*models.SenderStats, error) {
	var (
		st       models.SenderStats
		lastSeen string
	)
	if err := row.Scan(&st.Address, &st.Received, &st.Processed, &st.Injected, &st.AssignedCompetitor, &lastSeen); err != nil {
		return nil, err
	}
	st.LastSeen = parseTime(lastSeen)
	return &st, nil
}

func scanContent(row scanner) (*models.ContentRecord, error) {
	var (
		rec                 models.ContentRecord
		published, enriched sql.NullString
		collected           string
	)
	err := row.Scan(&rec.Fingerprint, &rec.Competitor, &rec.SourceURL, &rec.Title, &rec.CleanText,
		&published, &collected, &rec.EmailID, &rec.Summary, &rec.Category, &rec.Impact, &enriched)
	if err != nil {
		return nil, err
	}
	rec.PublishedAt = parseNullTime(published)
	rec.CollectedAt = parseTime(collected)
	rec.EnrichedAt = parseNullTime(enriched)
	return &rec, nil
}

func affected(res sql.Result, err error, what string) error {
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
