package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joshsymonds/inboxrules/internal/mailbox"
)

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db *sqlx.DB
}

type sqliteEmailRow struct {
	ID           string `db:"id"`
	ThreadID     string `db:"thread_id"`
	From         string `db:"from_email"`
	Subject      string `db:"subject"`
	ReceivedDate *int64 `db:"received_date"`
	Mailbox      string `db:"mailbox"`
	IsRead       bool   `db:"is_read"`
	Snippet      string `db:"snippet"`
}

// OpenSQLite opens (or creates) the database at path, enables WAL mode and
// applies pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	migrateDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite for migrations: %w", err)
	}
	if err := migrateSQLite(migrateDB); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StoreEmails inserts new emails in one transaction; existing IDs are left untouched.
func (s *SQLiteStore) StoreEmails(ctx context.Context, emails []mailbox.Email) (int, error) {
	if len(emails) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const query = `
		INSERT OR IGNORE INTO emails (
			id, thread_id, from_email, subject, received_date, mailbox, is_read, snippet
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := 0
	for _, e := range emails {
		res, err := stmt.ExecContext(ctx,
			e.ID, e.ThreadID, e.From, e.Subject, nullable(toUnixMilli(e.ReceivedAt)), e.Mailbox, e.IsRead, e.Snippet,
		)
		if err != nil {
			return 0, fmt.Errorf("insert email %s: %w", e.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("insert email %s: %w", e.ID, err)
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit emails: %w", err)
	}
	return inserted, nil
}

// EmailsForProcessing returns all stored emails, newest first.
func (s *SQLiteStore) EmailsForProcessing(ctx context.Context) ([]mailbox.Email, error) {
	var rows []sqliteEmailRow
	const query = `
		SELECT id, thread_id, from_email, subject, received_date, mailbox, is_read, snippet
		FROM emails
		ORDER BY received_date IS NULL, received_date DESC, id`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("select emails: %w", err)
	}
	out := make([]mailbox.Email, 0, len(rows))
	for _, r := range rows {
		out = append(out, mailbox.Email{
			ID:         r.ID,
			ThreadID:   r.ThreadID,
			From:       r.From,
			Subject:    r.Subject,
			ReceivedAt: fromUnixMilli(r.ReceivedDate),
			Mailbox:    r.Mailbox,
			IsRead:     r.IsRead,
			Snippet:    r.Snippet,
		})
	}
	return out, nil
}

// UpdateStatus sets is_read and/or mailbox for one email.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, upd StatusUpdate) error {
	if upd.IsRead == nil && upd.Mailbox == nil {
		return nil
	}
	const query = `
		UPDATE emails
		SET is_read = COALESCE(?, is_read), mailbox = COALESCE(?, mailbox)
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, nullable(upd.IsRead), nullable(upd.Mailbox), id)
	if err != nil {
		return fmt.Errorf("update email %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update email %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update email %s: %w", id, ErrEmailNotFound)
	}
	return nil
}

// RecordAction appends one row to the action log.
func (s *SQLiteStore) RecordAction(ctx context.Context, rec ActionRecord) error {
	const query = `
		INSERT INTO action_log (
			run_id, email_id, rule_name, action, mailbox, success, error, executed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		rec.RunID, rec.EmailID, rec.Rule, rec.Action, rec.Mailbox, rec.Success, rec.Error,
		rec.ExecutedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record action for %s: %w", rec.EmailID, err)
	}
	return nil
}

// ActionLog returns the action rows recorded for runID, oldest first.
func (s *SQLiteStore) ActionLog(ctx context.Context, runID string) ([]ActionRecord, error) {
	var rows []struct {
		RunID      string `db:"run_id"`
		EmailID    string `db:"email_id"`
		Rule       string `db:"rule_name"`
		Action     string `db:"action"`
		Mailbox    string `db:"mailbox"`
		Success    bool   `db:"success"`
		Error      string `db:"error"`
		ExecutedAt int64  `db:"executed_at"`
	}
	const query = `
		SELECT run_id, email_id, rule_name, action, mailbox, success, error, executed_at
		FROM action_log WHERE run_id = ? ORDER BY id`
	if err := s.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, fmt.Errorf("select action log: %w", err)
	}
	out := make([]ActionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, ActionRecord{
			RunID:      r.RunID,
			EmailID:    r.EmailID,
			Rule:       r.Rule,
			Action:     r.Action,
			Mailbox:    r.Mailbox,
			Success:    r.Success,
			Error:      r.Error,
			ExecutedAt: time.UnixMilli(r.ExecutedAt).UTC(),
		})
	}
	return out, nil
}

var _ Store = (*SQLiteStore)(nil)
