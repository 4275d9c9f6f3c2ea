package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/joshsymonds/inboxrules/internal/mailbox"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres migrates the schema through database/sql, then opens and
// pings a pgx pool for regular queries.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migratePostgres(sqlDB); err != nil {
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	config.MaxConns = 4
	config.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// StoreEmails inserts new emails in one batch; existing IDs are left untouched.
func (s *PostgresStore) StoreEmails(ctx context.Context, emails []mailbox.Email) (int, error) {
	if len(emails) == 0 {
		return 0, nil
	}
	const query = `
		INSERT INTO emails (
			id, thread_id, from_email, subject, received_date, mailbox, is_read, snippet
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, e := range emails {
		batch.Queue(query, e.ID, e.ThreadID, e.From, e.Subject, e.ReceivedAt, e.Mailbox, e.IsRead, e.Snippet)
	}
	br := tx.SendBatch(ctx, batch)
	inserted := 0
	for _, e := range emails {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, fmt.Errorf("insert email %s: %w", e.ID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit emails: %w", err)
	}
	return inserted, nil
}

// EmailsForProcessing returns all stored emails, newest first.
func (s *PostgresStore) EmailsForProcessing(ctx context.Context) ([]mailbox.Email, error) {
	const query = `
		SELECT id, thread_id, from_email, subject, received_date, mailbox, is_read, snippet
		FROM emails
		ORDER BY received_date DESC NULLS LAST, id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select emails: %w", err)
	}
	defer rows.Close()

	var out []mailbox.Email
	for rows.Next() {
		var (
			e        mailbox.Email
			received *time.Time
		)
		if err := rows.Scan(&e.ID, &e.ThreadID, &e.From, &e.Subject, &received, &e.Mailbox, &e.IsRead, &e.Snippet); err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		if received != nil {
			utc := received.UTC()
			e.ReceivedAt = &utc
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate emails: %w", err)
	}
	return out, nil
}

// UpdateStatus sets is_read and/or mailbox for one email.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, upd StatusUpdate) error {
	if upd.IsRead == nil && upd.Mailbox == nil {
		return nil
	}
	const query = `
		UPDATE emails
		SET is_read = COALESCE($1::boolean, is_read), mailbox = COALESCE($2::text, mailbox)
		WHERE id = $3`
	tag, err := s.pool.Exec(ctx, query, upd.IsRead, upd.Mailbox, id)
	if err != nil {
		return fmt.Errorf("update email %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update email %s: %w", id, ErrEmailNotFound)
	}
	return nil
}

// RecordAction appends one row to the action log.
func (s *PostgresStore) RecordAction(ctx context.Context, rec ActionRecord) error {
	const query = `
		INSERT INTO action_log (
			run_id, email_id, rule_name, action, mailbox, success, error, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, query,
		rec.RunID, rec.EmailID, rec.Rule, rec.Action, rec.Mailbox, rec.Success, rec.Error, rec.ExecutedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record action for %s: %w", rec.EmailID, err)
	}
	return nil
}

// ActionLog returns the action rows recorded for runID, oldest first.
func (s *PostgresStore) ActionLog(ctx context.Context, runID string) ([]ActionRecord, error) {
	const query = `
		SELECT run_id, email_id, rule_name, action, mailbox, success, error, executed_at
		FROM action_log WHERE run_id = $1 ORDER BY id`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("select action log: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ActionRecord, error) {
		var rec ActionRecord
		err := row.Scan(&rec.RunID, &rec.EmailID, &rec.Rule, &rec.Action, &rec.Mailbox, &rec.Success, &rec.Error, &rec.ExecutedAt)
		rec.ExecutedAt = rec.ExecutedAt.UTC()
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect action log: %w", err)
	}
	return out, nil
}

var _ Store = (*PostgresStore)(nil)
