package sqlite

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/inbox-ledger/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

const eventRunFinished = "sync.run.finished"

// Store is the local run ledger and event outbox
type Store struct {
	DB *sqlx.DB
}

// RunRow is one recorded sync run
type RunRow struct {
	RunID          string `db:"run_id" json:"run_id"`
	Source         string `db:"source" json:"source"`
	Mode           string `db:"mode" json:"mode"`
	Status         string `db:"status" json:"status"`
	Checkpoint     int64  `db:"checkpoint" json:"checkpoint"`
	Fetched        int    `db:"fetched" json:"fetched"`
	Extracted      int    `db:"extracted" json:"extracted"`
	Failed         int    `db:"failed" json:"failed"`
	Ambiguous      int    `db:"ambiguous" json:"ambiguous"`
	Appended       int    `db:"appended" json:"appended"`
	FallbackReason string `db:"fallback_reason" json:"fallback_reason,omitempty"`
	Error          string `db:"error" json:"error,omitempty"`
	StartedAt      int64  `db:"started_at" json:"started_at"`
	FinishedAt     int64  `db:"finished_at" json:"finished_at"`
}

// Started returns the start time of the run
func (r RunRow) Started() time.Time { return time.Unix(r.StartedAt, 0).UTC() }

// Took returns the wall time of the run
func (r RunRow) Took() time.Duration {
	return time.Duration(r.FinishedAt-r.StartedAt) * time.Second
}

// Open opens or creates the ledger database at dbPath
func Open(dbPath string) (*Store, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn += "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection to :memory: is its own database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// RecordRun stores the run, its extraction failures and an outbox event in one transaction
func (s *Store) RecordRun(ctx context.Context, rep sync.Report) error {
	payload, err := rep.Payload()
	if err != nil {
		return fmt.Errorf("failed to encode run event: %w", err)
	}
	var checkpoint int64
	if !rep.Checkpoint.IsZero() {
		checkpoint = rep.Checkpoint.Unix()
	}

	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_runs
		(run_id, source, mode, status, checkpoint, fetched, extracted, failed, ambiguous, appended,
		 fallback_reason, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rep.RunID, rep.Source, string(rep.Mode), rep.Status(), checkpoint, rep.Fetched, rep.Extracted,
		rep.Failed, rep.Ambiguous, rep.Appended, rep.FallbackReason, rep.ErrorText(),
		rep.StartedAt.Unix(), rep.FinishedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, f := range rep.Failures {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO extraction_failures (run_id, message_id, subject, reason, field, error)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rep.RunID, f.MessageID, f.Subject, f.Reason, f.Field, f.Error)
		if err != nil {
			return fmt.Errorf("failed to insert extraction failure: %w", err)
		}
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, rep.Subject(), eventRunFinished, payload, rep.MsgID(), now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first. An empty source lists every kind.
func (s *Store) ListRuns(ctx context.Context, source string, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []RunRow
	err := s.DB.SelectContext(ctx, &runs, `
		SELECT run_id, source, mode, status, checkpoint, fetched, extracted, failed, ambiguous,
		       appended, fallback_reason, error, started_at, finished_at
		FROM sync_runs
		WHERE (? = '' OR source = ?)
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, source, source, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// Failures returns the extraction failures recorded for a run
func (s *Store) Failures(ctx context.Context, runID string) ([]sync.Failure, error) {
	var out []sync.Failure
	err := s.DB.SelectContext(ctx, &out, `
		SELECT message_id, subject, reason, field, error
		FROM extraction_failures
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	return out, nil
}

// DequeueOutbox fetches unpublished messages from outbox
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]sync.OutboxMessage, error) {
	var messages []sync.OutboxMessage
	err := s.DB.SelectContext(ctx, &messages, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return messages, nil
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

var (
	_ sync.Ledger = (*Store)(nil)
	_ sync.Outbox = (*Store)(nil)
)
