package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EventLog is the durable, append-only source of truth for the counters.
type EventLog interface {
	Append(ctx context.Context, events []Event) error
	Scan(ctx context.Context, fn func(Event) error) error
}

// SQLEventLog stores events in the usage_events table.
type SQLEventLog struct {
	db *sql.DB
}

// NewSQLEventLog wraps db. The schema comes from the database migrations.
func NewSQLEventLog(db *sql.DB) *SQLEventLog {
	return &SQLEventLog{db: db}
}

// Append inserts events in one transaction.
func (l *SQLEventLog) Append(ctx context.Context, events []Event) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO usage_events (occurred_at, outcome, domain, source_address) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert event: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.Timestamp.UnixMilli(), string(e.Outcome), e.Domain, e.SourceAddress); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit events: %w", err)
	}
	return nil
}

// Scan calls fn for every stored event in insertion order.
func (l *SQLEventLog) Scan(ctx context.Context, fn func(Event) error) error {
	rows, err := l.db.QueryContext(ctx, "SELECT occurred_at, outcome, domain, source_address FROM usage_events ORDER BY id")
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			millis  int64
			outcome string
			e       Event
		)
		if err := rows.Scan(&millis, &outcome, &e.Domain, &e.SourceAddress); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = time.UnixMilli(millis)
		e.Outcome = Outcome(outcome)
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}
