package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// KV is the app_settings key/value table.
type KV struct {
	db  *sql.DB
	now func() time.Time
}

// NewKV wraps db.
func NewKV(db *sql.DB) *KV {
	return &KV{db: db, now: time.Now}
}

// Get returns the value stored under key and whether it exists.
func (kv *KV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := kv.db.QueryRowContext(ctx, "SELECT value FROM app_settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, true, nil
}

// GetMany returns the stored values for keys. Missing keys are absent from the result.
func (kv *KV) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	query := "SELECT key, value FROM app_settings WHERE key IN (?" + strings.Repeat(",?", len(keys)-1) + ")"
	rows, err := kv.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

// SetMany writes all values in one transaction; either every key is
// stored or none is.
func (kv *KV) SetMany(ctx context.Context, values map[string]string) error {
	tx, err := kv.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settings transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO app_settings (key, value, updated_at) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare set setting: %w", err)
	}
	defer stmt.Close()

	now := kv.now().Unix()
	for key, value := range values {
		if _, err := stmt.ExecContext(ctx, key, value, now); err != nil {
			return fmt.Errorf("set setting %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settings: %w", err)
	}
	return nil
}

// Set writes a single value.
func (kv *KV) Set(ctx context.Context, key, value string) error {
	return kv.SetMany(ctx, map[string]string{key: value})
}
