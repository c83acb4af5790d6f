package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Keys persisted by the core. The host shell reads some of them directly, so
// they are part of the on-disk contract.
const (
	KeyTrackingEnabled = "location.tracking_enabled"
	KeyLastLocation    = "location.last_update"
	KeyAuthToken       = "auth.token"
	KeyCurrentUpdateID = "updates.current_id"
	KeyPendingUpdateID = "updates.pending_id"
	KeyDeviceID        = "device.id"
)

// KV is a string key/value store on the kv table.
type KV struct {
	db  *sql.DB
	now func() time.Time
}

// NewKV creates a KV store over an opened database.
func NewKV(db *DB) *KV {
	return &KV{db: db.DB, now: time.Now}
}

// Get returns the value for key and whether it was present.
func (s *KV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *KV) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *KV) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// CompareAndSwap sets key to next only if its current value is old. An old
// value of "" matches both a missing key and a stored empty string.
func (s *KV) CompareAndSwap(ctx context.Context, key, old, next string) (bool, error) {
	now := s.now().UnixMilli()
	var (
		res sql.Result
		err error
	)
	if old == "" {
		res, err = s.db.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
			WHERE kv.value = ''`, key, next, now)
	} else {
		res, err = s.db.ExecContext(ctx, "UPDATE kv SET value = ?, updated_at = ? WHERE key = ? AND value = ?",
			next, now, key, old)
	}
	if err != nil {
		return false, fmt.Errorf("compare and swap %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("compare and swap %s: %w", key, err)
	}
	return n == 1, nil
}
