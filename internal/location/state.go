package location

import (
	"context"
	"strconv"
	"time"

	"github.com/circleapp/circle/core/internal/db"
	"github.com/circleapp/circle/core/internal/errors"
)

// StateStore persists reporter state across process launches.
type StateStore interface {
	Enabled(ctx context.Context) (bool, error)
	SetEnabled(ctx context.Context, enabled bool) error
	LastReported(ctx context.Context) (time.Time, error)
	// AdvanceLastReported moves the timestamp from prev to next and reports
	// false when another writer changed it first. A zero prev means unset.
	AdvanceLastReported(ctx context.Context, prev, next time.Time) (bool, error)
}

// KVStore is the part of db.KV that KVState uses.
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	CompareAndSwap(ctx context.Context, key, old, next string) (bool, error)
}

// KVState stores the tracking flag and the last-report time (unix
// milliseconds) in the device key/value store.
type KVState struct {
	kv KVStore
}

// NewKVState creates a KVState.
func NewKVState(kv KVStore) *KVState {
	return &KVState{kv: kv}
}

func (s *KVState) Enabled(ctx context.Context) (bool, error) {
	v, ok, err := s.kv.Get(ctx, db.KeyTrackingEnabled)
	if err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "read tracking flag", err)
	}
	return ok && v == "true", nil
}

func (s *KVState) SetEnabled(ctx context.Context, enabled bool) error {
	if err := s.kv.Set(ctx, db.KeyTrackingEnabled, strconv.FormatBool(enabled)); err != nil {
		return errors.Wrap(errors.ErrDatabase, "write tracking flag", err)
	}
	return nil
}

func (s *KVState) LastReported(ctx context.Context) (time.Time, error) {
	v, ok, err := s.kv.Get(ctx, db.KeyLastLocation)
	if err != nil {
		return time.Time{}, errors.Wrap(errors.ErrDatabase, "read last location time", err)
	}
	if !ok || v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// Unreadable values count as never reported.
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

func (s *KVState) AdvanceLastReported(ctx context.Context, prev, next time.Time) (bool, error) {
	old := ""
	if !prev.IsZero() {
		old = formatMillis(prev)
	} else if raw, ok, err := s.kv.Get(ctx, db.KeyLastLocation); err == nil && ok {
		// LastReported reads a malformed value as zero; swap against it as stored.
		if _, perr := strconv.ParseInt(raw, 10, 64); perr != nil {
			old = raw
		}
	}
	swapped, err := s.kv.CompareAndSwap(ctx, db.KeyLastLocation, old, formatMillis(next))
	if err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "advance last location time", err)
	}
	return swapped, nil
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
