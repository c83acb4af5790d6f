package update

import (
	"context"
	"os"
	"path/filepath"

	"github.com/circleapp/circle/core/internal/db"
	"github.com/circleapp/circle/core/internal/errors"
	"github.com/circleapp/circle/core/internal/logging"
)

// RestartFunc asks the host to restart into the bundle of updateID.
type RestartFunc func(ctx context.Context, updateID string) error

// Launcher promotes the pending bundle to current and restarts the host.
type Launcher struct {
	store   Store
	dataDir string
	restart RestartFunc
}

// NewLauncher creates a Launcher. A nil restart only promotes the bundle,
// which the host picks up on its next cold start.
func NewLauncher(store Store, dataDir string, restart RestartFunc) *Launcher {
	return &Launcher{store: store, dataDir: dataDir, restart: restart}
}

// Reload implements Restarter.
func (l *Launcher) Reload(ctx context.Context) error {
	pending, ok, err := l.store.Get(ctx, db.KeyPendingUpdateID)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "read pending update id", err)
	}
	if !ok || pending == "" {
		return errors.New(errors.ErrUpdateFailed, "no pending update")
	}
	if !ValidUpdateID(pending) {
		return errors.New(errors.ErrUpdateFailed, "pending update id is not a plain name: "+pending)
	}
	if err := l.store.Set(ctx, db.KeyCurrentUpdateID, pending); err != nil {
		return errors.Wrap(errors.ErrDatabase, "promote update", err)
	}
	if err := l.store.Delete(ctx, db.KeyPendingUpdateID); err != nil {
		return errors.Wrap(errors.ErrDatabase, "clear pending update", err)
	}
	l.prune(pending)

	logging.Info("Update promoted", map[string]interface{}{"update_id": pending})
	if l.restart == nil {
		return nil
	}
	return l.restart(ctx, pending)
}

// CurrentBundle returns the directory of the running update, or "" for the
// embedded bundle.
func (l *Launcher) CurrentBundle(ctx context.Context) (string, error) {
	id, ok, err := l.store.Get(ctx, db.KeyCurrentUpdateID)
	if err != nil {
		return "", errors.Wrap(errors.ErrDatabase, "read current update id", err)
	}
	if !ok || id == "" {
		return "", nil
	}
	if !ValidUpdateID(id) {
		return "", errors.New(errors.ErrUpdateFailed, "current update id is not a plain name: "+id)
	}
	return BundleDir(l.dataDir, id), nil
}

// prune removes stored bundles other than keep.
func (l *Launcher) prune(keep string) {
	root := filepath.Join(l.dataDir, "updates")
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			logging.Warn("Removing old update failed", map[string]interface{}{"update_id": e.Name(), "error": err.Error()})
		}
	}
}
