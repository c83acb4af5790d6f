// Package update checks for and downloads over-the-air bundles in the
// background. A downloaded bundle is only applied when the user asks.
package update

import (
	"context"
	"sync"

	"github.com/circleapp/circle/core/internal/errors"
	"github.com/circleapp/circle/core/internal/logging"
)

// CheckResult is the answer of an update check.
type CheckResult struct {
	IsAvailable bool
	UpdateID    string
}

// FetchResult is the outcome of a download.
type FetchResult struct {
	IsNew    bool
	UpdateID string
}

// Service is the update backend.
type Service interface {
	CheckForUpdate(ctx context.Context) (CheckResult, error)
	FetchUpdate(ctx context.Context) (FetchResult, error)
}

// Restarter applies a downloaded bundle by restarting the app.
type Restarter interface {
	Reload(ctx context.Context) error
}

// State is the session's update progress.
type State struct {
	IsChecking       bool `json:"isChecking"`
	IsDownloading    bool `json:"isDownloading"`
	UpdateAvailable  bool `json:"updateAvailable"`
	UpdateDownloaded bool `json:"updateDownloaded"`
}

// Coordinator drives one session's update flow. UpdateAvailable and
// UpdateDownloaded never go back to false within a session.
type Coordinator struct {
	service   Service
	restarter Restarter

	mu     sync.Mutex
	state  State
	subs   map[int]func(State)
	nextID int

	startOnce sync.Once
	started   chan struct{}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(service Service, restarter Restarter) *Coordinator {
	return &Coordinator{
		service:   service,
		restarter: restarter,
		subs:      make(map[int]func(State)),
		started:   make(chan struct{}),
	}
}

// Start runs CheckForUpdates in the background once per coordinator. The
// returned channel closes when that check finishes.
func (c *Coordinator) Start(ctx context.Context) <-chan struct{} {
	c.startOnce.Do(func() {
		go func() {
			defer close(c.started)
			c.CheckForUpdates(ctx)
		}()
	})
	return c.started
}

// State returns a snapshot.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe calls fn with every state change. The returned func unsubscribes.
func (c *Coordinator) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// CheckForUpdates checks for an update and downloads it when available.
// Failures are logged, never returned. Calls while a check runs, or after a
// bundle was downloaded, do nothing.
func (c *Coordinator) CheckForUpdates(ctx context.Context) {
	if !c.begin() {
		logging.Debug("Update check skipped", nil)
		return
	}
	defer c.update(func(s *State) {
		s.IsChecking = false
		s.IsDownloading = false
	})

	if c.service == nil {
		logging.Debug("Updates disabled", nil)
		return
	}

	res, err := c.service.CheckForUpdate(ctx)
	if err != nil {
		logging.Warn("Update check failed", map[string]interface{}{
			"code":  string(errors.CodeOf(err)),
			"error": err.Error(),
		})
		return
	}
	if !res.IsAvailable {
		logging.Debug("No update available", nil)
		return
	}

	logging.Info("Update available, downloading", map[string]interface{}{"update_id": res.UpdateID})
	c.update(func(s *State) {
		s.UpdateAvailable = true
		s.IsDownloading = true
	})

	fetched, err := c.service.FetchUpdate(ctx)
	if err != nil {
		logging.Warn("Update download failed", map[string]interface{}{
			"code":  string(errors.CodeOf(err)),
			"error": err.Error(),
		})
		return
	}
	if fetched.IsNew {
		c.update(func(s *State) { s.UpdateDownloaded = true })
		logging.Info("Update downloaded", map[string]interface{}{"update_id": fetched.UpdateID})
	}
}

// ReloadToApplyUpdate restarts into the downloaded bundle. It returns false
// without restarting when nothing was downloaded, and false when the restart
// fails.
func (c *Coordinator) ReloadToApplyUpdate(ctx context.Context) bool {
	if !c.State().UpdateDownloaded {
		return false
	}
	if c.restarter == nil {
		logging.Warn("No restarter configured", nil)
		return false
	}
	if err := c.restarter.Reload(ctx); err != nil {
		logging.ErrorWithCode("Applying update failed", string(errors.ErrUpdateFailed), err, nil)
		return false
	}
	return true
}

func (c *Coordinator) begin() bool {
	c.mu.Lock()
	if c.state.IsChecking || c.state.IsDownloading || c.state.UpdateDownloaded {
		c.mu.Unlock()
		return false
	}
	c.state.IsChecking = true
	snapshot, subs := c.state, c.subscribers()
	c.mu.Unlock()

	notify(subs, snapshot)
	return true
}

func (c *Coordinator) update(fn func(*State)) {
	c.mu.Lock()
	fn(&c.state)
	snapshot, subs := c.state, c.subscribers()
	c.mu.Unlock()

	notify(subs, snapshot)
}

func (c *Coordinator) subscribers() []func(State) {
	out := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		out = append(out, fn)
	}
	return out
}

func notify(subs []func(State), s State) {
	for _, fn := range subs {
		fn(s)
	}
}
