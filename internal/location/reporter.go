package location

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/circleapp/circle/core/internal/errors"
	"github.com/circleapp/circle/core/internal/logging"
	"github.com/circleapp/circle/core/internal/telemetry"
)

// Reporter owns the background location task. Task invocations are
// serialized, and a report is posted only when the randomized interval since
// the last successful report has elapsed.
type Reporter struct {
	cfg      Config
	provider Provider
	tasks    TaskManager
	state    StateStore
	backend  Backend
	tokens   TokenSource

	// mu serializes reports so overlapping invocations see each other's
	// timestamp.
	mu sync.Mutex

	modeMu     sync.RWMutex
	mode       Mode
	registered bool

	randN func(n int64) int64
	now   func() time.Time
}

// NewReporter creates a Reporter. Call Register before StartTracking.
func NewReporter(cfg Config, provider Provider, tasks TaskManager, state StateStore, backend Backend, tokens TokenSource) *Reporter {
	if cfg.TaskName == "" {
		cfg.TaskName = DefaultConfig().TaskName
	}
	if cfg.Accuracy == 0 {
		cfg.Accuracy = AccuracyBalanced
	}
	return &Reporter{
		cfg:      cfg,
		provider: provider,
		tasks:    tasks,
		state:    state,
		backend:  backend,
		tokens:   tokens,
		mode:     ModeOff,
		randN:    rand.Int64N,
		now:      time.Now,
	}
}

// Register defines the background task callback. It must run once per
// process before the platform may invoke the task; later calls are no-ops.
func (r *Reporter) Register() {
	r.modeMu.Lock()
	defer r.modeMu.Unlock()
	if r.registered {
		return
	}
	r.tasks.Define(r.cfg.TaskName, r.handleTask)
	r.registered = true
}

// StartTracking stores token for the background task when given, requests
// permissions and starts the recurring task. A denied background permission
// downgrades to foreground-only tracking instead of failing.
func (r *Reporter) StartTracking(ctx context.Context, token string) (Mode, error) {
	if token != "" {
		if err := r.tokens.Save(ctx, token); err != nil {
			return ModeOff, err
		}
	}

	fg, err := r.provider.RequestForegroundPermission(ctx)
	if err != nil {
		return ModeOff, errors.Wrap(errors.ErrPermission, "request foreground location permission", err)
	}
	if fg != PermissionGranted {
		return ModeOff, errors.New(errors.ErrPermission, "foreground location permission denied")
	}

	mode := ModeBackground
	bg, err := r.provider.RequestBackgroundPermission(ctx)
	if err != nil || bg != PermissionGranted {
		logging.Warn("Background location permission denied, tracking in foreground only", map[string]interface{}{
			"status": string(bg),
		})
		mode = ModeForegroundOnly
	}

	r.Register()
	opts := TaskOptions{
		Accuracy:         r.cfg.Accuracy,
		TimeInterval:     r.cfg.MinInterval,
		DistanceInterval: r.cfg.DistanceM,
		ForegroundOnly:   mode == ModeForegroundOnly,
	}
	if err := r.tasks.Start(ctx, r.cfg.TaskName, opts); err != nil {
		return ModeOff, errors.Wrap(errors.ErrLocationFailed, "start location task", err)
	}
	if err := r.state.SetEnabled(ctx, true); err != nil {
		return mode, err
	}

	r.setMode(mode)
	logging.Info("Location tracking started", map[string]interface{}{"mode": string(mode)})
	return mode, nil
}

// StopTracking stops the task and clears the persisted flag.
func (r *Reporter) StopTracking(ctx context.Context) error {
	if r.tasks.IsRunning(r.cfg.TaskName) {
		if err := r.tasks.Stop(r.cfg.TaskName); err != nil {
			return errors.Wrap(errors.ErrLocationFailed, "stop location task", err)
		}
	}
	r.setMode(ModeOff)
	if err := r.state.SetEnabled(ctx, false); err != nil {
		return err
	}
	logging.Info("Location tracking stopped", nil)
	return nil
}

// IsTracking reports the persisted tracking flag.
func (r *Reporter) IsTracking(ctx context.Context) (bool, error) {
	return r.state.Enabled(ctx)
}

// Mode returns the capability of the current tracking session.
func (r *Reporter) Mode() Mode {
	r.modeMu.RLock()
	defer r.modeMu.RUnlock()
	return r.mode
}

// Resume restarts tracking on launch when it was on before. The stored token
// is reused.
func (r *Reporter) Resume(ctx context.Context) (Mode, error) {
	enabled, err := r.state.Enabled(ctx)
	if err != nil {
		return ModeOff, err
	}
	if !enabled {
		r.Register()
		return ModeOff, nil
	}
	return r.StartTracking(ctx, "")
}

// GetCurrentLocation fetches one fix. Only foreground permission is needed.
func (r *Reporter) GetCurrentLocation(ctx context.Context) (Sample, error) {
	fg, err := r.provider.RequestForegroundPermission(ctx)
	if err != nil {
		return Sample{}, errors.Wrap(errors.ErrPermission, "request foreground location permission", err)
	}
	if fg != PermissionGranted {
		return Sample{}, errors.New(errors.ErrPermission, "foreground location permission denied")
	}
	sample, err := r.provider.CurrentPosition(ctx, r.cfg.Accuracy)
	if err != nil {
		return Sample{}, errors.Wrap(errors.ErrLocationFailed, "get current position", err)
	}
	return sample, nil
}

// UpdateLocationNow fetches a fix and posts it without waiting for the
// interval. The returned error is the location post's; the nearby check is
// best effort.
func (r *Reporter) UpdateLocationNow(ctx context.Context) (Sample, error) {
	sample, err := r.GetCurrentLocation(ctx)
	if err != nil {
		return Sample{}, err
	}
	token, err := r.tokens.Token(ctx)
	if err != nil {
		return sample, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	last, err := r.state.LastReported(ctx)
	if err != nil {
		logging.Warn("Reading last location time failed", map[string]interface{}{"error": err.Error()})
	}
	return sample, r.post(ctx, token, sample, last)
}

// handleTask is the background task callback.
func (r *Reporter) handleTask(ctx context.Context, samples []Sample, err error) {
	if err != nil {
		logging.ErrorWithCode("Background location task failed", string(errors.ErrLocationFailed), err, nil)
		return
	}
	if len(samples) == 0 {
		return
	}
	r.reportIfDue(ctx, samples[len(samples)-1])
}

// reportIfDue posts sample when a randomized interval has passed since the
// last successful report. It reports whether the posts were attempted.
func (r *Reporter) reportIfDue(ctx context.Context, sample Sample) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	last, err := r.state.LastReported(ctx)
	if err != nil {
		logging.Error("Reading last location time failed", err, nil)
		return false
	}

	interval := r.interval()
	if !last.IsZero() {
		if elapsed := r.now().Sub(last); elapsed < interval {
			logging.Debug("Skipping location update, too early", map[string]interface{}{
				"elapsed_s":  elapsed.Seconds(),
				"interval_s": interval.Seconds(),
			})
			return false
		}
	}

	token, err := r.tokens.Token(ctx)
	if err != nil {
		logging.Warn("No auth token for background location update", map[string]interface{}{"error": err.Error()})
		return false
	}

	_ = r.post(ctx, token, sample, last)
	return true
}

// interval picks a duration in [MinInterval, MaxInterval).
func (r *Reporter) interval() time.Duration {
	span := int64(r.cfg.MaxInterval - r.cfg.MinInterval)
	if span <= 0 {
		return r.cfg.MinInterval
	}
	return r.cfg.MinInterval + time.Duration(r.randN(span))
}

// post sends the location and the nearby check. Both are attempted; the
// timestamp advances only when the location post succeeds. Callers hold mu.
func (r *Reporter) post(ctx context.Context, token string, sample Sample, last time.Time) (err error) {
	ctx, span := telemetry.Start(ctx, "location.report")
	defer func() { telemetry.End(span, err) }()

	fields := map[string]interface{}{
		"latitude":  sample.Latitude,
		"longitude": sample.Longitude,
	}

	err = r.backend.UpdateLocation(ctx, token, sample.Latitude, sample.Longitude)
	if err != nil {
		logging.ErrorWithCode("Location update failed", string(errors.CodeOf(err)), err, fields)
	} else {
		swapped, serr := r.state.AdvanceLastReported(ctx, last, r.now())
		switch {
		case serr != nil:
			logging.Error("Saving last location time failed", serr, nil)
		case !swapped:
			logging.Debug("Last location time advanced elsewhere", nil)
		default:
			logging.Info("Location updated", fields)
		}
	}

	notified, nerr := r.backend.CheckNearby(ctx, token, sample.Latitude, sample.Longitude, r.cfg.NearbyRadiusKm)
	if nerr != nil {
		logging.ErrorWithCode("Nearby check failed", string(errors.CodeOf(nerr)), nerr, fields)
	} else {
		logging.Info("Nearby check completed", map[string]interface{}{
			"radius_km": r.cfg.NearbyRadiusKm,
			"notified":  notified,
		})
	}
	return err
}

func (r *Reporter) setMode(m Mode) {
	r.modeMu.Lock()
	defer r.modeMu.Unlock()
	r.mode = m
}
