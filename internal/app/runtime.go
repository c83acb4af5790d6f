// Package app wires the core services together for the CLI and the mobile
// bridge.
package app

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/circleapp/circle/core/internal/api"
	"github.com/circleapp/circle/core/internal/auth"
	"github.com/circleapp/circle/core/internal/config"
	"github.com/circleapp/circle/core/internal/crypto"
	"github.com/circleapp/circle/core/internal/db"
	"github.com/circleapp/circle/core/internal/errors"
	"github.com/circleapp/circle/core/internal/friends"
	"github.com/circleapp/circle/core/internal/location"
	"github.com/circleapp/circle/core/internal/logging"
	"github.com/circleapp/circle/core/internal/realtime"
	"github.com/circleapp/circle/core/internal/telemetry"
	"github.com/circleapp/circle/core/internal/update"
	"github.com/circleapp/circle/core/internal/uuid"
)

const serviceName = "circle-core"

// Options are the host-supplied collaborators.
type Options struct {
	// Provider is the platform location service. Defaults to a PushProvider
	// the host feeds.
	Provider location.Provider
	// Restart restarts the host into a promoted update.
	Restart update.RestartFunc
	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

// Runtime owns every core service for one process.
type Runtime struct {
	Config   config.Config
	DeviceID string

	DB         *db.DB
	KV         *db.KV
	Auth       *auth.Mirror
	API        *api.Client
	Runner     *location.Runner
	Location   *location.Reporter
	Updates    *update.Coordinator
	Launcher   *update.Launcher
	Dialer     *realtime.Dialer
	Correlator *realtime.Correlator
	Friends    *friends.Service

	state             *location.KVState
	shutdownTelemetry func(context.Context) error
}

// New builds a Runtime from cfg. The location task is registered but not
// started; call Start.
func New(ctx context.Context, cfg config.Config, opts Options) (*Runtime, error) {
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logging.Init(out, logging.ParseLevel(cfg.LogLevel))

	shutdown, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		logging.Warn("Tracing disabled", map[string]interface{}{"error": err.Error()})
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		_ = shutdown(ctx)
		return nil, errors.Wrap(errors.ErrDatabase, "open store", err)
	}
	kv := db.NewKV(database)

	r := &Runtime{
		Config:            cfg,
		DB:                database,
		KV:                kv,
		shutdownTelemetry: shutdown,
	}

	if r.DeviceID, err = deviceID(ctx, kv); err != nil {
		r.Close()
		return nil, err
	}

	var sealer *crypto.Sealer
	if cfg.TokenSecret != "" {
		if sealer, err = crypto.NewSealer(cfg.TokenSecret, "auth-token"); err != nil {
			r.Close()
			return nil, errors.Wrap(errors.ErrCrypto, "token sealer", err)
		}
	}
	r.Auth = auth.NewMirror(kv, sealer)

	if r.API, err = api.NewClient(cfg.APIBaseURL); err != nil {
		r.Close()
		return nil, errors.Wrap(errors.ErrInvalid, "api client", err)
	}

	provider := opts.Provider
	if provider == nil {
		provider = location.NewPushProvider()
	}
	r.Runner = location.NewRunner(provider)
	r.state = location.NewKVState(kv)
	r.Location = location.NewReporter(location.Config{
		TaskName:       location.DefaultConfig().TaskName,
		Accuracy:       location.AccuracyBalanced,
		MinInterval:    cfg.LocationMinInterval,
		MaxInterval:    cfg.LocationMaxInterval,
		DistanceM:      cfg.LocationDistanceM,
		NearbyRadiusKm: cfg.NearbyRadiusKm,
	}, provider, r.Runner, r.state, r.API, r.Auth)
	r.Location.Register()

	var svc update.Service
	switch {
	case cfg.UpdatesActive():
		svc = update.NewHTTPService(update.HTTPConfig{
			URL:            cfg.UpdatesURL,
			RuntimeVersion: cfg.RuntimeVersion,
			Platform:       cfg.Platform,
			Channel:        cfg.Channel,
			DataDir:        cfg.DataDir,
		}, kv)
	case cfg.DevMode:
		svc = update.Disabled{Reason: "development mode"}
	default:
		svc = update.Disabled{Reason: "updates not enabled"}
	}
	r.Launcher = update.NewLauncher(kv, cfg.DataDir, opts.Restart)
	r.Updates = update.NewCoordinator(svc, r.Launcher)

	r.Dialer = realtime.NewDialer(cfg.SocketURL)
	r.Correlator = realtime.NewCorrelator(realtime.RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		Timeout:    cfg.RequestTimeout,
		Backoff:    cfg.RetryBackoff,
	})
	r.Friends = friends.NewService(r.Dialer, r.Correlator)

	logging.Info("Runtime ready", map[string]interface{}{
		"device_id": r.DeviceID,
		"data_dir":  cfg.DataDir,
		"updates":   cfg.UpdatesActive(),
		"tracing":   telemetry.IsEnabled(),
	})
	return r, nil
}

// Start runs the launch-time update check in the background and resumes
// location tracking if it was on.
func (r *Runtime) Start(ctx context.Context) {
	r.Updates.Start(ctx)
	if mode, err := r.Location.Resume(ctx); err != nil {
		logging.Warn("Resuming location tracking failed", map[string]interface{}{"error": err.Error()})
	} else if mode != location.ModeOff {
		logging.Info("Location tracking resumed", map[string]interface{}{"mode": string(mode)})
	}
}

// Status is a point-in-time summary for display.
type Status struct {
	DeviceID      string                    `json:"deviceId"`
	Tracking      bool                      `json:"tracking"`
	Mode          location.Mode             `json:"mode"`
	LastReport    time.Time                 `json:"lastReport"`
	Update        update.State              `json:"update"`
	CurrentUpdate string                    `json:"currentUpdate,omitempty"`
	CurrentBundle string                    `json:"currentBundle,omitempty"`
	PendingUpdate string                    `json:"pendingUpdate,omitempty"`
	Pending       []realtime.PendingRequest `json:"pending"`
}

// Status collects the runtime's state.
func (r *Runtime) Status(ctx context.Context) (Status, error) {
	tracking, err := r.Location.IsTracking(ctx)
	if err != nil {
		return Status{}, err
	}
	last, err := r.state.LastReported(ctx)
	if err != nil {
		return Status{}, err
	}
	current, _, err := r.KV.Get(ctx, db.KeyCurrentUpdateID)
	if err != nil {
		return Status{}, errors.Wrap(errors.ErrDatabase, "read current update", err)
	}
	bundle, err := r.Launcher.CurrentBundle(ctx)
	if err != nil {
		return Status{}, err
	}
	pending, _, err := r.KV.Get(ctx, db.KeyPendingUpdateID)
	if err != nil {
		return Status{}, errors.Wrap(errors.ErrDatabase, "read pending update", err)
	}
	return Status{
		DeviceID:      r.DeviceID,
		Tracking:      tracking,
		Mode:          r.Location.Mode(),
		LastReport:    last,
		Update:        r.Updates.State(),
		CurrentUpdate: current,
		CurrentBundle: bundle,
		PendingUpdate: pending,
		Pending:       r.Correlator.Pending(),
	}, nil
}

// Close stops background work and releases resources.
func (r *Runtime) Close() error {
	if r.Runner != nil {
		r.Runner.Close()
	}
	if r.Dialer != nil {
		r.Dialer.Close()
	}
	if r.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.shutdownTelemetry(ctx); err != nil {
			logging.Warn("Flushing traces failed", map[string]interface{}{"error": err.Error()})
		}
	}
	if r.DB != nil {
		return r.DB.Close()
	}
	return nil
}

// deviceID returns the install's stable id, creating it on first launch.
func deviceID(ctx context.Context, kv *db.KV) (string, error) {
	id, ok, err := kv.Get(ctx, db.KeyDeviceID)
	if err != nil {
		return "", errors.Wrap(errors.ErrDatabase, "read device id", err)
	}
	if ok && uuid.IsValid(id) {
		return id, nil
	}
	id = uuid.New()
	if err := kv.Set(ctx, db.KeyDeviceID, id); err != nil {
		return "", errors.Wrap(errors.ErrDatabase, "store device id", err)
	}
	return id, nil
}
