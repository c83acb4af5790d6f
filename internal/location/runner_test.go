package location

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/circleapp/circle/core/internal/db"
	"github.com/circleapp/circle/core/internal/errors"
)

// ===== Runner =====

type movingProvider struct {
	mu    sync.Mutex
	calls int
	step  float64
}

func (p *movingProvider) RequestForegroundPermission(context.Context) (PermissionStatus, error) {
	return PermissionGranted, nil
}

func (p *movingProvider) RequestBackgroundPermission(context.Context) (PermissionStatus, error) {
	return PermissionGranted, nil
}

func (p *movingProvider) CurrentPosition(context.Context, Accuracy) (Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return Sample{Latitude: float64(p.calls) * p.step, Timestamp: time.Now()}, nil
}

func (p *movingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type deliveries struct {
	mu      sync.Mutex
	samples []Sample
}

func (d *deliveries) fn(_ context.Context, samples []Sample, err error) {
	if err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.samples = append(d.samples, samples...)
}

func (d *deliveries) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.samples)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// TestRunner_DistanceFilter verifies stationary fixes are delivered once.
func TestRunner_DistanceFilter(t *testing.T) {
	provider := &movingProvider{step: 0}
	runner := NewRunner(provider)
	defer runner.Close()

	var got deliveries
	runner.Define("task", got.fn)
	if err := runner.Start(context.Background(), "task", TaskOptions{TimeInterval: 5 * time.Millisecond, DistanceInterval: 500}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	waitFor(t, func() bool { return provider.count() >= 5 })
	if err := runner.Stop("task"); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if got.len() != 1 {
		t.Fatalf("deliveries = %d, want 1", got.len())
	}
}

// TestRunner_DeliversMovement verifies fixes past the distance are delivered.
func TestRunner_DeliversMovement(t *testing.T) {
	// 0.01 degrees of latitude is roughly 1.1 km.
	provider := &movingProvider{step: 0.01}
	runner := NewRunner(provider)
	defer runner.Close()

	var got deliveries
	runner.Define("task", got.fn)
	if err := runner.Start(context.Background(), "task", TaskOptions{TimeInterval: 5 * time.Millisecond, DistanceInterval: 500}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitFor(t, func() bool { return got.len() >= 3 })
}

func TestRunner_StartStop(t *testing.T) {
	runner := NewRunner(StaticProvider{})
	defer runner.Close()

	err := runner.Start(context.Background(), "missing", TaskOptions{TimeInterval: time.Second})
	if !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("Start of undefined task error = %v, want NOT_FOUND", err)
	}

	runner.Define("task", func(context.Context, []Sample, error) {})
	if err := runner.Start(context.Background(), "task", TaskOptions{}); !errors.Is(err, errors.ErrInvalid) {
		t.Fatalf("Start with zero interval error = %v, want INVALID_INPUT", err)
	}

	if err := runner.Start(context.Background(), "task", TaskOptions{TimeInterval: time.Hour}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	// Restart with new options.
	if err := runner.Start(context.Background(), "task", TaskOptions{TimeInterval: time.Minute}); err != nil {
		t.Fatalf("restart returned error: %v", err)
	}
	if !runner.IsRunning("task") {
		t.Fatal("task should be running")
	}
	if err := runner.Stop("task"); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if runner.IsRunning("task") {
		t.Fatal("task should be stopped")
	}
	if err := runner.Stop("task"); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
}

// ===== Geometry =====

func TestDistance(t *testing.T) {
	a := Sample{Latitude: 0, Longitude: 0}
	b := Sample{Latitude: 1, Longitude: 0}
	got := Distance(a, b)
	if math.Abs(got-111195) > 100 {
		t.Fatalf("Distance = %.0f m, want about 111195 m", got)
	}
	if Distance(a, a) != 0 {
		t.Fatal("Distance to self should be 0")
	}
}

// ===== KVState =====

func TestKVState(t *testing.T) {
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	state := NewKVState(db.NewKV(database))

	if enabled, _ := state.Enabled(ctx); enabled {
		t.Fatal("tracking should default to disabled")
	}
	if err := state.SetEnabled(ctx, true); err != nil {
		t.Fatalf("SetEnabled returned error: %v", err)
	}
	if enabled, _ := state.Enabled(ctx); !enabled {
		t.Fatal("tracking should be enabled")
	}

	last, err := state.LastReported(ctx)
	if err != nil || !last.IsZero() {
		t.Fatalf("LastReported() = %v, %v, want zero", last, err)
	}

	first := time.UnixMilli(1_700_000_000_000)
	ok, err := state.AdvanceLastReported(ctx, time.Time{}, first)
	if err != nil || !ok {
		t.Fatalf("first advance = %v, %v", ok, err)
	}

	// A stale writer that also read "never reported" loses.
	ok, err = state.AdvanceLastReported(ctx, time.Time{}, first.Add(time.Minute))
	if err != nil || ok {
		t.Fatalf("stale advance = %v, %v, want false", ok, err)
	}

	second := first.Add(20 * time.Minute)
	ok, err = state.AdvanceLastReported(ctx, first, second)
	if err != nil || !ok {
		t.Fatalf("second advance = %v, %v", ok, err)
	}

	last, _ = state.LastReported(ctx)
	if !last.Equal(second) {
		t.Fatalf("LastReported = %v, want %v", last, second)
	}
}

func TestKVState_MalformedTimestamp(t *testing.T) {
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	kv := db.NewKV(database)
	if err := kv.Set(ctx, db.KeyLastLocation, "not-a-number"); err != nil {
		t.Fatal(err)
	}

	state := NewKVState(kv)
	last, err := state.LastReported(ctx)
	if err != nil || !last.IsZero() {
		t.Fatalf("LastReported() = %v, %v, want zero", last, err)
	}
	ok, err := state.AdvanceLastReported(ctx, last, time.UnixMilli(1000))
	if err != nil || !ok {
		t.Fatalf("advance over malformed value = %v, %v", ok, err)
	}
}
