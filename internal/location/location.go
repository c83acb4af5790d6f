// Package location reports the device position to the backend from a
// recurring background task, rate limited and jittered, and asks the backend
// to notify nearby users.
package location

import (
	"context"
	"time"
)

// Accuracy is the positioning accuracy requested from the provider.
type Accuracy int

const (
	AccuracyLowest Accuracy = iota + 1
	AccuracyLow
	AccuracyBalanced
	AccuracyHigh
	AccuracyHighest
)

func (a Accuracy) String() string {
	switch a {
	case AccuracyLowest:
		return "lowest"
	case AccuracyLow:
		return "low"
	case AccuracyBalanced:
		return "balanced"
	case AccuracyHigh:
		return "high"
	case AccuracyHighest:
		return "highest"
	default:
		return "unknown"
	}
}

// PermissionStatus is the answer to a permission request.
type PermissionStatus string

const (
	PermissionGranted      PermissionStatus = "granted"
	PermissionDenied       PermissionStatus = "denied"
	PermissionUndetermined PermissionStatus = "undetermined"
)

// Mode is the tracking capability obtained from the permission requests.
type Mode string

const (
	ModeOff            Mode = "off"
	ModeBackground     Mode = "background"
	ModeForegroundOnly Mode = "foreground_only"
)

// Sample is one position fix. Accuracy is the horizontal error in meters.
type Sample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// Provider is the platform positioning service.
type Provider interface {
	RequestForegroundPermission(ctx context.Context) (PermissionStatus, error)
	RequestBackgroundPermission(ctx context.Context) (PermissionStatus, error)
	CurrentPosition(ctx context.Context, accuracy Accuracy) (Sample, error)
}

// TaskFunc receives the samples of one task invocation, or the error the
// platform reported for it.
type TaskFunc func(ctx context.Context, samples []Sample, err error)

// TaskOptions configures a recurring location task.
type TaskOptions struct {
	Accuracy         Accuracy
	TimeInterval     time.Duration
	DistanceInterval float64
	ForegroundOnly   bool
}

// TaskManager schedules recurring location tasks. Tasks are defined once by
// name and then started and stopped any number of times.
type TaskManager interface {
	Define(name string, fn TaskFunc)
	Start(ctx context.Context, name string, opts TaskOptions) error
	Stop(name string) error
	IsRunning(name string) bool
}

// Backend is the HTTP API the reporter posts to.
type Backend interface {
	UpdateLocation(ctx context.Context, token string, latitude, longitude float64) error
	CheckNearby(ctx context.Context, token string, latitude, longitude, radiusKm float64) (int, error)
}

// TokenSource holds the bearer token used by the background task.
type TokenSource interface {
	Save(ctx context.Context, token string) error
	Token(ctx context.Context) (string, error)
}

// Config controls the reporter.
type Config struct {
	TaskName       string
	Accuracy       Accuracy
	MinInterval    time.Duration
	MaxInterval    time.Duration
	DistanceM      float64
	NearbyRadiusKm float64
}

// DefaultConfig returns the production reporting cadence.
func DefaultConfig() Config {
	return Config{
		TaskName:       "background-location-task",
		Accuracy:       AccuracyBalanced,
		MinInterval:    15 * time.Minute,
		MaxInterval:    30 * time.Minute,
		DistanceM:      500,
		NearbyRadiusKm: 3,
	}
}
