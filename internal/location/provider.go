package location

import (
	"context"
	"sync"
	"time"

	"github.com/circleapp/circle/core/internal/errors"
)

// StaticProvider always reports the same position with every permission
// granted. Headless runs use it with a configured position.
type StaticProvider struct {
	Latitude  float64
	Longitude float64
}

func (p StaticProvider) RequestForegroundPermission(context.Context) (PermissionStatus, error) {
	return PermissionGranted, nil
}

func (p StaticProvider) RequestBackgroundPermission(context.Context) (PermissionStatus, error) {
	return PermissionGranted, nil
}

func (p StaticProvider) CurrentPosition(context.Context, Accuracy) (Sample, error) {
	return Sample{Latitude: p.Latitude, Longitude: p.Longitude, Timestamp: time.Now()}, nil
}

// PushProvider is fed by the host shell, which owns the platform location
// service. Permission answers and fixes are pushed in; reads return the most
// recent values.
type PushProvider struct {
	mu         sync.RWMutex
	foreground PermissionStatus
	background PermissionStatus
	last       *Sample
}

// NewPushProvider creates a provider with both permissions undetermined.
func NewPushProvider() *PushProvider {
	return &PushProvider{
		foreground: PermissionUndetermined,
		background: PermissionUndetermined,
	}
}

// SetPermissions records the host's permission answers.
func (p *PushProvider) SetPermissions(foreground, background PermissionStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.foreground = foreground
	p.background = background
}

// Push records a new fix.
func (p *PushProvider) Push(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = &s
}

func (p *PushProvider) RequestForegroundPermission(context.Context) (PermissionStatus, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.foreground, nil
}

func (p *PushProvider) RequestBackgroundPermission(context.Context) (PermissionStatus, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.background, nil
}

func (p *PushProvider) CurrentPosition(context.Context, Accuracy) (Sample, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return Sample{}, errors.New(errors.ErrLocationFailed, "no position reported by host")
	}
	return *p.last, nil
}
