// Package main is the bridge the mobile shell loads as a shared library:
// libcircle.so on Android, Circle.framework on iOS. The shell owns the
// platform location service and pushes fixes and permission answers in.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/circleapp/circle/core/internal/app"
	"github.com/circleapp/circle/core/internal/config"
	"github.com/circleapp/circle/core/internal/errors"
	"github.com/circleapp/circle/core/internal/friends"
	"github.com/circleapp/circle/core/internal/location"
)

// maxInbox bounds queued friend requests between polls; the oldest are dropped.
const maxInbox = 100

var (
	mu       sync.Mutex
	core     *app.Runtime
	provider *location.PushProvider
	lastErr  string
	lastMu   sync.RWMutex

	inboxMu sync.Mutex
	inbox   []friends.IncomingRequest
	unwatch func()
)

func setLastError(err string) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = err
}

func getLastError() string {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return lastErr
}

// initRuntime loads config from configPath (may be empty), overrides the
// data directory with the app sandbox path and starts the runtime.
func initRuntime(configPath, dataDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if core != nil {
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	p := location.NewPushProvider()
	rt, err := app.New(context.Background(), cfg, app.Options{Provider: p})
	if err != nil {
		return err
	}
	rt.Start(context.Background())

	core, provider = rt, p
	return nil
}

func shutdown() {
	stopWatching()
	mu.Lock()
	defer mu.Unlock()
	if core != nil {
		_ = core.Close()
		core, provider = nil, nil
	}
}

func current() (*app.Runtime, *location.PushProvider, error) {
	mu.Lock()
	defer mu.Unlock()
	if core == nil {
		return nil, nil, fmt.Errorf("runtime not initialized")
	}
	return core, provider, nil
}

func setPermissions(foreground, background string) error {
	_, p, err := current()
	if err != nil {
		return err
	}
	p.SetPermissions(location.PermissionStatus(foreground), location.PermissionStatus(background))
	return nil
}

func pushLocation(lat, lon, accuracy float64) error {
	_, p, err := current()
	if err != nil {
		return err
	}
	p.Push(location.Sample{Latitude: lat, Longitude: lon, Accuracy: accuracy})
	return nil
}

func startTracking(token string) (string, error) {
	rt, _, err := current()
	if err != nil {
		return "", err
	}
	mode, err := rt.Location.StartTracking(context.Background(), token)
	return string(mode), err
}

func stopTracking() error {
	rt, _, err := current()
	if err != nil {
		return err
	}
	return rt.Location.StopTracking(context.Background())
}

func updateLocationNow() (string, error) {
	rt, _, err := current()
	if err != nil {
		return "", err
	}
	sample, err := rt.Location.UpdateLocationNow(context.Background())
	if err != nil {
		return "", err
	}
	return marshal(sample)
}

func checkForUpdates() (string, error) {
	rt, _, err := current()
	if err != nil {
		return "", err
	}
	rt.Updates.CheckForUpdates(context.Background())
	return marshal(rt.Updates.State())
}

func updateState() (string, error) {
	rt, _, err := current()
	if err != nil {
		return "", err
	}
	return marshal(rt.Updates.State())
}

// reloadToApplyUpdate promotes the downloaded bundle. The shell restarts
// itself when this reports true.
func reloadToApplyUpdate() (bool, error) {
	rt, _, err := current()
	if err != nil {
		return false, err
	}
	return rt.Updates.ReloadToApplyUpdate(context.Background()), nil
}

type friendReply struct {
	OK      bool            `json:"ok"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// friendOp runs op and always returns a JSON reply; failures carry the alert
// text the shell shows.
func friendOp(op, token, id string) (string, error) {
	rt, _, err := current()
	if err != nil {
		return "", err
	}

	var call func(context.Context, string, string) (json.RawMessage, error)
	switch op {
	case "send":
		call = rt.Friends.SendFriendRequest
	case "accept":
		call = rt.Friends.AcceptFriendRequest
	case "decline":
		call = rt.Friends.DeclineFriendRequest
	case "cancel":
		call = rt.Friends.CancelFriendRequest
	case "cancel-message":
		call = rt.Friends.CancelMessageRequest
	case "unfriend":
		call = rt.Friends.Unfriend
	default:
		return "", fmt.Errorf("unknown friend operation %q", op)
	}

	data, err := call(context.Background(), token, id)
	if err != nil {
		return marshal(friendReply{Message: friends.UserMessage(err), Code: string(errors.CodeOf(err))})
	}
	return marshal(friendReply{OK: true, Data: data})
}

// watchFriendRequests queues friend requests pushed on token's socket for
// pollFriendRequests. Watching again replaces the previous subscription; the
// shell calls it after sign-in and after the socket reconnects.
func watchFriendRequests(token string) error {
	rt, _, err := current()
	if err != nil {
		return err
	}
	off, err := rt.Friends.OnIncomingRequest(context.Background(), token, func(req friends.IncomingRequest) {
		inboxMu.Lock()
		defer inboxMu.Unlock()
		if len(inbox) >= maxInbox {
			inbox = inbox[1:]
		}
		inbox = append(inbox, req)
	})
	if err != nil {
		return err
	}

	inboxMu.Lock()
	prev := unwatch
	unwatch = off
	inboxMu.Unlock()
	if prev != nil {
		prev()
	}
	return nil
}

// pollFriendRequests returns and clears the queued requests as a JSON array.
func pollFriendRequests() (string, error) {
	if _, _, err := current(); err != nil {
		return "", err
	}
	inboxMu.Lock()
	queued := inbox
	inbox = nil
	inboxMu.Unlock()
	if queued == nil {
		queued = []friends.IncomingRequest{}
	}
	return marshal(queued)
}

func stopWatching() {
	inboxMu.Lock()
	off := unwatch
	unwatch, inbox = nil, nil
	inboxMu.Unlock()
	if off != nil {
		off()
	}
}

func status() (string, error) {
	rt, _, err := current()
	if err != nil {
		return "", err
	}
	st, err := rt.Status(context.Background())
	if err != nil {
		return "", err
	}
	return marshal(st)
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize: %w", err)
	}
	return string(data), nil
}

func main() {
	// Required for c-shared build mode; not executed when loaded as a library.
}
