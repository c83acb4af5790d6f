package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/circleapp/circle/core/internal/errors"
	"github.com/circleapp/circle/core/internal/logging"
	"github.com/circleapp/circle/core/internal/telemetry"
	"github.com/circleapp/circle/core/internal/uuid"
)

// Call describes one request/response exchange.
type Call struct {
	// Key identifies the call site for in-flight deduplication. Defaults to
	// Emit.
	Key     string
	Emit    string
	Success string
	Error   string
	Payload any
}

func (c Call) key() string {
	if c.Key != "" {
		return c.Key
	}
	return c.Emit
}

// RetryPolicy bounds a call. Each attempt waits Timeout for an answer;
// transient failures are retried up to MaxRetries times with a linear delay.
type RetryPolicy struct {
	MaxRetries int
	Timeout    time.Duration
	Backoff    time.Duration
}

// DefaultRetryPolicy is 15s per attempt, 2 retries, 1s backoff step.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		Timeout:    15 * time.Second,
		Backoff:    time.Second,
	}
}

// Delay returns the wait before retry number retryCount+1.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	return p.Backoff * time.Duration(retryCount+1)
}

// PendingRequest is a snapshot of an in-flight call.
type PendingRequest struct {
	Key        string
	RequestID  string
	Event      string
	RetryCount int
	StartedAt  time.Time
}

// Correlator runs calls over a socket. At most one call per key is in flight.
type Correlator struct {
	policy RetryPolicy

	mu      sync.Mutex
	pending map[string]*PendingRequest

	wait func(ctx context.Context, d time.Duration) error
	now  func() time.Time
}

// NewCorrelator creates a Correlator with policy.
func NewCorrelator(policy RetryPolicy) *Correlator {
	return &Correlator{
		policy:  policy,
		pending: make(map[string]*PendingRequest),
		wait:    sleep,
		now:     time.Now,
	}
}

// Policy returns the retry policy.
func (c *Correlator) Policy() RetryPolicy {
	return c.policy
}

// Pending returns the in-flight calls ordered by start time.
func (c *Correlator) Pending() []PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Do emits call on sock and waits for its success or error event. The
// success payload is returned. Failures carry SOCKET_NOT_CONNECTED,
// IN_FLIGHT, REQUEST_TIMEOUT or SERVER_ERROR codes, or the code the socket
// reported when the emit itself failed.
func (c *Correlator) Do(ctx context.Context, sock Socket, call Call) (data json.RawMessage, err error) {
	if sock == nil || !sock.Connected() {
		return nil, errors.New(errors.ErrNotConnected, "Socket not connected")
	}

	key := call.key()
	requestID := uuid.NewRequestID()
	if !c.acquire(key, requestID, call.Emit) {
		return nil, errors.New(errors.ErrInFlight, "request already in progress: "+key)
	}
	defer c.release(key)

	ctx, span := telemetry.Start(ctx, "realtime.call", "event", call.Emit, "request_id", requestID)
	defer func() { telemetry.End(span, err) }()

	for retry := 0; ; retry++ {
		c.setRetry(key, retry)

		data, err = c.attempt(ctx, sock, call, requestID)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil || !errors.IsTransient(err) || retry >= c.policy.MaxRetries {
			return nil, err
		}

		delay := c.policy.Delay(retry)
		logging.Warn("Socket request failed, retrying", map[string]interface{}{
			"event":       call.Emit,
			"request_id":  requestID,
			"retry_count": retry + 1,
			"delay_ms":    delay.Milliseconds(),
			"error":       err.Error(),
		})
		if werr := c.wait(ctx, delay); werr != nil {
			return nil, werr
		}
		if !sock.Connected() {
			return nil, errors.New(errors.ErrNotConnected, "Socket not connected")
		}
	}
}

type result struct {
	data json.RawMessage
	err  error
}

// attempt runs one emit and waits for the answer. Both listeners are removed
// on every return path.
func (c *Correlator) attempt(ctx context.Context, sock Socket, call Call, requestID string) (json.RawMessage, error) {
	done := make(chan result, 1)
	deliver := func(r result) {
		select {
		case done <- r:
		default:
		}
	}

	offSuccess := sock.On(call.Success, func(m Message) {
		if matches(m, requestID) {
			deliver(result{data: m.Data})
		}
	})
	defer offSuccess()
	offError := sock.On(call.Error, func(m Message) {
		if matches(m, requestID) {
			deliver(result{err: errors.New(errors.ErrServer, errorMessage(m.Data))})
		}
	})
	defer offError()

	if err := sock.Emit(call.Emit, requestID, call.Payload); err != nil {
		if errors.CodeOf(err) != "" {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrNotConnected, "emit "+call.Emit, err)
	}

	timer := time.NewTimer(c.policy.Timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.data, r.err
	case <-timer.C:
		return nil, errors.New(errors.ErrRequestTimeout, "Request timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Correlator) acquire(key, requestID, event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.pending[key]; busy {
		return false
	}
	c.pending[key] = &PendingRequest{
		Key:       key,
		RequestID: requestID,
		Event:     event,
		StartedAt: c.now(),
	}
	return true
}

func (c *Correlator) setRetry(key string, retry int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[key]; ok {
		p.RetryCount = retry
	}
}

func (c *Correlator) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, key)
}

// matches accepts replies that echo our request id and replies that carry
// none, since not every server handler echoes it.
func matches(m Message, requestID string) bool {
	return m.RequestID == "" || m.RequestID == requestID
}

// errorMessage extracts the server's message from an error payload, which is
// either a JSON string or an object with a message or error field.
func errorMessage(data json.RawMessage) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil && strings.TrimSpace(s) != "" {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Error != "" {
			return obj.Error
		}
	}
	return "Request failed"
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
