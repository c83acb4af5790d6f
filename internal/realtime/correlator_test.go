package realtime

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/circleapp/circle/core/internal/errors"
)

// ===== In-memory socket =====

type emitted struct {
	event     string
	requestID string
	payload   any
}

// memSocket records emits and lets a test reply synchronously through onEmit.
type memSocket struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]map[int]Handler
	nextID    int
	emits     []emitted
	onEmit    func(s *memSocket, e emitted)
	emitErrs  []error
}

func newMemSocket() *memSocket {
	return &memSocket{connected: true, handlers: make(map[string]map[int]Handler)}
}

func (s *memSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *memSocket) Emit(event, requestID string, payload any) error {
	s.mu.Lock()
	e := emitted{event: event, requestID: requestID, payload: payload}
	s.emits = append(s.emits, e)
	hook := s.onEmit
	var emitErr error
	if len(s.emitErrs) > 0 {
		emitErr, s.emitErrs = s.emitErrs[0], s.emitErrs[1:]
	}
	s.mu.Unlock()

	if emitErr != nil {
		return emitErr
	}
	if hook != nil {
		hook(s, e)
	}
	return nil
}

func (s *memSocket) On(event string, h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[int]Handler)
	}
	s.handlers[event][id] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers[event], id)
	}
}

func (s *memSocket) fire(m Message) {
	s.mu.Lock()
	var hs []Handler
	for _, h := range s.handlers[m.Event] {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	for _, h := range hs {
		h(m)
	}
}

func (s *memSocket) listeners(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers[event])
}

func (s *memSocket) emitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.emits)
}

var sendCall = Call{
	Emit:    "friend:request:send",
	Success: "friend:request:sent",
	Error:   "friend:request:error",
	Payload: map[string]string{"receiverId": "u2"},
}

// testCorrelator uses a short attempt timeout and records backoff waits
// instead of sleeping.
func testCorrelator(waits *[]time.Duration) *Correlator {
	policy := DefaultRetryPolicy()
	policy.Timeout = 20 * time.Millisecond
	c := NewCorrelator(policy)
	var mu sync.Mutex
	c.wait = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		*waits = append(*waits, d)
		return nil
	}
	return c
}

func assertBaseline(t *testing.T, s *memSocket) {
	t.Helper()
	for _, ev := range []string{sendCall.Success, sendCall.Error} {
		if n := s.listeners(ev); n != 0 {
			t.Fatalf("%s listeners = %d, want 0", ev, n)
		}
	}
}

// ===== Policy =====

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 3 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.retry); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
	if p.MaxRetries != 2 || p.Timeout != 15*time.Second {
		t.Fatalf("default policy = %+v", p)
	}
}

// ===== Outcomes =====

func TestCorrelator_Success(t *testing.T) {
	var waits []time.Duration
	c := testCorrelator(&waits)
	sock := newMemSocket()
	sock.onEmit = func(s *memSocket, e emitted) {
		s.fire(Message{Event: sendCall.Success, RequestID: e.requestID, Data: json.RawMessage(`{"id":"fr1"}`)})
	}

	data, err := c.Do(context.Background(), sock, sendCall)
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if string(data) != `{"id":"fr1"}` {
		t.Fatalf("data = %s", data)
	}
	if sock.emitCount() != 1 || len(waits) != 0 {
		t.Fatalf("emits = %d, waits = %v", sock.emitCount(), waits)
	}
	if sock.emits[0].requestID == "" {
		t.Fatal("request id not sent")
	}
	assertBaseline(t, sock)
	if len(c.Pending()) != 0 {
		t.Fatal("pending table not cleared")
	}
}

func TestCorrelator_NotConnected(t *testing.T) {
	var waits []time.Duration
	c := testCorrelator(&waits)
	sock := newMemSocket()
	sock.connected = false

	_, err := c.Do(context.Background(), sock, sendCall)
	if !errors.Is(err, errors.ErrNotConnected) {
		t.Fatalf("error = %v, want SOCKET_NOT_CONNECTED", err)
	}
	if sock.emitCount() != 0 {
		t.Fatal("nothing should be emitted without a connection")
	}

	if _, err := c.Do(context.Background(), nil, sendCall); !errors.Is(err, errors.ErrNotConnected) {
		t.Fatalf("nil socket error = %v", err)
	}
}

// TestCorrelator_ServerErrors covers the retry decision on error events.
func TestCorrelator_ServerErrors(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantEmits int
		wantWaits []time.Duration
		wantMsg   string
	}{
		{"terminal error", `{"message":"Already friends"}`, 1, nil, "Already friends"},
		{"string payload", `"User not found"`, 1, nil, "User not found"},
		{"network error retried", `{"message":"network unreachable"}`, 3, []time.Duration{time.Second, 2 * time.Second}, "network unreachable"},
		{"timeout error retried", `{"error":"upstream timeout"}`, 3, []time.Duration{time.Second, 2 * time.Second}, "upstream timeout"},
		{"empty payload", `{}`, 1, nil, "Request failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var waits []time.Duration
			c := testCorrelator(&waits)
			sock := newMemSocket()
			sock.onEmit = func(s *memSocket, e emitted) {
				s.fire(Message{Event: sendCall.Error, RequestID: e.requestID, Data: json.RawMessage(tt.payload)})
			}

			_, err := c.Do(context.Background(), sock, sendCall)
			if !errors.Is(err, errors.ErrServer) {
				t.Fatalf("error = %v, want SERVER_ERROR", err)
			}
			var appErr *errors.AppError
			if e, ok := err.(*errors.AppError); ok {
				appErr = e
			}
			if appErr == nil || appErr.Message != tt.wantMsg {
				t.Fatalf("message = %v, want %q", err, tt.wantMsg)
			}
			if sock.emitCount() != tt.wantEmits {
				t.Fatalf("emits = %d, want %d", sock.emitCount(), tt.wantEmits)
			}
			if len(waits) != len(tt.wantWaits) {
				t.Fatalf("waits = %v, want %v", waits, tt.wantWaits)
			}
			for i := range waits {
				if waits[i] != tt.wantWaits[i] {
					t.Fatalf("waits = %v, want %v", waits, tt.wantWaits)
				}
			}
			assertBaseline(t, sock)
		})
	}
}

// TestCorrelator_RetryThenSuccess verifies a transient error followed by a
// success resolves with the success payload.
func TestCorrelator_RetryThenSuccess(t *testing.T) {
	var waits []time.Duration
	c := testCorrelator(&waits)
	sock := newMemSocket()
	attempts := 0
	sock.onEmit = func(s *memSocket, e emitted) {
		attempts++
		if attempts == 1 {
			s.fire(Message{Event: sendCall.Error, Data: json.RawMessage(`{"message":"Network error"}`)})
			return
		}
		s.fire(Message{Event: sendCall.Success, Data: json.RawMessage(`{"ok":true}`)})
	}

	data, err := c.Do(context.Background(), sock, sendCall)
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("data = %s", data)
	}
	if len(waits) != 1 || waits[0] != time.Second {
		t.Fatalf("waits = %v, want [1s]", waits)
	}
	assertBaseline(t, sock)
}

func TestCorrelator_EmitErrors(t *testing.T) {
	tests := []struct {
		name      string
		emitErr   error
		wantCode  errors.ErrorCode
		wantEmits int
		wantWaits int
	}{
		{"send buffer full is retried", errors.New(errors.ErrNetwork, "socket send buffer full"), "", 2, 1},
		{"closed socket fails fast", errors.New(errors.ErrNotConnected, "Socket not connected"), errors.ErrNotConnected, 1, 0},
		{"bad payload keeps its code", errors.New(errors.ErrInvalid, "encode payload"), errors.ErrInvalid, 1, 0},
		{"uncoded error reads as disconnected", stderrors.New("broken pipe"), errors.ErrNotConnected, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var waits []time.Duration
			c := testCorrelator(&waits)
			sock := newMemSocket()
			sock.emitErrs = []error{tt.emitErr}
			sock.onEmit = func(s *memSocket, e emitted) {
				s.fire(Message{Event: sendCall.Success, RequestID: e.requestID, Data: json.RawMessage(`{"ok":true}`)})
			}

			_, err := c.Do(context.Background(), sock, sendCall)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Do returned error: %v", err)
				}
			} else if !errors.Is(err, tt.wantCode) {
				t.Fatalf("error = %v, want %s", err, tt.wantCode)
			}
			if sock.emitCount() != tt.wantEmits {
				t.Fatalf("emits = %d, want %d", sock.emitCount(), tt.wantEmits)
			}
			if len(waits) != tt.wantWaits {
				t.Fatalf("waits = %v, want %d", waits, tt.wantWaits)
			}
			assertBaseline(t, sock)
		})
	}
}

// TestCorrelator_SilentServer verifies three attempts then a timeout error.
func TestCorrelator_SilentServer(t *testing.T) {
	var waits []time.Duration
	c := testCorrelator(&waits)
	sock := newMemSocket()

	_, err := c.Do(context.Background(), sock, sendCall)
	if !errors.Is(err, errors.ErrRequestTimeout) {
		t.Fatalf("error = %v, want REQUEST_TIMEOUT", err)
	}
	var appErr *errors.AppError
	if e, ok := err.(*errors.AppError); ok {
		appErr = e
	}
	if appErr == nil || appErr.Message != "Request timeout" {
		t.Fatalf("message = %v", err)
	}
	if sock.emitCount() != 3 {
		t.Fatalf("emits = %d, want 3", sock.emitCount())
	}
	for _, e := range sock.emits {
		if e.event != sendCall.Emit {
			t.Fatalf("emitted %q", e.event)
		}
	}

	// Nominal wall time with the production policy.
	prod := DefaultRetryPolicy()
	total := 3 * prod.Timeout
	for _, w := range waits {
		total += w
	}
	if total != 48*time.Second {
		t.Fatalf("nominal duration = %v, want 48s", total)
	}
	assertBaseline(t, sock)
}

func TestCorrelator_IgnoresOtherRequestIDs(t *testing.T) {
	var waits []time.Duration
	c := testCorrelator(&waits)
	c.policy.MaxRetries = 0
	sock := newMemSocket()
	sock.onEmit = func(s *memSocket, e emitted) {
		s.fire(Message{Event: sendCall.Success, RequestID: "req_other", Data: json.RawMessage(`{}`)})
	}

	_, err := c.Do(context.Background(), sock, sendCall)
	if !errors.Is(err, errors.ErrRequestTimeout) {
		t.Fatalf("error = %v, want REQUEST_TIMEOUT", err)
	}
}

// ===== Concurrency =====

func TestCorrelator_InFlight(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.Timeout = time.Minute
	c := NewCorrelator(policy)
	sock := newMemSocket()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Do(ctx, sock, sendCall)
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(c.Pending()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first call never became pending")
		}
		time.Sleep(time.Millisecond)
	}

	pending := c.Pending()
	if pending[0].Event != sendCall.Emit || pending[0].RequestID == "" {
		t.Fatalf("pending = %+v", pending)
	}

	_, err := c.Do(context.Background(), sock, sendCall)
	if !errors.Is(err, errors.ErrInFlight) {
		t.Fatalf("second call error = %v, want IN_FLIGHT", err)
	}

	// A different key is independent.
	other := sendCall
	other.Key = "friend:request:send:u3"
	otherCtx, otherCancel := context.WithCancel(context.Background())
	otherCancel()
	if _, err := c.Do(otherCtx, sock, other); errors.Is(err, errors.ErrInFlight) {
		t.Fatal("a different key should not be blocked")
	}

	cancel()
	if err := <-errCh; err != context.Canceled {
		t.Fatalf("cancelled call error = %v, want context.Canceled", err)
	}
	assertBaseline(t, sock)
	if len(c.Pending()) != 0 {
		t.Fatal("pending table not cleared")
	}
}

func TestCorrelator_DisconnectDuringBackoff(t *testing.T) {
	var waits []time.Duration
	c := testCorrelator(&waits)
	sock := newMemSocket()
	c.wait = func(context.Context, time.Duration) error {
		sock.mu.Lock()
		sock.connected = false
		sock.mu.Unlock()
		return nil
	}

	_, err := c.Do(context.Background(), sock, sendCall)
	if !errors.Is(err, errors.ErrNotConnected) {
		t.Fatalf("error = %v, want SOCKET_NOT_CONNECTED", err)
	}
	if sock.emitCount() != 1 {
		t.Fatalf("emits = %d, want 1", sock.emitCount())
	}
}
