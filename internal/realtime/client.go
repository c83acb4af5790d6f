package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/circleapp/circle/core/internal/errors"
	"github.com/circleapp/circle/core/internal/logging"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 256
)

// Client is a websocket connection speaking the JSON envelope protocol.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	connected atomic.Bool
	closeOnce sync.Once

	mu       sync.RWMutex
	handlers map[string]map[uint64]Handler
	nextID   uint64
}

// Dial connects to socketURL authenticating with token, both as a bearer
// header and as the token query parameter for servers that only read the
// handshake URL.
func Dial(ctx context.Context, socketURL, token string) (*Client, error) {
	u, err := url.Parse(socketURL)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "parse socket url", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNotConnected, "dial socket", err)
	}

	c := &Client{
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		handlers: make(map[string]map[uint64]Handler),
	}
	c.connected.Store(true)

	go c.readPump()
	go c.writePump()

	logging.Info("Socket connected", map[string]interface{}{"host": u.Host})
	return c, nil
}

// Connected reports whether the connection is live.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Emit queues an event for sending.
func (c *Client) Emit(event, requestID string, payload any) error {
	if !c.Connected() {
		return errors.New(errors.ErrNotConnected, "Socket not connected")
	}

	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "encode payload", err)
		}
		data = raw
	}
	frame, err := json.Marshal(Envelope{
		Type:      event,
		Data:      data,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "encode envelope", err)
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errors.New(errors.ErrNotConnected, "Socket not connected")
	default:
		return errors.New(errors.ErrNetwork, "socket send buffer full")
	}
}

// On registers h for event.
func (c *Client) On(event string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]Handler)
	}
	c.handlers[event][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.handlers[event], id)
			if len(c.handlers[event]) == 0 {
				delete(c.handlers, event)
			}
		})
	}
}

// ListenerCount returns how many handlers are registered for event.
func (c *Client) ListenerCount(event string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers[event])
}

// Close shuts the connection down. It is safe to call more than once.
func (c *Client) Close() error {
	c.shutdown()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return c.conn.Close()
}

func (c *Client) shutdown() bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.connected.Store(false)
		close(c.done)
	})
	return first
}

func (c *Client) dispatch(m Message) {
	c.mu.RLock()
	hs := make([]Handler, 0, len(c.handlers[m.Event]))
	for _, h := range c.handlers[m.Event] {
		hs = append(hs, h)
	}
	c.mu.RUnlock()

	for _, h := range hs {
		h(m)
	}
}

// readPump dispatches inbound frames until the connection fails.
func (c *Client) readPump() {
	defer func() {
		if c.shutdown() {
			logging.Warn("Socket disconnected", nil)
		}
		c.conn.Close()
		c.dispatch(Message{Event: EventDisconnect})
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Error("Socket read failed", err, nil)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil || env.Type == "" {
			logging.Debug("Ignoring malformed socket frame", nil)
			continue
		}
		c.dispatch(Message{Event: env.Type, RequestID: env.RequestID, Data: env.Data})
	}
}

// writePump serializes writes and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logging.Error("Socket write failed", err, nil)
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
