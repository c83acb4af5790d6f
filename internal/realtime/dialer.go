package realtime

import (
	"context"
	"sync"
)

// Dialer keeps one live client per token and redials when it dropped.
type Dialer struct {
	url  string
	dial func(ctx context.Context, socketURL, token string) (*Client, error)

	mu      sync.Mutex
	clients map[string]*Client
}

// NewDialer creates a Dialer for socketURL.
func NewDialer(socketURL string) *Dialer {
	return &Dialer{
		url:     socketURL,
		dial:    Dial,
		clients: make(map[string]*Client),
	}
}

// Connect returns the live client for token, dialing if needed.
func (d *Dialer) Connect(ctx context.Context, token string) (Socket, error) {
	c, err := d.client(ctx, token)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *Dialer) client(ctx context.Context, token string) (*Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[token]; ok {
		if c.Connected() {
			return c, nil
		}
		delete(d.clients, token)
	}

	c, err := d.dial(ctx, d.url, token)
	if err != nil {
		return nil, err
	}
	d.clients[token] = c
	return c, nil
}

// Close closes every cached client.
func (d *Dialer) Close() {
	d.mu.Lock()
	clients := d.clients
	d.clients = make(map[string]*Client)
	d.mu.Unlock()

	for _, c := range clients {
		_ = c.Close()
	}
}
