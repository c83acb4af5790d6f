// Package api is the HTTP client for the Circle backend endpoints the core
// calls directly.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/circleapp/circle/core/internal/errors"
	"github.com/circleapp/circle/core/internal/telemetry"
)

const (
	defaultUserAgent = "circle-core/1.0"
	requestTimeout   = 15 * time.Second

	pathLocationUpdate = "/api/location/update"
	pathCheckNearby    = "/api/location/check-nearby"
)

// Client talks to the Circle HTTP API with bearer authentication.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	userAgent string
}

// NewClient builds a Client for baseURL. TLS endpoints negotiate HTTP/2.
func NewClient(baseURL string) (*Client, error) {
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}

	return &Client{
		baseURL: base,
		http: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
		},
		userAgent: defaultUserAgent,
	}, nil
}

// Response is the envelope every location endpoint returns.
type Response struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	NotifiedCount int    `json:"notifiedCount,omitempty"`
}

type locationRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type nearbyRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	RadiusKm  float64 `json:"radiusKm"`
}

// UpdateLocation posts the device position.
func (c *Client) UpdateLocation(ctx context.Context, token string, latitude, longitude float64) error {
	var resp Response
	return c.post(ctx, token, pathLocationUpdate, locationRequest{Latitude: latitude, Longitude: longitude}, &resp)
}

// CheckNearby asks the backend to look for users within radiusKm, which may
// notify them. It returns how many users were notified when the server says.
func (c *Client) CheckNearby(ctx context.Context, token string, latitude, longitude, radiusKm float64) (int, error) {
	var resp Response
	if err := c.post(ctx, token, pathCheckNearby, nearbyRequest{Latitude: latitude, Longitude: longitude, RadiusKm: radiusKm}, &resp); err != nil {
		return 0, err
	}
	return resp.NotifiedCount, nil
}

func (c *Client) post(ctx context.Context, token, path string, body any, dest *Response) (err error) {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	ctx, span := telemetry.Start(ctx, "api.post", "path", path)
	defer func() { telemetry.End(span, err) }()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrNetwork, "POST "+path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(errors.ErrNetwork, "read response", err)
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, dest); err != nil && resp.StatusCode < 400 {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.New(errors.ErrPermission, fmt.Sprintf("%s returned status %d", path, resp.StatusCode))
	case resp.StatusCode >= 400:
		return errors.New(errors.ErrServer, fmt.Sprintf("%s returned status %d: %s", path, resp.StatusCode, dest.Message))
	case !dest.Success:
		msg := dest.Message
		if msg == "" {
			msg = "request was not successful"
		}
		return errors.New(errors.ErrServer, msg)
	}
	return nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("api base url is empty")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse api base url %q: %w", raw, err)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
