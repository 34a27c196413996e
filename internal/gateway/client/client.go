// Package client calls the entry allowlist gateway from the connect API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 5 * time.Second

var (
	// ErrNotConfigured is returned when the gateway URL or token is missing.
	ErrNotConfigured = errors.New("entry_allowlist_not_configured")
	// ErrAllowlistFailed is returned for transport errors and non-2xx gateway answers.
	ErrAllowlistFailed = errors.New("entry_allowlist_failed")
)

// Client posts grants to the gateway's /allowlist endpoint.
type Client struct {
	URL        string
	Token      string
	MaxTTL     int
	HTTPClient *http.Client
}

// New returns a client for url authenticated with token. ttl values above maxTTL are clamped
// before sending; the gateway applies its own ceiling as well.
func New(url, token string, maxTTL int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		URL:        url,
		Token:      token,
		MaxTTL:     maxTTL,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Allow asks the gateway to open the firewall window for ip for ttl seconds.
func (c *Client) Allow(ctx context.Context, ip string, ttl int) error {
	if c.URL == "" || c.Token == "" {
		return ErrNotConfigured
	}
	if c.MaxTTL > 0 && ttl > c.MaxTTL {
		ttl = c.MaxTTL
	}
	raw, err := json.Marshal(map[string]any{"ip": ip, "ttl": ttl})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAllowlistFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Entry-Token", c.Token)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAllowlistFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status=%d body=%s", ErrAllowlistFailed, resp.StatusCode, bytes.TrimSpace(b))
	}
	return nil
}
