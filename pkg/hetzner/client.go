// Package hetzner invokes server actions on the Hetzner Cloud API.
package hetzner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL = "https://api.hetzner.cloud/v1"
	DefaultTimeout = 20 * time.Second

	ActionCreateImage  = "create_image"
	ActionEnableBackup = "enable_backup"

	maxErrorBody = 300
)

// Client posts server actions. Credentials are supplied per call since
// every server may belong to a different project token.
type Client struct {
	baseURL string
	http    *http.Client
}

type Option func(*Client)

// WithHTTPClient sets the transport used underneath the bearer token.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ServerAction runs POST {base}/servers/{externalID}/actions/{action} and
// returns the decoded response body. There is no retry.
func (c *Client) ServerAction(ctx context.Context, token, externalID, action string, payload map[string]any) (map[string]any, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/servers/%s/actions/%s", c.baseURL, url.PathEscape(externalID), url.PathEscape(action))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	// The oauth2 transport injects the bearer header on top of our client.
	octx := context.WithValue(ctx, oauth2.HTTPClient, c.http)
	hc := oauth2.NewClient(octx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	hc.Timeout = c.http.Timeout

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Hetzner action unreachable: %s", unreachableReason(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("Hetzner action unreachable: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("Hetzner action error: %d %s", resp.StatusCode, truncate(string(raw), maxErrorBody))
	}

	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("Hetzner action error: %d invalid JSON response", resp.StatusCode)
		}
	}
	return out, nil
}

func unreachableReason(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err.Error()
	}
	return err.Error()
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
