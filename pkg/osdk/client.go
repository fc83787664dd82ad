package osdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/omniforge/orch/pkg/oerr"
)

// LogLine is one job log line as sent by the stream endpoint.
type LogLine struct {
	ID      int64     `json:"id"`
	JobID   int64     `json:"job_id"`
	TS      time.Time `json:"ts"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// StreamEnd carries either the job's terminal Status or the Reason the
// server gave up.
type StreamEnd struct {
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ErrStreamClosed is returned when the connection ends without an end event.
var ErrStreamClosed = errors.New("stream closed before end event")

var errEnd = errors.New("end")

type Client struct {
	BaseURL    string
	APIVersion string
	Token      string
	HTTP       *http.Client
}

func NewClient(cfg *Config, token string) *Client {
	return &Client{
		BaseURL:    cfg.BaseURL,
		APIVersion: cfg.APIVersion,
		Token:      token,
		// No timeout: streams stay open for minutes. Use ctx instead.
		HTTP: &http.Client{},
	}
}

func (c *Client) url(path string) string {
	return fmt.Sprintf("%s/%s%s", c.BaseURL, c.APIVersion, path)
}

// TailJobLogs follows a job's log stream, calling onLine for every line,
// and returns the end event.
func (c *Client) TailJobLogs(ctx context.Context, jobID int64, onLine func(LogLine) error) (*StreamEnd, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(fmt.Sprintf("/jobs/%d/logs/stream", jobID)), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var end StreamEnd
	err = ReadEvents(resp.Body, func(ev Event) error {
		switch {
		case ev.Name == "end":
			if err := json.Unmarshal([]byte(ev.Data), &end); err != nil {
				return fmt.Errorf("decode end event: %w", err)
			}
			return errEnd
		case ev.Data == "":
			return nil // keep-alive
		}
		var line LogLine
		if err := json.Unmarshal([]byte(ev.Data), &line); err != nil {
			return fmt.Errorf("decode log line: %w", err)
		}
		return onLine(line)
	})
	switch {
	case errors.Is(err, errEnd):
		return &end, nil
	case err != nil:
		return nil, err
	}
	return nil, ErrStreamClosed
}

type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var p problem
	msg := resp.Status
	if json.Unmarshal(raw, &p) == nil && p.Detail != "" {
		msg = p.Detail
	}

	code := oerr.CodeUnknown
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		code = oerr.CodeUnauthorized
	case http.StatusForbidden:
		code = oerr.CodeForbidden
	case http.StatusNotFound:
		code = oerr.CodeNotFound
	}
	return oerr.Newf(code, "%s", msg)
}
