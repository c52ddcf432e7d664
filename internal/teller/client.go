// Package teller is the HTTP client for the storyd API: it submits story
// requests, follows sessions until they finish and exports checkpoints.
package teller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/talgya/taleweaver/internal/engine"
	"github.com/talgya/taleweaver/internal/narrative"
)

// Session mirrors GET /api/v1/sessions/:id.
type Session struct {
	ID             string                  `json:"id"`
	Phase          narrative.Phase         `json:"phase"`
	Scenario       string                  `json:"scenario"`
	Participants   []narrative.Participant `json:"participants"`
	Transcript     narrative.Transcript    `json:"transcript"`
	QueueRemaining int                     `json:"queue_remaining"`
	Decisions      []narrative.Decision    `json:"decisions"`
	Seq            int                     `json:"seq"`
	Running        bool                    `json:"running"`
	Summary        string                  `json:"transcript_summary"`
	ProseText      string                  `json:"prose_text"`
	Failure        *narrative.Failure      `json:"failure"`
	CreatedAt      time.Time               `json:"created_at"`
}

// Finished reports whether the session will not change without a resume.
func (s *Session) Finished() bool {
	return s.Phase == narrative.PhaseDone || (s.Failure != nil && !s.Running)
}

// APIError is a non-2xx response from storyd.
type APIError struct {
	Status  int
	Kind    narrative.ErrorKind `json:"kind"`
	Message string              `json:"error"`
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("storyd %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("storyd %d: %s", e.Status, e.Message)
}

// Client talks to one storyd instance.
type Client struct {
	BaseURL    string
	AdminKey   string
	HTTPClient *http.Client
}

// NewClient creates a Client targeting the given API base URL.
func NewClient(baseURL, adminKey string) *Client {
	return &Client{
		BaseURL:  baseURL,
		AdminKey: adminKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Submit starts a story in the background and returns its session id.
func (c *Client) Submit(ctx context.Context, req engine.Request) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/stories", req, false, &out); err != nil {
		return "", fmt.Errorf("submit story: %w", err)
	}
	return out.SessionID, nil
}

// Session fetches the current state of a session.
func (c *Client) Session(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, false, &s); err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &s, nil
}

// Resume asks storyd to continue a stopped session.
func (c *Client) Resume(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/resume", nil, false, nil); err != nil {
		return fmt.Errorf("resume %s: %w", id, err)
	}
	return nil
}

// Checkpoints returns the raw checkpoint log of a session.
func (c *Client) Checkpoints(ctx context.Context, id string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id)+"/checkpoints", nil, false, &out); err != nil {
		return nil, fmt.Errorf("checkpoints %s: %w", id, err)
	}
	return out, nil
}

// PutLore stores lore for a speaker. Requires the admin key.
func (c *Client) PutLore(ctx context.Context, speaker, text string) error {
	body := map[string]string{"text": text}
	if err := c.do(ctx, http.MethodPut, "/api/v1/lore/"+url.PathEscape(speaker), body, true, nil); err != nil {
		return fmt.Errorf("put lore %s: %w", speaker, err)
	}
	return nil
}

// Await polls a session until it finishes or ctx ends. onChange, if set,
// is called whenever the committed sequence number moves.
func (c *Client) Await(ctx context.Context, id string, poll time.Duration, onChange func(*Session)) (*Session, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	lastSeq := -1
	for {
		s, err := c.Session(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.Seq != lastSeq {
			lastSeq = s.Seq
			if onChange != nil {
				onChange(s)
			}
		}
		if s.Finished() {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitReady polls the status endpoint with exponential backoff until it
// responds or maxWait passes.
func (c *Client) WaitReady(ctx context.Context, maxWait time.Duration) error {
	backoff := 2 * time.Second
	maxBackoff := 30 * time.Second
	deadline := time.Now().Add(maxWait)

	for {
		err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, false, nil)
		if err == nil {
			slog.Info("storyd API is ready")
			return nil
		}
		if time.Now().Add(backoff).After(deadline) {
			return fmt.Errorf("storyd not ready within %s: %w", maxWait, err)
		}
		slog.Info("storyd not ready, retrying...", "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in any, admin bool, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+c.AdminKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
