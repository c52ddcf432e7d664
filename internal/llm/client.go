// Package llm provides the text-generation boundary used by every story
// agent, plus the Anthropic Messages API client behind it.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/talgya/taleweaver/internal/narrative"
)

const (
	defaultAPIURL = "https://api.anthropic.com/v1/messages"
	apiVersion    = "2023-06-01"
	DefaultModel  = "claude-haiku-4-5-20251001"

	defaultMaxTokens = 1024
)

var tracer = otel.Tracer("github.com/talgya/taleweaver/internal/llm")

// Generator is the text-generation capability. Implementations are
// stateless from the caller's point of view.
type Generator interface {
	Generate(ctx context.Context, system string, prior []narrative.Turn, instruction string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, system string, prior []narrative.Turn, instruction string) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, system string, prior []narrative.Turn, instruction string) (string, error) {
	return f(ctx, system, prior, instruction)
}

// Client wraps the Anthropic Messages API for one model.
type Client struct {
	apiKey     string
	model      string
	apiURL     string
	maxTokens  int
	httpClient *http.Client

	// Rate limiting: max calls per minute. Calls over the limit wait for
	// the window to reset.
	mu        sync.Mutex
	callCount int
	resetAt   time.Time
	maxPerMin int

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// Options tunes a Client. Zero values use defaults.
type Options struct {
	Model     string
	APIURL    string
	MaxTokens int
	MaxPerMin int
	Timeout   time.Duration
}

// NewClient creates a client for the given model.
// Returns nil if apiKey is empty (generation disabled).
func NewClient(apiKey string, opts Options) *Client {
	if apiKey == "" {
		return nil
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.APIURL == "" {
		opts.APIURL = defaultAPIURL
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.MaxPerMin <= 0 {
		opts.MaxPerMin = 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Client{
		apiKey:     apiKey,
		model:      opts.Model,
		apiURL:     opts.APIURL,
		maxTokens:  opts.MaxTokens,
		httpClient: &http.Client{Timeout: opts.Timeout},
		maxPerMin:  opts.MaxPerMin,
		now:        time.Now,
		after:      time.After,
	}
}

// Enabled returns true if the client has a valid API key.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

// Model returns the model this client calls.
func (c *Client) Model() string {
	if c == nil {
		return ""
	}
	return c.model
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// request is the API request body.
type request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
}

// response is the API response body.
type response struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Generate renders the prior turns as a script ahead of the instruction and
// returns the model's reply. Every failure is a GenerationError.
func (c *Client) Generate(ctx context.Context, system string, prior []narrative.Turn, instruction string) (string, error) {
	ctx, span := tracer.Start(ctx, "llm generate", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.Model()),
		attribute.Int("llm.prior_turns", len(prior)),
	)

	text, err := c.complete(ctx, system, UserPrompt(prior, instruction))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", narrative.WithKind(narrative.KindGeneration, err)
	}
	return text, nil
}

// UserPrompt lays out the transcript followed by the instruction.
func UserPrompt(prior []narrative.Turn, instruction string) string {
	if len(prior) == 0 {
		return instruction
	}
	var b strings.Builder
	b.WriteString("Script so far:\n")
	b.WriteString(narrative.Transcript(prior).Render())
	b.WriteString("\n\n")
	b.WriteString(instruction)
	return b.String()
}

// acquire takes a slot in the current rate window, waiting for the window
// to reset when it is full.
func (c *Client) acquire(ctx context.Context) error {
	for {
		c.mu.Lock()
		now := c.now()
		if !now.Before(c.resetAt) {
			c.callCount = 0
			c.resetAt = now.Add(time.Minute)
		}
		if c.callCount < c.maxPerMin {
			c.callCount++
			c.mu.Unlock()
			return nil
		}
		wait := c.resetAt.Sub(now)
		c.mu.Unlock()

		slog.Debug("llm rate limit reached, waiting", "model", c.model, "wait", wait, "limit_per_min", c.maxPerMin)
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for rate limit (%d calls/min): %w", c.maxPerMin, ctx.Err())
		case <-c.after(wait):
		}
	}
}

func (c *Client) complete(ctx context.Context, system, userPrompt string) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("LLM client not configured")
	}

	if err := c.acquire(ctx); err != nil {
		return "", err
	}

	req := request{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages: []Message{
			{Role: "user", Content: userPrompt},
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("API call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	if len(apiResp.Content) == 0 {
		return "", fmt.Errorf("empty response")
	}

	slog.Debug("llm call",
		"model", c.model,
		"input_tokens", apiResp.Usage.InputTokens,
		"output_tokens", apiResp.Usage.OutputTokens,
	)
	trace.SpanFromContext(ctx).AddEvent("usage", trace.WithAttributes(
		attribute.Int("llm.input_tokens", apiResp.Usage.InputTokens),
		attribute.Int("llm.output_tokens", apiResp.Usage.OutputTokens),
	))

	return apiResp.Content[0].Text, nil
}
