package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/talgya/taleweaver/internal/narrative"
)

func TestClientGenerate(t *testing.T) {
	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "key-1" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != apiVersion {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":[{"text":"Lux || She answers."}],"usage":{"input_tokens":10,"output_tokens":4}}`))
	}))
	defer srv.Close()

	c := NewClient("key-1", Options{Model: "test-model", APIURL: srv.URL})
	prior := []narrative.Turn{
		{Speaker: narrative.EventSpeaker, Text: "Event 1: opening"},
		{Speaker: "Ezreal", Text: "Ezreal: Hi."},
	}
	text, err := c.Generate(context.Background(), "system prompt", prior, "Choose the next speaker.")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "Lux || She answers." {
		t.Fatalf("text = %q", text)
	}
	if got.Model != "test-model" || got.System != "system prompt" {
		t.Fatalf("request = %+v", got)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(got.Messages))
	}
	content := got.Messages[0].Content
	if !strings.Contains(content, "Event 1: opening\nEzreal: Hi.") || !strings.HasSuffix(content, "Choose the next speaker.") {
		t.Fatalf("content = %q", content)
	}
}

func TestClientGenerateAPIErrorIsGenerationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient("key-1", Options{APIURL: srv.URL})
	_, err := c.Generate(context.Background(), "s", nil, "i")
	if err == nil {
		t.Fatal("expected error")
	}
	if narrative.KindOf(err) != narrative.KindGeneration {
		t.Fatalf("KindOf = %q, want %q", narrative.KindOf(err), narrative.KindGeneration)
	}
}

// fakeClock drives the client's rate window without sleeping.
type fakeClock struct {
	now   time.Time
	waits []time.Duration
	block bool
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.waits = append(f.waits, d)
	ch := make(chan time.Time, 1)
	if !f.block {
		f.now = f.now.Add(d)
		ch <- f.now
	}
	return ch
}

func newCountingServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"content":[{"text":"ok"}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestClientRateLimitWaitsForWindow(t *testing.T) {
	srv, calls := newCountingServer(t)
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}

	c := NewClient("key-1", Options{APIURL: srv.URL})
	c.now, c.after = clock.Now, clock.After

	for i := 0; i < 20; i++ {
		if _, err := c.Generate(context.Background(), "s", nil, "i"); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		clock.now = clock.now.Add(time.Second)
	}
	if len(clock.waits) != 0 {
		t.Fatalf("waits = %v, want none within the limit", clock.waits)
	}

	if _, err := c.Generate(context.Background(), "s", nil, "i"); err != nil {
		t.Fatalf("call 21: %v", err)
	}
	if len(clock.waits) != 1 || clock.waits[0] != 40*time.Second {
		t.Fatalf("waits = %v, want [40s]", clock.waits)
	}
	if got := calls.Load(); got != 21 {
		t.Fatalf("server calls = %d, want 21", got)
	}
}

func TestClientRateLimitWaitHonorsContext(t *testing.T) {
	srv, calls := newCountingServer(t)
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), block: true}

	c := NewClient("key-1", Options{APIURL: srv.URL, MaxPerMin: 1})
	c.now, c.after = clock.Now, clock.After

	if _, err := c.Generate(context.Background(), "s", nil, "i"); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Generate(ctx, "s", nil, "i")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if narrative.KindOf(err) != narrative.KindGeneration {
		t.Fatalf("KindOf = %q, want %q", narrative.KindOf(err), narrative.KindGeneration)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("server calls = %d, want 1", got)
	}
}

func TestNewClientWithoutKey(t *testing.T) {
	if c := NewClient("", Options{}); c != nil {
		t.Fatal("expected nil client without key")
	}
	var c *Client
	if c.Enabled() {
		t.Fatal("nil client should be disabled")
	}
}

func TestRegistryResolve(t *testing.T) {
	def := GeneratorFunc(func(context.Context, string, []narrative.Turn, string) (string, error) { return "default", nil })
	fast := GeneratorFunc(func(context.Context, string, []narrative.Turn, string) (string, error) { return "fast", nil })

	r := NewRegistry(def)
	r.Register("fast", fast)

	g, err := r.Resolve("")
	if err != nil {
		t.Fatalf("Resolve(empty): %v", err)
	}
	if out, _ := g.Generate(context.Background(), "", nil, ""); out != "default" {
		t.Fatalf("default generator returned %q", out)
	}
	g, err = r.Resolve("fast")
	if err != nil {
		t.Fatalf("Resolve(fast): %v", err)
	}
	if out, _ := g.Generate(context.Background(), "", nil, ""); out != "fast" {
		t.Fatalf("fast generator returned %q", out)
	}
	if _, err := r.Resolve("gemini"); narrative.KindOf(err) != narrative.KindConfiguration {
		t.Fatalf("Resolve(unknown) kind = %q", narrative.KindOf(err))
	}
	if got := r.Bindings(); len(got) != 1 || got[0] != "fast" {
		t.Fatalf("Bindings = %v", got)
	}
}
