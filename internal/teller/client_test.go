package teller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/talgya/taleweaver/internal/api"
	"github.com/talgya/taleweaver/internal/engine"
	"github.com/talgya/taleweaver/internal/llm"
	"github.com/talgya/taleweaver/internal/llm/llmtest"
	"github.com/talgya/taleweaver/internal/narrative"
	"github.com/talgya/taleweaver/internal/persistence"
)

func startStoryd(t *testing.T) (*Client, *persistence.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := persistence.Open(filepath.Join(t.TempDir(), "teller.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	gen := llmtest.Story([]string{"Ezreal", "Lux"}, "Event 1: opening", "Event 2: climax")
	orch := engine.New(engine.DefaultConfig(), db, llm.NewRegistry(gen), db)
	srv := api.NewServer(orch, db, 0, "secret")
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(context.Background())
		db.Close()
	})
	return NewClient(ts.URL, "secret"), db
}

func TestSubmitAndAwait(t *testing.T) {
	c, _ := startStoryd(t)
	ctx := context.Background()

	if err := c.WaitReady(ctx, time.Minute); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	id, err := c.Submit(ctx, engine.Request{
		Scenario: "They meet at a tournament",
		Participants: []engine.ParticipantSpec{
			{Name: "Ezreal", Personality: []string{"cocky"}},
			{Name: "Lux", Personality: []string{"optimistic"}},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	changes := 0
	s, err := c.Await(ctx, id, 10*time.Millisecond, func(*Session) { changes++ })
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if s.Phase != narrative.PhaseDone || s.ProseText == "" {
		t.Fatalf("session = %s, prose %q", s.Phase, s.ProseText)
	}
	if changes == 0 {
		t.Fatalf("onChange never called")
	}

	raw, err := c.Checkpoints(ctx, id)
	if err != nil {
		t.Fatalf("Checkpoints: %v", err)
	}
	var log struct {
		Checkpoints []json.RawMessage `json:"checkpoints"`
	}
	if err := json.Unmarshal(raw, &log); err != nil {
		t.Fatalf("decode checkpoints: %v", err)
	}
	if len(log.Checkpoints) != 14 {
		t.Fatalf("checkpoints = %d, want 14", len(log.Checkpoints))
	}
}

func TestPutLore(t *testing.T) {
	c, db := startStoryd(t)
	ctx := context.Background()

	if err := c.PutLore(ctx, "Lux", "The Lady of Luminosity."); err != nil {
		t.Fatalf("PutLore: %v", err)
	}
	text, err := db.LookupLore(ctx, "Lux")
	if err != nil || text != "The Lady of Luminosity." {
		t.Fatalf("LookupLore = %q, %v", text, err)
	}

	c.AdminKey = "wrong"
	var apiErr *APIError
	if err := c.PutLore(ctx, "Lux", "x"); !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("PutLore with wrong key err = %v", err)
	}
}

func TestSessionNotFound(t *testing.T) {
	c, _ := startStoryd(t)
	_, err := c.Session(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Kind != narrative.KindNotFound {
		t.Fatalf("APIError = %+v", apiErr)
	}
}

func TestWaitReadyGivesUp(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "starting", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "")
	if err := c.WaitReady(context.Background(), time.Second); err == nil {
		t.Fatalf("WaitReady = nil, want error")
	}
}
