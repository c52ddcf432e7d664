package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/talgya/taleweaver/internal/engine"
	"github.com/talgya/taleweaver/internal/llm"
	"github.com/talgya/taleweaver/internal/llm/llmtest"
	"github.com/talgya/taleweaver/internal/narrative"
	"github.com/talgya/taleweaver/internal/persistence"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const storyBody = `{"scenario":"They meet at a tournament","participants":[{"name":"Ezreal","personality":["cocky"]},{"name":"Lux","personality":["optimistic"]}]}`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	gen := llmtest.Story([]string{"Ezreal", "Lux"}, "Event 1: opening", "Event 2: climax")
	orch := engine.New(engine.DefaultConfig(), db, llm.NewRegistry(gen), db)
	s := NewServer(orch, db, 0, "secret")
	t.Cleanup(func() {
		s.Shutdown(context.Background())
		db.Close()
	})
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestCreateStoryWait(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()

	w := do(t, h, http.MethodPost, "/api/v1/stories?wait=true", storyBody)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var res engine.Result
	decode(t, w, &res)
	if res.SessionID == "" || res.ProseText == "" {
		t.Fatalf("result = %+v", res)
	}
	if res.TranscriptSummary != "6 turns (2 events, 4 lines) over 6 decisions" {
		t.Fatalf("summary = %q", res.TranscriptSummary)
	}

	w = do(t, h, http.MethodGet, "/api/v1/sessions/"+res.SessionID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET session status = %d", w.Code)
	}
	var view sessionView
	decode(t, w, &view)
	if view.Phase != narrative.PhaseDone || view.ProseText != res.ProseText || view.QueueRemaining != 0 {
		t.Fatalf("view = %+v", view)
	}
	if len(view.Transcript) != 6 || view.Transcript[0].Speaker != narrative.EventSpeaker {
		t.Fatalf("transcript = %+v", view.Transcript)
	}

	w = do(t, h, http.MethodGet, "/api/v1/sessions/"+res.SessionID+"/checkpoints", "")
	if w.Code != http.StatusOK {
		t.Fatalf("checkpoints status = %d", w.Code)
	}
	var cps struct {
		Checkpoints []persistence.Checkpoint `json:"checkpoints"`
	}
	decode(t, w, &cps)
	if len(cps.Checkpoints) != 14 {
		t.Fatalf("checkpoints = %d, want 14", len(cps.Checkpoints))
	}
	if cps.Checkpoints[0].Phase != narrative.PhasePlanning || cps.Checkpoints[13].Phase != narrative.PhaseDone {
		t.Fatalf("checkpoint phases = %s..%s", cps.Checkpoints[0].Phase, cps.Checkpoints[13].Phase)
	}

	// Resuming a finished session returns its result.
	w = do(t, h, http.MethodPost, "/api/v1/sessions/"+res.SessionID+"/resume", "")
	if w.Code != http.StatusOK {
		t.Fatalf("resume status = %d", w.Code)
	}
}

func TestCreateStoryAsync(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()

	w := do(t, h, http.MethodPost, "/api/v1/stories", storyBody)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var accepted struct {
		SessionID string `json:"session_id"`
	}
	decode(t, w, &accepted)
	s.Wait()

	st, err := s.DB.LoadSession(context.Background(), accepted.SessionID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if st.Phase != narrative.PhaseDone {
		t.Fatalf("phase = %s", st.Phase)
	}
}

func TestCreateStoryErrors(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()

	tests := []struct {
		name string
		body string
		code int
		kind narrative.ErrorKind
	}{
		{"bad json", `{"scenario":`, http.StatusBadRequest, narrative.KindConfiguration},
		{"reserved name", `{"scenario":"s","participants":[{"name":"Event"}]}`, http.StatusBadRequest, narrative.KindConfiguration},
		{"unknown model", `{"scenario":"s","participants":[{"name":"Lux","model":"gpt"}]}`, http.StatusBadRequest, narrative.KindConfiguration},
		{"no scenario", `{"participants":[{"name":"Lux"}]}`, http.StatusBadRequest, narrative.KindConfiguration},
	}
	for _, tt := range tests {
		w := do(t, h, http.MethodPost, "/api/v1/stories?wait=true", tt.body)
		if w.Code != tt.code {
			t.Fatalf("%s: status = %d, want %d", tt.name, w.Code, tt.code)
		}
		var body struct {
			Kind narrative.ErrorKind `json:"kind"`
		}
		decode(t, w, &body)
		if body.Kind != tt.kind {
			t.Fatalf("%s: kind = %q, want %q", tt.name, body.Kind, tt.kind)
		}
	}
}

func TestGenerationDisabled(t *testing.T) {
	s := newTestServer(t)
	s.Orch = nil
	w := do(t, s.Router(), http.MethodPost, "/api/v1/stories", storyBody)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestSessionNotFound(t *testing.T) {
	h := newTestServer(t).Router()
	for _, path := range []string{"/api/v1/sessions/missing", "/api/v1/sessions/missing/checkpoints"} {
		if w := do(t, h, http.MethodGet, path, ""); w.Code != http.StatusNotFound {
			t.Fatalf("GET %s = %d, want 404", path, w.Code)
		}
	}
	if w := do(t, h, http.MethodPost, "/api/v1/sessions/missing/resume", ""); w.Code != http.StatusNotFound {
		t.Fatalf("resume missing = %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/v1/sessions/missing/cancel", ""); w.Code != http.StatusConflict {
		t.Fatalf("cancel missing = %d", w.Code)
	}
}

func TestPutLore(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()
	body := `{"text":"A mage from Demacia."}`

	if w := do(t, h, http.MethodPut, "/api/v1/lore/Lux", body); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", w.Code)
	}
	if w := do(t, h, http.MethodPut, "/api/v1/lore/Lux", body, "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", w.Code)
	}
	if w := do(t, h, http.MethodPut, "/api/v1/lore/Event", body, "Authorization", "Bearer secret"); w.Code != http.StatusBadRequest {
		t.Fatalf("reserved speaker = %d", w.Code)
	}
	w := do(t, h, http.MethodPut, "/api/v1/lore/Twisted%20Fate", body, "Authorization", "Bearer secret")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	text, err := s.DB.LookupLore(context.Background(), "TwistedFate")
	if err != nil || text != "A mage from Demacia." {
		t.Fatalf("LookupLore = %q, %v", text, err)
	}

	s.AdminKey = ""
	if w := do(t, s.Router(), http.MethodPut, "/api/v1/lore/Lux", body, "Authorization", "Bearer secret"); w.Code != http.StatusForbidden {
		t.Fatalf("admin disabled = %d", w.Code)
	}
}

func TestStoryRateLimit(t *testing.T) {
	s := newTestServer(t)
	s.StoryLimit = NewRateLimiter(1, time.Hour)
	h := s.Router()

	if w := do(t, h, http.MethodPost, "/api/v1/stories?wait=true", storyBody); w.Code != http.StatusOK {
		t.Fatalf("first = %d", w.Code)
	}
	w := do(t, h, http.MethodPost, "/api/v1/stories?wait=true", storyBody)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second = %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
}

func TestStatusAndSchema(t *testing.T) {
	h := newTestServer(t).Router()

	w := do(t, h, http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var status map[string]any
	decode(t, w, &status)
	if status["generation"] != true {
		t.Fatalf("status = %v", status)
	}

	w = do(t, h, http.MethodGet, "/api/v1/schema/story", "")
	if w.Code != http.StatusOK {
		t.Fatalf("schema status = %d", w.Code)
	}
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	decode(t, w, &schema)
	if _, ok := schema.Properties["participants"]; !ok {
		t.Fatalf("schema missing participants: %s", w.Body)
	}
}

func TestStream(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	var req engine.Request
	if err := json.NewDecoder(bytes.NewBufferString(storyBody)).Decode(&req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	st, err := s.Orch.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/sessions/" + st.ID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var first Message
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read catch-up: %v", err)
	}
	if first.Type != MsgPhase || first.Phase != narrative.PhasePlanning {
		t.Fatalf("first = %+v", first)
	}

	s.Go(func(ctx context.Context) { s.Orch.Run(ctx, st) })

	turns := 0
	for {
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v (after %d turns)", err, turns)
		}
		if m.Type == MsgTurn {
			turns++
		}
		if m.Type == MsgDone {
			if m.Result == nil || m.Result.ProseText == "" {
				t.Fatalf("done without result: %+v", m)
			}
			break
		}
		if m.Type == MsgError {
			t.Fatalf("stream error: %+v", m.Failure)
		}
	}
	if turns != 6 {
		t.Fatalf("turns = %d, want 6", turns)
	}
}

func TestStreamFinishedSession(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	w := do(t, s.Router(), http.MethodPost, "/api/v1/stories?wait=true", storyBody)
	var res engine.Result
	decode(t, w, &res)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/sessions/" + res.SessionID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var phase, done Message
	if err := conn.ReadJSON(&phase); err != nil {
		t.Fatalf("read phase: %v", err)
	}
	if err := conn.ReadJSON(&done); err != nil {
		t.Fatalf("read done: %v", err)
	}
	if done.Type != MsgDone || done.Result.ProseText != res.ProseText {
		t.Fatalf("done = %+v", done)
	}
}
