// Package api provides the HTTP API for submitting and following stories.
// Reads and story submission are public; lore writes require the admin
// bearer token.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/invopop/jsonschema"

	"github.com/talgya/taleweaver/internal/engine"
	"github.com/talgya/taleweaver/internal/narrative"
	"github.com/talgya/taleweaver/internal/persistence"
)

// Server serves the story API over HTTP.
type Server struct {
	Orch     *engine.Orchestrator // nil when no model is configured
	DB       *persistence.DB
	Hub      *Hub
	Port     int
	AdminKey string   // Bearer token for lore writes. Empty = writes disabled.
	Origins  []string // extra CORS origins

	// StoryLimit caps story submissions per client IP. Nil = unlimited.
	StoryLimit *RateLimiter

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started time.Time
	srv     *http.Server
}

// NewServer creates a server whose background runs live until Shutdown.
func NewServer(orch *engine.Orchestrator, db *persistence.DB, port int, adminKey string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Orch:       orch,
		DB:         db,
		Hub:        NewHub(),
		Port:       port,
		AdminKey:   adminKey,
		StoryLimit: NewRateLimiter(10, time.Hour),
		ctx:        ctx,
		cancel:     cancel,
		started:    time.Now(),
	}
	if orch != nil {
		s.Hub.Attach(orch)
	}
	return s
}

// Router builds the gin engine with every route.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), corsMiddleware(s.Origins))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/schema/story", s.handleSchema)

		v1.POST("/stories", RateLimit(s.StoryLimit), s.handleCreateStory)

		sessions := v1.Group("/sessions/:id")
		sessions.GET("", s.handleSession)
		sessions.GET("/checkpoints", s.handleCheckpoints)
		sessions.GET("/stream", s.handleStream)
		sessions.POST("/resume", s.handleResume)
		sessions.POST("/cancel", s.handleCancel)

		v1.PUT("/lore/:speaker", s.adminOnly(), s.handlePutLore)
	}
	return r
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Port)
	s.srv = &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "", "generation", s.Orch != nil)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops the listener, cancels background runs at their next
// transition and waits for them.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
	}
	s.cancel()
	s.wg.Wait()
	return err
}

// Go runs fn in the background with the server's lifetime context.
func (s *Server) Go(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// Wait blocks until background runs finish.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"name":       "taleweaver",
		"uptime":     humanize.RelTime(s.started, time.Now(), "", ""),
		"started_at": s.started.UTC(),
		"generation": s.Orch != nil,
	}
	if s.Orch != nil {
		status["running"] = s.Orch.RunningCount()
	}
	if s.DB != nil {
		counts, err := s.DB.CountSessions(c.Request.Context())
		if err != nil {
			writeError(c, narrative.WithKind(narrative.KindPersistence, err))
			return
		}
		status["sessions"] = counts
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleSchema(c *gin.Context) {
	r := &jsonschema.Reflector{ExpandedStruct: true}
	c.JSON(http.StatusOK, r.Reflect(&engine.Request{}))
}

func (s *Server) handleCreateStory(c *gin.Context) {
	if s.Orch == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "story generation disabled (no ANTHROPIC_API_KEY set)"})
		return
	}
	var req engine.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, narrative.WithKind(narrative.KindConfiguration, fmt.Errorf("decode request: %w", err)))
		return
	}

	state, err := s.Orch.Start(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	if c.Query("wait") == "true" {
		res, err := s.Orch.Run(c.Request.Context(), state)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}

	s.Go(func(ctx context.Context) {
		// Failures are recorded on the session and pushed to streams.
		s.Orch.Run(ctx, state)
	})
	c.JSON(http.StatusAccepted, gin.H{"session_id": state.ID, "phase": state.Phase})
}

// sessionView is the public shape of a session.
type sessionView struct {
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
	ProseText      string                  `json:"prose_text,omitempty"`
	Failure        *narrative.Failure      `json:"failure,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
}

func (s *Server) handleSession(c *gin.Context) {
	st, err := s.DB.LoadSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView{
		ID:             st.ID,
		Phase:          st.Phase,
		Scenario:       st.Scenario,
		Participants:   st.Participants,
		Transcript:     st.Transcript,
		QueueRemaining: st.Queue.Len(),
		Decisions:      st.History,
		Seq:            st.Seq,
		Running:        s.Orch != nil && s.Orch.Running(st.ID),
		Summary:        st.Summary(),
		ProseText:      st.Result,
		Failure:        st.Failure,
		CreatedAt:      st.CreatedAt,
	})
}

func (s *Server) handleCheckpoints(c *gin.Context) {
	cps, err := s.DB.Checkpoints(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "checkpoints": cps})
}

func (s *Server) handleResume(c *gin.Context) {
	if s.Orch == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "story generation disabled (no ANTHROPIC_API_KEY set)"})
		return
	}
	id := c.Param("id")
	st, err := s.DB.LoadSession(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if s.Orch.Running(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "session already running", "session_id": id})
		return
	}
	if st.Phase == narrative.PhaseDone {
		c.JSON(http.StatusOK, engine.Result{SessionID: id, ProseText: st.Result, TranscriptSummary: st.Summary()})
		return
	}

	s.Go(func(ctx context.Context) {
		s.Orch.Resume(ctx, id)
	})
	c.JSON(http.StatusAccepted, gin.H{"session_id": id, "phase": st.Phase})
}

func (s *Server) handleCancel(c *gin.Context) {
	id := c.Param("id")
	if s.Orch == nil || !s.Orch.Cancel(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "session not running", "session_id": id})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": id, "cancelling": true})
}

type loreRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) handlePutLore(c *gin.Context) {
	id := narrative.NormalizeSpeaker(c.Param("speaker"))
	if id == "" || id.IsReserved() {
		writeError(c, narrative.WithKind(narrative.KindConfiguration, fmt.Errorf("invalid speaker %q", c.Param("speaker"))))
		return
	}
	var req loreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, narrative.WithKind(narrative.KindConfiguration, fmt.Errorf("decode lore: %w", err)))
		return
	}
	if err := s.DB.SaveLore(c.Request.Context(), id, req.Text); err != nil {
		writeError(c, narrative.WithKind(narrative.KindPersistence, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"speaker": id, "bytes": len(req.Text)})
}

// adminOnly requires the admin bearer token.
func (s *Server) adminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.AdminKey == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin endpoints disabled (no TALEWEAVER_ADMIN_KEY set)"})
			return
		}
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.AdminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error(), "kind": narrative.KindOf(err)}
	var se *narrative.SessionError
	if errors.As(err, &se) {
		body["session_id"] = se.SessionID
		body["phase"] = se.Phase
	}
	c.JSON(statusFor(narrative.KindOf(err)), body)
}

func statusFor(kind narrative.ErrorKind) int {
	switch kind {
	case narrative.KindConfiguration:
		return http.StatusBadRequest
	case narrative.KindNotFound:
		return http.StatusNotFound
	case narrative.KindGeneration, narrative.KindMalformedDirectorOutput, narrative.KindPlanningFailed:
		return http.StatusBadGateway
	case narrative.KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// requestLogger logs each request through slog.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Localhost dev servers are always allowed.
func corsMiddleware(extra []string) gin.HandlerFunc {
	allowed := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	for _, origin := range extra {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[origin] = true
		}
	}

	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
