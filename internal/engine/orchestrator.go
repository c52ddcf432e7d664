// Package engine provides the story orchestrator: the state machine that
// drives one session from PLANNING to DONE, persisting after every
// transition.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/talgya/taleweaver/internal/agents"
	"github.com/talgya/taleweaver/internal/llm"
	"github.com/talgya/taleweaver/internal/narrative"
)

var tracer = otel.Tracer("github.com/talgya/taleweaver/internal/engine")

// ErrRunning is returned when a session already has a run in progress.
var ErrRunning = errors.New("session already running")

// Store persists session state. LoadSession returns an error wrapping
// narrative.ErrNotFound for unknown ids.
type Store interface {
	SaveSession(ctx context.Context, s *narrative.SessionState) error
	LoadSession(ctx context.Context, id string) (*narrative.SessionState, error)
}

// Archiver is implemented by stores that can retire finished sessions.
type Archiver interface {
	ArchiveSession(ctx context.Context, id string) error
}

// Config holds the tunables passed to the orchestrator at construction.
type Config struct {
	KeepTail       int              // turns kept verbatim by compaction
	CompactTrigger int              // transcript length above which compaction runs
	Pacing         narrative.Pacing // director pacing rules
	MinWords       int              // synthesizer target range
	MaxWords       int
	MaxTransitions int // per run; 0 disables the limit
	LoreExcerpt    int // bytes of lore in a persona prompt
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		KeepTail:       4,
		CompactTrigger: 8,
		Pacing:         narrative.DefaultPacing(),
		MinWords:       200,
		MaxWords:       500,
		MaxTransitions: 200,
		LoreExcerpt:    agents.DefaultLoreExcerpt,
	}
}

// Request is a story submission.
type Request struct {
	Scenario     string            `json:"scenario" jsonschema:"description=Starting situation for the scene,minLength=1"`
	Participants []ParticipantSpec `json:"participants" jsonschema:"description=Characters in the scene in speaking-priority order,minItems=1"`
}

// ParticipantSpec describes one character in a Request.
type ParticipantSpec struct {
	Name        string   `json:"name" jsonschema:"description=Character name; whitespace is removed to form the speaker id,minLength=1"`
	Personality []string `json:"personality,omitempty" jsonschema:"description=Short personality traits"`
	Model       string   `json:"model,omitempty" jsonschema:"description=Model binding; empty uses the default model"`
}

// Result is the delivered output of a finished session.
type Result struct {
	SessionID         string `json:"session_id"`
	ProseText         string `json:"prose_text"`
	TranscriptSummary string `json:"transcript_summary"`
}

// Orchestrator runs story sessions. One orchestrator serves many sessions;
// each session's state is owned by the goroutine running it.
type Orchestrator struct {
	cfg    Config
	store  Store
	models *llm.Registry
	lore   agents.LoreLookup
	now    func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc

	// Observers, populated during setup. Called on the running goroutine
	// after the change has been persisted.
	OnTransition func(snapshot *narrative.SessionState, from narrative.Phase)
	OnTurn       func(sessionID string, turn narrative.Turn)
	OnDone       func(r Result)
	OnFailure    func(err *narrative.SessionError)
}

// New creates an orchestrator. lore may be nil.
func New(cfg Config, store Store, models *llm.Registry, lore agents.LoreLookup) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		models:  models,
		lore:    lore,
		now:     time.Now,
		running: make(map[string]context.CancelFunc),
	}
}

// Config returns the orchestrator's settings.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Start validates the request and persists a new session in PLANNING.
// It does not run the session.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*narrative.SessionState, error) {
	if strings.TrimSpace(req.Scenario) == "" {
		return nil, narrative.WithKind(narrative.KindConfiguration, fmt.Errorf("start: empty scenario"))
	}
	roster, err := o.roster(req.Participants)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	s := narrative.NewSessionState(uuid.NewString(), strings.TrimSpace(req.Scenario), roster, o.now())
	if err := o.store.SaveSession(ctx, s); err != nil {
		return nil, narrative.WithKind(narrative.KindPersistence, fmt.Errorf("save new session: %w", err))
	}
	slog.Info("session created", "session", s.ID, "participants", len(s.Participants))
	return s, nil
}

// Tell starts a session and runs it to completion.
func (o *Orchestrator) Tell(ctx context.Context, req Request) (Result, error) {
	s, err := o.Start(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return o.Run(ctx, s)
}

// Resume loads a session and continues it from its last committed phase.
// A recorded failure is cleared first.
func (o *Orchestrator) Resume(ctx context.Context, id string) (Result, error) {
	s, err := o.store.LoadSession(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("resume %s: %w", id, err)
	}
	if s.Failure != nil {
		slog.Info("resuming failed session", "session", id, "phase", s.Phase, "previous_failure", s.Failure.Kind)
		s.Failure = nil
	}
	return o.Run(ctx, s)
}

// Cancel requests cancellation of a running session. The session stops at
// the next transition boundary. It reports whether a run was found.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.running[id]
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether the session has a run in progress.
func (o *Orchestrator) Running(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}

// RunningCount returns the number of sessions in progress.
func (o *Orchestrator) RunningCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

// Run drives s until DONE or failure. Failures are returned as
// *narrative.SessionError and recorded on the stored session.
func (o *Orchestrator) Run(ctx context.Context, s *narrative.SessionState) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if _, busy := o.running[s.ID]; busy {
		o.mu.Unlock()
		return Result{}, fmt.Errorf("run %s: %w", s.ID, ErrRunning)
	}
	o.running[s.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, s.ID)
		o.mu.Unlock()
	}()

	if !s.Phase.Valid() {
		return Result{}, o.fail(ctx, s, narrative.WithKind(narrative.KindConfiguration, fmt.Errorf("unknown phase %q", s.Phase)))
	}
	roster, err := narrative.NewRoster(s.Participants)
	if err != nil {
		return Result{}, o.fail(ctx, s, err)
	}
	r := &run{o: o, roster: roster}

	transitions := 0
	for s.Phase != narrative.PhaseDone {
		if err := ctx.Err(); err != nil {
			return Result{}, o.fail(ctx, s, narrative.WithKind(narrative.KindCancelled, err))
		}
		if o.cfg.MaxTransitions > 0 && transitions >= o.cfg.MaxTransitions {
			return Result{}, o.fail(ctx, s, narrative.WithKind(narrative.KindTransitionLimit,
				fmt.Errorf("no DONE after %d transitions", transitions)))
		}

		next, err := r.transition(ctx, s)
		if err != nil {
			return Result{}, o.fail(ctx, s, err)
		}
		s = next
		transitions++
	}

	res := Result{SessionID: s.ID, ProseText: s.Result, TranscriptSummary: s.Summary()}
	if a, ok := o.store.(Archiver); ok {
		if err := a.ArchiveSession(context.WithoutCancel(ctx), s.ID); err != nil {
			slog.Warn("archive session failed", "session", s.ID, "error", err)
		}
	}
	slog.Info("session done", "session", s.ID, "summary", res.TranscriptSummary, "transitions", transitions)
	if o.OnDone != nil {
		o.OnDone(res)
	}
	return res, nil
}

// fail records err on the last committed state and returns it as a
// SessionError.
func (o *Orchestrator) fail(ctx context.Context, s *narrative.SessionState, err error) error {
	se := &narrative.SessionError{SessionID: s.ID, Kind: narrative.KindOf(err), Phase: s.Phase, Err: err}
	s.Failure = se.Failure()
	if serr := o.store.SaveSession(context.WithoutCancel(ctx), s); serr != nil {
		slog.Error("record session failure", "session", s.ID, "error", serr)
	}
	slog.Error("session failed", "session", s.ID, "phase", se.Phase, "kind", se.Kind, "error", err)
	if o.OnFailure != nil {
		o.OnFailure(se)
	}
	return se
}

// roster builds and validates the session roster, including model bindings.
func (o *Orchestrator) roster(specs []ParticipantSpec) (*narrative.Roster, error) {
	ps := make([]narrative.Participant, len(specs))
	for i, spec := range specs {
		ps[i] = narrative.Participant{Name: strings.TrimSpace(spec.Name), Traits: spec.Personality, ModelBinding: spec.Model}
	}
	roster, err := narrative.NewRoster(ps)
	if err != nil {
		return nil, err
	}
	for _, p := range roster.Participants() {
		if _, err := o.models.Resolve(p.ModelBinding); err != nil {
			return nil, fmt.Errorf("participant %s: %w", p.ID, err)
		}
	}
	if o.models.Default() == nil {
		return nil, narrative.WithKind(narrative.KindConfiguration, fmt.Errorf("no default model configured"))
	}
	return roster, nil
}
