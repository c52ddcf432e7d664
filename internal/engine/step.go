package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/talgya/taleweaver/internal/agents"
	"github.com/talgya/taleweaver/internal/narrative"
)

// run is the per-session view of the orchestrator.
type run struct {
	o      *Orchestrator
	roster *narrative.Roster
}

// transition performs one state transition on a copy of s, persists it, and
// returns the committed copy. On error s is left untouched.
func (r *run) transition(ctx context.Context, s *narrative.SessionState) (*narrative.SessionState, error) {
	ctx, span := tracer.Start(ctx, "engine.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("session.phase", string(s.Phase)),
	)

	from := s.Phase
	next := s.Clone()

	// In-flight generation runs to completion; cancellation is honored
	// between transitions.
	genCtx := context.WithoutCancel(ctx)

	var (
		emitted []narrative.Turn
		err     error
	)
	switch s.Phase {
	case narrative.PhasePlanning:
		emitted, err = r.plan(genCtx, next)
	case narrative.PhaseDirecting:
		err = r.direct(genCtx, next)
	case narrative.PhaseSpeaking:
		emitted, err = r.speak(genCtx, next)
	case narrative.PhaseInjectingEvent:
		emitted, err = r.inject(next)
	case narrative.PhaseSynthesizing:
		err = r.synthesize(genCtx, next)
	default:
		err = fmt.Errorf("no transition from %s", s.Phase)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	next.Seq++
	if err := r.o.store.SaveSession(genCtx, next); err != nil {
		err = narrative.WithKind(narrative.KindPersistence, fmt.Errorf("save after %s: %w", from, err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("session.next_phase", string(next.Phase)))

	slog.Info("transition",
		"session", next.ID,
		"from", from,
		"to", next.Phase,
		"seq", next.Seq,
		"queue", next.Queue.Len(),
		"transcript", len(next.Transcript),
	)
	r.notify(next, from, emitted)
	return next, nil
}

func (r *run) notify(s *narrative.SessionState, from narrative.Phase, emitted []narrative.Turn) {
	if r.o.OnTurn != nil {
		for _, t := range emitted {
			r.o.OnTurn(s.ID, t)
		}
	}
	if r.o.OnTransition != nil {
		r.o.OnTransition(s.Clone(), from)
	}
}

// plan asks the planner for the storyline and opens the scene with the
// first event.
func (r *run) plan(ctx context.Context, s *narrative.SessionState) ([]narrative.Turn, error) {
	planner := &agents.Planner{Gen: r.o.models.Default()}
	first, rest, err := planner.Plan(ctx, s.Scenario, r.roster.Participants())
	if err != nil {
		return nil, err
	}

	opening := narrative.Turn{Speaker: narrative.EventSpeaker, Text: first}
	s.Queue = narrative.NewEventQueue(rest)
	s.Append(opening)
	s.Phase = narrative.PhaseDirecting
	slog.Info("storyline planned", "session", s.ID, "events", len(rest)+1)
	return []narrative.Turn{opening}, nil
}

// direct records the next decision and routes to the phase it selects.
func (r *run) direct(ctx context.Context, s *narrative.SessionState) error {
	director := &agents.Director{Gen: r.o.models.Default(), Pacing: r.o.cfg.Pacing}
	d, err := director.Decide(ctx, s.Transcript, r.roster, s.History)
	if err != nil {
		return err
	}
	s.History = append(s.History, d)

	switch {
	case d.IsEvent() && s.Queue.Empty():
		s.Phase = narrative.PhaseSynthesizing
	case d.IsEvent():
		s.Phase = narrative.PhaseInjectingEvent
	default:
		s.PendingSpeaker = d.Pick
		s.Phase = narrative.PhaseSpeaking
	}
	slog.Info("director decision", "session", s.ID, "pick", d.Pick, "reason", d.Reason)
	return nil
}

// speak has the pending speaker reply, then compacts the transcript.
func (r *run) speak(ctx context.Context, s *narrative.SessionState) ([]narrative.Turn, error) {
	p, ok := r.roster.Get(s.PendingSpeaker)
	if !ok {
		return nil, narrative.WithKind(narrative.KindConfiguration,
			fmt.Errorf("pending speaker %q not in roster", s.PendingSpeaker))
	}
	gen, err := r.o.models.Resolve(p.ModelBinding)
	if err != nil {
		return nil, err
	}

	speaker := &agents.Speaker{Lore: r.o.lore, ExcerptLimit: r.o.cfg.LoreExcerpt}
	text, err := speaker.Speak(ctx, gen, p, s.Scenario, s.Transcript)
	if err != nil {
		return nil, err
	}
	turn := narrative.Turn{Speaker: p.ID, Text: text}
	s.Append(turn)

	compactor := &agents.Compactor{Gen: r.o.models.Default(), Trigger: r.o.cfg.CompactTrigger, KeepTail: r.o.cfg.KeepTail}
	before := len(s.Transcript)
	t, compacted, err := compactor.Apply(ctx, s.Transcript)
	if err != nil {
		return nil, err
	}
	if compacted {
		slog.Info("transcript compacted", "session", s.ID, "before", before, "after", len(t))
	}
	s.Transcript = t
	s.PendingSpeaker = ""
	s.Phase = narrative.PhaseDirecting
	return []narrative.Turn{turn}, nil
}

// inject pops the next planned event into the transcript.
func (r *run) inject(s *narrative.SessionState) ([]narrative.Turn, error) {
	text, ok := s.Queue.Pop()
	if !ok {
		// Only reachable from a hand-edited state; there is nothing left
		// to inject, so the story ends.
		s.Phase = narrative.PhaseSynthesizing
		return nil, nil
	}
	turn := narrative.Turn{Speaker: narrative.EventSpeaker, Text: text}
	s.Append(turn)
	s.Phase = narrative.PhaseDirecting
	return []narrative.Turn{turn}, nil
}

func (r *run) synthesize(ctx context.Context, s *narrative.SessionState) error {
	synth := &agents.Synthesizer{Gen: r.o.models.Default(), MinWords: r.o.cfg.MinWords, MaxWords: r.o.cfg.MaxWords}
	prose, err := synth.Synthesize(ctx, s.Transcript)
	if err != nil {
		return err
	}
	s.Result = prose
	s.Phase = narrative.PhaseDone
	return nil
}
