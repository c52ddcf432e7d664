// Package llmtest provides a scripted generator for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/talgya/taleweaver/internal/narrative"
)

// Call records one Generate invocation.
type Call struct {
	System      string
	Prior       []narrative.Turn
	Instruction string
}

// Reply is one scripted response. Err takes precedence over Text.
type Reply struct {
	Text string
	Err  error
}

// Scripted returns queued replies in order, or Route's answer when set.
type Scripted struct {
	mu      sync.Mutex
	replies []Reply
	calls   []Call

	// Route, when non-nil, answers calls the queue cannot.
	Route func(c Call) (string, error)
}

// New creates a generator that returns texts in order.
func New(texts ...string) *Scripted {
	s := &Scripted{}
	for _, t := range texts {
		s.replies = append(s.replies, Reply{Text: t})
	}
	return s
}

// Push queues more replies.
func (s *Scripted) Push(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

// Generate pops the next reply.
func (s *Scripted) Generate(_ context.Context, system string, prior []narrative.Turn, instruction string) (string, error) {
	s.mu.Lock()
	c := Call{System: system, Prior: append([]narrative.Turn(nil), prior...), Instruction: instruction}
	s.calls = append(s.calls, c)
	if len(s.replies) > 0 {
		r := s.replies[0]
		s.replies = s.replies[1:]
		s.mu.Unlock()
		if r.Err != nil {
			return "", r.Err
		}
		return r.Text, nil
	}
	route := s.Route
	s.mu.Unlock()

	if route != nil {
		return route(c)
	}
	return "", narrative.WithKind(narrative.KindGeneration, fmt.Errorf("llmtest: no scripted reply for call %d", len(s.Calls())))
}

// Calls returns a copy of the recorded calls.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}
