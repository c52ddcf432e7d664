// Package narrative provides the session data model shared by the agents,
// the orchestrator and the store: speakers, turns, the event queue,
// director decisions, session phases and the pacing rules.
package narrative

import (
	"fmt"
	"strings"
	"time"

	"github.com/jinzhu/copier"
)

// SpeakerID identifies who produced a turn. Participants use their
// normalized name; Event and Summary are reserved pseudo-speakers.
type SpeakerID string

const (
	EventSpeaker   SpeakerID = "Event"
	SummarySpeaker SpeakerID = "Summary"
)

// IsReserved reports whether id is one of the pseudo-speakers.
func (id SpeakerID) IsReserved() bool {
	return strings.EqualFold(string(id), string(EventSpeaker)) ||
		strings.EqualFold(string(id), string(SummarySpeaker))
}

// NormalizeSpeaker strips all whitespace so "Twisted Fate" and
// "TwistedFate" name the same speaker.
func NormalizeSpeaker(s string) SpeakerID {
	return SpeakerID(strings.Join(strings.Fields(s), ""))
}

// Turn is one immutable transcript entry.
type Turn struct {
	Speaker SpeakerID `json:"speaker"`
	Text    string    `json:"text"`
}

// Render formats the turn as a script line. Speaker output already carries
// its "<Name>:" prefix and planned events their "Event N:" label; neither
// is prefixed twice.
func (t Turn) Render() string {
	if strings.HasPrefix(t.Text, string(t.Speaker)+":") ||
		(t.Speaker == EventSpeaker && strings.HasPrefix(t.Text, string(EventSpeaker)+" ")) {
		return t.Text
	}
	return fmt.Sprintf("%s: %s", t.Speaker, t.Text)
}

// Transcript is the ordered turn history of a session.
type Transcript []Turn

// Render joins all turns as a script, one per line.
func (t Transcript) Render() string {
	var b strings.Builder
	for i, turn := range t {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(turn.Render())
	}
	return b.String()
}

// Decision is one validated TurnDirector output.
type Decision struct {
	Pick   SpeakerID `json:"pick"`
	Reason string    `json:"reason"`
}

// IsEvent reports whether the decision advances the plot.
func (d Decision) IsEvent() bool {
	return d.Pick == EventSpeaker
}

// Phase is a state of the session state machine.
type Phase string

const (
	PhasePlanning       Phase = "PLANNING"
	PhaseDirecting      Phase = "DIRECTING"
	PhaseSpeaking       Phase = "SPEAKING"
	PhaseInjectingEvent Phase = "INJECTING_EVENT"
	PhaseSynthesizing   Phase = "SYNTHESIZING"
	PhaseDone           Phase = "DONE"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhasePlanning, PhaseDirecting, PhaseSpeaking,
		PhaseInjectingEvent, PhaseSynthesizing, PhaseDone:
		return true
	}
	return false
}

// Failure records why a session stopped before DONE.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Phase   Phase     `json:"phase"`
	Message string    `json:"message"`
}

// SessionState is the unit of persistence and recovery.
type SessionState struct {
	ID           string        `json:"id"`
	Scenario     string        `json:"scenario"`
	Participants []Participant `json:"participants"`

	Transcript Transcript `json:"transcript"`
	Queue      EventQueue `json:"event_queue"`
	History    []Decision `json:"decision_history"`
	Phase      Phase      `json:"phase"`

	// Speaker chosen by the last DIRECTING step; set only in SPEAKING.
	PendingSpeaker SpeakerID `json:"pending_speaker,omitempty"`

	Result    string    `json:"result,omitempty"`
	Failure   *Failure  `json:"failure,omitempty"`
	Seq       int       `json:"seq"` // number of committed transitions
	CreatedAt time.Time `json:"created_at"`
}

// NewSessionState creates a session in PLANNING.
func NewSessionState(id, scenario string, roster *Roster, now time.Time) *SessionState {
	return &SessionState{
		ID:           id,
		Scenario:     scenario,
		Participants: roster.Participants(),
		Phase:        PhasePlanning,
		CreatedAt:    now.UTC(),
	}
}

// LastDecision returns the most recent decision, if any.
func (s *SessionState) LastDecision() (Decision, bool) {
	if len(s.History) == 0 {
		return Decision{}, false
	}
	return s.History[len(s.History)-1], true
}

// Append adds a turn to the transcript.
func (s *SessionState) Append(t Turn) {
	s.Transcript = append(s.Transcript, t)
}

// Clone returns a deep copy safe to hand to observers.
func (s *SessionState) Clone() *SessionState {
	var out SessionState
	if err := copier.CopyWithOption(&out, s, copier.Option{DeepCopy: true}); err != nil {
		// copier only fails on mismatched kinds, which cannot happen for
		// identical types.
		panic(fmt.Sprintf("clone session state: %v", err))
	}
	out.CreatedAt = s.CreatedAt
	return &out
}

// Summary is a short human-readable digest of the transcript, used in
// submission results.
func (s *SessionState) Summary() string {
	speakers := 0
	events := 0
	for _, t := range s.Transcript {
		switch t.Speaker {
		case EventSpeaker:
			events++
		case SummarySpeaker:
		default:
			speakers++
		}
	}
	return fmt.Sprintf("%d turns (%d events, %d lines) over %d decisions",
		len(s.Transcript), events, speakers, len(s.History))
}
