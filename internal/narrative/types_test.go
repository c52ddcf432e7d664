package narrative

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNewRoster(t *testing.T) {
	tests := []struct {
		name     string
		input    []Participant
		wantErr  bool
		wantIDs  []SpeakerID
		wantName string
	}{
		{name: "empty", input: nil, wantErr: true},
		{name: "reserved event", input: []Participant{{Name: "Event"}}, wantErr: true},
		{name: "reserved summary any case", input: []Participant{{Name: "summary"}}, wantErr: true},
		{name: "blank name", input: []Participant{{Name: "   "}}, wantErr: true},
		{name: "duplicate after normalization", input: []Participant{{Name: "Twisted Fate"}, {Name: "twistedfate"}}, wantErr: true},
		{
			name:     "normalizes names",
			input:    []Participant{{Name: "Twisted Fate"}, {Name: "Zed"}},
			wantIDs:  []SpeakerID{"TwistedFate", "Zed"},
			wantName: "Twisted Fate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRoster(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if KindOf(err) != KindConfiguration {
					t.Fatalf("KindOf = %q, want %q", KindOf(err), KindConfiguration)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewRoster: %v", err)
			}
			ids := r.IDs()
			if fmt.Sprint(ids) != fmt.Sprint(tt.wantIDs) {
				t.Fatalf("IDs = %v, want %v", ids, tt.wantIDs)
			}
			p, ok := r.Get(ids[0])
			if !ok || p.Name != tt.wantName {
				t.Fatalf("Get(%q) = %+v, %v", ids[0], p, ok)
			}
		})
	}
}

func TestRosterResolve(t *testing.T) {
	r, err := NewRoster([]Participant{{Name: "Twisted Fate"}, {Name: "Zed"}})
	if err != nil {
		t.Fatalf("NewRoster: %v", err)
	}

	tests := []struct {
		raw  string
		want SpeakerID
		ok   bool
	}{
		{"Twisted Fate", "TwistedFate", true},
		{"twistedfate", "TwistedFate", true},
		{" Zed ", "Zed", true},
		{"event", EventSpeaker, true},
		{"Ahri", "", false},
	}
	for _, tt := range tests {
		got, ok := r.Resolve(tt.raw)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("Resolve(%q) = %q, %v, want %q, %v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestEventQueueIsMonotonic(t *testing.T) {
	q := NewEventQueue([]string{"Event 2: climax", "Event 3: resolution"})
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}
	prev := q.Len()
	var popped []string
	for !q.Empty() {
		e, ok := q.Pop()
		if !ok {
			t.Fatal("Pop on non-empty queue failed")
		}
		popped = append(popped, e)
		if q.Len() >= prev {
			t.Fatalf("Len did not shrink: %d -> %d", prev, q.Len())
		}
		prev = q.Len()
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop on empty queue succeeded")
	}
	if popped[0] != "Event 2: climax" || popped[1] != "Event 3: resolution" {
		t.Fatalf("popped = %v", popped)
	}
}

func TestTurnRender(t *testing.T) {
	tests := []struct {
		turn Turn
		want string
	}{
		{Turn{Speaker: "Lux", Text: "Lux: Hello."}, "Lux: Hello."},
		{Turn{Speaker: "Lux", Text: "Luxanna smiles at the crowd."}, "Lux: Luxanna smiles at the crowd."},
		{Turn{Speaker: "Lux", Text: "Lux waves."}, "Lux: Lux waves."},
		{Turn{Speaker: SummarySpeaker, Text: "They argued."}, "Summary: They argued."},
		{Turn{Speaker: EventSpeaker, Text: "Event 1: opening"}, "Event 1: opening"},
		{Turn{Speaker: EventSpeaker, Text: "A storm breaks."}, "Event: A storm breaks."},
	}
	for _, tt := range tests {
		if got := tt.turn.Render(); got != tt.want {
			t.Fatalf("Render(%q) = %q, want %q", tt.turn.Text, got, tt.want)
		}
	}
}

func TestSessionStateClone(t *testing.T) {
	r, _ := NewRoster([]Participant{{Name: "Ezreal", Traits: []string{"bold"}}, {Name: "Lux"}})
	s := NewSessionState("s1", "They meet at a tournament", r, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	s.Append(Turn{Speaker: EventSpeaker, Text: "Event 1: opening"})
	s.Queue = NewEventQueue([]string{"Event 2: climax"})
	s.History = decisions("Ezreal")

	c := s.Clone()
	c.Transcript[0].Text = "changed"
	c.Participants[0].Traits[0] = "shy"
	c.Queue.Pop()

	if s.Transcript[0].Text != "Event 1: opening" {
		t.Fatal("clone shares transcript")
	}
	if s.Participants[0].Traits[0] != "bold" {
		t.Fatal("clone shares traits")
	}
	if s.Queue.Len() != 1 {
		t.Fatal("clone shares queue cursor")
	}
	if !c.CreatedAt.Equal(s.CreatedAt) {
		t.Fatalf("CreatedAt = %v, want %v", c.CreatedAt, s.CreatedAt)
	}
}

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	wrapped := fmt.Errorf("director: %w", WithKind(KindMalformedDirectorOutput, base))
	if KindOf(wrapped) != KindMalformedDirectorOutput {
		t.Fatalf("KindOf = %q", KindOf(wrapped))
	}
	if KindOf(fmt.Errorf("lore: %w", ErrNotFound)) != KindNotFound {
		t.Fatal("expected NotFound kind")
	}
	se := &SessionError{SessionID: "s1", Kind: KindPersistence, Phase: PhaseSpeaking, Err: wrapped}
	if KindOf(se) != KindPersistence {
		t.Fatalf("KindOf(SessionError) = %q", KindOf(se))
	}
	if !errors.Is(se, base) {
		t.Fatal("SessionError does not unwrap")
	}
	if WithKind(KindGeneration, nil) != nil {
		t.Fatal("WithKind(nil) should be nil")
	}
}
