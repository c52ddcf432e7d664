package narrative

import (
	"fmt"
	"strings"
)

// Participant is one character in the scene.
type Participant struct {
	ID           SpeakerID `json:"id"`
	Name         string    `json:"name"`
	Traits       []string  `json:"traits"`
	ModelBinding string    `json:"model_binding,omitempty"`
}

// Roster is the fixed, session-scoped set of participants. Order is the
// configured order and matters for alternate selection.
type Roster struct {
	participants []Participant
	index        map[SpeakerID]int
	folded       map[string]SpeakerID
}

// NewRoster validates the participants and builds a roster. IDs are derived
// from names when empty.
func NewRoster(ps []Participant) (*Roster, error) {
	if len(ps) == 0 {
		return nil, WithKind(KindConfiguration, fmt.Errorf("roster: no participants"))
	}

	r := &Roster{
		index:  make(map[SpeakerID]int, len(ps)),
		folded: make(map[string]SpeakerID, len(ps)),
	}
	for _, p := range ps {
		if p.ID == "" {
			p.ID = NormalizeSpeaker(p.Name)
		} else {
			p.ID = NormalizeSpeaker(string(p.ID))
		}
		if p.ID == "" {
			return nil, WithKind(KindConfiguration, fmt.Errorf("roster: participant with empty name"))
		}
		if p.ID.IsReserved() {
			return nil, WithKind(KindConfiguration, fmt.Errorf("roster: %q is a reserved speaker", p.ID))
		}
		key := strings.ToLower(string(p.ID))
		if _, dup := r.folded[key]; dup {
			return nil, WithKind(KindConfiguration, fmt.Errorf("roster: duplicate participant %q", p.ID))
		}
		if strings.TrimSpace(p.Name) == "" {
			p.Name = string(p.ID)
		}
		p.Traits = append([]string(nil), p.Traits...)

		r.index[p.ID] = len(r.participants)
		r.folded[key] = p.ID
		r.participants = append(r.participants, p)
	}
	return r, nil
}

// Participants returns a copy of the participants in configured order.
func (r *Roster) Participants() []Participant {
	out := make([]Participant, len(r.participants))
	for i, p := range r.participants {
		p.Traits = append([]string(nil), p.Traits...)
		out[i] = p
	}
	return out
}

// IDs returns the speaker ids in configured order.
func (r *Roster) IDs() []SpeakerID {
	ids := make([]SpeakerID, len(r.participants))
	for i, p := range r.participants {
		ids[i] = p.ID
	}
	return ids
}

// Get returns the participant with the given id.
func (r *Roster) Get(id SpeakerID) (Participant, bool) {
	i, ok := r.index[id]
	if !ok {
		return Participant{}, false
	}
	return r.participants[i], true
}

// Resolve maps a raw director token onto a roster id or Event, matching
// case-insensitively after whitespace normalization.
func (r *Roster) Resolve(raw string) (SpeakerID, bool) {
	id := NormalizeSpeaker(raw)
	if strings.EqualFold(string(id), string(EventSpeaker)) {
		return EventSpeaker, true
	}
	canonical, ok := r.folded[strings.ToLower(string(id))]
	return canonical, ok
}

// Len returns the number of participants.
func (r *Roster) Len() int {
	return len(r.participants)
}
