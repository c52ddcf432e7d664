package narrative

import "strings"

// Reasons recorded when a pacing rule overrides the director.
const (
	ReasonForcedSpeaker   = "Forced speaker after event"
	ReasonForcedEvent     = "Forced event after pacing cap"
	ReasonForcedAlternate = "Forced alternate speaker"
)

// Pacing holds the rules applied to every raw director pick.
type Pacing struct {
	// MaxTurnsBetweenEvents is the number of speaker decisions after which
	// the next decision must be an Event.
	MaxTurnsBetweenEvents int
	// RepeatMarker in a reason allows the same speaker twice in a row.
	RepeatMarker string
}

// DefaultPacing returns the standard cadence.
func DefaultPacing() Pacing {
	return Pacing{MaxTurnsBetweenEvents: 4, RepeatMarker: "reasonable"}
}

// Apply enforces the pacing rules on raw given the prior decisions.
// Rules are checked in order and the first match wins:
//  1. no two Events in a row
//  2. an Event once MaxTurnsBetweenEvents speakers have gone by
//  3. no speaker twice in a row without the repeat marker
func (p Pacing) Apply(raw Decision, history []Decision, roster []SpeakerID) (Decision, bool) {
	last, hasLast := lastOf(history)

	if hasLast && last.IsEvent() && raw.IsEvent() {
		pick := ChooseAlternate(roster, lastSpeaker(history))
		return Decision{Pick: pick, Reason: ReasonForcedSpeaker}, true
	}

	if p.MaxTurnsBetweenEvents > 0 && !raw.IsEvent() &&
		CountSinceLastEvent(history) >= p.MaxTurnsBetweenEvents {
		return Decision{Pick: EventSpeaker, Reason: ReasonForcedEvent}, true
	}

	if hasLast && !last.IsEvent() && raw.Pick == last.Pick &&
		(p.RepeatMarker == "" || !strings.Contains(raw.Reason, p.RepeatMarker)) {
		return Decision{Pick: ChooseAlternate(roster, last.Pick), Reason: ReasonForcedAlternate}, true
	}

	return raw, false
}

// CountSinceLastEvent counts decisions after the most recent Event.
func CountSinceLastEvent(history []Decision) int {
	n := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].IsEvent() {
			break
		}
		n++
	}
	return n
}

// ChooseAlternate returns the first participant other than last, or the
// first participant when none differs.
func ChooseAlternate(roster []SpeakerID, last SpeakerID) SpeakerID {
	if len(roster) == 0 {
		return EventSpeaker
	}
	if last != "" {
		for _, id := range roster {
			if id != last {
				return id
			}
		}
	}
	return roster[0]
}

func lastOf(history []Decision) (Decision, bool) {
	if len(history) == 0 {
		return Decision{}, false
	}
	return history[len(history)-1], true
}

// lastSpeaker returns the most recent non-Event pick.
func lastSpeaker(history []Decision) SpeakerID {
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].IsEvent() {
			return history[i].Pick
		}
	}
	return ""
}
