package llmtest

import (
	"fmt"
	"strings"

	"github.com/talgya/taleweaver/internal/narrative"
)

// Story returns a generator that plays every story agent, told apart by
// system prompt. The director's pick depends only on the last turn, so a
// resumed session replays the same way: after an Event the first speaker
// talks, each speaker hands over to the next, and the last hands over to an
// Event.
func Story(speakers []string, events ...string) *Scripted {
	next := make(map[narrative.SpeakerID]string, len(speakers))
	for i, name := range speakers {
		if i+1 < len(speakers) {
			next[narrative.SpeakerID(name)] = speakers[i+1]
		} else {
			next[narrative.SpeakerID(name)] = string(narrative.EventSpeaker)
		}
	}

	gen := &Scripted{}
	gen.Route = func(c Call) (string, error) {
		switch {
		case strings.HasPrefix(c.System, "You are the event writer"):
			return strings.Join(events, "\n"), nil
		case strings.HasPrefix(c.System, "You are directing"):
			if len(c.Prior) == 0 {
				return "", fmt.Errorf("llmtest: director called with empty transcript")
			}
			pick, ok := next[c.Prior[len(c.Prior)-1].Speaker]
			if !ok {
				pick = speakers[0]
			}
			return pick + " || Next in line.", nil
		case strings.HasPrefix(c.System, "You are a script writer playing "):
			name := strings.TrimPrefix(c.System, "You are a script writer playing ")
			name = name[:strings.Index(name, " in ")]
			return fmt.Sprintf("%s: [nods] My turn.", name), nil
		case strings.HasPrefix(c.System, "You are a memory compressor"):
			return "Earlier, the characters talked things over.", nil
		case strings.HasPrefix(c.System, "You are a novelist"):
			return "And so the scene played out, line by line, to its end.", nil
		}
		return "", fmt.Errorf("llmtest: unexpected system prompt %q", c.System)
	}
	return gen
}
