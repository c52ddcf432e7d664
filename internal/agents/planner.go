// Package agents provides the story agents that sit on top of the text
// generator: the event planner, turn director, participant speaker, context
// compactor and synthesizer. Each agent makes exactly the generation calls
// its contract allows and never mutates session state.
package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/talgya/taleweaver/internal/llm"
	"github.com/talgya/taleweaver/internal/narrative"
)

// Planner turns a scenario into an ordered list of plot beats.
type Planner struct {
	Gen llm.Generator
}

// Plan makes one generation call and returns the opening event and the
// remaining queue in order.
func (p *Planner) Plan(ctx context.Context, scenario string, participants []narrative.Participant) (string, []string, error) {
	if strings.TrimSpace(scenario) == "" {
		return "", nil, narrative.WithKind(narrative.KindConfiguration, fmt.Errorf("plan: empty scenario"))
	}
	if len(participants) == 0 {
		return "", nil, narrative.WithKind(narrative.KindConfiguration, fmt.Errorf("plan: no participants"))
	}

	system := fmt.Sprintf(plannerSystem, describeParticipants(participants))
	out, err := p.Gen.Generate(ctx, system, nil, fmt.Sprintf(plannerInstruction, scenario))
	if err != nil {
		return "", nil, fmt.Errorf("plan events: %w", err)
	}

	events := ParseEvents(out)
	if len(events) == 0 {
		return "", nil, narrative.WithKind(narrative.KindPlanningFailed,
			fmt.Errorf("plan events: no usable lines in response %q", out))
	}
	return events[0], events[1:], nil
}

// ParseEvents splits a planner response into its non-empty lines.
func ParseEvents(out string) []string {
	var events []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		events = append(events, line)
	}
	return events
}
