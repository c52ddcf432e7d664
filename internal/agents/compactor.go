package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/talgya/taleweaver/internal/llm"
	"github.com/talgya/taleweaver/internal/narrative"
)

// Compactor bounds the transcript by summarizing older turns.
type Compactor struct {
	Gen llm.Generator
	// Trigger is the transcript length above which Apply compacts.
	Trigger int
	// KeepTail is the number of most recent turns Apply keeps verbatim.
	KeepTail int
}

// Compact returns t unchanged when it has at most keepTail turns. Otherwise
// it summarizes everything before the last keepTail turns into a single
// Summary turn and returns [Summary] + tail.
func (c *Compactor) Compact(ctx context.Context, t narrative.Transcript, keepTail int) (narrative.Transcript, error) {
	if keepTail < 0 {
		keepTail = 0
	}
	if len(t) <= keepTail {
		return t, nil
	}

	split := len(t) - keepTail
	head := t[:split]

	summary, err := c.Gen.Generate(ctx, compactorSystem, head, compactorInstruction)
	if err != nil {
		return nil, fmt.Errorf("compact %d turns: %w", len(head), err)
	}

	out := make(narrative.Transcript, 0, keepTail+1)
	out = append(out, narrative.Turn{Speaker: narrative.SummarySpeaker, Text: strings.TrimSpace(summary)})
	out = append(out, t[split:]...)
	return out, nil
}

// Apply compacts to KeepTail turns once the transcript exceeds Trigger.
// The bool reports whether a summary was made.
func (c *Compactor) Apply(ctx context.Context, t narrative.Transcript) (narrative.Transcript, bool, error) {
	if len(t) <= c.Trigger {
		return t, false, nil
	}
	out, err := c.Compact(ctx, t, c.KeepTail)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
