package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/talgya/taleweaver/internal/llm"
	"github.com/talgya/taleweaver/internal/narrative"
)

// Delimiter separates the pick from the reason in director output.
const Delimiter = "||"

var errNoDelimiter = errors.New("missing " + Delimiter + " delimiter")

// Director chooses the next speaker or Event and enforces pacing.
type Director struct {
	Gen    llm.Generator
	Pacing narrative.Pacing
}

// Decide asks the generator for a raw pick, retrying once on malformed
// output, then applies the pacing rules. The caller appends the result to
// the decision history.
func (d *Director) Decide(ctx context.Context, transcript narrative.Transcript, roster *narrative.Roster, history []narrative.Decision) (narrative.Decision, error) {
	if len(transcript) == 0 {
		return narrative.Decision{}, fmt.Errorf("decide: empty transcript")
	}

	ids := roster.IDs()
	system := fmt.Sprintf(directorSystem, speakerNames(ids), d.Pacing.RepeatMarker)
	instruction := fmt.Sprintf(directorInstruction, ids[0])

	token, reason, err := d.ask(ctx, system, transcript, instruction)
	if err != nil {
		return narrative.Decision{}, err
	}

	pick, ok := roster.Resolve(token)
	if !ok {
		slog.Warn("director picked unknown speaker, coercing to Event", "pick", token)
		pick = narrative.EventSpeaker
	}

	raw := narrative.Decision{Pick: pick, Reason: reason}
	decision, overridden := d.Pacing.Apply(raw, history, ids)
	if overridden {
		slog.Info("pacing override",
			"raw_pick", raw.Pick,
			"pick", decision.Pick,
			"reason", decision.Reason,
		)
	}
	return decision, nil
}

// ask makes the generation call and parses it, retrying once on a
// malformed answer. Generation failures are not retried.
func (d *Director) ask(ctx context.Context, system string, transcript narrative.Transcript, instruction string) (string, string, error) {
	out, err := d.Gen.Generate(ctx, system, transcript, instruction)
	if err != nil {
		return "", "", fmt.Errorf("decide: %w", err)
	}
	token, reason, perr := ParseDecision(out)
	if perr == nil {
		return token, reason, nil
	}

	slog.Warn("malformed director output, retrying", "output", out, "error", perr)
	out, err = d.Gen.Generate(ctx, system, transcript, instruction+"\n\n"+directorRetryInstruction)
	if err != nil {
		return "", "", fmt.Errorf("decide retry: %w", err)
	}
	token, reason, perr = ParseDecision(out)
	if perr != nil {
		return "", "", narrative.WithKind(narrative.KindMalformedDirectorOutput,
			fmt.Errorf("decide: %w (output %q)", perr, out))
	}
	return token, reason, nil
}

// ParseDecision splits "<pick> || <reason>" on the first delimiter. The pick
// is the text on the delimiter's line, with all whitespace removed.
func ParseDecision(out string) (string, string, error) {
	i := strings.Index(out, Delimiter)
	if i < 0 {
		return "", "", errNoDelimiter
	}

	left := out[:i]
	if nl := strings.LastIndex(left, "\n"); nl >= 0 {
		left = left[nl+1:]
	}
	left = strings.Trim(strings.TrimSpace(left), "\"'*`")
	token := string(narrative.NormalizeSpeaker(left))
	if token == "" {
		return "", "", fmt.Errorf("empty pick before %s", Delimiter)
	}

	right := out[i+len(Delimiter):]
	if nl := strings.Index(right, "\n"); nl >= 0 {
		right = right[:nl]
	}
	return token, strings.TrimSpace(right), nil
}
