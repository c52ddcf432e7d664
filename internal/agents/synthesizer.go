package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/talgya/taleweaver/internal/llm"
	"github.com/talgya/taleweaver/internal/narrative"
)

// Synthesizer turns the finished transcript into a prose chapter.
type Synthesizer struct {
	Gen      llm.Generator
	MinWords int
	MaxWords int
}

// Synthesize makes one generation call over the full transcript. The output
// is not validated against the word range.
func (s *Synthesizer) Synthesize(ctx context.Context, t narrative.Transcript) (string, error) {
	out, err := s.Gen.Generate(ctx, synthesizerSystem, t, fmt.Sprintf(synthesizerInstruction, s.MinWords, s.MaxWords))
	if err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}
	return strings.TrimSpace(out), nil
}
