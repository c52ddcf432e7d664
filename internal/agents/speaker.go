package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/talgya/taleweaver/internal/llm"
	"github.com/talgya/taleweaver/internal/narrative"
)

// DefaultLoreExcerpt is the default cap, in bytes, on lore put into a persona
// prompt.
const DefaultLoreExcerpt = 1200

// LoreLookup returns background text for a speaker, or an error wrapping
// narrative.ErrNotFound.
type LoreLookup interface {
	LookupLore(ctx context.Context, id narrative.SpeakerID) (string, error)
}

// Speaker produces one line for a participant.
type Speaker struct {
	Lore         LoreLookup
	ExcerptLimit int
}

// Speak makes one generation call with the participant's persona.
func (s *Speaker) Speak(ctx context.Context, gen llm.Generator, p narrative.Participant, scenario string, transcript narrative.Transcript) (string, error) {
	lore, err := s.lore(ctx, p)
	if err != nil {
		return "", err
	}

	system := fmt.Sprintf(speakerSystem, p.Name, scenario, traitList(p.Traits), lore, p.Name)
	out, err := gen.Generate(ctx, system, transcript, fmt.Sprintf(speakerInstruction, p.ID))
	if err != nil {
		return "", fmt.Errorf("speak as %s: %w", p.ID, err)
	}

	out = strings.TrimSpace(out)
	if out == "" {
		return "", narrative.WithKind(narrative.KindGeneration, fmt.Errorf("speak as %s: empty reply", p.ID))
	}
	return out, nil
}

func (s *Speaker) lore(ctx context.Context, p narrative.Participant) (string, error) {
	if s.Lore == nil {
		return FallbackLore(p), nil
	}
	text, err := s.Lore.LookupLore(ctx, p.ID)
	switch {
	case errors.Is(err, narrative.ErrNotFound):
		slog.Debug("no lore for speaker, using fallback", "speaker", p.ID)
		return FallbackLore(p), nil
	case err != nil:
		return "", narrative.WithKind(narrative.KindPersistence, fmt.Errorf("lore for %s: %w", p.ID, err))
	}
	if strings.TrimSpace(text) == "" {
		return FallbackLore(p), nil
	}
	limit := s.ExcerptLimit
	if limit <= 0 {
		limit = DefaultLoreExcerpt
	}
	return Excerpt(text, limit), nil
}

// FallbackLore is the one-line description used when no lore is stored.
func FallbackLore(p narrative.Participant) string {
	return fmt.Sprintf("%s is a character in this scene.", p.Name)
}

// Excerpt cuts text to at most limit bytes, backing up to a word boundary.
func Excerpt(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	if i := strings.LastIndexAny(cut, " \n\t"); i > limit/2 {
		cut = cut[:i]
	}
	// Drop a trailing partial rune.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return strings.TrimSpace(cut) + "…"
}
