// Package config loads storyd settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/talgya/taleweaver/internal/engine"
	"github.com/talgya/taleweaver/internal/llm"
	"github.com/talgya/taleweaver/internal/narrative"
)

// Config is the daemon configuration.
type Config struct {
	Port     int      `env:"TALEWEAVER_PORT" envDefault:"8080"`
	DBPath   string   `env:"TALEWEAVER_DB_PATH" envDefault:"data/taleweaver.db"`
	AdminKey string   `env:"TALEWEAVER_ADMIN_KEY"`
	Origins  []string `env:"TALEWEAVER_CORS_ORIGINS" envSeparator:","`

	APIKey       string            `env:"ANTHROPIC_API_KEY"`
	DefaultModel string            `env:"TALEWEAVER_DEFAULT_MODEL" envDefault:"claude-haiku-4-5-20251001"`
	Models       map[string]string `env:"TALEWEAVER_MODELS" envSeparator:"," envKeyValSeparator:"="`
	RatePerMin   int               `env:"TALEWEAVER_LLM_RATE_PER_MIN" envDefault:"20"`

	KeepTail              int    `env:"TALEWEAVER_KEEP_TAIL" envDefault:"4"`
	CompactTrigger        int    `env:"TALEWEAVER_COMPACT_TRIGGER" envDefault:"8"`
	MaxTurnsBetweenEvents int    `env:"TALEWEAVER_MAX_TURNS_BETWEEN_EVENTS" envDefault:"4"`
	RepeatMarker          string `env:"TALEWEAVER_REPEAT_MARKER" envDefault:"reasonable"`
	MinWords              int    `env:"TALEWEAVER_MIN_WORDS" envDefault:"200"`
	MaxWords              int    `env:"TALEWEAVER_MAX_WORDS" envDefault:"500"`
	MaxTransitions        int    `env:"TALEWEAVER_MAX_TRANSITIONS" envDefault:"200"`
	LoreExcerpt           int    `env:"TALEWEAVER_LORE_EXCERPT" envDefault:"1200"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads an optional .env file at path, then the environment, and
// validates the result. Variables already set win over the file.
func Load(path string) (Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db path is empty"))
	}
	if c.KeepTail < 1 {
		errs = append(errs, fmt.Errorf("keep tail %d must be at least 1", c.KeepTail))
	}
	if c.CompactTrigger < c.KeepTail {
		errs = append(errs, fmt.Errorf("compact trigger %d below keep tail %d", c.CompactTrigger, c.KeepTail))
	}
	if c.MaxTurnsBetweenEvents < 1 {
		errs = append(errs, fmt.Errorf("max turns between events %d must be at least 1", c.MaxTurnsBetweenEvents))
	}
	if c.MinWords < 1 || c.MinWords > c.MaxWords {
		errs = append(errs, fmt.Errorf("word range %d-%d is invalid", c.MinWords, c.MaxWords))
	}
	if c.MaxTransitions < 0 {
		errs = append(errs, fmt.Errorf("max transitions %d is negative", c.MaxTransitions))
	}
	if c.LoreExcerpt < 1 {
		errs = append(errs, fmt.Errorf("lore excerpt %d must be positive", c.LoreExcerpt))
	}
	if c.RatePerMin < 1 {
		errs = append(errs, fmt.Errorf("llm rate %d must be positive", c.RatePerMin))
	}
	for binding, model := range c.Models {
		if strings.TrimSpace(binding) == "" || strings.TrimSpace(model) == "" {
			errs = append(errs, fmt.Errorf("model binding %q=%q is incomplete", binding, model))
		}
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log format %q is not text or json", c.LogFormat))
	}
	if err := errors.Join(errs...); err != nil {
		return narrative.WithKind(narrative.KindConfiguration, fmt.Errorf("config: %w", err))
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// Engine returns the orchestrator settings.
func (c Config) Engine() engine.Config {
	return engine.Config{
		KeepTail:       c.KeepTail,
		CompactTrigger: c.CompactTrigger,
		Pacing: narrative.Pacing{
			MaxTurnsBetweenEvents: c.MaxTurnsBetweenEvents,
			RepeatMarker:          c.RepeatMarker,
		},
		MinWords:       c.MinWords,
		MaxWords:       c.MaxWords,
		MaxTransitions: c.MaxTransitions,
		LoreExcerpt:    c.LoreExcerpt,
	}
}

// Registry builds one Anthropic client per model binding. It returns nil
// when no API key is configured.
func (c Config) Registry() *llm.Registry {
	def := llm.NewClient(c.APIKey, llm.Options{Model: c.DefaultModel, MaxPerMin: c.RatePerMin})
	if def == nil {
		return nil
	}
	reg := llm.NewRegistry(def)
	for binding, model := range c.Models {
		reg.Register(binding, llm.NewClient(c.APIKey, llm.Options{Model: model, MaxPerMin: c.RatePerMin}))
	}
	return reg
}
