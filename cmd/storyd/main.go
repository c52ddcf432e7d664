// Command storyd runs the Taleweaver story daemon: it serves the story API,
// runs sessions in the background and resumes unfinished ones on startup.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/taleweaver/internal/api"
	"github.com/talgya/taleweaver/internal/config"
	"github.com/talgya/taleweaver/internal/engine"
	"github.com/talgya/taleweaver/internal/persistence"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg)

	slog.Info("Taleweaver storyd starting",
		"port", cfg.Port,
		"keep_tail", cfg.KeepTail,
		"compact_trigger", cfg.CompactTrigger,
		"max_turns_between_events", cfg.MaxTurnsBetweenEvents,
		"words", fmt.Sprintf("%d-%d", cfg.MinWords, cfg.MaxWords),
	)

	// ── Database ──────────────────────────────────────────────────────
	db, err := openStore(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.DBPath)

	// ── Models and orchestrator ──────────────────────────────────────
	var orch *engine.Orchestrator
	if reg := cfg.Registry(); reg != nil {
		orch = engine.New(cfg.Engine(), db, reg, db)
		slog.Info("LLM client enabled", "default_model", cfg.DefaultModel, "bindings", reg.Bindings(), "rate_per_min", cfg.RatePerMin)
	} else {
		slog.Warn("ANTHROPIC_API_KEY not set, story generation disabled (read endpoints only)")
	}

	// ── HTTP API ──────────────────────────────────────────────────────
	if cfg.AdminKey == "" {
		slog.Warn("TALEWEAVER_ADMIN_KEY not set, lore writes will be disabled")
	}
	srv := api.NewServer(orch, db, cfg.Port, cfg.AdminKey)
	srv.Origins = cfg.Origins
	srv.Start()

	if orch != nil {
		resumeUnfinished(srv, orch, db)
	}

	fmt.Printf("API: http://localhost:%d/api/v1/status\n", cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig)

	// Running sessions stop at their next transition and are recorded as
	// Cancelled; the generation call in flight finishes first.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	fmt.Println("storyd stopped. Cancelled sessions can be continued with: teller -resume <id>")
}

// openStore creates the database directory if needed and opens the store.
func openStore(path string) (*persistence.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}
	return persistence.Open(path)
}

func setupLogger(cfg config.Config) {
	level, _ := cfg.Level()
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// resumeUnfinished restarts every session that stopped without finishing
// or failing, e.g. because the process died mid-run.
func resumeUnfinished(srv *api.Server, orch *engine.Orchestrator, db *persistence.DB) {
	rows, err := db.ListResumable(context.Background())
	if err != nil {
		slog.Error("list resumable sessions", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}
	slog.Info("resuming unfinished sessions", "count", len(rows))

	for _, row := range rows {
		id := row.ID
		slog.Info("resuming session",
			"session", id,
			"phase", row.Phase,
			"seq", row.Seq,
			"last_saved", humanize.Time(row.UpdatedAt),
		)
		srv.Go(func(ctx context.Context) {
			if _, err := orch.Resume(ctx, id); err != nil {
				slog.Warn("resumed session stopped", "session", id, "error", err)
			}
		})
	}
}
