// Command teller submits a story request to storyd, follows it until the
// prose is ready and prints it. It can also export a session's checkpoint
// log or upload speaker lore.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/taleweaver/internal/engine"
	"github.com/talgya/taleweaver/internal/teller"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	apiURL := flag.String("url", envOrDefault("TALEWEAVER_URL", "http://localhost:8080"), "storyd base URL")
	export := flag.String("export", "", "print the checkpoint log of this session and exit")
	resume := flag.String("resume", "", "resume this session and follow it")
	lore := flag.String("lore", "", "upload lore as speaker=path and exit")
	poll := flag.Duration("poll", 2*time.Second, "status poll interval")
	maxWait := flag.Duration("wait", 5*time.Minute, "how long to wait for storyd to come up")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: teller [flags] request.json\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := teller.NewClient(strings.TrimRight(*apiURL, "/"), os.Getenv("TALEWEAVER_ADMIN_KEY"))

	slog.Info("waiting for storyd API...", "url", *apiURL)
	if err := client.WaitReady(ctx, *maxWait); err != nil {
		fatal("storyd unavailable", err)
	}

	switch {
	case *export != "":
		raw, err := client.Checkpoints(ctx, *export)
		if err != nil {
			fatal("export failed", err)
		}
		os.Stdout.Write(raw)
		fmt.Println()
		return

	case *lore != "":
		speaker, path, ok := strings.Cut(*lore, "=")
		if !ok {
			fatal("bad -lore value", fmt.Errorf("want speaker=path, got %q", *lore))
		}
		text, err := os.ReadFile(path)
		if err != nil {
			fatal("read lore", err)
		}
		if err := client.PutLore(ctx, speaker, string(text)); err != nil {
			fatal("upload lore", err)
		}
		slog.Info("lore uploaded", "speaker", speaker, "size", humanize.Bytes(uint64(len(text))))
		return

	case *resume != "":
		if err := client.Resume(ctx, *resume); err != nil {
			fatal("resume failed", err)
		}
		follow(ctx, client, *resume, *poll)
		return
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	req, err := readRequest(flag.Arg(0))
	if err != nil {
		fatal("read request", err)
	}

	id, err := client.Submit(ctx, req)
	if err != nil {
		fatal("submit failed", err)
	}
	slog.Info("story submitted", "session", id, "participants", len(req.Participants))
	follow(ctx, client, id, *poll)
}

// follow polls the session, logging progress, and prints the prose.
func follow(ctx context.Context, client *teller.Client, id string, poll time.Duration) {
	started := time.Now()
	s, err := client.Await(ctx, id, poll, func(s *teller.Session) {
		slog.Info("progress",
			"phase", s.Phase,
			"turns", len(s.Transcript),
			"events_left", s.QueueRemaining,
		)
	})
	if err != nil {
		fatal("follow session", err)
	}
	if s.Failure != nil {
		slog.Error("story failed",
			"session", id,
			"kind", s.Failure.Kind,
			"phase", s.Failure.Phase,
			"message", s.Failure.Message,
		)
		fmt.Fprintf(os.Stderr, "resume with: teller -resume %s\n", id)
		os.Exit(1)
	}

	words := len(strings.Fields(s.ProseText))
	fmt.Println(s.ProseText)
	fmt.Printf("\n%s words, %s, %d decisions, took %s\n",
		humanize.Comma(int64(words)),
		s.Summary,
		len(s.Decisions),
		humanize.RelTime(started, time.Now(), "", ""),
	)
}

func readRequest(path string) (engine.Request, error) {
	var req engine.Request
	f, err := os.Open(path)
	if err != nil {
		return req, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&req); err != nil {
		return req, fmt.Errorf("decode %s: %w", path, err)
	}
	return req, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
