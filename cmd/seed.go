package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/xleven/ask-sspai/internal/app"
	"github.com/xleven/ask-sspai/internal/config"
	"github.com/xleven/ask-sspai/internal/knowledge"
)

// seedDocument is one JSONL line in a seed file.
type seedDocument struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// runSeed indexes documents from a JSONL file into the knowledge base.
// Re-running with the same IDs re-embeds and overwrites in place.
func runSeed(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: ask-sspai seed <file.jsonl>")
	}
	path := args[0]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Warn("shutdown error", "error", closeErr)
		}
	}()

	return seedFromFile(ctx, a.Knowledge, path)
}

// documentAdder is the slice of the knowledge store that seeding needs.
type documentAdder interface {
	Add(ctx context.Context, doc knowledge.Document) error
}

func seedFromFile(ctx context.Context, store documentAdder, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening seed file: %w", err)
	}
	defer f.Close()

	var indexed, failed int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var doc seedDocument
		if err := json.Unmarshal(line, &doc); err != nil {
			slog.Warn("skipping malformed seed line", "line", lineNo, "error", err)
			failed++
			continue
		}

		err := store.Add(ctx, knowledge.Document{
			ID:       doc.ID,
			Content:  doc.Content,
			Metadata: doc.Metadata,
		})
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("seeding interrupted at line %d: %w", lineNo, ctx.Err())
			}
			slog.Warn("skipping document", "line", lineNo, "id", doc.ID, "error", err)
			failed++
			continue
		}
		indexed++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading seed file: %w", err)
	}

	slog.Info("seeding finished", "indexed", indexed, "failed", failed)
	if indexed == 0 && failed > 0 {
		return fmt.Errorf("no documents indexed (%d failed)", failed)
	}
	return nil
}
