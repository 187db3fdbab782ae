package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/ragcascade"
	"github.com/ashita-ai/ragcascade/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

const usage = `usage: ragcascade <command> [flags]

commands:
  recompute -root ID -period P       recompute a whole tree
  path      -node ID -period P       recompute a node and its ancestors
  snapshot  -node ID -period P       print the current snapshot
  history   -node ID -period P [-limit N]
  verify    -node ID -period P | -run UUID
  listen                             recompute paths as scores arrive
  migrate                            apply schema migrations and exit`

var errUsage = errors.New(usage)

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// logLevel reads RAGCASCADE_LOG_LEVEL through the engine's config. A config
// that does not load leaves the level at info; New reports the error.
func logLevel() slog.Level {
	cfg, err := config.Load()
	if err != nil {
		return slog.LevelInfo
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func run(ctx context.Context, logger *slog.Logger, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	root := fs.String("root", "", "root node id")
	node := fs.String("node", "", "node id")
	period := fs.String("period", "", "reporting period")
	limit := fs.Int("limit", 0, "maximum history entries (0 = all)")
	runID := fs.String("run", "", "run id")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w\n\n%s: %v", errUsage, cmd, err)
	}
	need := func(vals ...string) error {
		for _, v := range vals {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("%w\n\n%s: missing required flag", errUsage, cmd)
			}
		}
		return nil
	}

	switch cmd {
	case "recompute":
		if err := need(*root, *period); err != nil {
			return err
		}
	case "path", "snapshot", "history":
		if err := need(*node, *period); err != nil {
			return err
		}
	case "verify":
		if *runID == "" {
			if err := need(*node, *period); err != nil {
				return err
			}
		}
	case "listen", "migrate":
	default:
		return fmt.Errorf("%w\n\nunknown command %q", errUsage, cmd)
	}

	app, err := ragcascade.New(ragcascade.WithLogger(logger), ragcascade.WithVersion(version))
	if err != nil {
		return err
	}
	if cmd == "listen" {
		return app.Run(ctx)
	}
	defer func() { _ = app.Shutdown(context.Background()) }()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	switch cmd {
	case "recompute":
		values, err := app.Recompute(ctx, *root, *period)
		if err != nil {
			return err
		}
		return enc.Encode(values)
	case "path":
		values, err := app.RecomputePath(ctx, *node, *period)
		if err != nil {
			return err
		}
		return enc.Encode(values)
	case "snapshot":
		nv, err := app.GetSnapshot(ctx, *node, *period)
		if err != nil {
			return err
		}
		return enc.Encode(nv)
	case "history":
		values, err := app.History(ctx, *node, *period, *limit)
		if err != nil {
			return err
		}
		return enc.Encode(values)
	case "verify":
		var ok bool
		if *runID != "" {
			id, err := uuid.Parse(*runID)
			if err != nil {
				return fmt.Errorf("parse run id: %w", err)
			}
			ok, err = app.VerifyRun(ctx, id)
			if err != nil {
				return err
			}
		} else {
			ok, err = app.VerifySnapshot(ctx, *node, *period)
			if err != nil {
				return err
			}
		}
		if err := enc.Encode(map[string]bool{"valid": ok}); err != nil {
			return err
		}
		if !ok {
			return errors.New("integrity check failed")
		}
		return nil
	case "migrate":
		logger.Info("migrations applied")
		return nil
	}
	return nil
}
