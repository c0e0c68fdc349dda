package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/g960059/biome/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// globals are the flags accepted before the subcommand.
type globals struct {
	configPath string
	logLevel   string
	dbPath     string
}

// app is what every subcommand receives: resolved config, logger and
// output streams.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	out    io.Writer
	errOut io.Writer
}

func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}

	var g globals
	fs := pflag.NewFlagSet("biome", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(false)
	fs.StringVar(&g.configPath, "config", "", "config file (JSONC)")
	fs.StringVar(&g.logLevel, "log-level", "", "debug|info|warn|error")
	fs.StringVar(&g.dbPath, "db", "", "session journal path")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(out)
			return 0
		}
		_, _ = fmt.Fprintf(errOut, "error: %v\n", err)
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 || rest[0] == "help" {
		printUsage(errOut)
		return 2
	}

	cfg, err := config.Load(g.configPath)
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "error: %v\n", err)
		return 1
	}
	if g.dbPath != "" {
		cfg.DBPath = g.dbPath
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "error: %v\n", err)
		return 2
	}
	a := &app{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level})),
		out:    out,
		errOut: errOut,
	}

	switch rest[0] {
	case "run":
		return a.runSession(ctx, rest[1:])
	case "engine":
		return a.runEngine(ctx, rest[1:])
	case "history":
		return a.runHistory(ctx, rest[1:])
	case "seeds":
		return a.runSeeds(rest[1:])
	default:
		_, _ = fmt.Fprintf(errOut, "unknown command: %s\n", rest[0])
		printUsage(errOut)
		return 2
	}
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

// parseFlags parses a subcommand's flags and reports usage errors.
func (a *app) parseFlags(fs *pflag.FlagSet, args []string, usage string) bool {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(a.errOut, "error: %v\n", err)
		_, _ = fmt.Fprintln(a.errOut, "usage: "+usage)
		return false
	}
	if fs.NArg() > 0 {
		_, _ = fmt.Fprintf(a.errOut, "unexpected argument: %s\n", fs.Arg(0))
		_, _ = fmt.Fprintln(a.errOut, "usage: "+usage)
		return false
	}
	return true
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `usage: biome [--config PATH] [--log-level LEVEL] [--db PATH] <command>

commands:
  run [--model ID] [--seed NAME] [--switch-model ID --switch-after DUR] [--frame-out PATH]
                      stream a headless session until interrupted
  engine status       probe the engine's health endpoint
  engine start        start the local engine and wait until it serves
  history [--limit N] [--json]
                      list recent connection attempts
  seeds               list local seed images
`)
}
