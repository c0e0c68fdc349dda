package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/g960059/biome/internal/db"
	"github.com/g960059/biome/internal/seed"
)

const (
	historyUsage = "biome history [--limit N] [--json]"
	seedsUsage   = "biome seeds"
)

type attemptJSON struct {
	AttemptID  string     `json:"attempt_id"`
	SessionID  string     `json:"session_id"`
	Seq        uint64     `json:"seq"`
	Model      string     `json:"model"`
	Endpoint   string     `json:"endpoint"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Result     string     `json:"result"`
	Error      string     `json:"error,omitempty"`
}

func (a *app) runHistory(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of attempts")
	jsonOut := fs.Bool("json", false, "output JSON")
	if !a.parseFlags(fs, args, historyUsage) {
		return 2
	}

	store, err := db.OpenMigrated(ctx, a.cfg.DBPath)
	if err != nil {
		_, _ = fmt.Fprintf(a.errOut, "error: %v\n", err)
		return 1
	}
	defer store.Close() //nolint:errcheck

	attempts, err := store.ListAttempts(ctx, *limit)
	if err != nil {
		_, _ = fmt.Fprintf(a.errOut, "error: %v\n", err)
		return 1
	}

	if *jsonOut {
		items := make([]attemptJSON, 0, len(attempts))
		for _, at := range attempts {
			item := attemptJSON{
				AttemptID:  at.AttemptID,
				SessionID:  at.SessionID,
				Seq:        at.Seq,
				Model:      at.Model,
				Endpoint:   at.Endpoint,
				StartedAt:  at.StartedAt,
				FinishedAt: at.FinishedAt,
				Result:     string(at.Result),
			}
			if at.ErrorText != nil {
				item.Error = *at.ErrorText
			}
			items = append(items, item)
		}
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{"attempts": items}); err != nil {
			_, _ = fmt.Fprintf(a.errOut, "error: %v\n", err)
			return 1
		}
		return 0
	}

	if len(attempts) == 0 {
		_, _ = fmt.Fprintln(a.out, "no connection attempts recorded")
		return 0
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STARTED\tSEQ\tMODEL\tRESULT\tERROR")
	for _, at := range attempts {
		errText := ""
		if at.ErrorText != nil {
			errText = *at.ErrorText
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", at.StartedAt.Local().Format(time.DateTime), at.Seq, at.Model, at.Result, errText)
	}
	if err := tw.Flush(); err != nil {
		_, _ = fmt.Fprintf(a.errOut, "error: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) runSeeds(args []string) int {
	fs := pflag.NewFlagSet("seeds", pflag.ContinueOnError)
	if !a.parseFlags(fs, args, seedsUsage) {
		return 2
	}
	names, err := seed.NewStore(a.cfg.SeedDir).List()
	if err != nil {
		_, _ = fmt.Fprintf(a.errOut, "error: %v\n", err)
		return 1
	}
	for _, name := range names {
		marker := ""
		if name == a.cfg.Seed {
			marker = " (default)"
		}
		_, _ = fmt.Fprintf(a.out, "%s%s\n", name, marker)
	}
	return 0
}
