package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/g960059/biome/internal/clock"
	"github.com/g960059/biome/internal/engine"
)

const engineUsage = "biome engine <status|start>"

func (a *app) runEngine(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(a.errOut, "usage: "+engineUsage)
		return 2
	}
	fs := pflag.NewFlagSet("engine "+args[0], pflag.ContinueOnError)
	if !a.parseFlags(fs, args[1:], engineUsage) {
		return 2
	}
	sup := engine.New(a.cfg, a.logger, clock.Real())

	switch args[0] {
	case "status":
		st, err := sup.CheckStatus(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(a.errOut, "error: %v\n", err)
			return 1
		}
		printStatus(a, st)
		if !st.Reachable {
			return 1
		}
		return 0
	case "start":
		if err := sup.Start(ctx); err != nil {
			_, _ = fmt.Fprintf(a.errOut, "error: %v\n", err)
			return 1
		}
		defer sup.Stop() //nolint:errcheck
		if err := sup.WaitReady(ctx); err != nil {
			_, _ = fmt.Fprintf(a.errOut, "error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(a.out, "engine ready at %s\n", a.cfg.HealthURL())
		<-ctx.Done()
		return 0
	default:
		_, _ = fmt.Fprintf(a.errOut, "unknown engine command: %s\n", args[0])
		return 2
	}
}

func printStatus(a *app, st engine.Status) {
	_, _ = fmt.Fprintf(a.out, "endpoint:  %s\n", a.cfg.HealthURL())
	_, _ = fmt.Fprintf(a.out, "reachable: %t\n", st.Reachable)
	_, _ = fmt.Fprintf(a.out, "health:    %s\n", st.Health)
	_, _ = fmt.Fprintf(a.out, "loaded:    %t\n", st.Loaded)
	_, _ = fmt.Fprintf(a.out, "warmed_up: %t\n", st.WarmedUp)
	_, _ = fmt.Fprintf(a.out, "has_seed:  %t\n", st.HasSeed)
	_, _ = fmt.Fprintf(a.out, "installed: %t (%s)\n", st.Installed, st.EngineDir)
	if st.Error != "" {
		_, _ = fmt.Fprintf(a.out, "error:     %s\n", st.Error)
	}
}
