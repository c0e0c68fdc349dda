package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/g960059/biome/internal/clock"
	"github.com/g960059/biome/internal/config"
	"github.com/g960059/biome/internal/db"
	"github.com/g960059/biome/internal/engine"
	"github.com/g960059/biome/internal/model"
	"github.com/g960059/biome/internal/orchestrator"
	"github.com/g960059/biome/internal/portal"
	"github.com/g960059/biome/internal/seed"
	"github.com/g960059/biome/internal/transport"
)

const (
	sessionUsage   = "biome run [--model ID] [--seed NAME] [--switch-model ID --switch-after DUR] [--frame-out PATH]"
	reportInterval = 5 * time.Second
	shutdownWait   = 5 * time.Second
)

// headlessLock grants pointer lock as soon as it is requested.
type headlessLock struct {
	orch *orchestrator.Orchestrator
}

func (l *headlessLock) Request() { l.orch.SetPointerLocked(true) }
func (l *headlessLock) Release() { l.orch.SetPointerLocked(false) }

// lastFrame keeps the most recent engine frame.
type lastFrame struct {
	mu    sync.Mutex
	frame model.Frame
}

func (f *lastFrame) Present(frame model.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frame = frame
}

func (f *lastFrame) get() model.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame
}

type sessionFlags struct {
	model       string
	seed        string
	switchModel string
	switchAfter time.Duration
	frameOut    string
}

func (a *app) runSession(ctx context.Context, args []string) int {
	var flags sessionFlags
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.StringVar(&flags.model, "model", "", "model to stream (default from config)")
	fs.StringVar(&flags.seed, "seed", "", "seed image name")
	fs.StringVar(&flags.switchModel, "switch-model", "", "switch to this model once streaming")
	fs.DurationVar(&flags.switchAfter, "switch-after", 10*time.Second, "delay before --switch-model")
	fs.StringVar(&flags.frameOut, "frame-out", "", "write the last real frame here on exit")
	if !a.parseFlags(fs, args, sessionUsage) {
		return 2
	}

	cfg := a.cfg
	if flags.model != "" {
		cfg.Model = flags.model
	}
	if flags.seed != "" {
		cfg.Seed = flags.seed
	}
	seeds := seed.NewStore(cfg.SeedDir)
	if _, err := seeds.Resolve(cfg.Seed); err != nil {
		if errors.Is(err, seed.ErrInvalidName) {
			_, _ = fmt.Fprintf(a.errOut, "error: %v\n", err)
			return 2
		}
		a.logger.Debug("seed not available locally", "seed", cfg.Seed, "error", err)
	}

	clk := clock.Real()
	pm, err := portal.New(a.logger, clk, portal.Timings{
		Grow:     cfg.HandoffGrow,
		Shrink:   cfg.HandoffShrink,
		Teardown: cfg.TeardownAnimation,
	})
	if err != nil {
		_, _ = fmt.Fprintf(a.errOut, "error: %v\n", err)
		return 1
	}
	sup := engine.New(cfg, a.logger, clk)
	defer sup.Stop() //nolint:errcheck

	var journal orchestrator.Journal
	store, err := db.OpenMigrated(ctx, cfg.DBPath)
	if err != nil {
		a.logger.Warn("session journal disabled", "path", cfg.DBPath, "error", err)
	} else {
		defer store.Close() //nolint:errcheck
		journal = store
	}

	lock := &headlessLock{}
	frames := &lastFrame{}
	var orch *orchestrator.Orchestrator
	client := transport.New(func(ev transport.Event) { orch.HandleTransportEvent(ev) }, cfg.ConnectTimeout, a.logger, clk)
	orch, err = orchestrator.New(orchestrator.Deps{
		Config:       cfg,
		Portal:       pm,
		Engine:       sup,
		Transport:    client,
		PointerLock:  lock,
		Frames:       frames,
		Placeholders: seeds,
		Journal:      journal,
		Clock:        clk,
		Logger:       a.logger,
	})
	if err != nil {
		_, _ = fmt.Fprintf(a.errOut, "error: %v\n", err)
		return 1
	}
	lock.orch = orch

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	done := make(chan error, 1)
	go func() { done <- orch.Run(runCtx) }()

	// the headless surface is always ready and expands as soon as the
	// portal is primed
	unregister := pm.OnPhaseChange(func(next, _ model.Phase) {
		if next == model.PhasePrimed {
			orch.SetPortalExpanded(true)
		}
	})
	defer unregister()
	orch.SetSurfaceReady(true)
	orch.Connect()

	code := a.watch(ctx, orch, sup, clk, cfg, flags)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := orch.Disconnect(shutdownCtx); err != nil {
		a.logger.Warn("disconnect", "error", err)
	}
	waitIdle(shutdownCtx, orch)
	stopRun()
	<-done

	if flags.frameOut != "" {
		if frame := frames.get(); len(frame.Data) > 0 && !frame.Placeholder {
			if err := os.WriteFile(flags.frameOut, frame.Data, 0o644); err != nil {
				_, _ = fmt.Fprintf(a.errOut, "error: write frame: %v\n", err)
				return 1
			}
		}
	}
	return code
}

// watch drives the headless session until ctx ends or the session fails.
func (a *app) watch(ctx context.Context, orch *orchestrator.Orchestrator, sup *engine.Supervisor, clk clock.Clock, cfg config.Config, flags sessionFlags) int {
	report := clk.NewTicker(reportInterval)
	defer report.Stop()
	var control <-chan time.Time
	if cfg.ControlInterval > 0 {
		ticker := clk.NewTicker(cfg.ControlInterval)
		defer ticker.Stop()
		control = ticker.C
	}
	engineReady := sup.Ready()
	var switchAt <-chan time.Time
	streaming := false

	for {
		changed := orch.Changed()
		v := orch.Snapshot()
		if v.Error != "" {
			a.logger.Error("session failed", "error", v.Error)
			return 1
		}
		if v.ConnectionLost {
			a.logger.Error("connection lost", "model", v.AppliedModel)
			return 1
		}
		if v.Phase == model.PhaseStreaming && !streaming {
			streaming = true
			_, _ = fmt.Fprintf(a.out, "streaming %s\n", v.DesiredModel)
			if flags.switchModel != "" && flags.switchModel != v.DesiredModel {
				switchAt = clk.After(flags.switchAfter)
			}
		}
		if v.Phase != model.PhaseStreaming {
			streaming = false
		}

		select {
		case <-ctx.Done():
			return 0
		case <-changed:
		case <-engineReady:
			engineReady = nil
			a.logger.Info("engine ready")
		case <-control:
			if v.Phase == model.PhaseStreaming && !v.Paused {
				if err := orch.SendControl(nil, 0, 0); err != nil {
					a.logger.Debug("control not sent", "error", err)
				}
			}
		case <-report.C:
			a.logger.Info("session", "phase", v.Phase, "model", v.AppliedModel, "status", v.Status, "fps", v.FPS)
		case <-switchAt:
			switchAt = nil
			a.logger.Info("switching model", "to", flags.switchModel)
			orch.SelectModel(flags.switchModel)
		}
	}
}

func waitIdle(ctx context.Context, orch *orchestrator.Orchestrator) {
	for {
		changed := orch.Changed()
		if orch.Snapshot().Phase == model.PhaseIdle {
			return
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}
