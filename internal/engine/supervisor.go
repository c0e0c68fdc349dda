// Package engine supervises the optional local rendering engine: it probes
// the engine's /health endpoint, spawns the process when asked, and
// reports readiness.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/g960059/biome/internal/clock"
	"github.com/g960059/biome/internal/config"
	"github.com/g960059/biome/internal/model"
)

var ErrProcessExited = errors.New("engine process exited")

type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// Retryable reports whether the engine may still come up: it is loading
// (5xx), throttled, or timed out.
func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

type healthResponse struct {
	Status      string `json:"status"`
	WorldEngine struct {
		Loaded   bool `json:"loaded"`
		WarmedUp bool `json:"warmed_up"`
		HasSeed  bool `json:"has_seed"`
	} `json:"world_engine"`
}

// Status is one observation of the engine.
type Status struct {
	Reachable bool
	Running   bool
	Installed bool
	Loaded    bool
	WarmedUp  bool
	HasSeed   bool
	Pid       int
	EngineDir string
	Health    model.EngineHealth
	Error     string
}

type Supervisor struct {
	cfg       config.EngineConfig
	healthURL string
	client    *http.Client
	launcher  Launcher
	clock     clock.Clock
	logger    *slog.Logger

	mu      sync.Mutex
	proc    Process
	stop    context.CancelFunc
	exited  chan struct{}
	ready   bool
	readyCh chan struct{}
	health  HealthState
}

func New(cfg config.Config, logger *slog.Logger, clk clock.Clock) *Supervisor {
	return NewWithLauncher(cfg, ExecLauncher{}, logger, clk)
}

func NewWithLauncher(cfg config.Config, launcher Launcher, logger *slog.Logger, clk clock.Clock) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Supervisor{
		cfg:       cfg.Engine,
		healthURL: cfg.HealthURL(),
		client:    &http.Client{},
		launcher:  launcher,
		clock:     clk,
		logger:    logger.With("component", "engine"),
		readyCh:   make(chan struct{}),
	}
}

func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

func (s *Supervisor) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Ready closes the first time the engine answers its health probe. A new
// channel is handed out after the process stops.
func (s *Supervisor) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyCh
}

func (s *Supervisor) Health() HealthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// CheckStatus probes the engine once. An unreachable engine is reported in
// Status, not as an error; only ctx cancellation fails the call.
func (s *Supervisor) CheckStatus(ctx context.Context) (Status, error) {
	resp, err := s.probe(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Status{}, ctxErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = NextHealth(s.cfg, s.health, err == nil, s.clock.Now())
	st := Status{
		Reachable: err == nil,
		Running:   s.proc != nil,
		Installed: installed(s.cfg.Dir),
		EngineDir: s.cfg.Dir,
		Health:    s.health.Current,
	}
	if s.proc != nil {
		st.Pid = s.proc.Pid()
	}
	if err != nil {
		st.Error = err.Error()
		return st, nil
	}
	st.Loaded = resp.WorldEngine.Loaded
	st.WarmedUp = resp.WorldEngine.WarmedUp
	st.HasSeed = resp.WorldEngine.HasSeed
	s.markReadyLocked()
	return st, nil
}

// Start launches the local engine unless one is already running. The
// process outlives ctx; Stop ends it.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		return nil
	}
	if len(s.cfg.Command) == 0 {
		return fmt.Errorf("%s: no engine command configured", model.ErrEngineUnavailable)
	}
	procCtx, stop := context.WithCancel(context.Background())
	proc, err := s.launcher.Launch(procCtx, s.cfg.Dir, s.cfg.Command)
	if err != nil {
		stop()
		return fmt.Errorf("%s: %w", model.ErrEngineUnavailable, err)
	}
	exited := make(chan struct{})
	s.proc = proc
	s.stop = stop
	s.exited = exited
	s.logger.Info("engine started", "pid", proc.Pid(), "dir", s.cfg.Dir)

	go s.reap(proc, exited)
	return nil
}

func (s *Supervisor) reap(proc Process, exited chan struct{}) {
	err := proc.Wait()
	s.mu.Lock()
	if s.proc == proc {
		s.proc = nil
		s.exited = nil
		s.stop()
		s.resetReadyLocked()
	}
	s.mu.Unlock()
	close(exited)
	if err != nil {
		s.logger.Warn("engine exited", "pid", proc.Pid(), "error", err)
		return
	}
	s.logger.Info("engine exited", "pid", proc.Pid())
}

// Stop kills the local engine and waits for it to exit.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	proc, exited, stop := s.proc, s.exited, s.stop
	s.mu.Unlock()
	if proc == nil {
		return nil
	}
	err := proc.Kill()
	stop()
	<-exited
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("stop engine: %w", err)
	}
	return nil
}

// WaitReady polls the health probe with exponential backoff until the
// engine answers, the process exits, ReadyTimeout passes, or ctx ends.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	minBackoff := s.cfg.ProbeMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := s.cfg.ProbeMaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	deadline := s.clock.Now().Add(s.cfg.ReadyTimeout)
	backoff := minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// nil unless we own a running process
		s.mu.Lock()
		exited := s.exited
		s.mu.Unlock()

		_, err := s.probe(ctx)
		if err == nil {
			s.mu.Lock()
			s.health = NextHealth(s.cfg, s.health, true, s.clock.Now())
			s.markReadyLocked()
			s.mu.Unlock()
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var reqErr *RequestError
		if errors.As(err, &reqErr) && !reqErr.Retryable() {
			return fmt.Errorf("%s: %w", model.ErrEngineUnavailable, err)
		}
		if s.cfg.ReadyTimeout > 0 && !s.clock.Now().Before(deadline) {
			return fmt.Errorf("%s: not ready after %s: %w", model.ErrEngineUnavailable, s.cfg.ReadyTimeout, err)
		}
		s.logger.Debug("engine not ready", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return fmt.Errorf("%s: %w", model.ErrEngineUnavailable, ErrProcessExited)
		case <-s.clock.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Supervisor) probe(ctx context.Context) (healthResponse, error) {
	reqCtx := ctx
	if s.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.healthURL, nil)
	if err != nil {
		return healthResponse{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return healthResponse{}, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return healthResponse{}, err
	}
	if resp.StatusCode >= 400 {
		return healthResponse{}, &RequestError{StatusCode: resp.StatusCode, Message: string(payload)}
	}
	var out healthResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return healthResponse{}, fmt.Errorf("decode health response: %w", err)
	}
	if out.Status != "ok" {
		return healthResponse{}, &RequestError{StatusCode: http.StatusServiceUnavailable, Message: "status " + out.Status}
	}
	return out, nil
}

func (s *Supervisor) markReadyLocked() {
	if s.ready {
		return
	}
	s.ready = true
	close(s.readyCh)
	s.logger.Info("engine ready")
}

func (s *Supervisor) resetReadyLocked() {
	if !s.ready {
		return
	}
	s.ready = false
	s.readyCh = make(chan struct{})
}

func installed(dir string) bool {
	if strings.TrimSpace(dir) == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(dir, "pyproject.toml"))
	return err == nil
}
