// Package connjob runs sequenced connection attempts. Only the attempt
// started last may report an outcome; older ones abandon their remaining
// steps silently.
package connjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/g960059/biome/internal/engine"
	"github.com/g960059/biome/internal/model"
)

type Engine interface {
	CheckStatus(ctx context.Context) (engine.Status, error)
	Start(ctx context.Context) error
	WaitReady(ctx context.Context) error
}

type Transport interface {
	Connect(ctx context.Context, endpoint string) error
	SendModel(id, seed string) error
}

type Request struct {
	Seq      uint64
	Model    string
	Seed     string
	Endpoint string
	// Standalone makes the job verify, and if needed start, the local
	// engine before connecting.
	Standalone bool
}

type Result struct {
	Seq   uint64
	Model string
	Err   error
	// Stale is set when a newer request or Cancel overtook the job.
	Stale bool
}

type Runner struct {
	engine    Engine
	transport Transport
	logger    *slog.Logger

	mu        sync.Mutex
	current   uint64
	cancelled bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(eng Engine, transport Transport, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		engine:    eng,
		transport: transport,
		logger:    logger.With("component", "connjob"),
		cancel:    func() {},
	}
}

// Start runs req in the background. report is called once with the
// outcome unless the job goes stale.
func (r *Runner) Start(ctx context.Context, req Request, report func(Result)) {
	jobCtx, done := r.begin(ctx, req.Seq)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer done()
		res := r.run(jobCtx, req)
		if res.Stale || !r.live(req.Seq) {
			r.logger.Debug("dropping stale connection job", "seq", req.Seq)
			return
		}
		if report != nil {
			report(res)
		}
	}()
}

// Run executes req synchronously.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	jobCtx, done := r.begin(ctx, req.Seq)
	defer done()
	return r.run(jobCtx, req)
}

// Cancel makes the current job stale.
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	r.cancel()
}

func (r *Runner) Current() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Wait blocks until every started job has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) begin(ctx context.Context, seq uint64) (context.Context, context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobCtx, cancel := context.WithCancel(ctx)
	if seq < r.current {
		// an older request arriving late is stale from the start
		cancel()
		return jobCtx, cancel
	}
	r.cancel()
	r.current = seq
	r.cancelled = false
	r.cancel = cancel
	return jobCtx, cancel
}

func (r *Runner) live(seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.cancelled && r.current == seq
}

func (r *Runner) run(ctx context.Context, req Request) Result {
	stale := Result{Seq: req.Seq, Model: req.Model, Stale: true}
	fail := func(err error) Result {
		if !r.live(req.Seq) || errors.Is(err, context.Canceled) {
			return stale
		}
		return Result{Seq: req.Seq, Model: req.Model, Err: err}
	}

	if req.Standalone {
		if !r.live(req.Seq) {
			return stale
		}
		st, err := r.engine.CheckStatus(ctx)
		if err != nil {
			return fail(fmt.Errorf("%s: check engine: %w", model.ErrEngineUnavailable, err))
		}
		if !st.Reachable {
			if !st.Running {
				if !r.live(req.Seq) {
					return stale
				}
				r.logger.Info("starting local engine", "seq", req.Seq)
				if err := r.engine.Start(ctx); err != nil {
					return fail(err)
				}
			}
			if !r.live(req.Seq) {
				return stale
			}
			if err := r.engine.WaitReady(ctx); err != nil {
				return fail(err)
			}
		}
	}

	if !r.live(req.Seq) {
		return stale
	}
	if err := r.transport.Connect(ctx, req.Endpoint); err != nil {
		return fail(err)
	}
	if !r.live(req.Seq) {
		return stale
	}
	if err := r.transport.SendModel(req.Model, req.Seed); err != nil {
		return fail(fmt.Errorf("%s: send model: %w", model.ErrTransportUnavailable, err))
	}
	if !r.live(req.Seq) {
		return stale
	}
	r.logger.Debug("connection job finished", "seq", req.Seq, "model", req.Model)
	return Result{Seq: req.Seq, Model: req.Model}
}
