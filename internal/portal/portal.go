// Package portal holds the coarse session phase shown by the portal UI and
// the static graph of legal phase changes between idle, connecting,
// primed and streaming.
package portal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robbyt/go-fsm"

	"github.com/g960059/biome/internal/clock"
	"github.com/g960059/biome/internal/model"
)

// Transitions maps each phase to the phases reachable in one step.
// Self edges mark idempotent re-entry.
var Transitions = map[model.Phase][]model.Phase{
	model.PhaseIdle:       {model.PhaseIdle, model.PhaseConnecting},
	model.PhaseConnecting: {model.PhaseConnecting, model.PhasePrimed, model.PhaseIdle},
	model.PhasePrimed:     {model.PhasePrimed, model.PhaseStreaming, model.PhaseConnecting, model.PhaseIdle},
	model.PhaseStreaming:  {model.PhaseStreaming, model.PhaseConnecting, model.PhaseIdle},
}

func CanTransition(from, to model.Phase) bool {
	for _, next := range Transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Listener observes successful phase changes.
type Listener func(next, previous model.Phase)

// Timings are the durations of the portal animations.
type Timings struct {
	Grow     time.Duration
	Shrink   time.Duration
	Teardown time.Duration
}

type listenerEntry struct {
	id uint64
	fn Listener
}

type Machine struct {
	logger  *slog.Logger
	clock   clock.Clock
	timings Timings

	mu         sync.Mutex
	fsm        *fsm.Machine
	runID      uint64
	cancelRun  context.CancelFunc
	settled    chan struct{}
	expanded   bool
	listeners  []listenerEntry
	nextListen uint64
}

func New(logger *slog.Logger, clk clock.Clock, timings Timings) (*Machine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	logger = logger.With("component", "portal")
	machine, err := newFSM(logger)
	if err != nil {
		return nil, err
	}
	settled := make(chan struct{})
	close(settled)
	return &Machine{
		logger:    logger,
		clock:     clk,
		timings:   timings,
		fsm:       machine,
		cancelRun: func() {},
		settled:   settled,
	}, nil
}

func newFSM(logger *slog.Logger) (*fsm.Machine, error) {
	graph := make(map[string][]string, len(Transitions))
	for from, targets := range Transitions {
		names := make([]string, 0, len(targets))
		for _, to := range targets {
			if to == from {
				// self edges are handled before the fsm is consulted
				continue
			}
			names = append(names, string(to))
		}
		graph[string(from)] = names
	}
	return fsm.New(logger.Handler(), string(model.PhaseIdle), graph)
}

func (m *Machine) Phase() model.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.Phase(m.fsm.GetState())
}

// Settled closes once the current phase has finished its animation.
func (m *Machine) Settled() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settled
}

// Expanded reports whether the display surface has reported the portal
// as visually connected.
func (m *Machine) Expanded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expanded
}

// SetExpanded records the surface's expansion report. It is ignored
// outside primed and streaming and reports whether the flag changed.
func (m *Machine) SetExpanded(expanded bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expanded && !model.Phase(m.fsm.GetState()).PostPromotion() {
		return false
	}
	if m.expanded == expanded {
		return false
	}
	m.expanded = expanded
	return true
}

// Transition moves to next if the graph allows it. Listeners run before
// it returns. The returned channel closes when the phase is settled:
// immediately, or after the grow/shrink hand-off when entering
// connecting, or as soon as a newer request supersedes the hand-off.
func (m *Machine) Transition(next model.Phase) (<-chan struct{}, bool) {
	m.mu.Lock()
	prev := model.Phase(m.fsm.GetState())
	if !CanTransition(prev, next) {
		m.mu.Unlock()
		m.logger.Warn("rejected phase transition", "from", prev, "to", next)
		return nil, false
	}
	if prev == next {
		settled := m.settled
		m.mu.Unlock()
		return settled, true
	}
	if err := m.fsm.Transition(string(next)); err != nil {
		m.mu.Unlock()
		m.logger.Warn("rejected phase transition", "from", prev, "to", next, "error", err)
		return nil, false
	}
	runCtx, run := m.beginRunLocked()
	settled := make(chan struct{})
	m.settled = settled
	if !next.PostPromotion() {
		m.expanded = false
	}
	listeners := m.listeners
	m.mu.Unlock()

	m.logger.Debug("phase changed", "from", prev, "to", next)
	for _, l := range listeners {
		l.fn(next, prev)
	}
	if next == model.PhaseConnecting {
		go m.handoff(runCtx, run, settled)
	} else {
		close(settled)
	}
	return settled, true
}

// TransitionTo is Transition followed by waiting for the phase to settle.
func (m *Machine) TransitionTo(ctx context.Context, next model.Phase) bool {
	settled, ok := m.Transition(next)
	if !ok {
		return false
	}
	select {
	case <-settled:
	case <-ctx.Done():
	}
	return true
}

// Shutdown plays the teardown animation and then forces the phase back
// to idle regardless of the graph. Transitions requested while the
// animation plays are overridden; only ctx can abort the reset.
func (m *Machine) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.beginRunLocked()
	m.mu.Unlock()

	if !m.wait(ctx, context.Background(), m.timings.Teardown) {
		return ctx.Err()
	}

	m.mu.Lock()
	m.beginRunLocked()
	prev := model.Phase(m.fsm.GetState())
	fresh, err := newFSM(m.logger)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.fsm = fresh
	m.expanded = false
	settled := make(chan struct{})
	close(settled)
	m.settled = settled
	listeners := m.listeners
	m.mu.Unlock()

	if prev == model.PhaseIdle {
		return nil
	}
	m.logger.Debug("phase reset", "from", prev)
	for _, l := range listeners {
		l.fn(model.PhaseIdle, prev)
	}
	return nil
}

// OnPhaseChange registers fn and returns its unregister func. Both are
// safe to call from inside a listener: dispatch iterates a snapshot.
func (m *Machine) OnPhaseChange(fn Listener) func() {
	m.mu.Lock()
	m.nextListen++
	id := m.nextListen
	n := len(m.listeners)
	m.listeners = append(m.listeners[:n:n], listenerEntry{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			kept := make([]listenerEntry, 0, len(m.listeners))
			for _, l := range m.listeners {
				if l.id != id {
					kept = append(kept, l)
				}
			}
			m.listeners = kept
		})
	}
}

func (m *Machine) beginRunLocked() (context.Context, uint64) {
	m.cancelRun()
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelRun = cancel
	m.runID++
	return ctx, m.runID
}

func (m *Machine) handoff(runCtx context.Context, run uint64, settled chan struct{}) {
	defer close(settled)
	for _, step := range []time.Duration{m.timings.Grow, m.timings.Shrink} {
		if !m.wait(context.Background(), runCtx, step) || !m.current(run) {
			return
		}
	}
	m.logger.Debug("hand-off settled")
}

func (m *Machine) current(run uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runID == run
}

// wait reports false when either context ends before d elapses.
func (m *Machine) wait(ctx, runCtx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil && runCtx.Err() == nil
	}
	select {
	case <-m.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-runCtx.Done():
		return false
	}
}
