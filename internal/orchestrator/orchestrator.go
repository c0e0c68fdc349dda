// Package orchestrator owns one portal session end to end. It turns
// transport, engine, portal and user signals into sync payloads, feeds
// them through the lifecycle machine, and executes the resulting effects.
// All signal state lives on a single event loop goroutine.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/g960059/biome/internal/clock"
	"github.com/g960059/biome/internal/config"
	"github.com/g960059/biome/internal/connjob"
	"github.com/g960059/biome/internal/lifecycle"
	"github.com/g960059/biome/internal/model"
	"github.com/g960059/biome/internal/portal"
	"github.com/g960059/biome/internal/security"
	"github.com/g960059/biome/internal/transport"
)

// maxSyncPasses bounds how often one event may re-dispatch because an
// effect changed a signal.
const maxSyncPasses = 8

var ErrNotStreaming = errors.New("session is not streaming")

type Transport interface {
	connjob.Transport
	Disconnect()
	SendControl(buttons []string, dx, dy float64) error
	SendPause(paused bool) error
}

// PointerLock grabs and releases the input device. The owner reports
// the actual lock state back through SetPointerLocked.
type PointerLock interface {
	Request()
	Release()
}

type FrameSink interface {
	Present(frame model.Frame)
}

type Placeholders interface {
	Placeholder() (model.Frame, error)
}

type Journal interface {
	BeginSession(ctx context.Context, modelID string, at time.Time) (model.Session, error)
	EndSession(ctx context.Context, sessionID, reason string, at time.Time) error
	RecordAttempt(ctx context.Context, attempt model.Attempt) (model.Attempt, error)
	FinishAttempt(ctx context.Context, attemptID string, result model.AttemptResult, errText string, at time.Time) error
	RecordEvent(ctx context.Context, event model.LifecycleEvent) error
}

// Deps are the collaborators of an Orchestrator. PointerLock, Frames,
// Placeholders and Journal are optional.
type Deps struct {
	Config       config.Config
	Portal       *portal.Machine
	Engine       connjob.Engine
	Transport    Transport
	PointerLock  PointerLock
	Frames       FrameSink
	Placeholders Placeholders
	Journal      Journal
	Clock        clock.Clock
	Logger       *slog.Logger
}

// View is a read-only snapshot of the session for callers outside the
// loop.
type View struct {
	Phase          model.Phase
	ConnState      model.ConnectionState
	DesiredModel   string
	AppliedModel   string
	Status         model.StatusCode
	Error          string
	ConnectionLost bool
	HasFrame       bool
	PortalExpanded bool
	PointerLocked  bool
	SettingsOpen   bool
	Paused         bool
	PausedFor      time.Duration
	FPS            float64
	Seq            uint64
	SessionID      string
}

type Orchestrator struct {
	cfg          config.Config
	portal       *portal.Machine
	transport    Transport
	runner       *connjob.Runner
	machine      *lifecycle.Machine
	dispatcher   *lifecycle.Dispatcher
	lock         PointerLock
	frames       FrameSink
	placeholders Placeholders
	journal      Journal
	clock        clock.Clock
	logger       *slog.Logger
	queue        *queue

	// loop state
	ctx            context.Context
	sig            signals
	last           lifecycle.SyncPayload
	dispatched     bool
	maxPasses      int
	seq            uint64
	connectionLost bool
	pausedAt       time.Time
	pausedFor      time.Duration
	frameCount     int
	fps            float64
	pauseTicker    *loopTicker
	fpsTicker      *loopTicker
	sessionID      string
	attemptID      string

	viewMu  sync.Mutex
	view    View
	changed chan struct{}
	running bool
}

func New(deps Deps) (*Orchestrator, error) {
	if deps.Portal == nil || deps.Transport == nil || deps.Engine == nil {
		return nil, errors.New("orchestrator: portal, engine and transport are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	o := &Orchestrator{
		cfg:          deps.Config,
		portal:       deps.Portal,
		transport:    deps.Transport,
		runner:       connjob.New(deps.Engine, deps.Transport, logger),
		machine:      lifecycle.NewMachine(),
		dispatcher:   lifecycle.NewDispatcher(logger),
		lock:         deps.PointerLock,
		frames:       deps.Frames,
		placeholders: deps.Placeholders,
		journal:      deps.Journal,
		clock:        clk,
		logger:       logger.With("component", "orchestrator"),
		queue:        newQueue(),
		ctx:          context.Background(),
		sig:          newSignals(deps.Config.Model),
		changed:      make(chan struct{}),
		maxPasses:    maxSyncPasses,
	}
	o.view = o.buildView()
	return o, nil
}

// Run is the event loop. It returns nil once ctx ends, after tearing the
// session down.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.viewMu.Lock()
	if o.running {
		o.viewMu.Unlock()
		return errors.New("orchestrator already running")
	}
	o.running = true
	o.viewMu.Unlock()

	o.ctx = ctx
	unregister := o.portal.OnPhaseChange(func(next, prev model.Phase) {
		o.queue.push(func() { o.phaseChanged(next, prev) })
	})
	defer unregister()

	o.sig.phase = o.portal.Phase()
	o.sync()
	o.publish()
	for {
		for _, ev := range o.queue.drain() {
			ev()
			o.sync()
		}
		o.publish()
		select {
		case <-ctx.Done():
			o.close()
			return nil
		case <-o.queue.wake:
		}
	}
}

// sync rebuilds the payload and dispatches it until no effect changes a
// signal any more. It reports false if the payload still changed after
// maxPasses dispatches.
func (o *Orchestrator) sync() bool {
	h := handlers{o}
	for pass := 0; ; pass++ {
		p := o.sig.payload()
		if o.dispatched && p == o.last {
			return true
		}
		if pass == o.maxPasses {
			o.logger.Warn("lifecycle did not settle", "passes", o.maxPasses, "phase", o.sig.phase)
			return false
		}
		o.dispatched = true
		o.last = p
		fx := o.machine.Dispatch(p)
		if fx.Empty() {
			continue
		}
		sessionID := o.sessionID
		ran := o.dispatcher.Dispatch(fx, h)
		if sessionID == "" {
			sessionID = o.sessionID
		}
		o.recordEffects(sessionID, p.Phase, ran)
	}
}

func (o *Orchestrator) close() {
	o.runner.Cancel()
	o.transport.Disconnect()
	o.pauseTicker.stop()
	o.fpsTicker.stop()
	o.pauseTicker, o.fpsTicker = nil, nil
	o.finishAttempt(model.AttemptSuperseded, "")
	o.endSession("shutdown")
	o.runner.Wait()
	o.publish()
}

func (o *Orchestrator) phaseChanged(next, prev model.Phase) {
	o.sig.phase = next
	o.sig.portalExpanded = o.portal.Expanded()
	o.logger.Info("phase changed", "from", prev, "to", next)
	if next == model.PhaseStreaming {
		if o.fpsTicker == nil {
			o.frameCount = 0
			o.fpsTicker = o.startTicker(o.cfg.FrameRateWindow, o.sampleFrameRate)
		}
		return
	}
	o.fpsTicker.stop()
	o.fpsTicker = nil
	o.fps = 0
}

func (o *Orchestrator) sampleFrameRate(time.Time) {
	o.fps = float64(o.frameCount) / o.cfg.FrameRateWindow.Seconds()
	o.frameCount = 0
	o.logger.Debug("frame rate", "fps", o.fps)
}

// HandleTransportEvent is the transport's sink.
func (o *Orchestrator) HandleTransportEvent(ev transport.Event) {
	o.queue.push(func() { o.transportEvent(ev) })
}

func (o *Orchestrator) transportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventState:
		o.sig.applyConnState(ev.State, security.RedactPayload(ev.Message))
	case transport.EventFrame:
		o.sig.hasFrame = true
		o.frameCount++
		if o.frames != nil {
			o.frames.Present(ev.Frame)
		}
	case transport.EventStatus:
		o.sig.status = ev.Status
	case transport.EventError:
		o.logger.Warn("engine reported error", "message", ev.Message)
		o.sig.engineError = ev.Message
	}
}

// jobFinished applies the outcome of the connection job for seq. Results
// of superseded jobs, or arriving after teardown, are ignored.
func (o *Orchestrator) jobFinished(res connjob.Result) {
	if res.Seq != o.seq || o.sig.phase == model.PhaseIdle {
		o.logger.Debug("ignoring stale connection result", "seq", res.Seq, "current", o.seq, "phase", o.sig.phase)
		return
	}
	if res.Err != nil {
		msg := security.RedactError(res.Err)
		o.logger.Warn("connection job failed", "seq", res.Seq, "error", msg)
		o.finishAttempt(model.AttemptFailed, msg)
		if errors.Is(res.Err, transport.ErrDialFailed) {
			// already surfaced through the transport's error state
			return
		}
		o.sig.engineError = msg
		return
	}
	o.sig.appliedModel = res.Model
	o.finishAttempt(model.AttemptConnected, "")
}

func (o *Orchestrator) publish() {
	v := o.buildView()
	o.viewMu.Lock()
	o.view = v
	close(o.changed)
	o.changed = make(chan struct{})
	o.viewMu.Unlock()
}

func (o *Orchestrator) buildView() View {
	return View{
		Phase:          o.sig.phase,
		ConnState:      o.sig.connState,
		DesiredModel:   o.sig.desiredModel,
		AppliedModel:   o.sig.appliedModel,
		Status:         o.sig.status,
		Error:          o.sig.errorMsg,
		ConnectionLost: o.connectionLost,
		HasFrame:       o.sig.hasFrame,
		PortalExpanded: o.sig.portalExpanded,
		PointerLocked:  o.sig.pointerLocked,
		SettingsOpen:   o.sig.settingsOpen,
		Paused:         o.sig.paused,
		PausedFor:      o.pausedFor,
		FPS:            o.fps,
		Seq:            o.seq,
		SessionID:      o.sessionID,
	}
}

// Snapshot returns the view published after the last processed batch of
// events.
func (o *Orchestrator) Snapshot() View {
	o.viewMu.Lock()
	defer o.viewMu.Unlock()
	return o.view
}

// Changed closes the next time a new view is published.
func (o *Orchestrator) Changed() <-chan struct{} {
	o.viewMu.Lock()
	defer o.viewMu.Unlock()
	return o.changed
}

// Connect starts a session from idle.
func (o *Orchestrator) Connect() {
	o.queue.push(func() {
		if o.sig.phase != model.PhaseIdle {
			o.logger.Debug("connect ignored", "phase", o.sig.phase)
			return
		}
		o.portal.Transition(model.PhaseConnecting)
	})
}

// Disconnect plays the portal's teardown animation and returns to idle.
// It blocks until the animation has finished or ctx ends.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	return o.portal.Shutdown(ctx)
}

// SelectModel changes the desired model. While streaming this triggers
// an intentional reconnect.
func (o *Orchestrator) SelectModel(id string) {
	o.queue.push(func() { o.sig.desiredModel = id })
}

func (o *Orchestrator) SetPointerLocked(locked bool) {
	o.queue.push(func() { o.sig.pointerLocked = locked })
}

func (o *Orchestrator) SetSettingsOpen(open bool) {
	o.queue.push(func() { o.sig.settingsOpen = open })
}

func (o *Orchestrator) SetPaused(paused bool) {
	o.queue.push(func() { o.sig.paused = paused })
}

func (o *Orchestrator) SetSurfaceReady(ready bool) {
	o.queue.push(func() { o.sig.surfaceReady = ready })
}

// SetPortalExpanded forwards the surface's expansion report to the portal.
func (o *Orchestrator) SetPortalExpanded(expanded bool) {
	o.queue.push(func() {
		o.portal.SetExpanded(expanded)
		o.sig.portalExpanded = o.portal.Expanded()
	})
}

// DismissError hides the error overlay. The lifecycle then returns the
// portal to idle.
func (o *Orchestrator) DismissError() {
	o.queue.push(func() {
		o.sig.errorMsg = ""
		o.sig.engineError = ""
	})
}

// DismissConnectionLost hides the banner and ends the session.
func (o *Orchestrator) DismissConnectionLost() {
	o.queue.push(func() {
		if !o.connectionLost {
			return
		}
		o.connectionLost = false
		o.portal.Transition(model.PhaseIdle)
	})
}

// SendControl forwards input to the engine while streaming.
func (o *Orchestrator) SendControl(buttons []string, dx, dy float64) error {
	if o.Snapshot().Phase != model.PhaseStreaming {
		return ErrNotStreaming
	}
	return o.transport.SendControl(buttons, dx, dy)
}
