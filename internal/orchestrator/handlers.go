package orchestrator

import (
	"time"

	"github.com/g960059/biome/internal/connjob"
	"github.com/g960059/biome/internal/lifecycle"
	"github.com/g960059/biome/internal/model"
)

// handlers executes lifecycle effects on the loop goroutine. They only
// change signals and collaborators; the loop re-syncs afterwards.
type handlers struct {
	o *Orchestrator
}

var _ lifecycle.Handlers = handlers{}

func (h handlers) Teardown() {
	o := h.o
	o.runner.Cancel()
	o.transport.Disconnect()
	o.sig.resetSession()
	if o.lock != nil {
		o.lock.Release()
	}
	o.sig.pointerLocked = false
	o.sig.settingsOpen = false
	o.sig.paused = false
	o.pauseTicker.stop()
	o.pauseTicker = nil
	o.pausedFor = 0
	o.fpsTicker.stop()
	o.fpsTicker = nil
	o.fps = 0
	o.finishAttempt(model.AttemptSuperseded, "")
	o.endSession("teardown")
}

func (h handlers) ClearConnectionLost() {
	h.o.connectionLost = false
}

func (h handlers) ClearError() {
	h.o.sig.errorMsg = ""
	h.o.sig.engineError = ""
}

func (h handlers) ReportSuppressed(kind string) {
	h.o.logger.Info("failure suppressed by intentional reconnect", "kind", kind, "seq", h.o.seq)
}

func (h handlers) ShowError(message string) {
	o := h.o
	o.logger.Warn("connection failed", "seq", o.seq, "error", message)
	o.sig.errorMsg = message
	o.finishAttempt(model.AttemptFailed, message)
}

func (h handlers) ShowConnectionLost() {
	h.o.logger.Warn("connection lost", "seq", h.o.seq)
	h.o.connectionLost = true
}

func (h handlers) ErrorDismissed() {
	h.o.portal.Transition(model.PhaseIdle)
}

func (h handlers) BeginIntentionalReconnect() {
	o := h.o
	o.logger.Info("switching model", "from", o.sig.appliedModel, "to", o.sig.desiredModel)
	o.runner.Cancel()
	o.transport.Disconnect()
}

func (h handlers) StartConnection(seq uint64) {
	o := h.o
	o.seq = seq
	o.sig.resetSession()
	if o.placeholders != nil && o.frames != nil {
		frame, err := o.placeholders.Placeholder()
		if err != nil {
			o.logger.Warn("placeholder unavailable", "error", err)
		} else {
			o.frames.Present(frame)
		}
	}

	endpoint := o.cfg.Endpoint()
	o.finishAttempt(model.AttemptSuperseded, "")
	o.beginSession()
	o.beginAttempt(seq, endpoint)

	req := connjob.Request{
		Seq:        seq,
		Model:      o.sig.desiredModel,
		Seed:       o.cfg.Seed,
		Endpoint:   endpoint,
		Standalone: o.cfg.Features.UseStandaloneEngine,
	}
	o.logger.Info("starting connection", "seq", seq, "model", req.Model, "standalone", req.Standalone)
	o.runner.Start(o.ctx, req, func(res connjob.Result) {
		o.queue.push(func() { o.jobFinished(res) })
	})
}

func (h handlers) TransitionTo(phase model.Phase) {
	h.o.portal.Transition(phase)
}

func (h handlers) RequestPointerLock() {
	if h.o.lock != nil {
		h.o.lock.Request()
	}
}

func (h handlers) Resume() {
	o := h.o
	o.sig.settingsOpen = false
	o.sig.paused = false
	o.pauseTicker.stop()
	o.pauseTicker = nil
	o.pausedFor = 0
	if err := o.transport.SendPause(false); err != nil {
		o.logger.Debug("resume not sent", "error", err)
	}
}

func (h handlers) Pause() {
	o := h.o
	o.sig.settingsOpen = true
	o.sig.paused = true
	o.pausedAt = o.clock.Now()
	o.pausedFor = 0
	if err := o.transport.SendPause(true); err != nil {
		o.logger.Debug("pause not sent", "error", err)
	}
	o.pauseTicker.stop()
	o.pauseTicker = o.startTicker(o.cfg.PauseTick, func(now time.Time) {
		o.pausedFor = now.Sub(o.pausedAt)
	})
}
