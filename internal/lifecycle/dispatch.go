package lifecycle

import (
	"log/slog"

	"github.com/g960059/biome/internal/model"
)

// Handlers executes effects. Every method is a terminal action: it may
// change signals that feed the next payload but must never call back
// into the Machine.
type Handlers interface {
	Teardown()
	ClearConnectionLost()
	ClearError()
	ReportSuppressed(kind string)
	ShowError(message string)
	ShowConnectionLost()
	ErrorDismissed()
	BeginIntentionalReconnect()
	StartConnection(seq uint64)
	TransitionTo(phase model.Phase)
	RequestPointerLock()
	Resume()
	Pause()
}

type effectStep struct {
	Name  string
	fired func(Effects) bool
	run   func(Effects, Handlers)
}

// EffectOrder is the order effects run in, independent of the order the
// reducer derived them.
var EffectOrder = []effectStep{
	{"teardown", func(e Effects) bool { return e.Teardown }, func(_ Effects, h Handlers) { h.Teardown() }},
	{"clear-connection-lost", func(e Effects) bool { return e.ClearConnectionLost }, func(_ Effects, h Handlers) { h.ClearConnectionLost() }},
	{"clear-error", func(e Effects) bool { return e.ClearError }, func(_ Effects, h Handlers) { h.ClearError() }},
	{"suppressed", func(e Effects) bool { return e.Suppressed != "" }, func(e Effects, h Handlers) { h.ReportSuppressed(e.Suppressed) }},
	{"connection-failed", func(e Effects) bool { return e.ConnectionFailed }, func(e Effects, h Handlers) { h.ShowError(e.ErrorMessage) }},
	{"connection-lost", func(e Effects) bool { return e.ConnectionLost }, func(_ Effects, h Handlers) { h.ShowConnectionLost() }},
	{"error-dismissed", func(e Effects) bool { return e.ErrorDismissed }, func(_ Effects, h Handlers) { h.ErrorDismissed() }},
	{"begin-intentional-reconnect", func(e Effects) bool { return e.BeginIntentionalReconnect }, func(_ Effects, h Handlers) { h.BeginIntentionalReconnect() }},
	{"start-connection", func(e Effects) bool { return e.StartConnection }, func(e Effects, h Handlers) { h.StartConnection(e.ConnectionSeq) }},
	{"reconnect-transition", func(e Effects) bool { return e.ReconnectTransition }, func(_ Effects, h Handlers) { h.TransitionTo(model.PhaseConnecting) }},
	{"promote-primed", func(e Effects) bool { return e.PromoteToPrimed }, func(_ Effects, h Handlers) { h.TransitionTo(model.PhasePrimed) }},
	{"promote-streaming", func(e Effects) bool { return e.PromoteToStreaming }, func(_ Effects, h Handlers) { h.TransitionTo(model.PhaseStreaming) }},
	{"request-pointer-lock", func(e Effects) bool { return e.RequestPointerLock }, func(_ Effects, h Handlers) { h.RequestPointerLock() }},
	{"resume", func(e Effects) bool { return e.Resume }, func(_ Effects, h Handlers) { h.Resume() }},
	{"pause", func(e Effects) bool { return e.Pause }, func(_ Effects, h Handlers) { h.Pause() }},
}

type Dispatcher struct {
	logger *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger.With("component", "dispatcher")}
}

// Dispatch runs every fired effect of fx against h in EffectOrder and
// returns the names it ran.
func (d *Dispatcher) Dispatch(fx Effects, h Handlers) []string {
	if fx.Empty() {
		return nil
	}
	var ran []string
	for _, step := range EffectOrder {
		if !step.fired(fx) {
			continue
		}
		d.logger.Debug("effect", "name", step.Name, "seq", fx.ConnectionSeq)
		step.run(fx, h)
		ran = append(ran, step.Name)
	}
	return ran
}
