package lifecycle

import (
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/g960059/biome/internal/model"
)

type recordingHandlers struct {
	calls []string
}

func (r *recordingHandlers) add(format string, args ...any) {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recordingHandlers) Teardown()                  { r.add("teardown") }
func (r *recordingHandlers) ClearConnectionLost()       { r.add("clear-connection-lost") }
func (r *recordingHandlers) ClearError()                { r.add("clear-error") }
func (r *recordingHandlers) ReportSuppressed(k string)  { r.add("suppressed:%s", k) }
func (r *recordingHandlers) ShowError(msg string)       { r.add("error:%s", msg) }
func (r *recordingHandlers) ShowConnectionLost()        { r.add("connection-lost") }
func (r *recordingHandlers) ErrorDismissed()            { r.add("error-dismissed") }
func (r *recordingHandlers) BeginIntentionalReconnect() { r.add("begin-reconnect") }
func (r *recordingHandlers) StartConnection(seq uint64) { r.add("start:%d", seq) }
func (r *recordingHandlers) TransitionTo(p model.Phase) { r.add("transition:%s", p) }
func (r *recordingHandlers) RequestPointerLock()        { r.add("pointer-lock") }
func (r *recordingHandlers) Resume()                    { r.add("resume") }
func (r *recordingHandlers) Pause()                     { r.add("pause") }

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDispatchRunsEffectsInDeclaredOrder(t *testing.T) {
	fx := Effects{
		Pause:                     true,
		Resume:                    true,
		RequestPointerLock:        true,
		PromoteToStreaming:        true,
		PromoteToPrimed:           true,
		ReconnectTransition:       true,
		StartConnection:           true,
		ConnectionSeq:             7,
		BeginIntentionalReconnect: true,
		ErrorDismissed:            true,
		ConnectionLost:            true,
		ConnectionFailed:          true,
		ErrorMessage:              "refused",
		Suppressed:                SuppressedConnectionLoss,
		ClearError:                true,
		ClearConnectionLost:       true,
		Teardown:                  true,
	}
	h := &recordingHandlers{}
	ran := newTestDispatcher().Dispatch(fx, h)

	want := []string{
		"teardown",
		"clear-connection-lost",
		"clear-error",
		"suppressed:connection_loss",
		"error:refused",
		"connection-lost",
		"error-dismissed",
		"begin-reconnect",
		"start:7",
		"transition:connecting",
		"transition:primed",
		"transition:streaming",
		"pointer-lock",
		"resume",
		"pause",
	}
	if !reflect.DeepEqual(h.calls, want) {
		t.Fatalf("unexpected call order:\n got %v\nwant %v", h.calls, want)
	}
	if !reflect.DeepEqual(ran, fx.Names()) {
		t.Fatalf("dispatched names %v differ from Names() %v", ran, fx.Names())
	}
}

func TestDispatchClearErrorPrecedesStartConnection(t *testing.T) {
	_, fx := Reduce(State{evaluated: true, LastPhase: model.PhaseIdle, TornDownPhase: model.PhaseIdle},
		SyncPayload{Phase: model.PhaseConnecting})
	h := &recordingHandlers{}
	newTestDispatcher().Dispatch(fx, h)
	if !reflect.DeepEqual(h.calls, []string{"clear-error", "start:1"}) {
		t.Fatalf("unexpected calls %v", h.calls)
	}
}

func TestDispatchEmptyEffectsRunsNothing(t *testing.T) {
	h := &recordingHandlers{}
	if ran := newTestDispatcher().Dispatch(Effects{}, h); ran != nil || len(h.calls) != 0 {
		t.Fatalf("empty effects ran %v", h.calls)
	}
}
