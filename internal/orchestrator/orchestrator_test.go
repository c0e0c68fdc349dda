package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/g960059/biome/internal/clock"
	"github.com/g960059/biome/internal/config"
	"github.com/g960059/biome/internal/connjob"
	"github.com/g960059/biome/internal/db"
	"github.com/g960059/biome/internal/engine"
	"github.com/g960059/biome/internal/model"
	"github.com/g960059/biome/internal/portal"
	"github.com/g960059/biome/internal/testutil"
	"github.com/g960059/biome/internal/transport"
)

type fakeEngine struct {
	status   engine.Status
	readyErr error
}

func (e *fakeEngine) CheckStatus(context.Context) (engine.Status, error) { return e.status, nil }
func (e *fakeEngine) Start(context.Context) error                        { return nil }
func (e *fakeEngine) WaitReady(context.Context) error                    { return e.readyErr }

// fakeTransport connects instantly and answers set_model with a ready
// status and one frame.
type fakeTransport struct {
	mu          sync.Mutex
	sink        func(transport.Event)
	connectErr  error
	models      []string
	pauses      []bool
	disconnects int
}

func (t *fakeTransport) emit(ev transport.Event) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	sink(ev)
}

func (t *fakeTransport) emitState(state model.ConnectionState, msg string) {
	t.emit(transport.Event{Kind: transport.EventState, State: state, Message: msg})
}

func (t *fakeTransport) Connect(ctx context.Context, endpoint string) error {
	t.emitState(model.ConnConnecting, "")
	t.mu.Lock()
	err := t.connectErr
	t.mu.Unlock()
	if err != nil {
		msg := fmt.Sprintf("connect %s: %v", endpoint, err)
		t.emitState(model.ConnError, msg)
		return fmt.Errorf("%s: %w: %s", model.ErrTransportUnavailable, transport.ErrDialFailed, msg)
	}
	t.emitState(model.ConnConnected, "")
	return nil
}

func (t *fakeTransport) SendModel(id, _ string) error {
	t.mu.Lock()
	t.models = append(t.models, id)
	t.mu.Unlock()
	t.emit(transport.Event{Kind: transport.EventStatus, Status: model.StatusReady})
	t.emit(transport.Event{Kind: transport.EventFrame, Frame: model.Frame{ID: 1, Data: []byte{0xff, 0xd8}}})
	return nil
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	t.disconnects++
	t.mu.Unlock()
	t.emitState(model.ConnDisconnected, "")
}

func (t *fakeTransport) SendControl([]string, float64, float64) error { return nil }

func (t *fakeTransport) SendPause(paused bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pauses = append(t.pauses, paused)
	return nil
}

func (t *fakeTransport) snapshot() (models []string, pauses []bool, disconnects int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.models), slices.Clone(t.pauses), t.disconnects
}

// fakeLock grants every request at once.
type fakeLock struct {
	mu       sync.Mutex
	o        *Orchestrator
	requests int
	releases int
}

func (l *fakeLock) Request() {
	l.mu.Lock()
	l.requests++
	o := l.o
	l.mu.Unlock()
	o.SetPointerLocked(true)
}

func (l *fakeLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
}

func (l *fakeLock) counts() (requests, releases int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests, l.releases
}

type fakeFrames struct {
	mu     sync.Mutex
	frames []model.Frame
}

func (f *fakeFrames) Present(frame model.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

func (f *fakeFrames) list() []model.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.frames)
}

type fakePlaceholders struct{}

func (fakePlaceholders) Placeholder() (model.Frame, error) {
	return model.Frame{ID: -1, Placeholder: true}, nil
}

type harness struct {
	o      *Orchestrator
	tr     *fakeTransport
	eng    *fakeEngine
	lock   *fakeLock
	frames *fakeFrames
	clock  *clock.FakeClock
	store  *db.Store
	cfg    config.Config
	cancel context.CancelFunc
	done   chan error
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, mutate func(*harness)) *harness {
	t.Helper()
	store, _ := testutil.NewStore(t)
	cfg := config.DefaultConfig()
	cfg.Model = "A"
	cfg.Features.UseStandaloneEngine = false
	cfg.PauseTick = time.Second
	cfg.FrameRateWindow = time.Second

	h := &harness{
		tr:     &fakeTransport{},
		eng:    &fakeEngine{status: engine.Status{Reachable: true}},
		lock:   &fakeLock{},
		frames: &fakeFrames{},
		clock:  clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		store:  store,
		cfg:    cfg,
	}
	if mutate != nil {
		mutate(h)
	}
	pm, err := portal.New(discardLogger(), h.clock, portal.Timings{})
	if err != nil {
		t.Fatalf("portal: %v", err)
	}
	o, err := New(Deps{
		Config:       h.cfg,
		Portal:       pm,
		Engine:       h.eng,
		Transport:    h.tr,
		PointerLock:  h.lock,
		Frames:       h.frames,
		Placeholders: fakePlaceholders{},
		Journal:      store,
		Clock:        h.clock,
		Logger:       discardLogger(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	h.o = o
	h.tr.sink = o.HandleTransportEvent
	h.lock.o = o

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- o.Run(ctx) }()
	t.Cleanup(h.stop)
	o.SetSurfaceReady(true)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func (h *harness) waitFor(t *testing.T, desc string, cond func(View) bool) View {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		changed := h.o.Changed()
		v := h.o.Snapshot()
		if cond(v) {
			return v
		}
		select {
		case <-changed:
		case <-deadline:
			t.Fatalf("timed out waiting for %s; last view %+v", desc, v)
		}
	}
}

// toStreaming drives a session from idle or connecting to streaming with
// the pointer locked.
func (h *harness) toStreaming(t *testing.T) View {
	t.Helper()
	if h.o.Snapshot().Phase == model.PhaseIdle {
		h.o.Connect()
	}
	h.waitFor(t, "primed", func(v View) bool { return v.Phase == model.PhasePrimed })
	h.o.SetPortalExpanded(true)
	return h.waitFor(t, "streaming with lock", func(v View) bool {
		return v.Phase == model.PhaseStreaming && v.PointerLocked
	})
}

func TestConnectPromotesToStreaming(t *testing.T) {
	h := newHarness(t, nil)
	v := h.toStreaming(t)
	if v.Error != "" || v.ConnectionLost {
		t.Fatalf("unexpected error state %+v", v)
	}
	v = h.waitFor(t, "model applied", func(v View) bool { return v.AppliedModel == "A" })
	if v.Seq != 1 || v.SessionID == "" {
		t.Fatalf("expected first sequence with a journal session, got %+v", v)
	}

	frames := h.frames.list()
	if len(frames) < 2 || !frames[0].Placeholder || frames[1].Placeholder {
		t.Fatalf("expected placeholder before the first real frame, got %+v", frames)
	}
	if requests, _ := h.lock.counts(); requests != 1 {
		t.Fatalf("expected one pointer lock request, got %d", requests)
	}
	if err := h.o.SendControl(nil, 1, 0); err != nil {
		t.Fatalf("send control while streaming: %v", err)
	}
}

func TestSendControlRequiresStreaming(t *testing.T) {
	h := newHarness(t, nil)
	h.waitFor(t, "idle", func(v View) bool { return v.Phase == model.PhaseIdle })
	if err := h.o.SendControl(nil, 0, 0); !errors.Is(err, ErrNotStreaming) {
		t.Fatalf("expected ErrNotStreaming, got %v", err)
	}
}

func TestModelSwitchReconnectsWithoutError(t *testing.T) {
	h := newHarness(t, nil)
	h.toStreaming(t)
	h.waitFor(t, "model applied", func(v View) bool { return v.AppliedModel == "A" })

	h.o.SelectModel("B")
	h.waitFor(t, "reconnecting", func(v View) bool { return v.Phase == model.PhasePrimed && v.Seq == 2 })
	h.o.SetPortalExpanded(true)
	v := h.waitFor(t, "streaming on B", func(v View) bool {
		return v.Phase == model.PhaseStreaming && v.AppliedModel == "B"
	})
	if v.Error != "" || v.ConnectionLost {
		t.Fatalf("intentional reconnect surfaced an error: %+v", v)
	}
	models, _, disconnects := h.tr.snapshot()
	if !slices.Equal(models, []string{"A", "B"}) {
		t.Fatalf("unexpected models sent %v", models)
	}
	if disconnects < 2 {
		t.Fatalf("expected the reconnect to disconnect the transport, got %d disconnects", disconnects)
	}

	attempts, err := h.store.ListAttempts(context.Background(), 10)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 2 || attempts[0].Seq != 2 || attempts[0].Result != model.AttemptConnected {
		t.Fatalf("unexpected attempts %+v", attempts)
	}
}

func TestTransportFailureSurfacesAndDismissReturnsToIdle(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.tr.connectErr = errors.New("connection refused") })
	h.o.Connect()
	v := h.waitFor(t, "error shown", func(v View) bool { return v.Error != "" })
	if !strings.Contains(v.Error, "connection refused") || v.Phase != model.PhaseConnecting {
		t.Fatalf("unexpected failure view %+v", v)
	}

	h.o.DismissError()
	h.waitFor(t, "idle after dismissal", func(v View) bool { return v.Phase == model.PhaseIdle && v.Error == "" })

	attempts, err := h.store.ListAttempts(context.Background(), 10)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Result != model.AttemptFailed || attempts[0].ErrorText == nil {
		t.Fatalf("expected one failed attempt, got %+v", attempts)
	}
}

func TestEngineFailureUsesErrorChannel(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.cfg.Features.UseStandaloneEngine = true
		h.eng.status = engine.Status{Running: true}
		h.eng.readyErr = errors.New(model.ErrEngineUnavailable + ": not ready after 3m0s")
	})
	h.o.Connect()
	v := h.waitFor(t, "engine error", func(v View) bool { return v.Error != "" })
	if !strings.Contains(v.Error, model.ErrEngineUnavailable) {
		t.Fatalf("unexpected error %q", v.Error)
	}
	if models, _, _ := h.tr.snapshot(); len(models) != 0 {
		t.Fatalf("transport used after engine failure: %v", models)
	}
}

func TestConnectionLossShowsBannerAndDismissTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.toStreaming(t)
	h.tr.emitState(model.ConnError, "socket closed")
	h.waitFor(t, "connection lost", func(v View) bool { return v.ConnectionLost })

	h.o.DismissConnectionLost()
	v := h.waitFor(t, "idle", func(v View) bool { return v.Phase == model.PhaseIdle && !v.ConnectionLost })
	if v.PointerLocked || v.AppliedModel != "" || v.SessionID != "" {
		t.Fatalf("teardown left session state behind: %+v", v)
	}
	if _, releases := h.lock.counts(); releases == 0 {
		t.Fatalf("pointer lock not released on teardown")
	}
}

func TestPauseAndResumeFollowPointerLock(t *testing.T) {
	h := newHarness(t, nil)
	h.toStreaming(t)

	h.o.SetPointerLocked(false)
	h.waitFor(t, "paused", func(v View) bool { return v.Paused && v.SettingsOpen })

	// frame rate sampler and pause ticker
	h.clock.WaitForTimers(2)
	h.clock.Advance(time.Second)
	h.waitFor(t, "pause elapsed", func(v View) bool { return v.PausedFor == time.Second })

	h.o.SetPointerLocked(true)
	v := h.waitFor(t, "resumed", func(v View) bool { return !v.Paused && !v.SettingsOpen })
	if v.PausedFor != 0 {
		t.Fatalf("pause countdown not reset: %v", v.PausedFor)
	}
	if _, pauses, _ := h.tr.snapshot(); !slices.Equal(pauses, []bool{true, false}) {
		t.Fatalf("unexpected pause messages %v", pauses)
	}
}

func TestDisconnectTearsDownAndJournalsEffects(t *testing.T) {
	h := newHarness(t, nil)
	v := h.toStreaming(t)
	sessionID := v.SessionID

	if err := h.o.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	h.waitFor(t, "idle", func(v View) bool { return v.Phase == model.PhaseIdle && v.SessionID == "" })

	ctx := context.Background()
	session, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.EndedAt == nil || session.EndReason != "teardown" {
		t.Fatalf("session not ended by teardown: %+v", session)
	}
	events, err := h.store.ListEvents(ctx, sessionID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var names []string
	for _, ev := range events {
		names = append(names, ev.Effects...)
	}
	for _, want := range []string{"start-connection", "promote-primed", "promote-streaming", "request-pointer-lock", "teardown"} {
		if !slices.Contains(names, want) {
			t.Fatalf("journal missing %q in %v", want, names)
		}
	}
}

func TestStaleJobResultIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.toStreaming(t)
	h.waitFor(t, "model applied", func(v View) bool { return v.AppliedModel == "A" })

	h.o.queue.push(func() { h.o.jobFinished(connjob.Result{Seq: 99, Model: "stale"}) })
	h.o.queue.push(func() { h.o.jobFinished(connjob.Result{Seq: 0, Err: errors.New("old failure")}) })
	got := make(chan signals, 1)
	h.o.queue.push(func() { got <- h.o.sig })

	select {
	case sig := <-got:
		if sig.appliedModel != "A" || sig.errorMsg != "" || sig.engineError != "" {
			t.Fatalf("stale result changed state: %+v", sig)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("loop did not process events")
	}
}

func TestJobResultAfterTeardownIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	v := h.toStreaming(t)
	if err := h.o.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	h.waitFor(t, "idle", func(v View) bool { return v.Phase == model.PhaseIdle })

	seq := v.Seq
	h.o.queue.push(func() { h.o.jobFinished(connjob.Result{Seq: seq, Err: errors.New("late job failure")}) })
	h.o.queue.push(func() { h.o.jobFinished(connjob.Result{Seq: seq, Model: "late"}) })
	got := make(chan signals, 1)
	h.o.queue.push(func() { got <- h.o.sig })

	select {
	case sig := <-got:
		if sig.engineError != "" || sig.errorMsg != "" || sig.appliedModel != "" {
			t.Fatalf("late result changed idle state: %+v", sig)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("loop did not process events")
	}
	if v := h.o.Snapshot(); v.Error != "" || v.Phase != model.PhaseIdle {
		t.Fatalf("late result surfaced: %+v", v)
	}
}

func TestSyncSettlesOnLastAllowedPass(t *testing.T) {
	h := newHarness(t, nil)
	tests := []struct {
		name      string
		maxPasses int
		want      bool
	}{
		{"one pass is enough", 1, true},
		{"no pass allowed", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := make(chan bool, 1)
			h.o.queue.push(func() {
				h.o.maxPasses = tt.maxPasses
				h.o.sig.status = model.StatusLoading
				if h.o.sig.status == h.o.last.Status {
					h.o.sig.status = model.StatusInit
				}
				settled := h.o.sync()
				h.o.maxPasses = maxSyncPasses
				got <- settled
			})
			select {
			case settled := <-got:
				if settled != tt.want {
					t.Fatalf("expected settled=%t, got %t", tt.want, settled)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("loop did not process events")
			}
		})
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatalf("expected error without collaborators")
	}
}
