package orchestrator

import (
	"testing"

	"github.com/g960059/biome/internal/model"
)

func TestPayloadChangesWithEverySignal(t *testing.T) {
	base := newSignals("A")
	mutations := map[string]func(*signals){
		"phase":           func(s *signals) { s.phase = model.PhaseConnecting },
		"conn state":      func(s *signals) { s.connState = model.ConnConnected },
		"transport error": func(s *signals) { s.transportError = "x" },
		"desired model":   func(s *signals) { s.desiredModel = "B" },
		"applied model":   func(s *signals) { s.appliedModel = "A" },
		"engine error":    func(s *signals) { s.engineError = "x" },
		"error":           func(s *signals) { s.errorMsg = "x" },
		"status":          func(s *signals) { s.status = model.StatusReady },
		"frame":           func(s *signals) { s.hasFrame = true },
		"surface":         func(s *signals) { s.surfaceReady = true },
		"socket":          func(s *signals) { s.socketReady = true },
		"expanded":        func(s *signals) { s.portalExpanded = true },
		"pointer lock":    func(s *signals) { s.pointerLocked = true },
		"settings":        func(s *signals) { s.settingsOpen = true },
		"paused":          func(s *signals) { s.paused = true },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			next := base
			mutate(&next)
			if next.payload() == base.payload() {
				t.Fatalf("payload did not change")
			}
		})
	}
}

func TestApplyConnState(t *testing.T) {
	s := newSignals("A")
	s.applyConnState(model.ConnConnected, "")
	if !s.socketReady {
		t.Fatalf("expected socket ready while connected")
	}
	s.applyConnState(model.ConnError, "refused")
	if s.socketReady || s.transportError != "refused" {
		t.Fatalf("unexpected signals after error: %+v", s)
	}
	s.applyConnState(model.ConnConnecting, "")
	if s.transportError != "" {
		t.Fatalf("transport error not cleared on reconnect")
	}
}

func TestResetSessionKeepsUserSignals(t *testing.T) {
	s := newSignals("A")
	s.appliedModel = "A"
	s.status = model.StatusReady
	s.hasFrame = true
	s.surfaceReady = true
	s.resetSession()
	if s.appliedModel != "" || s.status != model.StatusNone || s.hasFrame {
		t.Fatalf("session signals survived reset: %+v", s)
	}
	if !s.surfaceReady || s.desiredModel != "A" {
		t.Fatalf("user signals lost: %+v", s)
	}
}

func TestQueuePreservesOrder(t *testing.T) {
	q := newQueue()
	var got []int
	for i := range 5 {
		q.push(func() { got = append(got, i) })
	}
	select {
	case <-q.wake:
	default:
		t.Fatalf("push did not wake the loop")
	}
	for _, ev := range q.drain() {
		ev()
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %v", got)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("events out of order: %v", got)
		}
	}
	if len(q.drain()) != 0 {
		t.Fatalf("drain left events behind")
	}
}
