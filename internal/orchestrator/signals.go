package orchestrator

import (
	"github.com/g960059/biome/internal/lifecycle"
	"github.com/g960059/biome/internal/model"
)

// signals holds the current value of every reducer input. Only the event
// loop touches it.
type signals struct {
	phase          model.Phase
	connState      model.ConnectionState
	transportError string
	desiredModel   string
	appliedModel   string
	engineError    string
	errorMsg       string
	status         model.StatusCode
	hasFrame       bool
	surfaceReady   bool
	socketReady    bool
	portalExpanded bool
	pointerLocked  bool
	settingsOpen   bool
	paused         bool
}

func newSignals(desiredModel string) signals {
	return signals{
		phase:        model.PhaseIdle,
		connState:    model.ConnIdle,
		desiredModel: desiredModel,
	}
}

func (s signals) payload() lifecycle.SyncPayload {
	return lifecycle.SyncPayload{
		Phase:          s.phase,
		ConnState:      s.connState,
		TransportError: s.transportError,
		DesiredModel:   s.desiredModel,
		AppliedModel:   s.appliedModel,
		EngineError:    s.engineError,
		Error:          s.errorMsg,
		Status:         s.status,
		HasFrame:       s.hasFrame,
		SurfaceReady:   s.surfaceReady,
		SocketReady:    s.socketReady,
		PortalExpanded: s.portalExpanded,
		PointerLocked:  s.pointerLocked,
		SettingsOpen:   s.settingsOpen,
		Paused:         s.paused,
	}
}

// applyConnState records a transport state change. The socket is writable
// only while connected.
func (s *signals) applyConnState(state model.ConnectionState, msg string) {
	s.connState = state
	s.socketReady = state == model.ConnConnected
	if state == model.ConnError {
		s.transportError = msg
	} else {
		s.transportError = ""
	}
}

// resetSession forgets everything learned from the previous connection.
func (s *signals) resetSession() {
	s.appliedModel = ""
	s.status = model.StatusNone
	s.hasFrame = false
}
