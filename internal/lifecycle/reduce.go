package lifecycle

import "github.com/g960059/biome/internal/model"

const (
	msgConnectionError  = "Could not connect to the engine"
	msgConnectionClosed = "The engine closed the connection before the session was ready"
)

// Reduce derives the next State and the effects that must fire for this
// evaluation. It performs no I/O. Re-evaluating an identical payload
// yields empty effects.
func Reduce(prev State, p SyncPayload) (State, Effects) {
	var fx Effects
	if prev.evaluated && prev.last == p {
		return prev, fx
	}

	s := prev
	entered := !prev.evaluated || p.Phase != prev.LastPhase
	if entered {
		releaseGuards(&s, p.Phase)
	}

	// entry into connecting
	if entered && p.Phase == model.PhaseConnecting {
		s.ConnectionSeq++
		s.Attempted = false
		fx.ClearError = true
		fx.StartConnection = true
		fx.ConnectionSeq = s.ConnectionSeq
	}

	// intentional reconnect
	if p.Phase == model.PhaseStreaming && p.ConnState == model.ConnConnected &&
		!s.IntentionalReconnect && modelChanged(p) {
		s.IntentionalReconnect = true
		s.ReconnectTransitionRequested = false
		fx.BeginIntentionalReconnect = true
	}
	if s.IntentionalReconnect && p.Phase == model.PhaseStreaming &&
		p.ConnState.Failed() && !s.ReconnectTransitionRequested {
		s.ReconnectTransitionRequested = true
		fx.ReconnectTransition = true
	}

	// teardown, once per idle phase value
	if p.Phase.SessionActive() {
		s.TornDownPhase = ""
	} else if s.TornDownPhase != p.Phase {
		s.TornDownPhase = p.Phase
		fx.Teardown = true
	}

	// promotion gates
	ready := p.ConnState == model.ConnConnected && p.Status.Ready()
	if p.Phase == model.PhaseConnecting && !s.PrimedRequested &&
		ready && p.HasFrame && p.SurfaceReady {
		s.PrimedRequested = true
		fx.PromoteToPrimed = true
	}
	if p.Phase == model.PhasePrimed && !s.StreamingRequested &&
		ready && p.PortalExpanded && p.SocketReady {
		s.StreamingRequested = true
		fx.PromoteToStreaming = true
	}

	// pointer lock
	if p.Phase == model.PhaseStreaming {
		switch {
		case !s.PointerLockRequested:
			if p.SocketReady {
				s.PointerLockRequested = true
				fx.RequestPointerLock = true
			}
		case p.PointerLocked:
			s.PointerLockAcquired = true
			if p.SettingsOpen || p.Paused {
				fx.Resume = true
			}
		case s.PointerLockAcquired && !p.SettingsOpen && !p.Paused:
			fx.Pause = true
		}
	}

	// failure while connecting
	if p.Phase == model.PhaseConnecting {
		switch {
		case p.ConnState == model.ConnConnecting:
			s.Attempted = true
		case s.Attempted && p.ConnState.Failed():
			s.Attempted = false
			if s.IntentionalReconnect {
				fx.Suppressed = SuppressedConnectionFailure
			} else {
				fx.ConnectionFailed = true
				fx.ErrorMessage = failureMessage(p)
			}
		}
	}

	// loss after promotion
	if p.Phase.PostPromotion() {
		switch {
		case p.ConnState.Live():
			s.WasConnectedInActiveState = true
		case s.WasConnectedInActiveState && p.ConnState.Failed():
			s.WasConnectedInActiveState = false
			if s.IntentionalReconnect {
				fx.Suppressed = SuppressedConnectionLoss
			} else {
				fx.ConnectionLost = true
			}
		}
	}

	if entered && p.Phase == model.PhaseIdle {
		s.Attempted = false
		s.WasConnectedInActiveState = false
		s.IntentionalReconnect = false
		s.ReconnectTransitionRequested = false
		fx.ClearConnectionLost = true
	}

	// reconnect completed
	if p.Phase == model.PhaseConnecting && p.ConnState == model.ConnConnected && s.IntentionalReconnect {
		s.IntentionalReconnect = false
		s.ReconnectTransitionRequested = false
	}

	// Engine failures reach the user through the same channel as
	// transport failures, but only while a session is active. A stale
	// error is discarded on connecting entry.
	engineErr := p.EngineError != ""
	if fx.ClearError {
		s.EngineErrorActive = false
	} else {
		if engineErr && !s.EngineErrorActive && !fx.ConnectionFailed && p.Phase.SessionActive() {
			fx.ConnectionFailed = true
			fx.ErrorMessage = p.EngineError
		}
		if s.EngineErrorActive && !engineErr {
			fx.ErrorDismissed = true
		}
		s.EngineErrorActive = engineErr
	}

	shown := p.Error != ""
	if fx.ClearError {
		s.ErrorActive = false
	} else {
		if s.ErrorActive && !shown {
			fx.ErrorDismissed = true
		}
		s.ErrorActive = shown
	}

	s.LastPhase = p.Phase
	s.last = p
	s.evaluated = true
	return s, fx
}

// releaseGuards clears the one-shot flags of every phase other than
// next so they can fire again on the following pass.
func releaseGuards(s *State, next model.Phase) {
	if next != model.PhaseConnecting {
		s.PrimedRequested = false
	}
	if next != model.PhasePrimed {
		s.StreamingRequested = false
	}
	if next != model.PhaseStreaming {
		s.PointerLockRequested = false
		s.PointerLockAcquired = false
		s.ReconnectTransitionRequested = false
	}
}

func modelChanged(p SyncPayload) bool {
	return p.DesiredModel != "" && p.AppliedModel != "" && p.DesiredModel != p.AppliedModel
}

func failureMessage(p SyncPayload) string {
	if p.TransportError != "" {
		return p.TransportError
	}
	if p.ConnState == model.ConnError {
		return msgConnectionError
	}
	return msgConnectionClosed
}
