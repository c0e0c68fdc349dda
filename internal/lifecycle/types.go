// Package lifecycle decides, from a snapshot of every input signal, which
// one-shot side effects a streaming session needs right now. Reduce is
// pure; Machine owns the bookkeeping between evaluations and Dispatcher
// runs the resulting effects in a fixed order.
package lifecycle

import "github.com/g960059/biome/internal/model"

// SyncPayload is one immutable snapshot of all reducer inputs. It is a
// comparable value so callers can detect changes with ==.
type SyncPayload struct {
	Phase          model.Phase
	ConnState      model.ConnectionState
	TransportError string
	DesiredModel   string
	AppliedModel   string
	// EngineError is a failure reported by the connection job or the
	// engine supervisor.
	EngineError string
	// Error is the error currently surfaced to the user.
	Error          string
	Status         model.StatusCode
	HasFrame       bool
	SurfaceReady   bool
	SocketReady    bool
	PortalExpanded bool
	PointerLocked  bool
	SettingsOpen   bool
	Paused         bool
}

// State is the reducer's private bookkeeping. The zero value is the
// initial state.
type State struct {
	Attempted                    bool
	WasConnectedInActiveState    bool
	ErrorActive                  bool
	EngineErrorActive            bool
	IntentionalReconnect         bool
	ReconnectTransitionRequested bool
	PrimedRequested              bool
	StreamingRequested           bool
	PointerLockRequested         bool
	PointerLockAcquired          bool
	ConnectionSeq                uint64
	LastPhase                    model.Phase
	TornDownPhase                model.Phase

	evaluated bool
	last      SyncPayload
}

// Effects is the flat record of side effects produced by one evaluation.
type Effects struct {
	Teardown            bool
	ClearConnectionLost bool
	ClearError          bool
	// Suppressed names a failure that an intentional reconnect swallowed.
	Suppressed                string
	ConnectionFailed          bool
	ErrorMessage              string
	ConnectionLost            bool
	ErrorDismissed            bool
	BeginIntentionalReconnect bool
	StartConnection           bool
	ConnectionSeq             uint64
	ReconnectTransition       bool
	PromoteToPrimed           bool
	PromoteToStreaming        bool
	RequestPointerLock        bool
	Resume                    bool
	Pause                     bool
}

const (
	SuppressedConnectionFailure = "connection_failure"
	SuppressedConnectionLoss    = "connection_loss"
)

func (e Effects) Empty() bool {
	return e == Effects{}
}

// Names lists the fired effects in dispatch order.
func (e Effects) Names() []string {
	var names []string
	for _, step := range EffectOrder {
		if step.fired(e) {
			names = append(names, step.Name)
		}
	}
	return names
}
