package model

import "time"

// Phase is the coarse portal session phase.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhasePrimed     Phase = "primed"
	PhaseStreaming  Phase = "streaming"
)

// SessionActive reports whether the phase owns a live (or pending) session.
func (p Phase) SessionActive() bool {
	switch p {
	case PhaseConnecting, PhasePrimed, PhaseStreaming:
		return true
	default:
		return false
	}
}

// PostPromotion reports whether the phase is past the connecting gate.
func (p Phase) PostPromotion() bool {
	return p == PhasePrimed || p == PhaseStreaming
}

// PhaseOrder lists phases in their linear progression.
var PhaseOrder = []Phase{PhaseIdle, PhaseConnecting, PhasePrimed, PhaseStreaming}

type ConnectionState string

const (
	ConnIdle         ConnectionState = "idle"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
	ConnError        ConnectionState = "error"
)

// Live reports connecting or connected.
func (s ConnectionState) Live() bool {
	return s == ConnConnecting || s == ConnConnected
}

// Failed reports disconnected or error.
func (s ConnectionState) Failed() bool {
	return s == ConnDisconnected || s == ConnError
}

// StatusCode is the engine readiness token carried by status messages.
type StatusCode string

const (
	StatusNone           StatusCode = ""
	StatusWaitingForSeed StatusCode = "waiting_for_seed"
	StatusInit           StatusCode = "init"
	StatusLoading        StatusCode = "loading"
	StatusReady          StatusCode = "ready"
	StatusReset          StatusCode = "reset"
	StatusWarmup         StatusCode = "warmup"
)

func (c StatusCode) Ready() bool {
	return c == StatusReady
}

type EngineHealth string

const (
	EngineHealthOK       EngineHealth = "ok"
	EngineHealthDegraded EngineHealth = "degraded"
	EngineHealthDown     EngineHealth = "down"
)

// Frame is one encoded image delivered to the display surface.
type Frame struct {
	ID          int64
	Data        []byte
	ClientTS    float64
	GenMS       float64
	Placeholder bool
	ReceivedAt  time.Time
}

type AttemptResult string

const (
	AttemptPending    AttemptResult = "pending"
	AttemptConnected  AttemptResult = "connected"
	AttemptFailed     AttemptResult = "failed"
	AttemptSuperseded AttemptResult = "superseded"
)

type Session struct {
	SessionID string
	Model     string
	StartedAt time.Time
	EndedAt   *time.Time
	EndReason string
}

type Attempt struct {
	AttemptID  string
	SessionID  string
	Seq        uint64
	Model      string
	Endpoint   string
	StartedAt  time.Time
	FinishedAt *time.Time
	Result     AttemptResult
	ErrorText  *string
}

type LifecycleEvent struct {
	EventID   string
	SessionID string
	Phase     Phase
	Effects   []string
	At        time.Time
}

// Error codes used as prefixes on wrapped errors.
const (
	ErrEngineUnavailable    = "E_ENGINE_UNAVAILABLE"
	ErrTransportUnavailable = "E_TRANSPORT_UNAVAILABLE"
	ErrSeedInvalid          = "E_SEED_INVALID"
)
