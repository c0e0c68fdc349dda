package engine

import (
	"time"

	"github.com/g960059/biome/internal/config"
	"github.com/g960059/biome/internal/model"
)

type HealthState struct {
	Current              model.EngineHealth
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

// NextHealth folds one probe outcome into state: ok degrades on the first
// failure, goes down after DownFailures inside DownWindow, and recovers
// after RecoverSuccesses consecutive successes.
func NextHealth(cfg config.EngineConfig, state HealthState, success bool, now time.Time) HealthState {
	if state.Current == "" {
		state.Current = model.EngineHealthOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if state.Current != model.EngineHealthOK && state.ConsecutiveSuccesses >= cfg.RecoverSuccesses {
			state.Current = model.EngineHealthOK
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case model.EngineHealthOK:
		state.Current = model.EngineHealthDegraded
		state.LastTransitionAt = now
	case model.EngineHealthDegraded:
		if now.Sub(state.LastTransitionAt) > cfg.DownWindow {
			// window expired; this failure opens a new one
			state.ConsecutiveFailures = 1
			state.LastTransitionAt = now
			return state
		}
		if state.ConsecutiveFailures >= cfg.DownFailures {
			state.Current = model.EngineHealthDown
			state.LastTransitionAt = now
		}
	case model.EngineHealthDown:
	}
	return state
}
