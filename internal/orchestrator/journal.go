package orchestrator

import (
	"context"
	"time"

	"github.com/g960059/biome/internal/model"
)

const journalTimeout = 2 * time.Second

// Journal writes are best effort: a failing journal is logged and never
// blocks the session.

func (o *Orchestrator) journalCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(o.ctx), journalTimeout)
}

func (o *Orchestrator) beginSession() {
	if o.journal == nil || o.sessionID != "" {
		return
	}
	ctx, cancel := o.journalCtx()
	defer cancel()
	session, err := o.journal.BeginSession(ctx, o.sig.desiredModel, o.clock.Now())
	if err != nil {
		o.logger.Warn("journal begin session failed", "error", err)
		return
	}
	o.sessionID = session.SessionID
}

func (o *Orchestrator) endSession(reason string) {
	if o.journal == nil || o.sessionID == "" {
		return
	}
	ctx, cancel := o.journalCtx()
	defer cancel()
	if err := o.journal.EndSession(ctx, o.sessionID, reason, o.clock.Now()); err != nil {
		o.logger.Warn("journal end session failed", "session_id", o.sessionID, "error", err)
	}
	o.sessionID = ""
}

func (o *Orchestrator) beginAttempt(seq uint64, endpoint string) {
	if o.journal == nil || o.sessionID == "" {
		return
	}
	ctx, cancel := o.journalCtx()
	defer cancel()
	attempt, err := o.journal.RecordAttempt(ctx, model.Attempt{
		SessionID: o.sessionID,
		Seq:       seq,
		Model:     o.sig.desiredModel,
		Endpoint:  endpoint,
		StartedAt: o.clock.Now(),
	})
	if err != nil {
		o.logger.Warn("journal record attempt failed", "seq", seq, "error", err)
		return
	}
	o.attemptID = attempt.AttemptID
}

// finishAttempt closes the pending attempt, if any. Later calls for the
// same attempt are no-ops.
func (o *Orchestrator) finishAttempt(result model.AttemptResult, errText string) {
	if o.journal == nil || o.attemptID == "" {
		return
	}
	ctx, cancel := o.journalCtx()
	defer cancel()
	if err := o.journal.FinishAttempt(ctx, o.attemptID, result, errText, o.clock.Now()); err != nil {
		o.logger.Warn("journal finish attempt failed", "attempt_id", o.attemptID, "error", err)
	}
	o.attemptID = ""
}

func (o *Orchestrator) recordEffects(sessionID string, phase model.Phase, ran []string) {
	if o.journal == nil || sessionID == "" || len(ran) == 0 {
		return
	}
	ctx, cancel := o.journalCtx()
	defer cancel()
	err := o.journal.RecordEvent(ctx, model.LifecycleEvent{
		SessionID: sessionID,
		Phase:     phase,
		Effects:   ran,
		At:        o.clock.Now(),
	})
	if err != nil {
		o.logger.Warn("journal record event failed", "session_id", sessionID, "error", err)
	}
}
