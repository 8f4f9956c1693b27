package workflow

import (
	"fmt"
	"time"
)

// legalTransitions maps each state to the states it may move to.
// PENDING and RUNNING may be superseded; AWAITING_REVIEW completes on
// reviewer resolution or is cancelled by a newer head sha.
var legalTransitions = map[Status][]Status{
	StatusPending:        {StatusRunning, StatusCancelled},
	StatusRunning:        {StatusAwaitingReview, StatusFailed, StatusCancelled},
	StatusAwaitingReview: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to Status) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the workflow to a new status, stamping the relevant
// timestamps. It returns an error for illegal transitions so callers
// persist only consistent records.
func (w *Workflow) Transition(to Status) error {
	if !CanTransition(w.Status, to) {
		return fmt.Errorf("illegal workflow transition %s → %s (workflow %s)", w.Status, to, w.ID)
	}

	now := time.Now().UTC()
	w.Status = to
	w.CheckpointAt = now

	switch to {
	case StatusRunning:
		if w.StartedAt == nil {
			w.StartedAt = &now
		}
	case StatusCompleted, StatusFailed, StatusCancelled:
		w.CompletedAt = &now
	}

	return nil
}

// Checkpoint refreshes the checkpoint timestamp without changing state.
// The engine calls it around side-effects so a crash is detectable by
// checkpoint age.
func (w *Workflow) Checkpoint() {
	w.CheckpointAt = time.Now().UTC()
}
