package workflow

import (
	"time"

	"github.com/pullsmith/pullsmith/bus"
)

// DispatchMessage asks an engine instance to run a workflow.
type DispatchMessage struct {
	WorkflowID string    `json:"workflow_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// CancelSignal broadcasts cooperative cancellation for an in-flight workflow.
type CancelSignal struct {
	WorkflowID   string    `json:"workflow_id"`
	Reason       string    `json:"reason"`
	SupersededBy string    `json:"superseded_by,omitempty"`
	SignalledAt  time.Time `json:"signalled_at"`
}

// Typed bus subjects for workflow messages. Dispatch rides the
// work-queue stream; cancel signals ride the events stream. Tokens are
// sanitized with bus.Token before use.
var (
	// Dispatch carries work-queue dispatches; consumed via a durable
	// JetStream consumer, not a core subscription.
	Dispatch = bus.NewSubject[DispatchMessage](bus.DispatchSubject)

	// Cancel fans out cancellation signals; token is the workflow id.
	Cancel = bus.NewSubject[CancelSignal]("events.workflow.cancel.%s")
)
