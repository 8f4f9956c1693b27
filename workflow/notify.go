package workflow

import "time"

// EventType names a realtime message type.
type EventType string

const (
	EventWorkflowUpdate   EventType = "workflow_update"
	EventCommentPosted    EventType = "comment_posted"
	EventTestGenerated    EventType = "test_generated"
	EventAnalysisComplete EventType = "analysis_complete"
	EventError            EventType = "error"
	EventPresenceUpdate   EventType = "presence_update"
	EventCursorMove       EventType = "cursor_move"
	EventNavigationSync   EventType = "navigation_sync"
	EventReviewSession    EventType = "review_session_update"
)

// Event is one realtime message fanned out to subscribed clients. The
// client frame is {type, workflowId?, data, timestamp}; RepositoryID and
// UserID are routing metadata and stay off the wire.
type Event struct {
	Type       EventType `json:"type"`
	WorkflowID string    `json:"workflowId,omitempty"`
	Data       any       `json:"data,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	RepositoryID string `json:"-"`
	UserID       string `json:"-"`
}

// NewEvent stamps an event for a workflow's repository subscribers.
func NewEvent(t EventType, w *Workflow, data any) Event {
	return Event{
		Type:         t,
		WorkflowID:   w.ID,
		Data:         data,
		Timestamp:    time.Now().UTC(),
		RepositoryID: w.RepositoryID,
	}
}

// Notifier fans workflow progress out to realtime subscribers. Delivery
// is best-effort; implementations must not block the caller.
type Notifier interface {
	Notify(ev Event)
}

// NopNotifier drops every event.
type NopNotifier struct{}

// Notify discards the event.
func (NopNotifier) Notify(Event) {}
