// Package realtime fans workflow events out to WebSocket clients and
// coordinates per-PR presence and co-review sessions. Instances share
// two core NATS channels (ws.repo.<repo>, ws.user.<user>); every
// instance subscribes with wildcards and filters against its own
// connection sets, so membership never needs a cross-instance lookup.
package realtime

import (
	"time"

	"github.com/pullsmith/pullsmith/bus"
	"github.com/pullsmith/pullsmith/workflow"
)

// Client frame types.
const (
	msgAuthenticate = "authenticate"
	msgSubscribe    = "subscribe"
	msgJoinReview   = "join_review"
	msgCursorMove   = "cursor_move"
	msgNavigateTo   = "navigate_to"
	msgUpdateStatus = "update_status"
	msgStartSession = "start_session"
	msgJoinSession  = "join_session"
	msgToggleSync   = "toggle_sync"
	msgPing         = "ping"
)

// Server frame types that are not workflow event types.
const (
	frameConnected      = "connected"
	frameAuthenticated  = "authenticated"
	frameSubscribed     = "subscribed"
	frameUnsubscribed   = "unsubscribed"
	frameReviewJoined   = "review_joined"
	frameSessionStarted = "session_started"
	frameSessionJoined  = "session_joined"
	frameError          = "error"
	framePong           = "pong"
)

// ClientMessage is one frame from a client. Type selects which of the
// optional fields apply.
type ClientMessage struct {
	Type          string   `json:"type"`
	Token         string   `json:"token,omitempty"`
	RepositoryIDs []string `json:"repositoryIds,omitempty"`
	RepositoryID  string   `json:"repositoryId,omitempty"`
	PRNumber      int      `json:"prNumber,omitempty"`
	File          string   `json:"file,omitempty"`
	Line          int      `json:"line,omitempty"`
	Column        int      `json:"column,omitempty"`
	Status        string   `json:"status,omitempty"`
	SessionID     string   `json:"sessionId,omitempty"`
	Enabled       bool     `json:"enabled,omitempty"`
}

// ServerMessage is one frame to a client.
type ServerMessage struct {
	Type       string    `json:"type"`
	WorkflowID string    `json:"workflowId,omitempty"`
	Data       any       `json:"data,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func newFrame(frameType string, data any) ServerMessage {
	return ServerMessage{Type: frameType, Data: data, Timestamp: time.Now().UTC()}
}

func errorFrame(message string) ServerMessage {
	return newFrame(frameError, map[string]string{"message": message})
}

// busFrame is the cross-instance envelope. Routing fields ride outside
// the frame because the frame itself is client-facing.
type busFrame struct {
	RepositoryID string        `json:"repositoryId,omitempty"`
	PRNumber     int           `json:"prNumber,omitempty"`
	UserID       string        `json:"userId,omitempty"`
	Frame        ServerMessage `json:"frame"`
}

// Fan-out channels. Repo-scoped frames with a PR number route to that
// PR's review members; without one they route to repo subscribers.
var (
	repoChannel = bus.NewSubject[busFrame]("ws.repo.%s")
	userChannel = bus.NewSubject[busFrame]("ws.user.%s")
)

// eventFrame converts a workflow event into its client frame.
func eventFrame(ev workflow.Event) ServerMessage {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return ServerMessage{
		Type:       string(ev.Type),
		WorkflowID: ev.WorkflowID,
		Data:       ev.Data,
		Timestamp:  ts,
	}
}
