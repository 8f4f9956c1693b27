package realtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pullsmith/pullsmith/metrics"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// maxFrameSize bounds inbound frames; clients only send small
	// control messages.
	maxFrameSize = 64 << 10
	// sendBuffer is the per-connection outbound queue. When it fills,
	// frames are dropped; the REST API is the recovery path.
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// conn is one WebSocket client. Its identity and membership maps are
// guarded by the hub mutex; authed is only touched from the read loop.
type conn struct {
	hub *Hub
	ws  *websocket.Conn

	send       chan ServerMessage
	sendMu     sync.Mutex
	sendClosed bool

	authed bool
	userID string

	repos  map[string]struct{}
	joined map[string]struct{}
}

// ServeHTTP upgrades the request and runs the connection until the
// client leaves or stops answering pings.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade rejected", slog.String("error", err.Error()))
		return
	}
	c := &conn{
		hub:    h,
		ws:     ws,
		send:   make(chan ServerMessage, sendBuffer),
		repos:  make(map[string]struct{}),
		joined: make(map[string]struct{}),
	}
	h.register(c)
	go c.writePump()
	c.enqueue(newFrame(frameConnected, map[string]any{
		"heartbeatSeconds": int(h.interval.Seconds()),
	}))
	c.readPump()
}

// enqueue queues a frame without blocking. A full queue means the
// client is not keeping up and the frame is dropped.
func (c *conn) enqueue(frame ServerMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- frame:
		metrics.WSMessagesTotal.WithLabelValues("outbound").Inc()
	default:
	}
}

// closeSend stops the write loop. Called once the hub has detached the
// connection, so no more frames can arrive.
func (c *conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// close tears the transport down; the read loop then unwinds through
// unregister.
func (c *conn) close() {
	_ = c.ws.Close()
}

// readPump consumes client frames. The read deadline spans two
// heartbeat intervals plus slack, so a client that misses two pongs in
// a row gets terminated.
func (c *conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.ws.Close()
	}()
	wait := 2*c.hub.interval + c.hub.interval/2
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		// Any frame proves liveness, not just pongs.
		_ = c.ws.SetReadDeadline(time.Now().Add(wait))
		if kind != websocket.TextMessage {
			continue
		}
		metrics.WSMessagesTotal.WithLabelValues("inbound").Inc()
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(errorFrame("malformed frame"))
			continue
		}
		c.handle(msg)
	}
}

// writePump drains the send queue and pings on the heartbeat interval.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.interval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle dispatches one client frame. Everything except authenticate
// and ping requires a verified identity first.
func (c *conn) handle(msg ClientMessage) {
	switch msg.Type {
	case msgPing:
		c.enqueue(newFrame(framePong, nil))
		return
	case msgAuthenticate:
		c.handleAuthenticate(msg)
		return
	}
	if !c.authed {
		c.enqueue(errorFrame("authentication required"))
		return
	}
	switch msg.Type {
	case msgSubscribe:
		c.handleSubscribe(msg)
	case msgJoinReview:
		c.handleJoinReview(msg)
	case msgCursorMove:
		c.handleCursorMove(msg)
	case msgNavigateTo:
		c.handleNavigateTo(msg)
	case msgUpdateStatus:
		c.handleUpdateStatus(msg)
	case msgStartSession:
		c.handleStartSession(msg)
	case msgJoinSession:
		c.handleJoinSession(msg)
	case msgToggleSync:
		c.handleToggleSync(msg)
	default:
		c.enqueue(errorFrame(fmt.Sprintf("unknown message type %q", msg.Type)))
	}
}

func (c *conn) handleAuthenticate(msg ClientMessage) {
	if c.authed {
		c.enqueue(newFrame(frameAuthenticated, map[string]string{"userId": c.userID}))
		return
	}
	userID, err := c.hub.authenticate(c, msg.Token)
	if err != nil {
		c.enqueue(errorFrame("invalid token"))
		return
	}
	c.authed = true
	c.enqueue(newFrame(frameAuthenticated, map[string]string{"userId": userID}))
}

func (c *conn) handleSubscribe(msg ClientMessage) {
	removed := c.hub.subscribeRepos(c, msg.RepositoryIDs)
	c.enqueue(newFrame(frameSubscribed, map[string]any{"repositoryIds": msg.RepositoryIDs}))
	if len(removed) > 0 {
		c.enqueue(newFrame(frameUnsubscribed, map[string]any{"repositoryIds": removed}))
	}
}

func (c *conn) handleJoinReview(msg ClientMessage) {
	if msg.RepositoryID == "" || msg.PRNumber <= 0 {
		c.enqueue(errorFrame("join_review requires repositoryId and prNumber"))
		return
	}
	roster, session, frame := c.hub.joinReview(c, msg.RepositoryID, msg.PRNumber)
	c.enqueue(newFrame(frameReviewJoined, map[string]any{
		"repositoryId": msg.RepositoryID,
		"prNumber":     msg.PRNumber,
		"presence":     roster,
		"session":      session,
	}))
	c.hub.publish(frame)
}

// handleCursorMove drops silently when the sender is not in a review;
// cursor frames are too frequent to argue about.
func (c *conn) handleCursorMove(msg ClientMessage) {
	key, err := c.targetReview(msg)
	if err != nil {
		return
	}
	frame, ok := c.hub.cursorMove(c, key, msg.File, msg.Line, msg.Column)
	if !ok {
		return
	}
	c.hub.publish(frame)
}

func (c *conn) handleNavigateTo(msg ClientMessage) {
	key, err := c.targetReview(msg)
	if err != nil {
		c.enqueue(errorFrame(err.Error()))
		return
	}
	frame, broadcast := c.hub.navigate(c, key, msg.File, msg.Line)
	if broadcast {
		c.hub.publish(frame)
	}
}

func (c *conn) handleUpdateStatus(msg ClientMessage) {
	if !validPresenceStatus(msg.Status) {
		c.enqueue(errorFrame(fmt.Sprintf("invalid status %q", msg.Status)))
		return
	}
	key, err := c.targetReview(msg)
	if err != nil {
		c.enqueue(errorFrame(err.Error()))
		return
	}
	frame, ok := c.hub.updateStatus(c, key, msg.Status)
	if !ok {
		c.enqueue(errorFrame(errNotJoined.Error()))
		return
	}
	c.hub.publish(frame)
}

func (c *conn) handleStartSession(msg ClientMessage) {
	if msg.RepositoryID == "" || msg.PRNumber <= 0 {
		c.enqueue(errorFrame("start_session requires repositoryId and prNumber"))
		return
	}
	session, frame, err := c.hub.startSession(c, msg.RepositoryID, msg.PRNumber)
	if err != nil {
		c.enqueue(errorFrame(err.Error()))
		return
	}
	c.enqueue(newFrame(frameSessionStarted, map[string]any{"session": session}))
	c.hub.publish(frame)
}

func (c *conn) handleJoinSession(msg ClientMessage) {
	if msg.SessionID == "" {
		c.enqueue(errorFrame("join_session requires sessionId"))
		return
	}
	session, frame, err := c.hub.joinSession(c, msg.SessionID)
	if err != nil {
		c.enqueue(errorFrame(err.Error()))
		return
	}
	c.enqueue(newFrame(frameSessionJoined, map[string]any{"session": session}))
	c.hub.publish(frame)
}

func (c *conn) handleToggleSync(msg ClientMessage) {
	key, err := c.targetReview(msg)
	if err != nil {
		c.enqueue(errorFrame(err.Error()))
		return
	}
	frame, err := c.hub.toggleSync(c, key, msg.Enabled)
	if err != nil {
		c.enqueue(errorFrame(err.Error()))
		return
	}
	c.hub.publish(frame)
}

// targetReview resolves which review a frame addresses: an explicit
// repositoryId and prNumber win; otherwise the connection's sole
// joined review.
func (c *conn) targetReview(msg ClientMessage) (string, error) {
	if msg.RepositoryID != "" && msg.PRNumber > 0 {
		return reviewKey(msg.RepositoryID, msg.PRNumber), nil
	}
	keys := c.hub.joinedKeys(c)
	switch len(keys) {
	case 0:
		return "", errNotJoined
	case 1:
		return keys[0], nil
	}
	return "", errAmbiguousReview
}
