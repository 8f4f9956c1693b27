package realtime

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/pullsmith/pullsmith/bus"
	"github.com/pullsmith/pullsmith/metrics"
	"github.com/pullsmith/pullsmith/workflow"
)

// Client-facing interaction failures. The text goes straight into
// error frames.
var (
	errNotJoined       = errors.New("join the review first")
	errSessionActive   = errors.New("a session is already active for this review")
	errUnknownSession  = errors.New("unknown session")
	errNotHost         = errors.New("only the session host may do that")
	errAmbiguousReview = errors.New("multiple reviews joined; specify repositoryId and prNumber")
)

const (
	// defaultHeartbeat is the ping cadence for idle connections.
	defaultHeartbeat = 30 * time.Second
	// janitorEvery is the idle-review sweep cadence.
	janitorEvery = time.Minute
	// reviewIdleMax evicts reviews nobody touched for a day.
	reviewIdleMax = 24 * time.Hour
)

// Config tunes the hub.
type Config struct {
	// AuthSecret signs and verifies connection tokens.
	AuthSecret string
	// HeartbeatInterval is the ping cadence; two missed pongs terminate
	// the connection.
	HeartbeatInterval time.Duration
}

// Hub owns this instance's WebSocket connections and bridges them to
// the shared fan-out channels. It implements workflow.Notifier, so the
// engine and publisher hand it events directly.
type Hub struct {
	secret   []byte
	interval time.Duration
	nc       *nats.Conn
	logger   *slog.Logger

	mu          sync.RWMutex
	conns       map[*conn]struct{}
	subscribers map[string]map[*conn]struct{}
	users       map[string]map[*conn]struct{}
	reviews     map[string]*review

	subs []*nats.Subscription
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewHub builds a hub publishing through nc.
func NewHub(cfg Config, nc *nats.Conn, logger *slog.Logger) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		secret:      []byte(cfg.AuthSecret),
		interval:    cfg.HeartbeatInterval,
		nc:          nc,
		logger:      logger.With(slog.String("component", "realtime")),
		conns:       make(map[*conn]struct{}),
		subscribers: make(map[string]map[*conn]struct{}),
		users:       make(map[string]map[*conn]struct{}),
		reviews:     make(map[string]*review),
		stop:        make(chan struct{}),
	}
}

// Start subscribes the fan-out channels and starts the review janitor.
func (h *Hub) Start() error {
	repoSub, err := repoChannel.Subscribe(h.nc, repoChannel.For("*"), h.onFrame)
	if err != nil {
		return err
	}
	userSub, err := userChannel.Subscribe(h.nc, userChannel.For("*"), h.onUserFrame)
	if err != nil {
		_ = repoSub.Unsubscribe()
		return err
	}
	h.subs = append(h.subs, repoSub, userSub)

	h.wg.Add(1)
	go h.janitor()
	return nil
}

// Stop unsubscribes, stops the janitor, and closes every connection.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.stop) })
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.wg.Wait()

	h.mu.RLock()
	open := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		open = append(open, c)
	}
	h.mu.RUnlock()
	for _, c := range open {
		c.close()
	}
}

// Notify publishes a workflow event onto the fan-out channels. Events
// carrying a user id route to that user's connections everywhere;
// otherwise they go to the repository's subscribers.
func (h *Hub) Notify(ev workflow.Event) {
	h.publish(busFrame{
		RepositoryID: ev.RepositoryID,
		UserID:       ev.UserID,
		Frame:        eventFrame(ev),
	})
}

var _ workflow.Notifier = (*Hub)(nil)

func (h *Hub) publish(frame busFrame) {
	var err error
	switch {
	case frame.UserID != "":
		err = userChannel.Publish(h.nc, frame, bus.Token(frame.UserID))
	case frame.RepositoryID != "":
		err = repoChannel.Publish(h.nc, frame, bus.Token(frame.RepositoryID))
	default:
		return
	}
	if err != nil {
		h.logger.Warn("Publish realtime frame",
			slog.String("type", frame.Frame.Type),
			slog.String("error", err.Error()))
	}
}

// onFrame fans a repo-channel frame out to this instance's local sets.
// Frames scoped to a PR go to that review's members; the rest go to
// repository subscribers. Senders receive their own broadcasts; clients
// filter by user id.
func (h *Hub) onFrame(frame busFrame) {
	h.mu.RLock()
	var targets []*conn
	if frame.PRNumber > 0 {
		if rv, ok := h.reviews[reviewKey(frame.RepositoryID, frame.PRNumber)]; ok {
			for c := range rv.members {
				targets = append(targets, c)
			}
		}
	} else {
		for c := range h.subscribers[frame.RepositoryID] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame.Frame)
	}
}

func (h *Hub) onUserFrame(frame busFrame) {
	h.mu.RLock()
	var targets []*conn
	for c := range h.users[frame.UserID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame.Frame)
	}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	metrics.WSConnections.Inc()
}

// unregister detaches the connection from every registry and broadcasts
// the presence changes it caused.
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	for repo := range c.repos {
		dropConn(h.subscribers, repo, c)
	}
	if c.userID != "" {
		dropConn(h.users, c.userID, c)
	}

	var updates []busFrame
	for key := range c.joined {
		rv, ok := h.reviews[key]
		if !ok {
			continue
		}
		delete(rv.members, c)
		updates = append(updates, h.leaveLocked(rv, c.userID)...)
		if len(rv.members) == 0 {
			delete(h.reviews, key)
		}
	}
	h.mu.Unlock()

	metrics.WSConnections.Dec()
	c.closeSend()
	for _, f := range updates {
		h.publish(f)
	}
}

// leaveLocked reconciles a review after userID's connection left it and
// returns the frames to broadcast. The user may still be present
// through another connection. Callers hold h.mu.
func (h *Hub) leaveLocked(rv *review, userID string) []busFrame {
	stillPresent := false
	for _, p := range rv.members {
		if p.UserID == userID {
			stillPresent = true
			break
		}
	}

	var updates []busFrame
	if rv.session != nil && userID != "" && !stillPresent {
		if rv.session.HostUserID == userID {
			// The host anchors the session; without them it ends.
			rv.session = nil
		} else if rv.session.participant(userID) {
			kept := rv.session.Participants[:0]
			for _, id := range rv.session.Participants {
				if id != userID {
					kept = append(kept, id)
				}
			}
			rv.session.Participants = kept
		}
		updates = append(updates, h.sessionFrameLocked(rv))
	}
	if len(rv.members) > 0 {
		rv.touch()
		updates = append(updates, h.presenceFrameLocked(rv))
	}
	return updates
}

func dropConn(set map[string]map[*conn]struct{}, key string, c *conn) {
	if conns, ok := set[key]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(set, key)
		}
	}
}

func addConn(set map[string]map[*conn]struct{}, key string, c *conn) {
	conns, ok := set[key]
	if !ok {
		conns = make(map[*conn]struct{})
		set[key] = conns
	}
	conns[c] = struct{}{}
}

// presenceFrameLocked builds the roster broadcast for a review.
func (h *Hub) presenceFrameLocked(rv *review) busFrame {
	return busFrame{
		RepositoryID: rv.repositoryID,
		PRNumber:     rv.prNumber,
		Frame: newFrame(string(workflow.EventPresenceUpdate), map[string]any{
			"repositoryId": rv.repositoryID,
			"prNumber":     rv.prNumber,
			"presence":     rv.roster(),
		}),
	}
}

// sessionFrameLocked builds the session broadcast; a nil session means
// it ended.
func (h *Hub) sessionFrameLocked(rv *review) busFrame {
	return busFrame{
		RepositoryID: rv.repositoryID,
		PRNumber:     rv.prNumber,
		Frame: newFrame(string(workflow.EventReviewSession), map[string]any{
			"repositoryId": rv.repositoryID,
			"prNumber":     rv.prNumber,
			"session":      rv.sessionCopy(),
		}),
	}
}

// authenticate binds the connection to the token's user.
func (h *Hub) authenticate(c *conn, token string) (string, error) {
	userID, err := verifyToken(h.secret, token)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	c.userID = userID
	addConn(h.users, userID, c)
	h.mu.Unlock()
	return userID, nil
}

// subscribeRepos replaces the connection's repo subscriptions and
// reports which repositories were dropped.
func (h *Hub) subscribeRepos(c *conn, repos []string) (removed []string) {
	want := make(map[string]struct{}, len(repos))
	for _, r := range repos {
		if r != "" {
			want[r] = struct{}{}
		}
	}

	h.mu.Lock()
	for repo := range c.repos {
		if _, keep := want[repo]; !keep {
			dropConn(h.subscribers, repo, c)
			delete(c.repos, repo)
			removed = append(removed, repo)
		}
	}
	for repo := range want {
		if _, have := c.repos[repo]; !have {
			addConn(h.subscribers, repo, c)
			c.repos[repo] = struct{}{}
		}
	}
	h.mu.Unlock()
	return removed
}

// joinReview adds the connection to a PR's presence set and returns the
// state snapshot for the review_joined reply plus the roster broadcast.
func (h *Hub) joinReview(c *conn, repositoryID string, prNumber int) ([]Presence, *ReviewSession, busFrame) {
	key := reviewKey(repositoryID, prNumber)

	h.mu.Lock()
	rv, ok := h.reviews[key]
	if !ok {
		rv = &review{
			repositoryID: repositoryID,
			prNumber:     prNumber,
			members:      make(map[*conn]*Presence),
		}
		h.reviews[key] = rv
	}
	rv.members[c] = &Presence{
		RepositoryID: repositoryID,
		PRNumber:     prNumber,
		UserID:       c.userID,
		Status:       StatusViewing,
		LastActivity: time.Now().UTC(),
	}
	c.joined[key] = struct{}{}
	rv.touch()
	roster := rv.roster()
	session := rv.sessionCopy()
	frame := h.presenceFrameLocked(rv)
	h.mu.Unlock()

	return roster, session, frame
}

// cursorMove records the member's position and returns the cursor
// broadcast. Cursor frames carry just the position, not the roster;
// they are too frequent for that.
func (h *Hub) cursorMove(c *conn, key, file string, line, column int) (busFrame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rv, p, ok := h.memberLocked(c, key)
	if !ok {
		return busFrame{}, false
	}
	p.CurrentFile, p.CurrentLine = file, line
	p.LastActivity = time.Now().UTC()
	rv.touch()
	return busFrame{
		RepositoryID: rv.repositoryID,
		PRNumber:     rv.prNumber,
		Frame: newFrame(string(workflow.EventCursorMove), map[string]any{
			"repositoryId": rv.repositoryID,
			"prNumber":     rv.prNumber,
			"userId":       c.userID,
			"file":         file,
			"line":         line,
			"column":       column,
		}),
	}, true
}

// navigate records the member's position. When the member hosts a
// session with navigation sync on, it also moves the session pointer
// and returns the sync broadcast for the other participants to follow.
func (h *Hub) navigate(c *conn, key, file string, line int) (busFrame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rv, p, ok := h.memberLocked(c, key)
	if !ok {
		return busFrame{}, false
	}
	p.CurrentFile, p.CurrentLine = file, line
	p.LastActivity = time.Now().UTC()
	rv.touch()
	if rv.session == nil || rv.session.HostUserID != c.userID || !rv.session.SyncNavigation {
		return busFrame{}, false
	}
	rv.session.CurrentFile, rv.session.CurrentLine = file, line
	return busFrame{
		RepositoryID: rv.repositoryID,
		PRNumber:     rv.prNumber,
		Frame: newFrame(string(workflow.EventNavigationSync), map[string]any{
			"repositoryId": rv.repositoryID,
			"prNumber":     rv.prNumber,
			"userId":       c.userID,
			"file":         file,
			"line":         line,
		}),
	}, true
}

// updateStatus changes the member's presence status and returns the
// roster broadcast.
func (h *Hub) updateStatus(c *conn, key, status string) (busFrame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rv, p, ok := h.memberLocked(c, key)
	if !ok {
		return busFrame{}, false
	}
	p.Status = status
	p.LastActivity = time.Now().UTC()
	rv.touch()
	return h.presenceFrameLocked(rv), true
}

// memberLocked resolves the connection's presence entry in a review.
// Callers hold h.mu.
func (h *Hub) memberLocked(c *conn, key string) (*review, *Presence, bool) {
	rv, ok := h.reviews[key]
	if !ok {
		return nil, nil, false
	}
	p, ok := rv.members[c]
	if !ok {
		return nil, nil, false
	}
	return rv, p, true
}

// startSession opens a co-review session hosted by the connection's
// user. Fails when the connection has not joined the review or a
// session is already active.
func (h *Hub) startSession(c *conn, repositoryID string, prNumber int) (*ReviewSession, busFrame, error) {
	key := reviewKey(repositoryID, prNumber)

	h.mu.Lock()
	defer h.mu.Unlock()
	rv, ok := h.reviews[key]
	if !ok || rv.members[c] == nil {
		return nil, busFrame{}, errNotJoined
	}
	if rv.session != nil {
		return nil, busFrame{}, errSessionActive
	}
	rv.session = &ReviewSession{
		ID:           uuid.New().String(),
		RepositoryID: repositoryID,
		PRNumber:     prNumber,
		HostUserID:   c.userID,
		Participants: []string{c.userID},
	}
	rv.touch()
	return rv.sessionCopy(), h.sessionFrameLocked(rv), nil
}

// joinSession adds the connection's user to a session hosted on this
// instance.
func (h *Hub) joinSession(c *conn, sessionID string) (*ReviewSession, busFrame, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rv := range h.reviews {
		if rv.session == nil || rv.session.ID != sessionID {
			continue
		}
		if rv.members[c] == nil {
			return nil, busFrame{}, errNotJoined
		}
		if !rv.session.participant(c.userID) {
			rv.session.Participants = append(rv.session.Participants, c.userID)
		}
		rv.touch()
		return rv.sessionCopy(), h.sessionFrameLocked(rv), nil
	}
	return nil, busFrame{}, errUnknownSession
}

// toggleSync flips navigation sync. Host only.
func (h *Hub) toggleSync(c *conn, key string, enabled bool) (busFrame, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rv, ok := h.reviews[key]
	if !ok || rv.session == nil {
		return busFrame{}, errUnknownSession
	}
	if rv.session.HostUserID != c.userID {
		return busFrame{}, errNotHost
	}
	rv.session.SyncNavigation = enabled
	rv.touch()
	return h.sessionFrameLocked(rv), nil
}

// joinedKeys snapshots the reviews the connection participates in.
func (h *Hub) joinedKeys(c *conn) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	keys := make([]string, 0, len(c.joined))
	for key := range c.joined {
		keys = append(keys, key)
	}
	return keys
}

// janitor evicts reviews idle past reviewIdleMax.
func (h *Hub) janitor() {
	defer h.wg.Done()
	ticker := time.NewTicker(janitorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.sweep(time.Now().UTC())
		}
	}
}

func (h *Hub) sweep(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, rv := range h.reviews {
		if now.Sub(rv.lastActivity) < reviewIdleMax {
			continue
		}
		for c := range rv.members {
			delete(c.joined, key)
		}
		delete(h.reviews, key)
		h.logger.Debug("Evicted idle review", slog.String("review", key))
	}
}
