package realtime

import (
	"fmt"
	"slices"
	"time"
)

// Presence status values.
const (
	StatusViewing    = "VIEWING"
	StatusReviewing  = "REVIEWING"
	StatusCommenting = "COMMENTING"
	StatusIdle       = "IDLE"
)

func validPresenceStatus(s string) bool {
	switch s {
	case StatusViewing, StatusReviewing, StatusCommenting, StatusIdle:
		return true
	}
	return false
}

// Presence is one user's position in a PR review.
type Presence struct {
	RepositoryID string    `json:"repositoryId"`
	PRNumber     int       `json:"prNumber"`
	UserID       string    `json:"userId"`
	Status       string    `json:"status"`
	CurrentFile  string    `json:"currentFile,omitempty"`
	CurrentLine  int       `json:"currentLine,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
}

// ReviewSession coordinates a synchronized co-review. Only the host may
// toggle navigation sync or broadcast navigation.
type ReviewSession struct {
	ID             string   `json:"id"`
	RepositoryID   string   `json:"repositoryId"`
	PRNumber       int      `json:"prNumber"`
	HostUserID     string   `json:"hostUserId"`
	Participants   []string `json:"participants"`
	SyncNavigation bool     `json:"syncNavigation"`
	CurrentFile    string   `json:"currentFile,omitempty"`
	CurrentLine    int      `json:"currentLine,omitempty"`
}

func (s *ReviewSession) participant(userID string) bool {
	return slices.Contains(s.Participants, userID)
}

// review is one PR's registry entry: who is present and the active
// session, if any. All access happens under the hub mutex.
type review struct {
	repositoryID string
	prNumber     int
	members      map[*conn]*Presence
	session      *ReviewSession
	lastActivity time.Time
}

func reviewKey(repositoryID string, prNumber int) string {
	return fmt.Sprintf("%s#%d", repositoryID, prNumber)
}

func (r *review) touch() {
	r.lastActivity = time.Now().UTC()
}

// roster snapshots the presence list, ordered by user id so repeated
// broadcasts are stable.
func (r *review) roster() []Presence {
	out := make([]Presence, 0, len(r.members))
	for _, p := range r.members {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b Presence) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	return out
}

// sessionCopy returns a detached copy safe to hand to encoders.
func (r *review) sessionCopy() *ReviewSession {
	if r.session == nil {
		return nil
	}
	s := *r.session
	s.Participants = append([]string(nil), r.session.Participants...)
	return &s
}
