package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/pullsmith/pullsmith/workflow"
)

// eventPullRequest is the only provider event that starts a workflow.
// Everything else is acknowledged and dropped.
const eventPullRequest = "pull_request"

// pullRequestEvent is the subset of the provider's pull_request payload
// the gateway needs. Decoding tolerates the provider's many extra
// fields; required fields are validated after the fact.
type pullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Number int  `json:"number"`
		Draft  bool `json:"draft"`
		Head   struct {
			SHA string `json:"sha"`
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			SHA string `json:"sha"`
			Ref string `json:"ref"`
		} `json:"base"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Installation struct {
		ID json.Number `json:"id"`
	} `json:"installation"`
}

// trigger converts the payload to the canonical trigger event,
// validating the fields every downstream component relies on.
func (p *pullRequestEvent) trigger(deliveryID string, receivedAt time.Time) (workflow.TriggerEvent, error) {
	number := p.PullRequest.Number
	if number == 0 {
		number = p.Number
	}
	switch {
	case p.Repository.FullName == "":
		return workflow.TriggerEvent{}, errors.New("missing repository full_name")
	case number <= 0:
		return workflow.TriggerEvent{}, errors.New("missing pull request number")
	case p.PullRequest.Head.SHA == "":
		return workflow.TriggerEvent{}, errors.New("missing head sha")
	}
	return workflow.TriggerEvent{
		DeliveryID:     deliveryID,
		Action:         workflow.Action(p.Action),
		RepositoryID:   p.Repository.FullName,
		PRNumber:       number,
		HeadSHA:        p.PullRequest.Head.SHA,
		BaseSHA:        p.PullRequest.Base.SHA,
		HeadRef:        p.PullRequest.Head.Ref,
		AuthorLogin:    p.PullRequest.User.Login,
		Draft:          p.PullRequest.Draft,
		InstallationID: p.Installation.ID.String(),
		ReceivedAt:     receivedAt,
	}, nil
}
