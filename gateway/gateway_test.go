package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pullsmith/pullsmith/bus"
	"github.com/pullsmith/pullsmith/config"
	"github.com/pullsmith/pullsmith/forge"
	"github.com/pullsmith/pullsmith/gateway"
	"github.com/pullsmith/pullsmith/storage"
	"github.com/pullsmith/pullsmith/workflow"
)

const testSecret = "webhook-secret"

type stubEnqueuer struct {
	mu     sync.Mutex
	events []workflow.TriggerEvent
	err    error
}

func (s *stubEnqueuer) Enqueue(_ context.Context, ev workflow.TriggerEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.events = append(s.events, ev)
	return "wf-1", nil
}

func (s *stubEnqueuer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type staticRules struct {
	rules *config.RepoRules
}

func (s staticRules) Rules() *config.RepoRules { return s.rules }

func parseRules(t *testing.T, doc string) gateway.RuleSource {
	t.Helper()
	rules, err := config.ParseRepoRules([]byte(doc))
	require.NoError(t, err)
	return staticRules{rules: rules}
}

func prPayload(action string) map[string]any {
	return map[string]any{
		"action": action,
		"pull_request": map[string]any{
			"number": 7,
			"draft":  false,
			"head":   map[string]any{"sha": "abc123", "ref": "feature/throttle"},
			"base":   map[string]any{"sha": "def456", "ref": "main"},
			"user":   map[string]any{"login": "casey"},
		},
		"repository":   map[string]any{"full_name": "acme/widgets"},
		"installation": map[string]any{"id": 555},
	}
}

func newDelivery(t *testing.T, deliveryID, event string, payload any) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/github", bytes.NewReader(body))
	req.Header.Set(gateway.HeaderDelivery, deliveryID)
	req.Header.Set(gateway.HeaderEvent, event)
	req.Header.Set(gateway.HeaderSignature, gateway.Sign([]byte(testSecret), body))
	return req
}

type ackBody struct {
	Status     string `json:"status"`
	WorkflowID string `json:"workflowId"`
	Reason     string `json:"reason"`
}

func serve(g *gateway.Gateway, req *http.Request) (*httptest.ResponseRecorder, ackBody) {
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	var body ackBody
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestAcceptsValidDelivery(t *testing.T) {
	enq := &stubEnqueuer{}
	g := gateway.New(testSecret, enq, nil, gateway.Options{})

	rec, body := serve(g, newDelivery(t, "d-1", "pull_request", prPayload("opened")))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", body.Status)
	assert.Equal(t, "wf-1", body.WorkflowID)

	require.Equal(t, 1, enq.count())
	ev := enq.events[0]
	assert.Equal(t, "d-1", ev.DeliveryID)
	assert.Equal(t, workflow.ActionOpened, ev.Action)
	assert.Equal(t, "acme/widgets", ev.RepositoryID)
	assert.Equal(t, 7, ev.PRNumber)
	assert.Equal(t, "abc123", ev.HeadSHA)
	assert.Equal(t, "def456", ev.BaseSHA)
	assert.Equal(t, "feature/throttle", ev.HeadRef)
	assert.Equal(t, "casey", ev.AuthorLogin)
	assert.Equal(t, "555", ev.InstallationID)
	assert.False(t, ev.ReceivedAt.IsZero())
}

func TestRejectsBadSignatures(t *testing.T) {
	enq := &stubEnqueuer{}
	g := gateway.New(testSecret, enq, nil, gateway.Options{})
	payload, err := json.Marshal(prPayload("opened"))
	require.NoError(t, err)

	cases := []struct {
		name string
		sig  string
		body []byte
	}{
		{"missing header", "", payload},
		{"wrong prefix", "sha1=" + gateway.Sign([]byte(testSecret), payload)[7:], payload},
		{"wrong secret", gateway.Sign([]byte("other"), payload), payload},
		{"truncated mac", gateway.Sign([]byte(testSecret), payload)[:20], payload},
		{"non-hex mac", "sha256=" + "zz" + gateway.Sign([]byte(testSecret), payload)[9:], payload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/webhooks/github", bytes.NewReader(tc.body))
			req.Header.Set(gateway.HeaderDelivery, "d-sig")
			req.Header.Set(gateway.HeaderEvent, "pull_request")
			if tc.sig != "" {
				req.Header.Set(gateway.HeaderSignature, tc.sig)
			}
			rec := httptest.NewRecorder()
			g.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, rec.Body.Bytes())
		})
	}
	assert.Zero(t, enq.count())
}

func TestRejectsTamperedBody(t *testing.T) {
	enq := &stubEnqueuer{}
	g := gateway.New(testSecret, enq, nil, gateway.Options{})

	body, err := json.Marshal(prPayload("opened"))
	require.NoError(t, err)
	sig := gateway.Sign([]byte(testSecret), body)

	// Flip one byte after signing.
	tampered := append([]byte(nil), body...)
	tampered[10] ^= 0x01

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/github", bytes.NewReader(tampered))
	req.Header.Set(gateway.HeaderDelivery, "d-tamper")
	req.Header.Set(gateway.HeaderEvent, "pull_request")
	req.Header.Set(gateway.HeaderSignature, sig)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	assert.Zero(t, enq.count())
}

func TestDuplicateDelivery(t *testing.T) {
	enq := &stubEnqueuer{}
	g := gateway.New(testSecret, enq, nil, gateway.Options{})

	rec, body := serve(g, newDelivery(t, "d-dup", "pull_request", prPayload("opened")))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "accepted", body.Status)

	rec, body = serve(g, newDelivery(t, "d-dup", "pull_request", prPayload("opened")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", body.Status)
	assert.Equal(t, 1, enq.count())
}

func TestSkipsUnprocessedEventsAndActions(t *testing.T) {
	enq := &stubEnqueuer{}
	g := gateway.New(testSecret, enq, nil, gateway.Options{})

	rec, body := serve(g, newDelivery(t, "d-rev", "pull_request_review", map[string]any{"action": "submitted"}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "skipped", body.Status)

	rec, body = serve(g, newDelivery(t, "d-closed", "pull_request", prPayload("closed")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "skipped", body.Status)

	assert.Zero(t, enq.count())
}

func TestDraftHandling(t *testing.T) {
	enq := &stubEnqueuer{}
	g := gateway.New(testSecret, enq, nil, gateway.Options{})

	draft := prPayload("opened")
	draft["pull_request"].(map[string]any)["draft"] = true
	_, body := serve(g, newDelivery(t, "d-draft", "pull_request", draft))
	assert.Equal(t, "skipped", body.Status)
	assert.Equal(t, "draft", body.Reason)

	ready := prPayload("ready_for_review")
	ready["pull_request"].(map[string]any)["draft"] = true
	_, body = serve(g, newDelivery(t, "d-ready", "pull_request", ready))
	assert.Equal(t, "accepted", body.Status)
	assert.Equal(t, 1, enq.count())
}

func TestRejectsInvalidPayloads(t *testing.T) {
	enq := &stubEnqueuer{}
	g := gateway.New(testSecret, enq, nil, gateway.Options{})

	noSHA := prPayload("opened")
	noSHA["pull_request"].(map[string]any)["head"] = map[string]any{"ref": "feature/x"}

	cases := []struct {
		name    string
		req     *http.Request
		wantMsg string
	}{
		{"missing delivery id", func() *http.Request {
			req := newDelivery(t, "", "pull_request", prPayload("opened"))
			req.Header.Del(gateway.HeaderDelivery)
			return req
		}(), gateway.HeaderDelivery},
		{"malformed json", func() *http.Request {
			raw := []byte("{not json")
			req := httptest.NewRequest(http.MethodPost, "/api/webhooks/github", bytes.NewReader(raw))
			req.Header.Set(gateway.HeaderDelivery, "d-bad")
			req.Header.Set(gateway.HeaderEvent, "pull_request")
			req.Header.Set(gateway.HeaderSignature, gateway.Sign([]byte(testSecret), raw))
			return req
		}(), "malformed"},
		{"missing head sha", newDelivery(t, "d-nosha", "pull_request", noSHA), "head sha"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := serve(g, tc.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid", body.Status)
			assert.Contains(t, body.Reason, tc.wantMsg)
		})
	}
	assert.Zero(t, enq.count())
}

func TestRepoRulesFiltering(t *testing.T) {
	rules := parseRules(t, `
repositories:
  - id: acme/disabled
    enabled: false
  - id: acme/widgets
    exclude_branches: "^release/"
  - id: acme/paths
    include_paths:
      - "src/**"
      - docs
`)

	fake := forge.NewFake()
	ref := forge.RepoRef{Repo: "acme/paths", InstallationID: "555"}
	fake.Files[forge.PRKey(ref, 7)] = []forge.ChangedFile{{Path: "README.md", Status: "modified"}}

	enq := &stubEnqueuer{}
	g := gateway.New(testSecret, enq, nil, gateway.Options{Rules: rules, Files: fake})

	disabled := prPayload("opened")
	disabled["repository"].(map[string]any)["full_name"] = "acme/disabled"
	_, body := serve(g, newDelivery(t, "d-r1", "pull_request", disabled))
	assert.Equal(t, "skipped", body.Status)
	assert.Contains(t, body.Reason, "disabled")

	excluded := prPayload("opened")
	excluded["pull_request"].(map[string]any)["head"] = map[string]any{"sha": "abc", "ref": "release/1.2"}
	_, body = serve(g, newDelivery(t, "d-r2", "pull_request", excluded))
	assert.Equal(t, "skipped", body.Status)
	assert.Contains(t, body.Reason, "excluded")

	// No changed file under the include globs.
	offPath := prPayload("opened")
	offPath["repository"].(map[string]any)["full_name"] = "acme/paths"
	_, body = serve(g, newDelivery(t, "d-r3", "pull_request", offPath))
	assert.Equal(t, "skipped", body.Status)
	assert.Contains(t, body.Reason, "include_paths")

	// A matching file admits the event.
	fake.Files[forge.PRKey(ref, 7)] = []forge.ChangedFile{
		{Path: "README.md", Status: "modified"},
		{Path: "src/limiter/limiter.go", Status: "modified"},
	}
	_, body = serve(g, newDelivery(t, "d-r4", "pull_request", offPath))
	assert.Equal(t, "accepted", body.Status)

	// A directory-prefix pattern matches files beneath it.
	fake.Files[forge.PRKey(ref, 7)] = []forge.ChangedFile{{Path: "docs/guide.md", Status: "added"}}
	_, body = serve(g, newDelivery(t, "d-r5", "pull_request", offPath))
	assert.Equal(t, "accepted", body.Status)

	// Unrelated repositories pass untouched.
	_, body = serve(g, newDelivery(t, "d-r6", "pull_request", prPayload("opened")))
	assert.Equal(t, "accepted", body.Status)
}

func TestIncludePathResolutionFailureAdmits(t *testing.T) {
	rules := parseRules(t, `
repositories:
  - id: acme/widgets
    include_paths: ["src/**"]
`)
	fake := forge.NewFake()
	fake.FailWith["GetPullRequestFiles"] = &forge.RequestError{
		Code: forge.ErrCodeServerError, Status: 502, Message: "bad gateway",
	}

	enq := &stubEnqueuer{}
	g := gateway.New(testSecret, enq, nil, gateway.Options{Rules: rules, Files: fake})

	_, body := serve(g, newDelivery(t, "d-resolve", "pull_request", prPayload("opened")))
	assert.Equal(t, "accepted", body.Status)
	assert.Equal(t, 1, enq.count())
}

func TestEnqueueFailureIsRetryable(t *testing.T) {
	enq := &stubEnqueuer{err: errors.New("bus down")}
	g := gateway.New(testSecret, enq, nil, gateway.Options{})

	rec, body := serve(g, newDelivery(t, "d-retry", "pull_request", prPayload("opened")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", body.Status)

	// The provider retries the same delivery id; it must not be
	// swallowed as a duplicate.
	enq.err = nil
	rec, body = serve(g, newDelivery(t, "d-retry", "pull_request", prPayload("opened")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", body.Status)
	assert.Equal(t, 1, enq.count())
}

func TestCrossInstanceDuplicateBackstop(t *testing.T) {
	ns, err := bus.StartEmbedded(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)

	nc, js, err := bus.Connect(ns.ClientURL(), "gateway-test", nil)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, bus.EnsureStreams(ctx, js))
	store, err := storage.NewStore(ctx, js)
	require.NoError(t, err)

	enqA := &stubEnqueuer{}
	enqB := &stubEnqueuer{}
	a := gateway.New(testSecret, enqA, store.Triggers, gateway.Options{})
	b := gateway.New(testSecret, enqB, store.Triggers, gateway.Options{})

	_, body := serve(a, newDelivery(t, "d-shared", "pull_request", prPayload("opened")))
	require.Equal(t, "accepted", body.Status)

	// The second instance has a cold cache; the trigger store catches it.
	_, body = serve(b, newDelivery(t, "d-shared", "pull_request", prPayload("opened")))
	assert.Equal(t, "duplicate", body.Status)
	assert.Equal(t, 1, enqA.count())
	assert.Zero(t, enqB.count())
}
