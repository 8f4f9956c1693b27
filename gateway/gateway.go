// Package gateway ingests provider webhooks. Every delivery is HMAC
// verified over the raw body before parsing, deduplicated in memory and
// against the trigger store, filtered through the per-repository rules,
// and handed to the engine as a canonical trigger event. The gateway
// always answers the provider; it never lets a panic or a slow
// downstream turn into a hanging delivery.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pullsmith/pullsmith/config"
	"github.com/pullsmith/pullsmith/forge"
	"github.com/pullsmith/pullsmith/metrics"
	"github.com/pullsmith/pullsmith/storage"
	"github.com/pullsmith/pullsmith/workflow"
)

// Request headers set by the provider.
const (
	HeaderDelivery  = "X-Delivery-Id"
	HeaderEvent     = "X-Event-Name"
	HeaderSignature = "X-Signature-256"
)

const (
	// maxBodyBytes caps the raw webhook body.
	maxBodyBytes = 1 << 20
	// dedupSize and dedupTTL bound the in-memory delivery dedup cache.
	dedupSize = 10_000
	dedupTTL  = time.Hour
)

// Outcomes for the webhooks metric.
const (
	outcomeAccepted     = "accepted"
	outcomeSkipped      = "skipped"
	outcomeDuplicate    = "duplicate"
	outcomeUnauthorized = "unauthorized"
	outcomeError        = "error"
)

// Enqueuer starts workflows from accepted trigger events.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev workflow.TriggerEvent) (workflowID string, err error)
}

// RuleSource serves the current repository rules snapshot.
type RuleSource interface {
	Rules() *config.RepoRules
}

// FileLister is the slice of the provider client used to resolve
// include-path rules against a PR's changed files.
type FileLister interface {
	GetPullRequestFiles(ctx context.Context, ref forge.RepoRef, number int) ([]forge.ChangedFile, error)
}

// Options carries the gateway's optional collaborators.
type Options struct {
	// Rules filters events per repository. Nil admits everything.
	Rules RuleSource
	// Files resolves changed files for include-path rules. Nil treats
	// include-path rules as matched.
	Files FileLister
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Gateway is the webhook ingestion handler.
type Gateway struct {
	secret   []byte
	enqueuer Enqueuer
	triggers *storage.TriggerRepo
	rules    RuleSource
	files    FileLister
	seen     *expirable.LRU[string, time.Time]
	logger   *slog.Logger
}

// New builds a gateway. triggers may be nil, dropping the
// cross-instance dedup backstop.
func New(secret string, enqueuer Enqueuer, triggers *storage.TriggerRepo, opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		secret:   []byte(secret),
		enqueuer: enqueuer,
		triggers: triggers,
		rules:    opts.Rules,
		files:    opts.Files,
		seen:     expirable.NewLRU[string, time.Time](dedupSize, nil, dedupTTL),
		logger:   logger.With(slog.String("component", "gateway")),
	}
}

// ack is the acknowledgement body returned to the provider.
type ack struct {
	Status     string `json:"status"`
	WorkflowID string `json:"workflowId,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ServeHTTP handles POST /api/webhooks/{provider}.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	outcome := g.receive(w, r)
	metrics.WebhooksTotal.WithLabelValues(outcome).Inc()
}

func (g *Gateway) receive(w http.ResponseWriter, r *http.Request) (outcome string) {
	defer func() {
		if v := recover(); v != nil {
			g.logger.Error("Webhook handler panic", slog.Any("panic", v))
			writeAck(w, http.StatusInternalServerError, ack{Status: "error"})
			outcome = outcomeError
		}
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeAck(w, http.StatusBadRequest, ack{Status: "invalid", Reason: "body unreadable or over 1 MiB"})
		return outcomeError
	}

	if !VerifySignature(g.secret, body, r.Header.Get(HeaderSignature)) {
		// Empty body: an attacker probing signatures learns nothing.
		w.WriteHeader(http.StatusUnauthorized)
		return outcomeUnauthorized
	}

	deliveryID := r.Header.Get(HeaderDelivery)
	if deliveryID == "" {
		writeAck(w, http.StatusBadRequest, ack{Status: "invalid", Reason: "missing " + HeaderDelivery})
		return outcomeError
	}
	if _, dup := g.seen.Get(deliveryID); dup {
		writeAck(w, http.StatusOK, ack{Status: "duplicate"})
		return outcomeDuplicate
	}

	eventName := r.Header.Get(HeaderEvent)
	if eventName != eventPullRequest {
		// pull_request_review and service events like ping are
		// acknowledged; decisions arrive through the REST API.
		writeAck(w, http.StatusOK, ack{Status: "skipped", Reason: "event " + eventName + " not processed"})
		return outcomeSkipped
	}

	var payload pullRequestEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		writeAck(w, http.StatusBadRequest, ack{Status: "invalid", Reason: "malformed payload"})
		return outcomeError
	}
	if !workflow.AcceptedAction(workflow.Action(payload.Action)) {
		writeAck(w, http.StatusOK, ack{Status: "skipped", Reason: "action " + payload.Action + " not processed"})
		return outcomeSkipped
	}

	ev, err := payload.trigger(deliveryID, time.Now().UTC())
	if err != nil {
		writeAck(w, http.StatusBadRequest, ack{Status: "invalid", Reason: err.Error()})
		return outcomeError
	}
	if ev.Draft && ev.Action != workflow.ActionReadyForReview {
		writeAck(w, http.StatusOK, ack{Status: "skipped", Reason: "draft"})
		return outcomeSkipped
	}

	if reason := g.filtered(r.Context(), ev); reason != "" {
		g.logger.Debug("Webhook skipped by repo rules",
			slog.String("repository", ev.RepositoryID),
			slog.Int("pr", ev.PRNumber),
			slog.String("reason", reason))
		writeAck(w, http.StatusOK, ack{Status: "skipped", Reason: reason})
		return outcomeSkipped
	}

	if g.triggers != nil {
		err := g.triggers.Create(r.Context(), ev)
		switch {
		case errors.Is(err, storage.ErrConflict):
			g.seen.Add(deliveryID, time.Now())
			writeAck(w, http.StatusOK, ack{Status: "duplicate"})
			return outcomeDuplicate
		case err != nil:
			// The backstop being down must not reject deliveries.
			g.logger.Warn("Trigger dedup store unavailable", slog.String("error", err.Error()))
		}
	}

	workflowID, err := g.enqueuer.Enqueue(r.Context(), ev)
	if err != nil {
		if g.triggers != nil {
			if derr := g.triggers.Delete(context.WithoutCancel(r.Context()), deliveryID); derr != nil {
				g.logger.Warn("Unwind trigger record", slog.String("error", derr.Error()))
			}
		}
		g.logger.Error("Enqueue failed",
			slog.String("repository", ev.RepositoryID),
			slog.Int("pr", ev.PRNumber),
			slog.String("error", err.Error()))
		writeAck(w, http.StatusServiceUnavailable, ack{Status: "unavailable"})
		return outcomeError
	}

	g.seen.Add(deliveryID, time.Now())
	g.logger.Info("Webhook accepted",
		slog.String("delivery_id", deliveryID),
		slog.String("repository", ev.RepositoryID),
		slog.Int("pr", ev.PRNumber),
		slog.String("action", string(ev.Action)),
		slog.String("workflow_id", workflowID))
	writeAck(w, http.StatusOK, ack{Status: "accepted", WorkflowID: workflowID})
	return outcomeAccepted
}

// filtered applies the repository rules, returning a skip reason or "".
func (g *Gateway) filtered(ctx context.Context, ev workflow.TriggerEvent) string {
	if g.rules == nil {
		return ""
	}
	rules := g.rules.Rules()
	if rules == nil {
		return ""
	}
	if !rules.Enabled(ev.RepositoryID) {
		return "repository disabled"
	}
	if rules.BranchExcluded(ev.RepositoryID, ev.HeadRef) {
		return "branch " + ev.HeadRef + " excluded"
	}
	globs := rules.IncludePaths(ev.RepositoryID)
	if len(globs) == 0 {
		return ""
	}
	matched, resolved := g.pathsMatch(ctx, ev, globs)
	if resolved && !matched {
		return "no changed file under include_paths"
	}
	return ""
}

// pathsMatch reports whether any changed file falls under the include
// globs. resolved is false when the file list could not be fetched;
// the event is then admitted rather than silently dropped.
func (g *Gateway) pathsMatch(ctx context.Context, ev workflow.TriggerEvent, globs []string) (matched, resolved bool) {
	if g.files == nil {
		return false, false
	}
	ref := forge.RepoRef{Repo: ev.RepositoryID, InstallationID: ev.InstallationID}
	files, err := g.files.GetPullRequestFiles(ctx, ref, ev.PRNumber)
	if err != nil {
		g.logger.Warn("Include-path resolution failed",
			slog.String("repository", ev.RepositoryID),
			slog.Int("pr", ev.PRNumber),
			slog.String("error", err.Error()))
		return false, false
	}
	for _, f := range files {
		for _, glob := range globs {
			if pathIncluded(glob, f.Path) || pathIncluded(glob, f.PreviousPath) {
				return true, true
			}
		}
	}
	return false, true
}

// pathIncluded matches a path against one include pattern, treating the
// pattern as a doublestar glob or as a directory prefix.
func pathIncluded(pattern, path string) bool {
	if path == "" {
		return false
	}
	if ok, err := doublestar.Match(pattern, path); err == nil && ok {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(pattern, "/")+"/")
}

func writeAck(w http.ResponseWriter, code int, body ack) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
