// Package workflow defines the domain model for PR review workflows:
// the per-PR state machine, agent runs, artifacts, and reviewer decisions.
package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the workflow state machine state.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusRunning        Status = "RUNNING"
	StatusAwaitingReview Status = "AWAITING_REVIEW"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Action is a provider webhook action the gateway accepts.
type Action string

const (
	ActionOpened         Action = "opened"
	ActionSynchronize    Action = "synchronize"
	ActionReopened       Action = "reopened"
	ActionReadyForReview Action = "ready_for_review"
)

// AcceptedAction reports whether the action triggers a workflow.
func AcceptedAction(a Action) bool {
	switch a {
	case ActionOpened, ActionSynchronize, ActionReopened, ActionReadyForReview:
		return true
	default:
		return false
	}
}

// TriggerEvent is the canonical, deduplicated inbound notification.
type TriggerEvent struct {
	DeliveryID     string    `json:"delivery_id"`
	Action         Action    `json:"action"`
	RepositoryID   string    `json:"repository_id"`
	PRNumber       int       `json:"pr_number"`
	HeadSHA        string    `json:"head_sha"`
	BaseSHA        string    `json:"base_sha,omitempty"`
	HeadRef        string    `json:"head_ref,omitempty"`
	AuthorLogin    string    `json:"author_login,omitempty"`
	Draft          bool      `json:"draft,omitempty"`
	InstallationID string    `json:"installation_id,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Workflow is the per-PR unit of work, one per head-sha transition.
type Workflow struct {
	ID             string     `json:"id"`
	RepositoryID   string     `json:"repository_id"`
	PRNumber       int        `json:"pr_number"`
	HeadSHA        string     `json:"head_sha"`
	BaseSHA        string     `json:"base_sha,omitempty"`
	AuthorLogin    string     `json:"author_login,omitempty"`
	InstallationID string     `json:"installation_id,omitempty"`
	Status         Status     `json:"status"`
	Attempt        int        `json:"attempt"`
	TriggerEventID string     `json:"trigger_event_id"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	// CheckpointAt is the time of the last persisted transition; the
	// engine resumes RUNNING workflows whose checkpoint has gone stale.
	CheckpointAt  time.Time `json:"checkpoint_at"`
	CancelReason  string    `json:"cancel_reason,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	TokensUsed    int       `json:"tokens_used,omitempty"`
}

// New creates a PENDING workflow from a trigger event.
func New(ev TriggerEvent) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		ID:             uuid.New().String(),
		RepositoryID:   ev.RepositoryID,
		PRNumber:       ev.PRNumber,
		HeadSHA:        ev.HeadSHA,
		BaseSHA:        ev.BaseSHA,
		AuthorLogin:    ev.AuthorLogin,
		InstallationID: ev.InstallationID,
		Status:         StatusPending,
		Attempt:        1,
		TriggerEventID: ev.DeliveryID,
		CreatedAt:      now,
		CheckpointAt:   now,
	}
}

// PRKey identifies the (repository, pull request) pair a workflow serves.
func (w *Workflow) PRKey() string {
	return PRKey(w.RepositoryID, w.PRNumber)
}

// PRKey builds the canonical (repository, pull request) key.
func PRKey(repositoryID string, prNumber int) string {
	return fmt.Sprintf("%s#%d", repositoryID, prNumber)
}

// RunStatus is the agent-run state.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunSkipped   RunStatus = "SKIPPED"
	RunTimeout   RunStatus = "TIMEOUT"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunSkipped, RunTimeout:
		return true
	default:
		return false
	}
}

// Satisfied reports whether a predecessor in this status allows its
// dependents to start.
func (s RunStatus) Satisfied() bool {
	return s == RunSucceeded || s == RunSkipped
}

// AgentRun records one execution of an agent within a workflow.
// Output is immutable once the run is SUCCEEDED.
type AgentRun struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	AgentName  string          `json:"agent_name"`
	Status     RunStatus       `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	LatencyMs  int64           `json:"latency_ms,omitempty"`
	Error      string          `json:"error,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// NewAgentRun creates a PENDING run for the given workflow and agent.
func NewAgentRun(workflowID, agentName string) *AgentRun {
	return &AgentRun{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		AgentName:  agentName,
		Status:     RunPending,
	}
}

// ArtifactKind names a workflow output type.
type ArtifactKind string

const (
	ArtifactReviewComment  ArtifactKind = "ReviewComment"
	ArtifactSummaryComment ArtifactKind = "SummaryComment"
	ArtifactCheckRun       ArtifactKind = "CheckRun"
	ArtifactGeneratedTest  ArtifactKind = "GeneratedTest"
	ArtifactDocSuggestion  ArtifactKind = "DocSuggestion"
	ArtifactIntentAnalysis ArtifactKind = "IntentAnalysis"
	ArtifactPrediction     ArtifactKind = "Prediction"
)

// Artifact is a persisted workflow output, content-addressed for
// idempotent publication.
type Artifact struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Kind        ArtifactKind    `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	ContentHash string          `json:"content_hash"`
	ExternalID  string          `json:"external_id,omitempty"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewArtifact builds an artifact from a serializable payload, stamping
// its content hash.
func NewArtifact(workflowID string, kind ArtifactKind, payload any) (*Artifact, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	sum := sha256.Sum256(data)
	return &Artifact{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		Kind:        kind,
		Payload:     data,
		ContentHash: hex.EncodeToString(sum[:]),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// IdempotencyKey is the deterministic per-artifact publish key
// {workflowId, kind, contentHash}.
func (a *Artifact) IdempotencyKey() string {
	return fmt.Sprintf("%s.%s.%s", a.WorkflowID, a.Kind, a.ContentHash[:12])
}

// Severity orders review findings.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityNitpick  Severity = "NITPICK"
)

// Rank returns a total order for severities, highest first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityNitpick:
		return true
	default:
		return false
	}
}

// Finding is a single review observation tied to a file location.
type Finding struct {
	File       string   `json:"file"`
	Line       int      `json:"line"`
	EndLine    int      `json:"end_line,omitempty"`
	Severity   Severity `json:"severity"`
	Category   string   `json:"category"`
	Message    string   `json:"message"`
	QuickFix   string   `json:"quick_fix,omitempty"`
	Confidence float64  `json:"confidence"`
	// Adjusted marks that preference weighting has been applied, making
	// the adjustment idempotent.
	Adjusted       bool   `json:"adjusted,omitempty"`
	AdjustmentNote string `json:"adjustment_note,omitempty"`
}

// Span returns the inclusive line range of the finding.
func (f Finding) Span() (start, end int) {
	start = f.Line
	end = f.EndLine
	if end < start {
		end = start
	}
	return start, end
}

// HasLineOverlap reports whether two findings touch overlapping line ranges
// in the same file.
func HasLineOverlap(a, b Finding) bool {
	if a.File != b.File {
		return false
	}
	aStart, aEnd := a.Span()
	bStart, bEnd := b.Span()
	return aStart <= bEnd && bStart <= aEnd
}

// DecisionAction is a reviewer's reaction to a published finding.
type DecisionAction string

const (
	DecisionAccepted      DecisionAction = "ACCEPTED"
	DecisionDismissed     DecisionAction = "DISMISSED"
	DecisionModified      DecisionAction = "MODIFIED"
	DecisionResolvedOther DecisionAction = "RESOLVED_OTHER"
)

// ValidDecisionAction reports whether a is a known decision action.
func ValidDecisionAction(a DecisionAction) bool {
	switch a {
	case DecisionAccepted, DecisionDismissed, DecisionModified, DecisionResolvedOther:
		return true
	default:
		return false
	}
}

// DecisionContext captures where and what the decided finding was.
type DecisionContext struct {
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Snippet  string   `json:"snippet,omitempty"`
	Language string   `json:"language,omitempty"`
	// Message is the original finding text, used for pattern extraction.
	Message string `json:"message,omitempty"`
}

// ReviewerDecision is a captured reviewer reaction to an artifact.
type ReviewerDecision struct {
	ID                string          `json:"id"`
	RepositoryID      string          `json:"repository_id"`
	WorkflowID        string          `json:"workflow_id"`
	CommentArtifactID string          `json:"comment_artifact_id,omitempty"`
	ReviewerID        string          `json:"reviewer_id"`
	Action            DecisionAction  `json:"action"`
	Context           DecisionContext `json:"context"`
	Feedback          string          `json:"feedback,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}
