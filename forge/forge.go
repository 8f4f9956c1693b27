// Package forge is the narrow client for the code-hosting provider:
// pull request reads, check runs, review publication, branch state. The
// HTTP implementation speaks the GitHub-compatible REST surface; tests
// and dev run against the in-memory Fake.
package forge

import (
	"context"
	"time"
)

// RepoRef addresses one repository. InstallationID scopes auth and rate
// budget; callers always pass it explicitly.
type RepoRef struct {
	// Repo is the "owner/name" identifier.
	Repo string
	// InstallationID is the provider app installation handling this repo.
	InstallationID string
}

// PullRequest is the provider's view of a PR.
type PullRequest struct {
	Number         int        `json:"number"`
	Title          string     `json:"title"`
	Body           string     `json:"body"`
	State          string     `json:"state"`
	Draft          bool       `json:"draft"`
	AuthorLogin    string     `json:"author_login"`
	HeadSHA        string     `json:"head_sha"`
	HeadRef        string     `json:"head_ref"`
	BaseSHA        string     `json:"base_sha"`
	BaseRef        string     `json:"base_ref"`
	Additions      int        `json:"additions"`
	Deletions      int        `json:"deletions"`
	ChangedFiles   int        `json:"changed_files"`
	Commits        int        `json:"commits"`
	Mergeable      *bool      `json:"mergeable,omitempty"`
	MergeableState string     `json:"mergeable_state,omitempty"`
	Reviewers      []string   `json:"reviewers,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	MergedAt       *time.Time `json:"merged_at,omitempty"`
}

// ChangedFile is one file touched by a PR.
type ChangedFile struct {
	Path         string `json:"path"`
	PreviousPath string `json:"previous_path,omitempty"` // set on rename
	Status       string `json:"status"`                  // added, modified, removed, renamed
	Additions    int    `json:"additions"`
	Deletions    int    `json:"deletions"`
	Patch        string `json:"patch,omitempty"`
}

// CheckRunParams creates or updates a check run.
type CheckRunParams struct {
	Name       string `json:"name"`
	HeadSHA    string `json:"head_sha,omitempty"`
	Status     string `json:"status"`               // queued, in_progress, completed
	Conclusion string `json:"conclusion,omitempty"` // success, failure, neutral, cancelled
	Title      string `json:"title,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Text       string `json:"text,omitempty"`
}

// ReviewCommentParams places one inline comment.
type ReviewCommentParams struct {
	CommitID  string `json:"commit_id"`
	Path      string `json:"path"`
	Line      int    `json:"line"`
	StartLine int    `json:"start_line,omitempty"` // multi-line comments
	Side      string `json:"side,omitempty"`       // RIGHT unless stated
	Body      string `json:"body"`
}

// ReviewDraftComment is one comment inside a batched review.
type ReviewDraftComment struct {
	Path      string `json:"path"`
	Line      int    `json:"line"`
	StartLine int    `json:"start_line,omitempty"`
	Side      string `json:"side,omitempty"`
	Body      string `json:"body"`
}

// ReviewParams submits a batch review.
type ReviewParams struct {
	CommitID string               `json:"commit_id,omitempty"`
	Event    string               `json:"event"` // COMMENT, REQUEST_CHANGES, APPROVE
	Body     string               `json:"body,omitempty"`
	Comments []ReviewDraftComment `json:"comments,omitempty"`
}

// StatusCheck is one commit status context.
type StatusCheck struct {
	Context     string `json:"context"`
	State       string `json:"state"` // success, failure, error, pending
	Description string `json:"description,omitempty"`
}

// CombinedStatus aggregates commit statuses for a sha.
type CombinedStatus struct {
	State    string        `json:"state"` // success, failure, pending
	Total    int           `json:"total"`
	Statuses []StatusCheck `json:"statuses,omitempty"`
}

// CheckRun is the provider's view of a check run.
type CheckRun struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Conclusion  string     `json:"conclusion,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BranchComparison reports how head relates to base.
type BranchComparison struct {
	Status   string `json:"status"` // ahead, behind, identical, diverged
	AheadBy  int    `json:"ahead_by"`
	BehindBy int    `json:"behind_by"`
}

// Client is the provider operation surface. Write operations return the
// provider's identifier for the created resource; failures are
// *RequestError values classified by kind.
type Client interface {
	GetPullRequest(ctx context.Context, ref RepoRef, number int) (*PullRequest, error)
	GetPullRequestDiff(ctx context.Context, ref RepoRef, number int) (string, error)
	GetPullRequestFiles(ctx context.Context, ref RepoRef, number int) ([]ChangedFile, error)
	GetFileContent(ctx context.Context, ref RepoRef, path, commitSHA string) ([]byte, error)

	CreateCheckRun(ctx context.Context, ref RepoRef, params CheckRunParams) (string, error)
	UpdateCheckRun(ctx context.Context, ref RepoRef, checkRunID string, params CheckRunParams) error
	CreateReviewComment(ctx context.Context, ref RepoRef, number int, params ReviewCommentParams) (string, error)
	CreateReview(ctx context.Context, ref RepoRef, number int, params ReviewParams) (string, error)
	CreateIssueComment(ctx context.Context, ref RepoRef, number int, body string) (string, error)
	RequestReviewers(ctx context.Context, ref RepoRef, number int, logins []string) error

	GetCombinedStatus(ctx context.Context, ref RepoRef, commitSHA string) (*CombinedStatus, error)
	GetCheckRuns(ctx context.Context, ref RepoRef, commitSHA string) ([]CheckRun, error)
	CompareBranches(ctx context.Context, ref RepoRef, base, head string) (*BranchComparison, error)
	UpdateBranch(ctx context.Context, ref RepoRef, number int) error
	GetCodeowners(ctx context.Context, ref RepoRef) (*Codeowners, error)
}
