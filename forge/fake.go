package forge

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Client for tests and local development. Seed the
// exported maps, then assert on the recorded write slices. All methods
// are safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	// Seeded state, keyed by "owner/name#number" or "owner/name@sha".
	PRs          map[string]*PullRequest
	Diffs        map[string]string
	Files        map[string][]ChangedFile
	FileContents map[string][]byte
	Statuses     map[string]*CombinedStatus
	CheckRunSets map[string][]CheckRun
	Comparisons  map[string]*BranchComparison
	Ownership    *Codeowners

	// FailWith makes the named operation return the given error.
	FailWith map[string]error

	// Recorded writes.
	CreatedCheckRuns []CheckRunParams
	UpdatedCheckRuns map[string]CheckRunParams
	ReviewComments   []ReviewCommentParams
	Reviews          []ReviewParams
	IssueComments    []string
	ReviewerRequests [][]string
	BranchUpdates    []int

	nextID int
}

// NewFake returns an empty Fake ready for seeding.
func NewFake() *Fake {
	return &Fake{
		PRs:              make(map[string]*PullRequest),
		Diffs:            make(map[string]string),
		Files:            make(map[string][]ChangedFile),
		FileContents:     make(map[string][]byte),
		Statuses:         make(map[string]*CombinedStatus),
		CheckRunSets:     make(map[string][]CheckRun),
		Comparisons:      make(map[string]*BranchComparison),
		FailWith:         make(map[string]error),
		UpdatedCheckRuns: make(map[string]CheckRunParams),
	}
}

// PRKey builds the map key for pull-request-scoped state.
func PRKey(ref RepoRef, number int) string {
	return fmt.Sprintf("%s#%d", ref.Repo, number)
}

// SHAKey builds the map key for commit-scoped state.
func SHAKey(ref RepoRef, sha string) string {
	return fmt.Sprintf("%s@%s", ref.Repo, sha)
}

func (f *Fake) fail(op string) error {
	if err := f.FailWith[op]; err != nil {
		return err
	}
	return nil
}

func notFound(what string) error {
	return &RequestError{Code: ErrCodeNotFound, Status: 404, Message: what + " not found"}
}

func (f *Fake) GetPullRequest(_ context.Context, ref RepoRef, number int) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("GetPullRequest"); err != nil {
		return nil, err
	}
	pr, ok := f.PRs[PRKey(ref, number)]
	if !ok {
		return nil, notFound("pull request")
	}
	copied := *pr
	return &copied, nil
}

func (f *Fake) GetPullRequestDiff(_ context.Context, ref RepoRef, number int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("GetPullRequestDiff"); err != nil {
		return "", err
	}
	diff, ok := f.Diffs[PRKey(ref, number)]
	if !ok {
		return "", notFound("diff")
	}
	return diff, nil
}

func (f *Fake) GetPullRequestFiles(_ context.Context, ref RepoRef, number int) ([]ChangedFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("GetPullRequestFiles"); err != nil {
		return nil, err
	}
	files, ok := f.Files[PRKey(ref, number)]
	if !ok {
		return nil, notFound("files")
	}
	return append([]ChangedFile(nil), files...), nil
}

func (f *Fake) GetFileContent(_ context.Context, ref RepoRef, path, commitSHA string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("GetFileContent"); err != nil {
		return nil, err
	}
	content, ok := f.FileContents[SHAKey(ref, commitSHA)+":"+path]
	if !ok {
		return nil, notFound("file " + path)
	}
	return append([]byte(nil), content...), nil
}

func (f *Fake) CreateCheckRun(_ context.Context, _ RepoRef, params CheckRunParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("CreateCheckRun"); err != nil {
		return "", err
	}
	f.CreatedCheckRuns = append(f.CreatedCheckRuns, params)
	f.nextID++
	return fmt.Sprintf("check-%d", f.nextID), nil
}

func (f *Fake) UpdateCheckRun(_ context.Context, _ RepoRef, checkRunID string, params CheckRunParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("UpdateCheckRun"); err != nil {
		return err
	}
	f.UpdatedCheckRuns[checkRunID] = params
	return nil
}

func (f *Fake) CreateReviewComment(_ context.Context, _ RepoRef, _ int, params ReviewCommentParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("CreateReviewComment"); err != nil {
		return "", err
	}
	f.ReviewComments = append(f.ReviewComments, params)
	f.nextID++
	return fmt.Sprintf("comment-%d", f.nextID), nil
}

func (f *Fake) CreateReview(_ context.Context, _ RepoRef, _ int, params ReviewParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("CreateReview"); err != nil {
		return "", err
	}
	f.Reviews = append(f.Reviews, params)
	f.nextID++
	return fmt.Sprintf("review-%d", f.nextID), nil
}

func (f *Fake) CreateIssueComment(_ context.Context, _ RepoRef, _ int, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("CreateIssueComment"); err != nil {
		return "", err
	}
	f.IssueComments = append(f.IssueComments, body)
	f.nextID++
	return fmt.Sprintf("issue-comment-%d", f.nextID), nil
}

func (f *Fake) RequestReviewers(_ context.Context, _ RepoRef, _ int, logins []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("RequestReviewers"); err != nil {
		return err
	}
	f.ReviewerRequests = append(f.ReviewerRequests, append([]string(nil), logins...))
	return nil
}

func (f *Fake) GetCombinedStatus(_ context.Context, ref RepoRef, commitSHA string) (*CombinedStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("GetCombinedStatus"); err != nil {
		return nil, err
	}
	status, ok := f.Statuses[SHAKey(ref, commitSHA)]
	if !ok {
		return &CombinedStatus{State: "pending"}, nil
	}
	return status, nil
}

func (f *Fake) GetCheckRuns(_ context.Context, ref RepoRef, commitSHA string) ([]CheckRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("GetCheckRuns"); err != nil {
		return nil, err
	}
	return append([]CheckRun(nil), f.CheckRunSets[SHAKey(ref, commitSHA)]...), nil
}

func (f *Fake) CompareBranches(_ context.Context, ref RepoRef, base, head string) (*BranchComparison, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("CompareBranches"); err != nil {
		return nil, err
	}
	cmp, ok := f.Comparisons[fmt.Sprintf("%s:%s...%s", ref.Repo, base, head)]
	if !ok {
		return &BranchComparison{Status: "identical"}, nil
	}
	return cmp, nil
}

func (f *Fake) UpdateBranch(_ context.Context, _ RepoRef, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("UpdateBranch"); err != nil {
		return err
	}
	f.BranchUpdates = append(f.BranchUpdates, number)
	return nil
}

func (f *Fake) GetCodeowners(_ context.Context, _ RepoRef) (*Codeowners, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("GetCodeowners"); err != nil {
		return nil, err
	}
	if f.Ownership == nil {
		return ParseCodeowners(""), nil
	}
	return f.Ownership, nil
}

var _ Client = (*Fake)(nil)
