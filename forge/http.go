package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.github.com"

	acceptJSON = "application/vnd.github+json"
	acceptDiff = "application/vnd.github.diff"
	acceptRaw  = "application/vnd.github.raw"

	// maxAttempts bounds retries for 5xx and rate-limit responses.
	maxAttempts = 5

	// retryBackoffBase seeds the exponential backoff between attempts.
	retryBackoffBase = 500 * time.Millisecond

	// maxInlineWait is the longest we stall inside a call for a
	// provider-requested backoff; longer waits surface as errors so the
	// workflow retry machinery owns the delay.
	maxInlineWait = 30 * time.Second

	// maxBodySize caps response reads.
	maxBodySize = 20 * 1024 * 1024

	// filesPerPage is the page size for changed-file listing.
	filesPerPage = 100
)

// HTTPClient implements Client against the GitHub-compatible REST API.
type HTTPClient struct {
	baseURL    string
	tokens     TokenSource
	budget     *Budget
	httpClient *http.Client
	logger     *slog.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithTransport sets a custom HTTP client.
func WithTransport(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		h.httpClient = c
	}
}

// NewHTTPClient creates the REST client. baseURL may be empty for the
// public endpoint; budget may be nil to disable rate limiting.
func NewHTTPClient(baseURL string, tokens TokenSource, budget *Budget, logger *slog.Logger, opts ...HTTPOption) *HTTPClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	h := &HTTPClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		tokens:     tokens,
		budget:     budget,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With(slog.String("component", "forge")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// --- reads ---

// prJSON is the provider's pull request document.
type prJSON struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	Draft  bool   `json:"draft"`
	User   struct {
		Login string `json:"login"`
	} `json:"user"`
	Head struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"base"`
	Additions          int    `json:"additions"`
	Deletions          int    `json:"deletions"`
	ChangedFiles       int    `json:"changed_files"`
	Commits            int    `json:"commits"`
	Mergeable          *bool  `json:"mergeable"`
	MergeableState     string `json:"mergeable_state"`
	RequestedReviewers []struct {
		Login string `json:"login"`
	} `json:"requested_reviewers"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	MergedAt  *time.Time `json:"merged_at"`
}

func (h *HTTPClient) GetPullRequest(ctx context.Context, ref RepoRef, number int) (*PullRequest, error) {
	var decoded prJSON
	path := fmt.Sprintf("/repos/%s/pulls/%d", ref.Repo, number)
	if err := h.doJSON(ctx, ref, http.MethodGet, path, nil, &decoded); err != nil {
		return nil, err
	}

	pr := &PullRequest{
		Number:         decoded.Number,
		Title:          decoded.Title,
		Body:           decoded.Body,
		State:          decoded.State,
		Draft:          decoded.Draft,
		AuthorLogin:    decoded.User.Login,
		HeadSHA:        decoded.Head.SHA,
		HeadRef:        decoded.Head.Ref,
		BaseSHA:        decoded.Base.SHA,
		BaseRef:        decoded.Base.Ref,
		Additions:      decoded.Additions,
		Deletions:      decoded.Deletions,
		ChangedFiles:   decoded.ChangedFiles,
		Commits:        decoded.Commits,
		Mergeable:      decoded.Mergeable,
		MergeableState: decoded.MergeableState,
		CreatedAt:      decoded.CreatedAt,
		UpdatedAt:      decoded.UpdatedAt,
		MergedAt:       decoded.MergedAt,
	}
	for _, r := range decoded.RequestedReviewers {
		pr.Reviewers = append(pr.Reviewers, r.Login)
	}
	return pr, nil
}

func (h *HTTPClient) GetPullRequestDiff(ctx context.Context, ref RepoRef, number int) (string, error) {
	path := fmt.Sprintf("/repos/%s/pulls/%d", ref.Repo, number)
	body, err := h.doRaw(ctx, ref, http.MethodGet, path, acceptDiff)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (h *HTTPClient) GetPullRequestFiles(ctx context.Context, ref RepoRef, number int) ([]ChangedFile, error) {
	var files []ChangedFile
	for page := 1; ; page++ {
		var decoded []struct {
			Filename         string `json:"filename"`
			PreviousFilename string `json:"previous_filename"`
			Status           string `json:"status"`
			Additions        int    `json:"additions"`
			Deletions        int    `json:"deletions"`
			Patch            string `json:"patch"`
		}
		path := fmt.Sprintf("/repos/%s/pulls/%d/files?per_page=%d&page=%d", ref.Repo, number, filesPerPage, page)
		if err := h.doJSON(ctx, ref, http.MethodGet, path, nil, &decoded); err != nil {
			return nil, err
		}
		for _, f := range decoded {
			files = append(files, ChangedFile{
				Path:         f.Filename,
				PreviousPath: f.PreviousFilename,
				Status:       f.Status,
				Additions:    f.Additions,
				Deletions:    f.Deletions,
				Patch:        f.Patch,
			})
		}
		if len(decoded) < filesPerPage {
			return files, nil
		}
	}
}

func (h *HTTPClient) GetFileContent(ctx context.Context, ref RepoRef, path, commitSHA string) ([]byte, error) {
	reqPath := fmt.Sprintf("/repos/%s/contents/%s", ref.Repo, escapePath(path))
	if commitSHA != "" {
		reqPath += "?ref=" + url.QueryEscape(commitSHA)
	}
	return h.doRaw(ctx, ref, http.MethodGet, reqPath, acceptRaw)
}

// escapePath escapes each path segment while keeping separators intact.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// --- writes ---

type idJSON struct {
	ID json.Number `json:"id"`
}

func (h *HTTPClient) CreateCheckRun(ctx context.Context, ref RepoRef, params CheckRunParams) (string, error) {
	var decoded idJSON
	path := fmt.Sprintf("/repos/%s/check-runs", ref.Repo)
	if err := h.doJSON(ctx, ref, http.MethodPost, path, checkRunBody(params), &decoded); err != nil {
		return "", err
	}
	return decoded.ID.String(), nil
}

func (h *HTTPClient) UpdateCheckRun(ctx context.Context, ref RepoRef, checkRunID string, params CheckRunParams) error {
	path := fmt.Sprintf("/repos/%s/check-runs/%s", ref.Repo, url.PathEscape(checkRunID))
	return h.doJSON(ctx, ref, http.MethodPatch, path, checkRunBody(params), nil)
}

// checkRunBody shapes the wire document; output fields nest under
// "output" on the provider side.
func checkRunBody(params CheckRunParams) map[string]any {
	body := map[string]any{
		"name":   params.Name,
		"status": params.Status,
	}
	if params.HeadSHA != "" {
		body["head_sha"] = params.HeadSHA
	}
	if params.Conclusion != "" {
		body["conclusion"] = params.Conclusion
	}
	if params.Title != "" || params.Summary != "" {
		output := map[string]any{
			"title":   params.Title,
			"summary": params.Summary,
		}
		if params.Text != "" {
			output["text"] = params.Text
		}
		body["output"] = output
	}
	return body
}

func (h *HTTPClient) CreateReviewComment(ctx context.Context, ref RepoRef, number int, params ReviewCommentParams) (string, error) {
	body := map[string]any{
		"commit_id": params.CommitID,
		"path":      params.Path,
		"line":      params.Line,
		"body":      params.Body,
	}
	if params.StartLine != 0 {
		body["start_line"] = params.StartLine
	}
	if params.Side != "" {
		body["side"] = params.Side
	}

	var decoded idJSON
	path := fmt.Sprintf("/repos/%s/pulls/%d/comments", ref.Repo, number)
	if err := h.doJSON(ctx, ref, http.MethodPost, path, body, &decoded); err != nil {
		return "", err
	}
	return decoded.ID.String(), nil
}

func (h *HTTPClient) CreateReview(ctx context.Context, ref RepoRef, number int, params ReviewParams) (string, error) {
	body := map[string]any{
		"event": params.Event,
	}
	if params.CommitID != "" {
		body["commit_id"] = params.CommitID
	}
	if params.Body != "" {
		body["body"] = params.Body
	}
	if len(params.Comments) > 0 {
		comments := make([]map[string]any, 0, len(params.Comments))
		for _, c := range params.Comments {
			comment := map[string]any{
				"path": c.Path,
				"line": c.Line,
				"body": c.Body,
			}
			if c.StartLine != 0 {
				comment["start_line"] = c.StartLine
			}
			if c.Side != "" {
				comment["side"] = c.Side
			}
			comments = append(comments, comment)
		}
		body["comments"] = comments
	}

	var decoded idJSON
	path := fmt.Sprintf("/repos/%s/pulls/%d/reviews", ref.Repo, number)
	if err := h.doJSON(ctx, ref, http.MethodPost, path, body, &decoded); err != nil {
		return "", err
	}
	return decoded.ID.String(), nil
}

func (h *HTTPClient) CreateIssueComment(ctx context.Context, ref RepoRef, number int, body string) (string, error) {
	var decoded idJSON
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", ref.Repo, number)
	if err := h.doJSON(ctx, ref, http.MethodPost, path, map[string]any{"body": body}, &decoded); err != nil {
		return "", err
	}
	return decoded.ID.String(), nil
}

func (h *HTTPClient) RequestReviewers(ctx context.Context, ref RepoRef, number int, logins []string) error {
	path := fmt.Sprintf("/repos/%s/pulls/%d/requested_reviewers", ref.Repo, number)
	return h.doJSON(ctx, ref, http.MethodPost, path, map[string]any{"reviewers": logins}, nil)
}

// --- state reads ---

func (h *HTTPClient) GetCombinedStatus(ctx context.Context, ref RepoRef, commitSHA string) (*CombinedStatus, error) {
	var decoded struct {
		State    string `json:"state"`
		Total    int    `json:"total_count"`
		Statuses []struct {
			Context     string `json:"context"`
			State       string `json:"state"`
			Description string `json:"description"`
		} `json:"statuses"`
	}
	path := fmt.Sprintf("/repos/%s/commits/%s/status", ref.Repo, url.PathEscape(commitSHA))
	if err := h.doJSON(ctx, ref, http.MethodGet, path, nil, &decoded); err != nil {
		return nil, err
	}

	combined := &CombinedStatus{State: decoded.State, Total: decoded.Total}
	for _, s := range decoded.Statuses {
		combined.Statuses = append(combined.Statuses, StatusCheck{
			Context:     s.Context,
			State:       s.State,
			Description: s.Description,
		})
	}
	return combined, nil
}

func (h *HTTPClient) GetCheckRuns(ctx context.Context, ref RepoRef, commitSHA string) ([]CheckRun, error) {
	var decoded struct {
		CheckRuns []struct {
			ID          json.Number `json:"id"`
			Name        string      `json:"name"`
			Status      string      `json:"status"`
			Conclusion  string      `json:"conclusion"`
			CompletedAt *time.Time  `json:"completed_at"`
		} `json:"check_runs"`
	}
	path := fmt.Sprintf("/repos/%s/commits/%s/check-runs", ref.Repo, url.PathEscape(commitSHA))
	if err := h.doJSON(ctx, ref, http.MethodGet, path, nil, &decoded); err != nil {
		return nil, err
	}

	runs := make([]CheckRun, 0, len(decoded.CheckRuns))
	for _, r := range decoded.CheckRuns {
		runs = append(runs, CheckRun{
			ID:          r.ID.String(),
			Name:        r.Name,
			Status:      r.Status,
			Conclusion:  r.Conclusion,
			CompletedAt: r.CompletedAt,
		})
	}
	return runs, nil
}

func (h *HTTPClient) CompareBranches(ctx context.Context, ref RepoRef, base, head string) (*BranchComparison, error) {
	var decoded struct {
		Status   string `json:"status"`
		AheadBy  int    `json:"ahead_by"`
		BehindBy int    `json:"behind_by"`
	}
	path := fmt.Sprintf("/repos/%s/compare/%s...%s", ref.Repo, url.PathEscape(base), url.PathEscape(head))
	if err := h.doJSON(ctx, ref, http.MethodGet, path, nil, &decoded); err != nil {
		return nil, err
	}
	return &BranchComparison{
		Status:   decoded.Status,
		AheadBy:  decoded.AheadBy,
		BehindBy: decoded.BehindBy,
	}, nil
}

func (h *HTTPClient) UpdateBranch(ctx context.Context, ref RepoRef, number int) error {
	path := fmt.Sprintf("/repos/%s/pulls/%d/update-branch", ref.Repo, number)
	err := h.doJSON(ctx, ref, http.MethodPut, path, map[string]any{}, nil)
	// 202 Accepted arrives with a body we don't need; doJSON already
	// treats it as success.
	return err
}

// codeownersLocations are searched in order; the first hit wins.
var codeownersLocations = []string{".github/CODEOWNERS", "CODEOWNERS", "docs/CODEOWNERS"}

func (h *HTTPClient) GetCodeowners(ctx context.Context, ref RepoRef) (*Codeowners, error) {
	for _, location := range codeownersLocations {
		content, err := h.GetFileContent(ctx, ref, location, "")
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		return ParseCodeowners(string(content)), nil
	}
	// No CODEOWNERS is a normal state, not an error.
	return ParseCodeowners(""), nil
}

// --- transport ---

// doJSON performs a request with a JSON body and decodes a JSON
// response into out (out may be nil for fire-and-forget writes).
func (h *HTTPClient) doJSON(ctx context.Context, ref RepoRef, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	respBody, err := h.do(ctx, ref, method, path, acceptJSON, payload)
	if err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse %s %s response: %w", method, path, err)
	}
	return nil
}

// doRaw performs a request negotiating a non-JSON representation.
func (h *HTTPClient) doRaw(ctx context.Context, ref RepoRef, method, path, accept string) ([]byte, error) {
	return h.do(ctx, ref, method, path, accept, nil)
}

// do runs one operation with rate limiting and retry. Rate-limit
// responses wait out short Retry-After hints in place; 5xx retries back
// off exponentially with jitter.
func (h *HTTPClient) do(ctx context.Context, ref RepoRef, method, path, accept string, payload []byte) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if h.budget != nil {
			if err := h.budget.Wait(ctx, ref.InstallationID); err != nil {
				return nil, fmt.Errorf("rate budget wait: %w", err)
			}
		}

		body, reqErr := h.send(ctx, ref, method, path, accept, payload)
		if reqErr == nil {
			return body, nil
		}
		lastErr = reqErr

		// Typed API errors retry only when the code says so; plain
		// transport failures always retry.
		var re *RequestError
		if errors.As(reqErr, &re) && !re.Retryable() {
			return nil, reqErr
		}
		if attempt == maxAttempts {
			return nil, reqErr
		}

		delay := h.retryDelay(re, attempt)
		if delay > maxInlineWait {
			return nil, reqErr
		}

		h.logger.Debug("Provider request failed, retrying",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", reqErr.Error()))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

// retryDelay honors the provider's Retry-After when present, otherwise
// exponential backoff with ±25% jitter.
func (h *HTTPClient) retryDelay(re *RequestError, attempt int) time.Duration {
	if re != nil && re.RetryAfter > 0 {
		return re.RetryAfter
	}

	backoff := retryBackoffBase
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// send performs a single HTTP round trip.
func (h *HTTPClient) send(ctx context.Context, ref RepoRef, method, path, accept string, payload []byte) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.tokens != nil {
		token, err := h.tokens.Token(ctx, ref.InstallationID)
		if err != nil {
			return nil, fmt.Errorf("resolve installation token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if h.budget != nil {
		h.budget.Observe(ctx, ref.InstallationID, resp.Header)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	message := strings.TrimSpace(string(body))
	if len(message) > 300 {
		message = message[:300] + "..."
	}
	return nil, classifyStatus(resp.StatusCode, message, parseRetryAfter(resp.Header), resp.Header.Get("x-ratelimit-remaining"))
}

// parseRetryAfter reads Retry-After seconds, falling back to the
// x-ratelimit-reset timestamp.
func parseRetryAfter(headers http.Header) time.Duration {
	if v := headers.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := headers.Get("x-ratelimit-reset"); v != "" && headers.Get("x-ratelimit-remaining") == "0" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			if until := time.Until(time.Unix(unix, 0)); until > 0 {
				return until
			}
		}
	}
	return 0
}
