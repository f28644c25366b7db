// Package hosting talks to the source-control host's REST API: installation
// tokens, pull requests, CI status, and merges. The endpoint shapes follow
// the GitHub v3 API, which the self-hosted forges we target also speak.
package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"forge/internal/config"
	"forge/internal/domain"
	"forge/internal/errors"
	"forge/internal/httpclient"
	"forge/internal/logging"
)

// tokenRefreshMargin is how long before expiry a cached installation token
// is considered stale.
const tokenRefreshMargin = time.Minute

// Repository is a repository visible to the installation.
type Repository struct {
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	CloneURL      string `json:"clone_url"`
	Private       bool   `json:"private"`
}

// PullRequest is the host-side PR representation.
type PullRequest struct {
	Number     int    `json:"number"`
	State      string `json:"state"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	HTMLURL    string `json:"html_url"`
	Merged     bool   `json:"merged"`
	Mergeable  *bool  `json:"mergeable"`
	HeadBranch string `json:"-"`
	BaseBranch string `json:"-"`
	HeadSHA    string `json:"-"`
}

type prEnvelope struct {
	PullRequest
	Head struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

func (e *prEnvelope) toPullRequest() *PullRequest {
	pr := e.PullRequest
	pr.HeadBranch = e.Head.Ref
	pr.HeadSHA = e.Head.SHA
	pr.BaseBranch = e.Base.Ref
	return &pr
}

// StatusCheck is one CI context on a commit.
type StatusCheck struct {
	Context     string `json:"context"`
	State       string `json:"state"`
	Description string `json:"description"`
	TargetURL   string `json:"target_url"`
}

// CombinedStatus is the rolled-up CI state of a commit.
type CombinedStatus struct {
	State    string        `json:"state"`
	TotalCnt int           `json:"total_count"`
	Statuses []StatusCheck `json:"statuses"`
}

// Result maps the host's combined state onto the cycle engine's CI result.
func (s *CombinedStatus) Result() domain.CIResult {
	switch s.State {
	case "success":
		return domain.CISuccess
	case "failure":
		return domain.CIFailure
	case "error":
		return domain.CIError
	default:
		return domain.CIPending
	}
}

// FailedChecks returns the contexts that did not pass.
func (s *CombinedStatus) FailedChecks() []StatusCheck {
	var failed []StatusCheck
	for _, check := range s.Statuses {
		if check.State == "failure" || check.State == "error" {
			failed = append(failed, check)
		}
	}
	return failed
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Client is the authenticated host API client.
type Client struct {
	baseURL        string
	apiToken       string
	appID          string
	installationID string
	http           *http.Client
	logger         logging.Logger
	tokens         *expirable.LRU[string, cachedToken]
}

func New(cfg config.HostingConfig, logger logging.Logger) *Client {
	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiToken:       cfg.APIToken,
		appID:          cfg.AppID,
		installationID: cfg.InstallationID,
		http:           httpclient.NewWithCircuitBreaker(timeout, logger, "hosting"),
		logger:         logging.OrNop(logger),
		tokens:         expirable.NewLRU[string, cachedToken](8, nil, time.Hour),
	}
}

// InstallationToken returns a token usable for git-over-HTTPS and API
// calls. With a static api_token configured, that token is returned
// directly; in app mode a short-lived installation token is fetched and
// cached until shortly before expiry.
func (c *Client) InstallationToken(ctx context.Context) (string, error) {
	if c.installationID == "" {
		if c.apiToken == "" {
			return "", errors.Permanent(fmt.Errorf("hosting: neither api_token nor installation_id configured"))
		}
		return c.apiToken, nil
	}

	if cached, ok := c.tokens.Get(c.installationID); ok {
		if time.Until(cached.expiresAt) > tokenRefreshMargin {
			return cached.token, nil
		}
	}

	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	path := fmt.Sprintf("/app/installations/%s/access_tokens", url.PathEscape(c.installationID))
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return "", fmt.Errorf("fetch installation token: %w", err)
	}
	if resp.Token == "" {
		return "", errors.Permanent(fmt.Errorf("hosting: empty installation token"))
	}
	c.tokens.Add(c.installationID, cachedToken{token: resp.Token, expiresAt: resp.ExpiresAt})
	return resp.Token, nil
}

// AuthenticatedCloneURL rewrites an https remote to carry the installation
// token, the form git itself accepts for token auth.
func (c *Client) AuthenticatedCloneURL(ctx context.Context, remoteURL string) (string, error) {
	token, err := c.InstallationToken(ctx)
	if err != nil {
		return "", err
	}
	parsed, err := url.Parse(remoteURL)
	if err != nil {
		return "", fmt.Errorf("parse remote url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return "", errors.Permanent(fmt.Errorf("cannot authenticate %s remotes", parsed.Scheme))
	}
	parsed.User = url.UserPassword("x-access-token", token)
	return parsed.String(), nil
}

// ListRepositories returns the repositories the installation can access.
func (c *Client) ListRepositories(ctx context.Context) ([]Repository, error) {
	var resp struct {
		Repositories []Repository `json:"repositories"`
	}
	if err := c.do(ctx, http.MethodGet, "/installation/repositories", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Repositories, nil
}

// CreatePullRequest opens a PR from head onto base.
func (c *Client) CreatePullRequest(ctx context.Context, repoFullName, title, body, head, base string) (*PullRequest, error) {
	payload := map[string]string{"title": title, "body": body, "head": head, "base": base}
	var resp prEnvelope
	path := fmt.Sprintf("/repos/%s/pulls", repoFullName)
	if err := c.do(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return nil, err
	}
	return resp.toPullRequest(), nil
}

// UpdatePullRequest edits an open PR's title and body.
func (c *Client) UpdatePullRequest(ctx context.Context, repoFullName string, number int, title, body string) (*PullRequest, error) {
	payload := map[string]string{"title": title, "body": body}
	var resp prEnvelope
	path := fmt.Sprintf("/repos/%s/pulls/%d", repoFullName, number)
	if err := c.do(ctx, http.MethodPatch, path, payload, &resp); err != nil {
		return nil, err
	}
	return resp.toPullRequest(), nil
}

// GetPullRequest fetches one PR, including its mergeability.
func (c *Client) GetPullRequest(ctx context.Context, repoFullName string, number int) (*PullRequest, error) {
	var resp prEnvelope
	path := fmt.Sprintf("/repos/%s/pulls/%d", repoFullName, number)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toPullRequest(), nil
}

// FindPullRequestByBranch returns the open PR whose head is branch, or nil
// when none exists.
func (c *Client) FindPullRequestByBranch(ctx context.Context, repoFullName, branch string) (*PullRequest, error) {
	owner := repoFullName
	if idx := strings.IndexByte(owner, '/'); idx >= 0 {
		owner = owner[:idx]
	}
	path := fmt.Sprintf("/repos/%s/pulls?state=open&head=%s", repoFullName, url.QueryEscape(owner+":"+branch))
	var resp []prEnvelope
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, nil
	}
	return resp[0].toPullRequest(), nil
}

// CombinedStatus reads the rolled-up CI status of a commit.
func (c *Client) CombinedStatus(ctx context.Context, repoFullName, sha string) (*CombinedStatus, error) {
	var resp CombinedStatus
	path := fmt.Sprintf("/repos/%s/commits/%s/status", repoFullName, url.PathEscape(sha))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MergePullRequest merges a PR with the given method (merge, squash,
// rebase). A 405 from the host means the PR is not mergeable.
func (c *Client) MergePullRequest(ctx context.Context, repoFullName string, number int, method string) error {
	payload := map[string]string{"merge_method": method}
	path := fmt.Sprintf("/repos/%s/pulls/%d/merge", repoFullName, number)
	var resp struct {
		Merged  bool   `json:"merged"`
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodPut, path, payload, &resp); err != nil {
		return err
	}
	if !resp.Merged {
		return errors.Permanent(fmt.Errorf("merge rejected: %s", resp.Message))
	}
	return nil
}

// DeleteBranch removes a remote branch; a missing branch is not an error.
func (c *Client) DeleteBranch(ctx context.Context, repoFullName, branch string) error {
	path := fmt.Sprintf("/repos/%s/git/refs/heads/%s", repoFullName, url.PathEscape(branch))
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	var perm *errors.PermanentError
	if stderrors.As(err, &perm) && perm.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// do performs one API call, classifying HTTP failures as transient or
// permanent for the retry machinery above.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Token endpoint calls authenticate as the app; everything else uses
	// the installation token (or the static token).
	if strings.HasPrefix(path, "/app/") {
		if c.apiToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiToken)
		}
	} else {
		token, err := c.InstallationToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Transient(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	raw, err := httpclient.ReadAllWithLimit(resp.Body, 4<<20)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return errors.FromStatusCode(resp.StatusCode,
			fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw))))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
