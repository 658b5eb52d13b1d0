// Package github implements forge.Client against the GitHub REST API v3.
//
// All reads that the poll loops issue repeatedly support conditional
// requests: the client sends If-None-Match / If-Modified-Since from the
// caller's cached validators and reports a 304 as modified=false, which does
// not count against the API rate limit. Outbound calls go through a token
// bucket and a circuit breaker so a degraded forge degrades polling instead
// of failing workflows.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/mainloop-ai/mainloop/features/forge"
	"github.com/mainloop-ai/mainloop/runtime/telemetry"
)

const defaultBaseURL = "https://api.github.com"

// Options configures the GitHub client.
type Options struct {
	// Token is the API token. Required unless HTTPClient is provided.
	Token string

	// BaseURL overrides the API root, e.g. for GitHub Enterprise or tests.
	BaseURL string

	// HTTPClient overrides the transport. When nil a client with an oauth2
	// transport is built from Token.
	HTTPClient *http.Client

	// RequestsPerSecond caps the sustained request rate. Zero means 10.
	RequestsPerSecond float64

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// Client implements forge.Client.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

var _ forge.Client = (*Client)(nil)

// New constructs a GitHub forge client.
func New(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		if opts.Token == "" {
			return nil, errors.New("github forge: token is required")
		}
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
		httpClient = oauth2.NewClient(context.Background(), src)
		httpClient.Timeout = 30 * time.Second
	}
	base := strings.TrimSuffix(opts.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "github",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		base:    base,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		breaker: breaker,
		logger:  logger,
		metrics: metrics,
	}, nil
}

func (c *Client) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (*forge.Issue, error) {
	payload := map[string]any{"title": title, "body": body}
	if len(labels) > 0 {
		payload["labels"] = labels
	}
	var wire wireIssue
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues", repo), payload, forge.Conditional{}, &wire); err != nil {
		return nil, err
	}
	return wire.toIssue(), nil
}

func (c *Client) GetIssue(ctx context.Context, repo string, number int, cond forge.Conditional) (*forge.Issue, forge.Conditional, bool, error) {
	var wire wireIssue
	res, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/issues/%d", repo, number), nil, cond, &wire)
	if err != nil {
		return nil, cond, false, err
	}
	if res.notModified {
		return nil, res.cond, false, nil
	}
	return wire.toIssue(), res.cond, true, nil
}

func (c *Client) UpdateIssueBody(ctx context.Context, repo string, number int, body string) error {
	_, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/issues/%d", repo, number), map[string]any{"body": body}, forge.Conditional{}, nil)
	return err
}

func (c *Client) CloseIssue(ctx context.Context, repo string, number int) error {
	_, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/issues/%d", repo, number), map[string]any{"state": "closed"}, forge.Conditional{}, nil)
	return err
}

func (c *Client) CreateIssueComment(ctx context.Context, repo string, number int, body string) (*forge.Comment, error) {
	var wire wireComment
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number), map[string]any{"body": body}, forge.Conditional{}, &wire); err != nil {
		return nil, err
	}
	return wire.toComment(), nil
}

func (c *Client) ListIssueComments(ctx context.Context, repo string, number int, since time.Time, cond forge.Conditional) ([]forge.Comment, forge.Conditional, bool, error) {
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number)
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}
	var wire []wireComment
	res, err := c.do(ctx, http.MethodGet, path, nil, cond, &wire)
	if err != nil {
		return nil, cond, false, err
	}
	if res.notModified {
		return nil, res.cond, false, nil
	}
	return wireComments(wire), res.cond, true, nil
}

func (c *Client) ListIssueReactions(ctx context.Context, repo string, number int) ([]forge.Reaction, error) {
	var wire []wireReaction
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/issues/%d/reactions", repo, number), nil, forge.Conditional{}, &wire); err != nil {
		return nil, err
	}
	return wireReactions(wire), nil
}

func (c *Client) ListCommentReactions(ctx context.Context, repo string, commentID int64) ([]forge.Reaction, error) {
	var wire []wireReaction
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/issues/comments/%d/reactions", repo, commentID), nil, forge.Conditional{}, &wire); err != nil {
		return nil, err
	}
	return wireReactions(wire), nil
}

func (c *Client) AddCommentReaction(ctx context.Context, repo string, commentID int64, content string) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues/comments/%d/reactions", repo, commentID), map[string]any{"content": content}, forge.Conditional{}, nil)
	return err
}

func (c *Client) FindPullRequestForBranch(ctx context.Context, repo, branch string) (*forge.PullRequest, error) {
	owner, _, ok := strings.Cut(repo, "/")
	if !ok {
		return nil, fmt.Errorf("github forge: malformed repo %q", repo)
	}
	path := fmt.Sprintf("/repos/%s/pulls?state=open&head=%s", repo, url.QueryEscape(owner+":"+branch))
	var wire []wirePullRequest
	if _, err := c.do(ctx, http.MethodGet, path, nil, forge.Conditional{}, &wire); err != nil {
		return nil, err
	}
	if len(wire) == 0 {
		return nil, forge.ErrNotFound
	}
	return wire[0].toPullRequest(), nil
}

func (c *Client) GetPullRequest(ctx context.Context, repo string, number int, cond forge.Conditional) (*forge.PullRequest, forge.Conditional, bool, error) {
	var wire wirePullRequest
	res, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d", repo, number), nil, cond, &wire)
	if err != nil {
		return nil, cond, false, err
	}
	if res.notModified {
		return nil, res.cond, false, nil
	}
	return wire.toPullRequest(), res.cond, true, nil
}

// ListPullRequestComments merges conversation comments (the issues endpoint)
// and inline review comments (the pulls endpoint), both filtered by since.
func (c *Client) ListPullRequestComments(ctx context.Context, repo string, number int, since time.Time) ([]forge.Comment, error) {
	suffix := ""
	if !since.IsZero() {
		suffix = "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}
	var conversation []wireComment
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/issues/%d/comments%s", repo, number, suffix), nil, forge.Conditional{}, &conversation); err != nil {
		return nil, err
	}
	var inline []wireComment
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d/comments%s", repo, number, suffix), nil, forge.Conditional{}, &inline); err != nil {
		return nil, err
	}
	return append(wireComments(conversation), wireComments(inline)...), nil
}

func (c *Client) ListReviews(ctx context.Context, repo string, number int) ([]forge.Review, error) {
	var wire []wireReview
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d/reviews", repo, number), nil, forge.Conditional{}, &wire); err != nil {
		return nil, err
	}
	out := make([]forge.Review, 0, len(wire))
	for _, w := range wire {
		out = append(out, forge.Review{
			ID:          w.ID,
			State:       w.State,
			Body:        w.Body,
			Author:      w.User.Login,
			SubmittedAt: w.SubmittedAt,
		})
	}
	return out, nil
}

func (c *Client) CombinedCIStatus(ctx context.Context, repo, ref string) (*forge.CIStatus, error) {
	var wire wireCombinedStatus
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/commits/%s/status", repo, url.PathEscape(ref)), nil, forge.Conditional{}, &wire); err != nil {
		return nil, err
	}
	status := &forge.CIStatus{State: forge.CIState(wire.State)}
	for _, s := range wire.Statuses {
		state := forge.CIState(s.State)
		if s.State == "error" {
			state = forge.CIFailure
		}
		status.Contexts = append(status.Contexts, forge.CIContext{
			Name:      s.Context,
			State:     state,
			TargetURL: s.TargetURL,
		})
	}
	return status, nil
}

// CIFailureLogs formats the failing check contexts for a ref. The commit
// status API does not expose raw logs, so the formatted summary names each
// failing check with its details URL.
func (c *Client) CIFailureLogs(ctx context.Context, repo, ref string) (string, error) {
	status, err := c.CombinedCIStatus(ctx, repo, ref)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, cc := range status.Contexts {
		if cc.State != forge.CIFailure {
			continue
		}
		fmt.Fprintf(&b, "FAILED: %s", cc.Name)
		if cc.TargetURL != "" {
			fmt.Fprintf(&b, " (%s)", cc.TargetURL)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

type doResult struct {
	cond        forge.Conditional
	notModified bool
}

func (c *Client) do(ctx context.Context, method, path string, payload any, cond forge.Conditional, out any) (doResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return doResult{}, err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return doResult{}, fmt.Errorf("github forge: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return doResult{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cond.ETag != "" {
		req.Header.Set("If-None-Match", cond.ETag)
	}
	if cond.LastModified != "" {
		req.Header.Set("If-Modified-Since", cond.LastModified)
	}

	c.metrics.IncCounter(telemetry.MetricForgeRequests, 1, "method", method)
	raw, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, err
		}
		return &rawResponse{
			status:       resp.StatusCode,
			body:         data,
			etag:         resp.Header.Get("ETag"),
			lastModified: resp.Header.Get("Last-Modified"),
		}, nil
	})
	if err != nil {
		return doResult{}, fmt.Errorf("github forge: %s %s: %w", method, path, err)
	}
	resp := raw.(*rawResponse)

	res := doResult{cond: forge.Conditional{ETag: resp.etag, LastModified: resp.lastModified}}
	switch {
	case resp.status == http.StatusNotModified:
		c.metrics.IncCounter(telemetry.MetricForgeNotModified, 1)
		res.notModified = true
		res.cond = cond
		return res, nil
	case resp.status == http.StatusNotFound:
		return doResult{}, forge.ErrNotFound
	case resp.status >= 400:
		return doResult{}, fmt.Errorf("github forge: %s %s: status %d: %s", method, path, resp.status, truncate(resp.body, 200))
	}
	if out != nil && len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, out); err != nil {
			return doResult{}, fmt.Errorf("github forge: decode response: %w", err)
		}
	}
	return res, nil
}

type rawResponse struct {
	status       int
	body         []byte
	etag         string
	lastModified string
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
