package github

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mainloop-ai/mainloop/features/forge"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Options{
		BaseURL:           srv.URL,
		HTTPClient:        srv.Client(),
		RequestsPerSecond: 1000,
	})
	require.NoError(t, err)
	return c
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	c, err := New(Options{Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, defaultBaseURL, c.base)
}

func TestGetIssueConditionalRequest(t *testing.T) {
	ctx := t.Context()
	// The handler 304s only when the client presents the cached validator,
	// so a not-modified result proves the conditional header was sent.
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/o/r/issues/7", r.URL.Path)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		json.NewEncoder(w).Encode(map[string]any{"number": 7, "title": "Add toggle", "state": "open"})
	}))

	issue, cond, modified, err := c.GetIssue(ctx, "o/r", 7, forge.Conditional{})
	require.NoError(t, err)
	require.True(t, modified)
	assert.Equal(t, 7, issue.Number)
	assert.Equal(t, "Add toggle", issue.Title)
	assert.Equal(t, `"v1"`, cond.ETag)

	issue, cond2, modified, err := c.GetIssue(ctx, "o/r", 7, cond)
	require.NoError(t, err)
	assert.False(t, modified)
	assert.Nil(t, issue)
	// Validators survive a not-modified response.
	assert.Equal(t, cond, cond2)
}

func TestListIssueCommentsSinceFilter(t *testing.T) {
	ctx := t.Context()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/o/r/issues/7/comments", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("since"))
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": 1, "body": "/lgtm", "user": map[string]any{"login": "alice"}},
		})
	}))

	comments, _, modified, err := c.ListIssueComments(ctx, "o/r", 7, time.Now(), forge.Conditional{})
	require.NoError(t, err)
	require.True(t, modified)
	require.Len(t, comments, 1)
	assert.Equal(t, "alice", comments[0].Author)
	assert.Equal(t, "/lgtm", comments[0].Body)
}

func TestNotFoundMapsToSentinel(t *testing.T) {
	ctx := t.Context()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	}))

	_, _, _, err := c.GetIssue(ctx, "o/r", 1, forge.Conditional{})
	assert.ErrorIs(t, err, forge.ErrNotFound)

	_, _, _, err = c.GetPullRequest(ctx, "o/r", 1, forge.Conditional{})
	assert.ErrorIs(t, err, forge.ErrNotFound)
}

func TestServerErrorIncludesStatus(t *testing.T) {
	ctx := t.Context()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	err := c.CloseIssue(ctx, "o/r", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestCreateIssueSendsPayload(t *testing.T) {
	ctx := t.Context()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/repos/o/r/issues", r.URL.Path)
		var req struct {
			Title  string   `json:"title"`
			Body   string   `json:"body"`
			Labels []string `json:"labels"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "[feature] Add toggle", req.Title)
		assert.Equal(t, []string{"mainloop"}, req.Labels)
		json.NewEncoder(w).Encode(map[string]any{
			"number":   101,
			"html_url": "https://github.com/o/r/issues/101",
			"title":    req.Title,
			"state":    "open",
		})
	}))

	issue, err := c.CreateIssue(ctx, "o/r", "[feature] Add toggle", "details", []string{"mainloop"})
	require.NoError(t, err)
	assert.Equal(t, 101, issue.Number)
	assert.Equal(t, "https://github.com/o/r/issues/101", issue.URL)
}

func TestFindPullRequestForBranch(t *testing.T) {
	ctx := t.Context()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/o/r/pulls", r.URL.Path)
		if r.URL.Query().Get("head") != "o:feature/101-add-toggle" {
			json.NewEncoder(w).Encode([]any{})
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{"number": 9, "state": "open", "head": map[string]any{"ref": "feature/101-add-toggle"}},
		})
	}))

	pr, err := c.FindPullRequestForBranch(ctx, "o/r", "feature/101-add-toggle")
	require.NoError(t, err)
	assert.Equal(t, 9, pr.Number)
	assert.Equal(t, "feature/101-add-toggle", pr.HeadRef)

	_, err = c.FindPullRequestForBranch(ctx, "o/r", "feature/102-other")
	assert.ErrorIs(t, err, forge.ErrNotFound)

	_, err = c.FindPullRequestForBranch(ctx, "malformed", "b")
	require.Error(t, err)
}

func TestCombinedCIStatusAndFailureLogs(t *testing.T) {
	ctx := t.Context()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/o/r/commits/abc123/status", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"state": "failure",
			"statuses": []map[string]any{
				{"context": "ci/lint", "state": "failure", "target_url": "https://ci.test/1"},
				{"context": "ci/build", "state": "error"},
				{"context": "ci/test", "state": "success"},
			},
		})
	}))

	status, err := c.CombinedCIStatus(ctx, "o/r", "abc123")
	require.NoError(t, err)
	assert.Equal(t, forge.CIFailure, status.State)
	require.Len(t, status.Contexts, 3)
	// "error" collapses into the failure state.
	assert.Equal(t, forge.CIFailure, status.Contexts[1].State)

	logs, err := c.CIFailureLogs(ctx, "o/r", "abc123")
	require.NoError(t, err)
	assert.Contains(t, logs, "FAILED: ci/lint (https://ci.test/1)")
	assert.Contains(t, logs, "FAILED: ci/build")
	assert.NotContains(t, logs, "ci/test")
}
