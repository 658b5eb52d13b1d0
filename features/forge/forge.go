// Package forge abstracts the code-hosting service the orchestrator
// coordinates with: issues for plan review, pull requests for code review,
// reactions for approvals, and commit statuses for CI. The worker workflow
// only sees this interface; the GitHub implementation and the test mock live
// in subpackages.
package forge

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the referenced issue, comment, or pull request does
// not exist on the forge.
var ErrNotFound = errors.New("forge: not found")

// Conditional carries cache validators for conditional requests. Zero values
// mean an unconditional fetch.
type Conditional struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// Issue is a forge issue used as the plan-review surface.
type Issue struct {
	Number    int       `json:"number"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Comment is an issue or pull-request comment.
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// Reaction is an emoji reaction on a comment or issue.
type Reaction struct {
	Content string `json:"content"`
	User    string `json:"user"`
}

// ApprovalReactions are the reaction contents that count as plan approval.
var ApprovalReactions = map[string]bool{
	"+1":     true,
	"rocket": true,
	"heart":  true,
	"hooray": true,
}

// PullRequest is the forge pull request opened by an implement job.
type PullRequest struct {
	Number    int       `json:"number"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	Merged    bool      `json:"merged"`
	HeadRef   string    `json:"head_ref"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Review is a pull-request review.
type Review struct {
	ID          int64     `json:"id"`
	State       string    `json:"state"`
	Body        string    `json:"body"`
	Author      string    `json:"author"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Review states reported by the forge.
const (
	ReviewApproved         = "APPROVED"
	ReviewChangesRequested = "CHANGES_REQUESTED"
	ReviewCommented        = "COMMENTED"
)

// CIState is the aggregate CI outcome for a ref.
type CIState string

const (
	CIPending CIState = "pending"
	CISuccess CIState = "success"
	CIFailure CIState = "failure"
)

// CIContext is one CI check contributing to the aggregate state.
type CIContext struct {
	Name      string  `json:"name"`
	State     CIState `json:"state"`
	TargetURL string  `json:"target_url,omitempty"`
}

// CIStatus is the combined CI status for a ref.
type CIStatus struct {
	State    CIState     `json:"state"`
	Contexts []CIContext `json:"contexts,omitempty"`
}

// Client is the forge operation surface the orchestrator needs. Conditional
// read methods return the refreshed validators and report modified=false when
// the forge answered 304, in which case the returned payload is zero-valued
// and callers keep their cached copy.
type Client interface {
	// CreateIssue opens an issue and returns it.
	CreateIssue(ctx context.Context, repo, title, body string, labels []string) (*Issue, error)

	// GetIssue fetches an issue, conditionally.
	GetIssue(ctx context.Context, repo string, number int, cond Conditional) (*Issue, Conditional, bool, error)

	// UpdateIssueBody replaces an issue's body.
	UpdateIssueBody(ctx context.Context, repo string, number int, body string) error

	// CloseIssue closes an issue.
	CloseIssue(ctx context.Context, repo string, number int) error

	// CreateIssueComment posts a comment on an issue.
	CreateIssueComment(ctx context.Context, repo string, number int, body string) (*Comment, error)

	// ListIssueComments returns issue comments created at or after since,
	// conditionally.
	ListIssueComments(ctx context.Context, repo string, number int, since time.Time, cond Conditional) ([]Comment, Conditional, bool, error)

	// ListIssueReactions returns reactions on the issue itself.
	ListIssueReactions(ctx context.Context, repo string, number int) ([]Reaction, error)

	// ListCommentReactions returns reactions on a specific comment.
	ListCommentReactions(ctx context.Context, repo string, commentID int64) ([]Reaction, error)

	// AddCommentReaction acknowledges a comment with a reaction.
	AddCommentReaction(ctx context.Context, repo string, commentID int64, content string) error

	// FindPullRequestForBranch returns the open pull request whose head is
	// branch, or ErrNotFound.
	FindPullRequestForBranch(ctx context.Context, repo, branch string) (*PullRequest, error)

	// GetPullRequest fetches a pull request, conditionally.
	GetPullRequest(ctx context.Context, repo string, number int, cond Conditional) (*PullRequest, Conditional, bool, error)

	// ListPullRequestComments returns review and issue comments on the pull
	// request created at or after since.
	ListPullRequestComments(ctx context.Context, repo string, number int, since time.Time) ([]Comment, error)

	// ListReviews returns the pull request's reviews.
	ListReviews(ctx context.Context, repo string, number int) ([]Review, error)

	// CombinedCIStatus returns the aggregate CI status for a ref.
	CombinedCIStatus(ctx context.Context, repo, ref string) (*CIStatus, error)

	// CIFailureLogs returns a human-readable description of the ref's
	// failing checks, suitable as feedback context for a fix job.
	CIFailureLogs(ctx context.Context, repo, ref string) (string, error)
}
