// Package mock provides a scriptable in-memory forge.Client for tests and
// local development. Tests drive the human side of the review loops through
// the helper methods: add reactions, file reviews, flip CI states, merge
// pull requests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mainloop-ai/mainloop/features/forge"
)

// Forge implements forge.Client in memory.
type Forge struct {
	mu sync.Mutex

	nextIssue   int
	nextComment int64

	issues           map[int]*forge.Issue
	issueVersions    map[int]int
	comments         map[int][]forge.Comment
	commentVersions  map[int]int
	issueReactions   map[int][]forge.Reaction
	commentReactions map[int64][]forge.Reaction

	pulls        map[int]*forge.PullRequest
	pullVersions map[int]int
	pullComments map[int][]forge.Comment
	reviews      map[int][]forge.Review
	ciByRef      map[string]*forge.CIStatus
	ciLogs       map[string]string
}

var _ forge.Client = (*Forge)(nil)

// New constructs an empty mock forge.
func New() *Forge {
	return &Forge{
		nextIssue:        100,
		nextComment:      1000,
		issues:           make(map[int]*forge.Issue),
		issueVersions:    make(map[int]int),
		comments:         make(map[int][]forge.Comment),
		commentVersions:  make(map[int]int),
		issueReactions:   make(map[int][]forge.Reaction),
		commentReactions: make(map[int64][]forge.Reaction),
		pulls:            make(map[int]*forge.PullRequest),
		pullVersions:     make(map[int]int),
		pullComments:     make(map[int][]forge.Comment),
		reviews:          make(map[int][]forge.Review),
		ciByRef:          make(map[string]*forge.CIStatus),
		ciLogs:           make(map[string]string),
	}
}

func (f *Forge) CreateIssue(_ context.Context, _, title, body string, _ []string) (*forge.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextIssue++
	issue := &forge.Issue{
		Number:    f.nextIssue,
		URL:       fmt.Sprintf("https://forge.test/issues/%d", f.nextIssue),
		Title:     title,
		Body:      body,
		State:     "open",
		UpdatedAt: time.Now().UTC(),
	}
	f.issues[issue.Number] = issue
	f.issueVersions[issue.Number] = 1
	return copyIssue(issue), nil
}

func (f *Forge) GetIssue(_ context.Context, _ string, number int, cond forge.Conditional) (*forge.Issue, forge.Conditional, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[number]
	if !ok {
		return nil, cond, false, forge.ErrNotFound
	}
	etag := versionTag("issue", number, f.issueVersions[number])
	if cond.ETag == etag {
		return nil, cond, false, nil
	}
	return copyIssue(issue), forge.Conditional{ETag: etag}, true, nil
}

func (f *Forge) UpdateIssueBody(_ context.Context, _ string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[number]
	if !ok {
		return forge.ErrNotFound
	}
	issue.Body = body
	issue.UpdatedAt = time.Now().UTC()
	f.issueVersions[number]++
	return nil
}

func (f *Forge) CloseIssue(_ context.Context, _ string, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[number]
	if !ok {
		return forge.ErrNotFound
	}
	issue.State = "closed"
	f.issueVersions[number]++
	return nil
}

func (f *Forge) CreateIssueComment(_ context.Context, _ string, number int, body string) (*forge.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.issues[number]; !ok {
		return nil, forge.ErrNotFound
	}
	comment := f.addComment(number, "mainloop[bot]", body)
	return &comment, nil
}

func (f *Forge) ListIssueComments(_ context.Context, _ string, number int, since time.Time, cond forge.Conditional) ([]forge.Comment, forge.Conditional, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	etag := versionTag("comments", number, f.commentVersions[number])
	if cond.ETag == etag {
		return nil, cond, false, nil
	}
	var out []forge.Comment
	for _, c := range f.comments[number] {
		if since.IsZero() || !c.CreatedAt.Before(since) {
			out = append(out, c)
		}
	}
	return out, forge.Conditional{ETag: etag}, true, nil
}

func (f *Forge) ListIssueReactions(_ context.Context, _ string, number int) ([]forge.Reaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forge.Reaction(nil), f.issueReactions[number]...), nil
}

func (f *Forge) ListCommentReactions(_ context.Context, _ string, commentID int64) ([]forge.Reaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forge.Reaction(nil), f.commentReactions[commentID]...), nil
}

func (f *Forge) AddCommentReaction(_ context.Context, _ string, commentID int64, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commentReactions[commentID] = append(f.commentReactions[commentID], forge.Reaction{Content: content, User: "mainloop[bot]"})
	return nil
}

func (f *Forge) FindPullRequestForBranch(_ context.Context, _, branch string) (*forge.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pr := range f.pulls {
		if pr.HeadRef == branch && pr.State == "open" {
			return copyPull(pr), nil
		}
	}
	return nil, forge.ErrNotFound
}

func (f *Forge) GetPullRequest(_ context.Context, _ string, number int, cond forge.Conditional) (*forge.PullRequest, forge.Conditional, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.pulls[number]
	if !ok {
		return nil, cond, false, forge.ErrNotFound
	}
	etag := versionTag("pull", number, f.pullVersions[number])
	if cond.ETag == etag {
		return nil, cond, false, nil
	}
	return copyPull(pr), forge.Conditional{ETag: etag}, true, nil
}

func (f *Forge) ListPullRequestComments(_ context.Context, _ string, number int, since time.Time) ([]forge.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []forge.Comment
	for _, c := range f.pullComments[number] {
		if since.IsZero() || !c.CreatedAt.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *Forge) ListReviews(_ context.Context, _ string, number int) ([]forge.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forge.Review(nil), f.reviews[number]...), nil
}

func (f *Forge) CombinedCIStatus(_ context.Context, _, ref string) (*forge.CIStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.ciByRef[ref]; ok {
		cp := *status
		return &cp, nil
	}
	return &forge.CIStatus{State: forge.CISuccess}, nil
}

func (f *Forge) CIFailureLogs(_ context.Context, _, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if logs, ok := f.ciLogs[ref]; ok {
		return logs, nil
	}
	return "", nil
}

// Test helpers. These mutate forge state the way a human or CI system would.

// Issue returns the stored issue, or nil.
func (f *Forge) Issue(number int) *forge.Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	if issue, ok := f.issues[number]; ok {
		return copyIssue(issue)
	}
	return nil
}

// Issues returns all stored issues.
func (f *Forge) Issues() []*forge.Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*forge.Issue, 0, len(f.issues))
	for _, issue := range f.issues {
		out = append(out, copyIssue(issue))
	}
	return out
}

// Comments returns the stored comments for an issue.
func (f *Forge) Comments(number int) []forge.Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forge.Comment(nil), f.comments[number]...)
}

// AddUserComment posts a comment as the given user.
func (f *Forge) AddUserComment(number int, author, body string) forge.Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addComment(number, author, body)
}

// AddIssueReaction records a reaction on the issue.
func (f *Forge) AddIssueReaction(number int, user, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issueReactions[number] = append(f.issueReactions[number], forge.Reaction{Content: content, User: user})
	f.issueVersions[number]++
}

// ReactToComment records a reaction on a comment as the given user.
func (f *Forge) ReactToComment(commentID int64, user, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commentReactions[commentID] = append(f.commentReactions[commentID], forge.Reaction{Content: content, User: user})
}

// PutPullRequest installs or replaces a pull request.
func (f *Forge) PutPullRequest(pr *forge.PullRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *pr
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	f.pulls[cp.Number] = &cp
	f.pullVersions[cp.Number]++
}

// MergePullRequest marks a pull request merged and closed.
func (f *Forge) MergePullRequest(number int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.pulls[number]; ok {
		pr.Merged = true
		pr.State = "closed"
		pr.UpdatedAt = time.Now().UTC()
		f.pullVersions[number]++
	}
}

// ClosePullRequest closes a pull request without merging.
func (f *Forge) ClosePullRequest(number int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.pulls[number]; ok {
		pr.State = "closed"
		pr.UpdatedAt = time.Now().UTC()
		f.pullVersions[number]++
	}
}

// AddPullComment posts a comment on a pull request as the given user.
func (f *Forge) AddPullComment(number int, author, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextComment++
	f.pullComments[number] = append(f.pullComments[number], forge.Comment{
		ID:        f.nextComment,
		Body:      body,
		Author:    author,
		CreatedAt: time.Now().UTC(),
	})
	f.pullVersions[number]++
}

// AddReview files a review on a pull request.
func (f *Forge) AddReview(number int, author, state, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews[number] = append(f.reviews[number], forge.Review{
		ID:          int64(len(f.reviews[number]) + 1),
		State:       state,
		Body:        body,
		Author:      author,
		SubmittedAt: time.Now().UTC(),
	})
	f.pullVersions[number]++
}

// SetCIStatus sets the combined CI status for a ref.
func (f *Forge) SetCIStatus(ref string, status *forge.CIStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *status
	f.ciByRef[ref] = &cp
}

// SetCIFailureLogs scripts the failure logs returned for a ref.
func (f *Forge) SetCIFailureLogs(ref, logs string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ciLogs[ref] = logs
}

// CommentReactions returns the recorded reactions on a comment.
func (f *Forge) CommentReactions(commentID int64) []forge.Reaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forge.Reaction(nil), f.commentReactions[commentID]...)
}

func (f *Forge) addComment(number int, author, body string) forge.Comment {
	f.nextComment++
	comment := forge.Comment{
		ID:        f.nextComment,
		Body:      body,
		Author:    author,
		CreatedAt: time.Now().UTC(),
	}
	f.comments[number] = append(f.comments[number], comment)
	f.commentVersions[number]++
	return comment
}

func versionTag(kind string, id, version int) string {
	return fmt.Sprintf(`W/"%s-%d-%d"`, kind, id, version)
}

func copyIssue(issue *forge.Issue) *forge.Issue {
	cp := *issue
	return &cp
}

func copyPull(pr *forge.PullRequest) *forge.PullRequest {
	cp := *pr
	return &cp
}
