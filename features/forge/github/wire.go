package github

import (
	"time"

	"github.com/mainloop-ai/mainloop/features/forge"
)

// Wire types mirror the subset of the GitHub REST payloads the client reads.

type wireUser struct {
	Login string `json:"login"`
}

type wireIssue struct {
	Number    int       `json:"number"`
	HTMLURL   string    `json:"html_url"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (w wireIssue) toIssue() *forge.Issue {
	return &forge.Issue{
		Number:    w.Number,
		URL:       w.HTMLURL,
		Title:     w.Title,
		Body:      w.Body,
		State:     w.State,
		UpdatedAt: w.UpdatedAt,
	}
}

type wireComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      wireUser  `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

func (w wireComment) toComment() *forge.Comment {
	return &forge.Comment{
		ID:        w.ID,
		Body:      w.Body,
		Author:    w.User.Login,
		CreatedAt: w.CreatedAt,
	}
}

func wireComments(ws []wireComment) []forge.Comment {
	out := make([]forge.Comment, 0, len(ws))
	for _, w := range ws {
		out = append(out, *w.toComment())
	}
	return out
}

type wireReaction struct {
	Content string   `json:"content"`
	User    wireUser `json:"user"`
}

func wireReactions(ws []wireReaction) []forge.Reaction {
	out := make([]forge.Reaction, 0, len(ws))
	for _, w := range ws {
		out = append(out, forge.Reaction{Content: w.Content, User: w.User.Login})
	}
	return out
}

type wirePullRequest struct {
	Number    int       `json:"number"`
	HTMLURL   string    `json:"html_url"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	Merged    bool      `json:"merged"`
	UpdatedAt time.Time `json:"updated_at"`
	Head      struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

func (w wirePullRequest) toPullRequest() *forge.PullRequest {
	return &forge.PullRequest{
		Number:    w.Number,
		URL:       w.HTMLURL,
		Title:     w.Title,
		State:     w.State,
		Merged:    w.Merged,
		HeadRef:   w.Head.Ref,
		UpdatedAt: w.UpdatedAt,
	}
}

type wireReview struct {
	ID          int64     `json:"id"`
	State       string    `json:"state"`
	Body        string    `json:"body"`
	User        wireUser  `json:"user"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type wireCombinedStatus struct {
	State    string `json:"state"`
	Statuses []struct {
		Context   string `json:"context"`
		State     string `json:"state"`
		TargetURL string `json:"target_url"`
	} `json:"statuses"`
}
