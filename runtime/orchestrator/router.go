package orchestrator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mainloop-ai/mainloop/runtime/api"
)

// Keyword routing for the main thread: matches inbound chat messages to
// active tasks so follow-up messages reach the task they talk about instead
// of spawning duplicates.

// RouteMatch is a candidate task for an inbound message.
type RouteMatch struct {
	Task       *api.WorkerTask
	Confidence float64
	Reasons    []string
}

var (
	domainRe = regexp.MustCompile(`\b([a-z0-9-]+\.(?:com|org|net|io|dev|news|app|co))\b`)
	repoRe   = regexp.MustCompile(`\b([a-z0-9_-]+/[a-z0-9_-]+)\b`)
)

var uiTerms = []string{
	"background", "header", "footer", "button", "color", "style", "layout",
	"font", "image", "icon", "nav", "navbar", "sidebar", "menu", "form",
	"input", "modal", "dialog", "card", "table", "list", "api", "endpoint",
	"route", "auth", "login", "signup", "database", "schema", "test", "bug",
	"fix", "feature",
}

var colorTerms = []string{
	"red", "blue", "green", "yellow", "pink", "grey", "gray", "white",
	"black", "purple", "orange", "cyan", "magenta", "brown", "dark", "light",
}

var workerVerbs = []string{
	"build", "fix", "create", "update", "implement", "add", "remove", "change",
}

var skipPlanPhrases = []string{
	"just do it", "skip plan", "no plan", "go ahead", "don't plan",
	"dont plan", "skip planning", "no planning", "straight to", "directly",
}

// ExtractKeywords pulls routing keywords out of a message: domain names,
// owner/repo references, and common UI and color terms.
func ExtractKeywords(message string) []string {
	lower := strings.ToLower(message)
	set := make(map[string]bool)
	for _, m := range domainRe.FindAllStringSubmatch(lower, -1) {
		set[m[1]] = true
	}
	for _, m := range repoRe.FindAllStringSubmatch(lower, -1) {
		set[m[1]] = true
	}
	for _, term := range uiTerms {
		if strings.Contains(lower, term) {
			set[term] = true
		}
	}
	for _, term := range colorTerms {
		if strings.Contains(lower, term) {
			set[term] = true
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NeedsWorker reports whether a message asks for work a worker task should
// do, as opposed to a question the chat layer answers directly.
func NeedsWorker(message string) bool {
	lower := strings.ToLower(message)
	for _, verb := range workerVerbs {
		if strings.Contains(lower, verb) {
			return true
		}
	}
	return false
}

// ShouldSkipPlan reports whether the message asks to go straight to
// implementation.
func ShouldSkipPlan(message string) bool {
	lower := strings.ToLower(message)
	for _, phrase := range skipPlanPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// routableStatuses are the task states a follow-up message can route to.
var routableStatuses = map[api.TaskStatus]bool{
	api.TaskStatusPlanning:          true,
	api.TaskStatusWaitingPlanReview: true,
	api.TaskStatusImplementing:      true,
	api.TaskStatusUnderReview:       true,
}

// FindMatchingTasks scores active tasks against a message. Results are
// sorted by confidence descending; entries below minConfidence are dropped.
func FindMatchingTasks(message string, tasks []*api.WorkerTask, minConfidence float64) []RouteMatch {
	messageKeywords := ExtractKeywords(message)
	messageSet := make(map[string]bool, len(messageKeywords))
	for _, k := range messageKeywords {
		messageSet[k] = true
	}
	lower := strings.ToLower(message)

	var matches []RouteMatch
	for _, task := range tasks {
		if !routableStatuses[task.Status] {
			continue
		}
		confidence := 0.0
		var reasons []string

		if task.RepoURL != "" {
			repoName := strings.TrimSuffix(lastPathSegment(task.RepoURL), ".git")
			if repoName != "" && strings.Contains(lower, strings.ToLower(repoName)) {
				confidence += 0.4
				reasons = append(reasons, fmt.Sprintf("repo %q mentioned", repoName))
				if strings.Contains(repoName, ".") {
					confidence += 0.2
					reasons = append(reasons, fmt.Sprintf("domain %q mentioned", repoName))
				}
			}
		}

		taskSet := make(map[string]bool)
		for _, k := range task.Keywords {
			taskSet[k] = true
		}
		for _, k := range ExtractKeywords(task.Description) {
			taskSet[k] = true
		}
		var overlap []string
		for k := range messageSet {
			if taskSet[k] {
				overlap = append(overlap, k)
			}
		}
		if len(overlap) > 0 {
			sort.Strings(overlap)
			confidence += 0.4 * float64(len(overlap)) / float64(max(len(messageKeywords), 1))
			reasons = append(reasons, "keywords: "+strings.Join(overlap, ", "))
		}

		if task.PRNumber > 0 && strings.Contains(message, fmt.Sprintf("#%d", task.PRNumber)) {
			confidence += 0.3
			reasons = append(reasons, fmt.Sprintf("PR #%d mentioned", task.PRNumber))
		}

		if confidence >= minConfidence {
			matches = append(matches, RouteMatch{
				Task:       task,
				Confidence: min(confidence, 1.0),
				Reasons:    reasons,
			})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Confidence > matches[j].Confidence })
	return matches
}

func lastPathSegment(url string) string {
	trimmed := strings.TrimRight(url, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
