package orchestrator

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/mainloop-ai/mainloop/runtime/api"
)

// maxSlugLen bounds the slug portion of a branch name.
const maxSlugLen = 50

// maxSlugWords bounds how many title words contribute to the slug.
const maxSlugWords = 8

var branchStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "is": true, "are": true, "was": true, "were": true,
}

// DeriveBranchName computes the git branch for a task from its issue number,
// title, and type. Pure and deterministic: the same inputs always produce
// the same branch, which is what lets a restarted workflow rediscover its
// own pull request.
func DeriveBranchName(issueNumber int, title string, taskType api.TaskType) string {
	prefix := branchPrefix(taskType)
	slug := slugify(title)
	if slug == "" {
		return fmt.Sprintf("%s/%d", prefix, issueNumber)
	}
	return fmt.Sprintf("%s/%d-%s", prefix, issueNumber, slug)
}

func branchPrefix(taskType api.TaskType) string {
	switch taskType {
	case api.TaskTypeFeature, api.TaskTypeRefactor, api.TaskTypeDocs, api.TaskTypeTest, api.TaskTypeChore:
		return string(taskType)
	case api.TaskTypeBugfix, "bug", "fix":
		return "fix"
	default:
		return "feature"
	}
}

func slugify(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '_' || r == '-':
			b.WriteRune(' ')
		}
	}

	var words []string
	for _, w := range strings.Fields(b.String()) {
		if branchStopWords[w] {
			continue
		}
		words = append(words, w)
		if len(words) == maxSlugWords {
			break
		}
	}

	slug := strings.Join(words, "-")
	if len(slug) <= maxSlugLen {
		return slug
	}
	// Truncate at a word boundary.
	cut := strings.LastIndex(slug[:maxSlugLen+1], "-")
	if cut <= 0 {
		return slug[:maxSlugLen]
	}
	return slug[:cut]
}
