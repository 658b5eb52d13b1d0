package orchestrator

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/mainloop-ai/mainloop/runtime/api"
)

func TestDeriveBranchName(t *testing.T) {
	cases := []struct {
		name     string
		issue    int
		title    string
		taskType api.TaskType
		want     string
	}{
		{
			name:     "feature with simple title",
			issue:    101,
			title:    "Add dark mode toggle",
			taskType: api.TaskTypeFeature,
			want:     "feature/101-add-dark-mode-toggle",
		},
		{
			name:     "bugfix maps to fix prefix",
			issue:    7,
			title:    "Fix login crash",
			taskType: api.TaskTypeBugfix,
			want:     "fix/7-fix-login-crash",
		},
		{
			name:     "stop words dropped",
			issue:    3,
			title:    "Update the color of the header",
			taskType: api.TaskTypeChore,
			want:     "chore/3-update-color-header",
		},
		{
			name:     "punctuation stripped",
			issue:    12,
			title:    "Support UTF-8 (really!)",
			taskType: api.TaskTypeFeature,
			want:     "feature/12-support-utf-8-really",
		},
		{
			name:     "empty title keeps number only",
			issue:    9,
			title:    "",
			taskType: api.TaskTypeDocs,
			want:     "docs/9",
		},
		{
			name:     "all stop words keeps number only",
			issue:    4,
			title:    "the and of",
			taskType: api.TaskTypeTest,
			want:     "test/4",
		},
		{
			name:     "unknown type defaults to feature",
			issue:    2,
			title:    "do something",
			taskType: api.TaskType("mystery"),
			want:     "feature/2-do-something",
		},
		{
			name:     "word cap at eight",
			issue:    5,
			title:    "one two six ten red blue green pink gold silver",
			taskType: api.TaskTypeFeature,
			want:     "feature/5-one-two-six-ten-red-blue-green-pink",
		},
		{
			name:     "long words truncate at word boundary",
			issue:    6,
			title:    "implement comprehensive authorization middleware configuration management subsystem",
			taskType: api.TaskTypeRefactor,
			want:     "refactor/6-implement-comprehensive-authorization-middleware",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveBranchName(tc.issue, tc.title, tc.taskType))
		})
	}
}

func TestDeriveBranchNameProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	types := gen.OneConstOf(
		api.TaskTypeFeature, api.TaskTypeBugfix, api.TaskTypeRefactor,
		api.TaskTypeDocs, api.TaskTypeTest, api.TaskTypeChore,
	)

	properties.Property("deterministic", prop.ForAll(
		func(issue int, title string, taskType api.TaskType) bool {
			return DeriveBranchName(issue, title, taskType) == DeriveBranchName(issue, title, taskType)
		},
		gen.IntRange(1, 1_000_000), gen.AnyString(), types,
	))

	properties.Property("slug is bounded and clean", prop.ForAll(
		func(issue int, title string, taskType api.TaskType) bool {
			branch := DeriveBranchName(issue, title, taskType)
			prefix, rest, ok := strings.Cut(branch, "/")
			if !ok || prefix == "" {
				return false
			}
			_, slug, _ := strings.Cut(rest, "-")
			if len(slug) > maxSlugLen {
				return false
			}
			for _, r := range slug {
				valid := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' ||
					// Slugs keep non-ASCII letters and digits as-is.
					r > 127
				if !valid {
					return false
				}
			}
			return !strings.HasPrefix(slug, "-") && !strings.HasSuffix(slug, "-")
		},
		gen.IntRange(1, 1_000_000), gen.AnyString(), types,
	))

	properties.TestingRun(t)
}
