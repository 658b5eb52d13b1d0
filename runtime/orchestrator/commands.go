package orchestrator

import (
	"regexp"
	"strings"
)

// CommandKind classifies a forge comment that drives the plan review.
type CommandKind string

const (
	CommandApprove CommandKind = "approve"
	CommandRevise  CommandKind = "revise"
)

// Command is a parsed forge comment command.
type Command struct {
	Kind CommandKind
	// Text is the revision feedback for CommandRevise.
	Text string
}

var (
	approveRe = regexp.MustCompile(`(?i)^/(?:implement|lgtm)\s*$`)
	reviseRe  = regexp.MustCompile(`(?i)^/revise\s+(.+)$`)
)

// ParseCommand parses an anchored, case-insensitive command from a comment
// body. Non-command comments return ok=false; they may still count as
// actionable feedback during code review.
func ParseCommand(body string) (Command, bool) {
	trimmed := strings.TrimSpace(body)
	if approveRe.MatchString(trimmed) {
		return Command{Kind: CommandApprove}, true
	}
	if m := reviseRe.FindStringSubmatch(trimmed); m != nil {
		return Command{Kind: CommandRevise, Text: strings.TrimSpace(m[1])}, true
	}
	return Command{}, false
}

// answerBlockRe matches "A1: answer" style lines in issue comments answering
// plan questions. The index refers to the question's position in
// pending_questions, 1-based.
var answerBlockRe = regexp.MustCompile(`(?im)^\s*A(\d+)\s*[:.)]\s*(.+)$`)

// ParseAnswerBlocks extracts question answers from an issue comment. Returns
// a map of 1-based question index to answer text; empty when the comment has
// no answer lines.
func ParseAnswerBlocks(body string) map[int]string {
	matches := answerBlockRe.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make(map[int]string, len(matches))
	for _, m := range matches {
		idx := 0
		for _, ch := range m[1] {
			idx = idx*10 + int(ch-'0')
		}
		if idx > 0 {
			out[idx] = strings.TrimSpace(m[2])
		}
	}
	return out
}
