package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Completer sends one prompt to a language model and returns its text reply.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// LLMDecomposer asks a model for a JSON array of sub-task descriptions.
type LLMDecomposer struct {
	Completer   Completer
	MaxSubtasks int
}

func (d LLMDecomposer) Decompose(ctx context.Context, goal string, constraints []string) ([]string, error) {
	limit := d.MaxSubtasks
	if limit <= 0 {
		limit = 5
	}
	reply, err := d.Completer.Complete(ctx, buildPrompt(goal, constraints, limit))
	if err != nil {
		return nil, fmt.Errorf("decompose %q: %w", goal, err)
	}
	subtasks := ParseSubtasks(reply)
	if len(subtasks) == 0 {
		return nil, fmt.Errorf("%w: unparseable model reply", ErrNoSubtasks)
	}
	if len(subtasks) > limit {
		subtasks = subtasks[:limit]
	}
	return subtasks, nil
}

func buildPrompt(goal string, constraints []string, limit int) string {
	var b strings.Builder
	b.WriteString("# Task decomposition\n\n## Goal\n")
	b.WriteString(goal)
	b.WriteString("\n\n## Constraints\n")
	if len(constraints) == 0 {
		b.WriteString("- none\n")
	}
	for _, c := range constraints {
		b.WriteString("- ")
		b.WriteString(c)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n## Requirements\n1. Split the goal into at most %d concrete sub-tasks.\n", limit)
	b.WriteString("2. Order them so each can start once the previous ones are done.\n")
	b.WriteString("3. Respect every constraint.\n\n")
	b.WriteString("## Output\nReply with a JSON array of strings and nothing else.\n")
	return b.String()
}

var (
	arrayPattern  = regexp.MustCompile(`(?s)\[(.*?)\]`)
	quotedPattern = regexp.MustCompile(`"([^"]*?)"|'([^']*?)'`)
	listPattern   = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+(.+)$`)
)

// ParseSubtasks extracts sub-task strings from a model reply. It accepts a
// bare JSON array, an array embedded in prose or a fenced block, and falls
// back to numbered or bulleted lines.
func ParseSubtasks(reply string) []string {
	trimmed := strings.TrimSpace(reply)
	var direct []string
	if err := json.Unmarshal([]byte(trimmed), &direct); err == nil {
		return clean(direct)
	}

	if m := arrayPattern.FindStringSubmatch(trimmed); m != nil {
		var out []string
		for _, q := range quotedPattern.FindAllStringSubmatch(m[1], -1) {
			if q[1] != "" {
				out = append(out, q[1])
			} else if q[2] != "" {
				out = append(out, q[2])
			}
		}
		if out = clean(out); len(out) > 0 {
			return out
		}
	}

	var out []string
	for _, line := range strings.Split(trimmed, "\n") {
		if m := listPattern.FindStringSubmatch(line); m != nil {
			out = append(out, m[1])
		}
	}
	return clean(out)
}

func clean(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
