package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"agentlink/internal/domain"
)

var ErrNoCapability = errors.New("no capability can execute task")

// Progress reports a completion fraction in [0, 1] with a short note.
type Progress func(fraction float64, message string)

// Capability is one kind of work a worker can perform.
type Capability interface {
	Name() string
	CanExecute(task domain.Task) bool
	Execute(ctx context.Context, task domain.Task, progress Progress) (any, error)
}

type catchAll interface {
	CatchAll() bool
}

// KeywordCapability matches tasks whose description contains any keyword.
// With no keywords it matches every task.
type KeywordCapability struct {
	Label    string
	Keywords []string
	Run      func(ctx context.Context, task domain.Task, progress Progress) (any, error)
}

func (k *KeywordCapability) Name() string { return k.Label }

func (k *KeywordCapability) CatchAll() bool { return len(k.Keywords) == 0 }

func (k *KeywordCapability) CanExecute(task domain.Task) bool {
	if len(k.Keywords) == 0 {
		return true
	}
	desc := strings.ToLower(task.Description)
	for _, kw := range k.Keywords {
		if strings.Contains(desc, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (k *KeywordCapability) Execute(ctx context.Context, task domain.Task, progress Progress) (any, error) {
	if k.Run != nil {
		return k.Run(ctx, task, progress)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	progress(0.5, k.Label+" in progress")
	return map[string]any{
		"capability": k.Label,
		"output":     fmt.Sprintf("%s completed: %s", k.Label, task.Description),
	}, nil
}

func CodeCapability() *KeywordCapability {
	return &KeywordCapability{Label: "code", Keywords: []string{"code", "implement", "build", "develop", "program", "refactor", "fix"}}
}

func TestCapability() *KeywordCapability {
	return &KeywordCapability{Label: "test", Keywords: []string{"test", "verify", "validate", "qa"}}
}

func DocCapability() *KeywordCapability {
	return &KeywordCapability{Label: "doc", Keywords: []string{"document", "docs", "readme", "report", "write up"}}
}

func GenericCapability() *KeywordCapability {
	return &KeywordCapability{Label: "generic"}
}

// CommandCapability hands the task to an external tool. The prompt is
// appended as the last argument and the combined output becomes the result.
type CommandCapability struct {
	Label    string
	Keywords []string
	Argv     []string
	Dir      string
	Timeout  time.Duration
}

func (c *CommandCapability) Name() string {
	if c.Label == "" {
		return "command"
	}
	return c.Label
}

func (c *CommandCapability) CanExecute(task domain.Task) bool {
	if len(c.Argv) == 0 {
		return false
	}
	return (&KeywordCapability{Keywords: c.Keywords}).CanExecute(task)
}

func (c *CommandCapability) Execute(ctx context.Context, task domain.Task, progress Progress) (any, error) {
	if len(c.Argv) == 0 {
		return nil, errors.New("command capability has no argv")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	args := append(append([]string(nil), c.Argv[1:]...), buildPrompt(task))
	cmd := exec.CommandContext(ctx, c.Argv[0], args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	progress(0.1, "started "+c.Argv[0])
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w; output: %s", c.Argv[0], err, trim(string(output), 2000))
	}
	return map[string]any{
		"capability": c.Name(),
		"output":     trim(strings.TrimSpace(string(output)), 16000),
	}, nil
}

func buildPrompt(task domain.Task) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(task.Description)
	b.WriteString("\n")
	if len(task.Metadata.Constraints) > 0 {
		b.WriteString("\nConstraints:\n")
		for _, c := range task.Metadata.Constraints {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// CapabilitiesByName builds the named built-ins. "command" uses cmd, which
// may be nil when that name is not requested.
func CapabilitiesByName(names []string, cmd *CommandCapability) ([]Capability, error) {
	caps := make([]Capability, 0, len(names))
	for _, name := range names {
		switch name {
		case "code":
			caps = append(caps, CodeCapability())
		case "test":
			caps = append(caps, TestCapability())
		case "doc":
			caps = append(caps, DocCapability())
		case "generic":
			caps = append(caps, GenericCapability())
		case "command":
			if cmd == nil {
				return nil, errors.New("command capability requested without a command")
			}
			caps = append(caps, cmd)
		default:
			return nil, fmt.Errorf("unknown capability %q", name)
		}
	}
	return caps, nil
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
