package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var ErrNoSubtasks = errors.New("decomposer returned no subtasks")

// Decomposer turns a goal into ordered sub-task descriptions.
type Decomposer interface {
	Decompose(ctx context.Context, goal string, constraints []string) ([]string, error)
}

type DecomposerFunc func(ctx context.Context, goal string, constraints []string) ([]string, error)

func (f DecomposerFunc) Decompose(ctx context.Context, goal string, constraints []string) ([]string, error) {
	return f(ctx, goal, constraints)
}

// StaticDecomposer returns a fixed plan per goal, falling back to Default.
type StaticDecomposer struct {
	Plans   map[string][]string
	Default []string
}

func (s StaticDecomposer) Decompose(_ context.Context, goal string, _ []string) ([]string, error) {
	if plan, ok := s.Plans[goal]; ok {
		return append([]string(nil), plan...), nil
	}
	if len(s.Default) > 0 {
		return append([]string(nil), s.Default...), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoSubtasks, goal)
}

type category struct {
	name     string
	keywords []string
	steps    []string
}

var categories = []category{
	{
		name:     "development",
		keywords: []string{"develop", "build", "implement", "program", "design system", "create"},
		steps: []string{
			"Analyze requirements and define features",
			"Design system architecture and components",
			"Implement core functionality and interfaces",
			"Write unit and integration tests",
			"Optimize performance and write documentation",
		},
	},
	{
		name:     "testing",
		keywords: []string{"test", "verify", "validate", "quality", "qa"},
		steps: []string{
			"Analyze test requirements and define strategy",
			"Write test plan and design cases",
			"Set up environment and develop automated test scripts",
			"Execute tests and track defects",
			"Produce test report and analyze results",
		},
	},
	{
		name:     "analysis",
		keywords: []string{"analyze", "analyse", "research", "investigate", "evaluate", "assess"},
		steps: []string{
			"Collect information and acquire data",
			"Clean data and run initial analysis",
			"Analyze in depth and identify patterns",
			"Validate results and test hypotheses",
			"Write report and recommendations",
		},
	},
	{
		name:     "optimization",
		keywords: []string{"optimize", "optimise", "improve", "enhance", "speed up", "performance"},
		steps: []string{
			"Benchmark and identify bottlenecks",
			"Define optimization strategy",
			"Refactor algorithms and code",
			"Run performance tests and compare",
			"Update documentation and record practices",
		},
	},
	{
		name:     "documentation",
		keywords: []string{"document", "docs", "article", "report", "write up"},
		steps: []string{
			"Plan content and outline",
			"Write core content and examples",
			"Prepare diagrams and visuals",
			"Format and review content",
			"Proofread and prepare release",
		},
	},
	{
		name:     "integration",
		keywords: []string{"integrate", "deploy", "install", "configure"},
		steps: []string{
			"Prepare environment and analyze dependencies",
			"Integrate components and adjust interfaces",
			"Tune configuration and script automation",
			"Test and verify the deployment",
			"Set up monitoring and write runbooks",
		},
	},
	{
		name:     "management",
		keywords: []string{"manage", "coordinate", "plan", "project", "organize"},
		steps: []string{
			"Define scope and gather requirements",
			"Break down work and allocate resources",
			"Track progress and manage risk",
			"Coordinate the team and communicate",
			"Accept results and close out",
		},
	},
}

var defaultSteps = []string{
	"Gather requirements and prepare resources",
	"Design the approach and plan",
	"Execute the core work",
	"Verify and refine results",
	"Finalize documentation and summary",
}

// Categorize returns the keyword category of goal, or "general".
func Categorize(goal string) string {
	if c, ok := match(goal); ok {
		return c.name
	}
	return "general"
}

func match(goal string) (category, bool) {
	lower := strings.ToLower(goal)
	for _, c := range categories {
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				return c, true
			}
		}
	}
	return category{}, false
}

// RuleDecomposer splits goals by keyword category into a five step plan.
type RuleDecomposer struct{}

func (RuleDecomposer) Decompose(_ context.Context, goal string, _ []string) ([]string, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("%w: empty goal", ErrNoSubtasks)
	}
	steps := defaultSteps
	if c, ok := match(goal); ok {
		steps = c.steps
	}
	return append([]string(nil), steps...), nil
}

// FallbackDecomposer uses Secondary whenever Primary fails or returns nothing.
type FallbackDecomposer struct {
	Primary   Decomposer
	Secondary Decomposer
	Logger    *slog.Logger
}

func (f FallbackDecomposer) Decompose(ctx context.Context, goal string, constraints []string) ([]string, error) {
	subtasks, err := f.Primary.Decompose(ctx, goal, constraints)
	if err == nil && len(subtasks) > 0 {
		return subtasks, nil
	}
	if err == nil {
		err = ErrNoSubtasks
	}
	if f.Logger != nil {
		f.Logger.Warn("primary decomposer failed, using fallback", "goal", goal, "error", err)
	}
	return f.Secondary.Decompose(ctx, goal, constraints)
}
