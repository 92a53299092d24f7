package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentlink/internal/domain"
)

type stubCompleter struct {
	reply  string
	err    error
	prompt string
}

func (s *stubCompleter) Complete(_ context.Context, prompt string) (string, error) {
	s.prompt = prompt
	return s.reply, s.err
}

func TestRuleDecomposerCategories(t *testing.T) {
	ctx := context.Background()
	d := RuleDecomposer{}

	steps, err := d.Decompose(ctx, "Build a billing service", nil)
	require.NoError(t, err)
	assert.Len(t, steps, 5)
	assert.Equal(t, "Analyze requirements and define features", steps[0])
	assert.Equal(t, "development", Categorize("Build a billing service"))

	steps, err = d.Decompose(ctx, "Investigate churn", nil)
	require.NoError(t, err)
	assert.Equal(t, "Collect information and acquire data", steps[0])

	steps, err = d.Decompose(ctx, "Something else entirely", nil)
	require.NoError(t, err)
	assert.Equal(t, defaultSteps, steps)
	assert.Equal(t, "general", Categorize("Something else entirely"))

	_, err = d.Decompose(ctx, "  ", nil)
	assert.ErrorIs(t, err, ErrNoSubtasks)
}

func TestParseSubtasks(t *testing.T) {
	cases := map[string]struct {
		reply string
		want  []string
	}{
		"json array":   {`["A", "B", " C "]`, []string{"A", "B", "C"}},
		"embedded":     {"Sure!\n```json\n[\"first\", 'second']\n```", []string{"first", "second"}},
		"numbered":     {"1. design\n2) build\n- ship", []string{"design", "build", "ship"}},
		"nothing":      {"I cannot help with that.", []string{}},
		"empty values": {`["", "  "]`, []string{}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseSubtasks(tc.reply))
		})
	}
}

func TestLLMDecomposer(t *testing.T) {
	stub := &stubCompleter{reply: `["a","b","c","d"]`}
	d := LLMDecomposer{Completer: stub, MaxSubtasks: 3}

	got, err := d.Decompose(context.Background(), "ship it", []string{"no downtime"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Contains(t, stub.prompt, "ship it")
	assert.Contains(t, stub.prompt, "- no downtime")
	assert.Contains(t, stub.prompt, "at most 3")

	stub.reply = "no idea"
	_, err = d.Decompose(context.Background(), "ship it", nil)
	assert.ErrorIs(t, err, ErrNoSubtasks)
}

func TestFallbackDecomposer(t *testing.T) {
	failing := &stubCompleter{err: errors.New("rate limited")}
	d := FallbackDecomposer{
		Primary:   LLMDecomposer{Completer: failing},
		Secondary: StaticDecomposer{Default: []string{"x"}},
	}
	got, err := d.Decompose(context.Background(), "goal", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, got)

	empty := DecomposerFunc(func(context.Context, string, []string) ([]string, error) { return nil, nil })
	d.Primary = empty
	got, err = d.Decompose(context.Background(), "goal", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, got)
}

func TestStaticDecomposer(t *testing.T) {
	d := StaticDecomposer{Plans: map[string][]string{"build X": {"A", "B", "C"}}}
	got, err := d.Decompose(context.Background(), "build X", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, got)

	_, err = d.Decompose(context.Background(), "other", nil)
	assert.ErrorIs(t, err, ErrNoSubtasks)
}

func TestRoundRobin(t *testing.T) {
	rr := NewRoundRobin([]string{"w1", "w2"})
	var got []string
	for i := 0; i < 5; i++ {
		id, ok := rr.Next()
		require.True(t, ok)
		got = append(got, id)
	}
	assert.Equal(t, []string{"w1", "w2", "w1", "w2", "w1"}, got)

	rr.Add("w3")
	rr.Add("w3")
	rr.Remove("w1")
	assert.Equal(t, []string{"w2", "w3"}, rr.Workers())

	_, ok := NewRoundRobin(nil).Next()
	assert.False(t, ok)
}

func TestInstructions(t *testing.T) {
	task := domain.Task{Description: "write parser", Metadata: domain.TaskMetadata{
		Critical:    true,
		Constraints: []string{"go only"},
	}}
	steps := Instructions(task)
	assert.Equal(t, "Prepare to execute: write parser", steps[0])
	assert.Contains(t, steps, "Respect constraint: go only")
	assert.Len(t, steps, 7)
}
