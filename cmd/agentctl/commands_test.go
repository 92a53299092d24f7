package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentlink/internal/apiclient"
)

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--addr", srv.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCreateSendsFlags(t *testing.T) {
	var got apiclient.CreateTaskRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"t-9","status":"running","subtasks":["a","b"]}`))
	}))
	defer srv.Close()

	out, err := run(t, srv, "create", "build", "the", "thing",
		"--priority", "high", "--decompose", "--max-retries", "0", "--constraint", "go only")
	require.NoError(t, err)
	assert.Contains(t, out, "created t-9")
	assert.Contains(t, out, "subtasks=2")

	assert.Equal(t, "build the thing", got.Description)
	assert.Equal(t, "high", got.Priority)
	assert.True(t, got.Decompose)
	require.NotNil(t, got.MaxRetries)
	assert.Equal(t, 0, *got.MaxRetries)
	assert.Equal(t, []string{"go only"}, got.Constraints)
	assert.Nil(t, got.AutoStart)
}

func TestTasksPrintsTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"id":"p","description":"parent","status":"running","priority":"high","metadata":{"max_retries":2}},
			{"id":"c","parent_id":"p","description":"child","status":"pending","priority":"high","metadata":{"retry_count":1,"max_retries":2},"retrying":true}
		]`))
	}))
	defer srv.Close()

	out, err := run(t, srv, "tasks")
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "retrying")
	assert.Contains(t, out, "└ child")
}

func TestCancelSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"cancel x: task is in a terminal state"}`))
	}))
	defer srv.Close()

	_, err := run(t, srv, "cancel", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal state")
}
