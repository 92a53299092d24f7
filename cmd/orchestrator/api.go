package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"agentlink/internal/agent"
	"agentlink/internal/config"
	"agentlink/internal/domain"
	"agentlink/internal/messaging/endpoint"
	"agentlink/internal/orchestrator"
	sqlitestore "agentlink/internal/store/sqlite"
)

type app struct {
	cfg    config.Config
	rt     *runtime
	store  *sqlitestore.Store
	logger *slog.Logger
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/summary", a.handleSummary)
	mux.HandleFunc("/endpoints", a.handleEndpoints)
	mux.HandleFunc("/workers", a.handleWorkers)
	mux.HandleFunc("/tasks", a.handleTasks)
	mux.HandleFunc("/tasks/", a.handleTaskByID)
	return mux
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := a.cfg
	if cfg.Planner.APIKey != "" {
		cfg.Planner.APIKey = "***"
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *app) handleSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.rt.coordinator.Summary())
}

func (a *app) handleEndpoints(w http.ResponseWriter, _ *http.Request) {
	out := make([]endpoint.Stats, 0, len(a.rt.order))
	for _, id := range a.rt.order {
		out = append(out, a.rt.endpoints[id].Stats())
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *app) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	out := make([]agent.WorkerStatus, 0, len(a.rt.workers))
	for _, wk := range a.rt.workers {
		out = append(out, wk.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	writeJSON(w, http.StatusOK, out)
}

type createTaskRequest struct {
	Description     string   `json:"description"`
	Priority        string   `json:"priority"`
	DeadlineSeconds int      `json:"deadline_seconds"`
	MaxRetries      *int     `json:"max_retries"`
	Critical        bool     `json:"critical"`
	Constraints     []string `json:"constraints"`
	Decompose       bool     `json:"decompose"`
	Sequential      bool     `json:"sequential"`
	AutoStart       *bool    `json:"auto_start"`
}

func (a *app) handleTasks(w http.ResponseWriter, r *http.Request) {
	c := a.rt.coordinator
	switch r.Method {
	case http.MethodGet:
		tasks := c.Tasks()
		if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
			filtered := tasks[:0]
			for _, t := range tasks {
				if string(t.Status) == status {
					filtered = append(filtered, t)
				}
			}
			tasks = filtered
		}
		writeJSON(w, http.StatusOK, tasks)
	case http.MethodPost:
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		var deadline *time.Time
		if req.DeadlineSeconds > 0 {
			v := time.Now().UTC().Add(time.Duration(req.DeadlineSeconds) * time.Second)
			deadline = &v
		}
		task, err := c.CreateTask(r.Context(), orchestrator.CreateTaskInput{
			Description: req.Description,
			Priority:    domain.Priority(req.Priority),
			Deadline:    deadline,
			MaxRetries:  req.MaxRetries,
			Critical:    req.Critical,
			Constraints: req.Constraints,
		})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if req.Decompose {
			if _, err := c.Decompose(r.Context(), task.ID, orchestrator.DecomposeOptions{Sequential: req.Sequential}); err != nil {
				if cerr := c.Cancel(context.WithoutCancel(r.Context()), task.ID, "decomposition failed: "+err.Error()); cerr != nil {
					a.logger.Warn("cancel undecomposed task", "task_id", task.ID, "error", cerr)
				}
				writeError(w, http.StatusBadGateway, err)
				return
			}
		}
		if req.AutoStart == nil || *req.AutoStart {
			if err := c.Schedule(r.Context(), task.ID); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
		}
		view, err := c.Status(task.ID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(trimmed, "/")
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task id is required"))
		return
	}
	c := a.rt.coordinator

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		view, err := c.Status(taskID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	action := parts[1]
	switch action {
	case "schedule":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := c.Schedule(r.Context(), taskID); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "scheduled", "task_id": taskID})
	case "decompose":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var opts struct {
			Constraints []string `json:"constraints"`
			Critical    bool     `json:"critical"`
			Sequential  bool     `json:"sequential"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
				return
			}
		}
		subtasks, err := c.Decompose(r.Context(), taskID, orchestrator.DecomposeOptions{
			Constraints: opts.Constraints,
			Critical:    opts.Critical,
			Sequential:  opts.Sequential,
		})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, subtasks)
	case "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Reason string `json:"reason"`
		}
		if r.ContentLength != 0 {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		if req.Reason == "" {
			req.Reason = "cancelled via api"
		}
		if err := c.Cancel(r.Context(), taskID, req.Reason); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "task_id": taskID})
	case "decisions":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		limit := queryInt(r, "limit", 300)
		items, err := a.store.ListTaskDecisions(r.Context(), taskID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrTaskTerminal), errors.Is(err, orchestrator.ErrAlreadyDecomposed),
		errors.Is(err, orchestrator.ErrAlreadyDispatched):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrInvalidDescription), errors.Is(err, orchestrator.ErrInvalidPriority):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNoWorkers):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
