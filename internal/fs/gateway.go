package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentlink/internal/domain"
)

var ErrPathEscapesRoot = errors.New("path escapes artifact root")

// ChangeLogger journals artifact writes. The sqlite store satisfies it.
type ChangeLogger interface {
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

// Gateway stores task artifacts below root/<task id>/ and refuses any path
// that would leave that directory.
type Gateway struct {
	root   string
	agent  string
	logger ChangeLogger
}

func NewGateway(root, agentID string, logger ChangeLogger) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	return &Gateway{root: absRoot, agent: agentID, logger: logger}, nil
}

func (g *Gateway) Root() string {
	return g.root
}

// WriteFile writes content and returns its slash separated path relative to
// the gateway root.
func (g *Gateway) WriteFile(ctx context.Context, taskID, relPath string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	absPath, normalized, err := g.resolve(taskID, relPath)
	if err != nil {
		g.journal(ctx, taskID, "artifact_denied", err.Error(), relPath)
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(absPath, content, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	g.journal(ctx, taskID, "artifact_written", fmt.Sprintf("%d bytes", len(content)), normalized)
	return normalized, nil
}

func (g *Gateway) ReadFile(ctx context.Context, taskID, relPath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	absPath, _, err := g.resolve(taskID, relPath)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return content, nil
}

func (g *Gateway) journal(ctx context.Context, taskID, action, reason, path string) {
	if g.logger == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"path": path})
	_ = g.logger.LogDecision(ctx, domain.DecisionLog{
		TaskID:  taskID,
		Actor:   g.agent,
		Action:  action,
		Reason:  reason,
		Payload: payload,
	})
}

func (g *Gateway) resolve(taskID, relPath string) (absolute string, normalized string, err error) {
	taskDir := strings.TrimSpace(taskID)
	if taskDir == "" || strings.ContainsAny(taskDir, `/\`) || taskDir == "." || taskDir == ".." {
		return "", "", fmt.Errorf("invalid task id %q", taskID)
	}
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid relative path %q", relPath)
	}

	base := filepath.Join(g.root, taskDir)
	absClean := filepath.Clean(filepath.Join(base, filepath.FromSlash(normalized)))

	rel, err := filepath.Rel(base, absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, relPath)
	}
	return absClean, taskDir + "/" + filepath.ToSlash(rel), nil
}
