package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"agentlink/internal/agent"
	"agentlink/internal/config"
	"agentlink/internal/domain"
	"agentlink/internal/fs"
	"agentlink/internal/logging"
	"agentlink/internal/messaging/endpoint"
	"agentlink/internal/messaging/inproc"
	"agentlink/internal/orchestrator"
	"agentlink/internal/planner"
	"agentlink/internal/policy"
	sqlitestore "agentlink/internal/store/sqlite"
)

const endpointStatePrefix = "endpoint/"

func main() {
	configPath := flag.String("config", "", "path to config.toml or config.yaml (default: ~/.agentlink/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	providerFlag := flag.String("planner", "", "planner provider override: rules, anthropic or openai")
	demo := flag.String("demo", "", "create, decompose and schedule this goal on startup")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *providerFlag != "" {
		cfg.Planner.Provider = *providerFlag
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}
	logger := logging.New(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	addr := firstNonEmpty(*addrFlag, cfg.Orchestrator.Addr)
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Orchestrator.DBPath))
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		fatal(logger, "create db directory", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		fatal(logger, "open sqlite store", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		fatal(logger, "migrate sqlite", err)
	}

	rt, err := newRuntime(ctx, cfg, store, logger)
	if err != nil {
		fatal(logger, "build runtime", err)
	}
	if err := rt.start(ctx); err != nil {
		fatal(logger, "start runtime", err)
	}

	goal := firstNonEmpty(*demo, cfg.Orchestrator.DemoTask)
	if goal != "" {
		if err := bootstrapDemo(ctx, rt.coordinator, goal); err != nil {
			logger.Warn("demo bootstrap failed", "error", err)
		}
	}

	a := &app{cfg: cfg, rt: rt, store: store, logger: logger}
	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(logger, a.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("agentlink started",
		"addr", addr,
		"db", dbPath,
		"coordinator", cfg.Orchestrator.CoordinatorID,
		"workers", len(rt.workers),
		"planner", cfg.Planner.Provider,
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
	}
	cancel()
	rt.stop(store)
	logger.Info("agentlink stopped")
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		if _, err := os.Stat(config.DefaultPath()); errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// runtime is every agent sharing one in-memory hub: the coordinator and the
// configured workers, each behind its own endpoint.
type runtime struct {
	logger      *slog.Logger
	hub         *inproc.Hub
	coordinator *orchestrator.Coordinator
	endpoints   map[string]*endpoint.Endpoint
	workers     map[string]*agent.Worker
	order       []string

	stopEndpoints context.CancelFunc
}

// decomposerFor builds the coordinator's planner; tests swap it.
var decomposerFor = newDecomposer

func newRuntime(ctx context.Context, cfg config.Config, store *sqlitestore.Store, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{
		logger:    logger,
		hub:       inproc.New(cfg.Endpoint.BusBuffer),
		endpoints: make(map[string]*endpoint.Endpoint),
		workers:   make(map[string]*agent.Worker),
	}
	epCfg := endpoint.Config{
		MaxRetries:     retryLimit(cfg.Endpoint.MaxRetries, endpoint.NoRetries),
		RetryDelay:     cfg.Endpoint.RetryDelay(),
		MessageTimeout: cfg.Endpoint.MessageTimeout(),
		SweepInterval:  cfg.Endpoint.SweepInterval(),
		DrainTimeout:   cfg.Endpoint.DrainTimeout(),
		ReorderWindow:  cfg.Endpoint.ReorderWindow,
		Policy:         policy.Default(),
	}

	attach := func(o domain.Origin) (*endpoint.Endpoint, error) {
		link, err := rt.hub.Attach(o.ID)
		if err != nil {
			return nil, fmt.Errorf("attach %s: %w", o.ID, err)
		}
		ep := endpoint.New(o, link, epCfg, logger)
		if err := restoreEndpoint(ctx, store, ep); err != nil {
			logger.Warn("endpoint state not restored", "agent_id", o.ID, "error", err)
		}
		rt.endpoints[o.ID] = ep
		rt.order = append(rt.order, o.ID)
		return ep, nil
	}

	coordID := cfg.Orchestrator.CoordinatorID
	coordEP, err := attach(domain.Origin{Role: domain.RoleCoordinator, ID: coordID, Priority: domain.PriorityHigh})
	if err != nil {
		return nil, err
	}

	workerIDs := make([]string, 0, len(cfg.Workers))
	for _, wc := range cfg.Workers {
		ep, err := attach(domain.Origin{Role: domain.RoleWorker, ID: wc.ID, Priority: domain.PriorityMedium})
		if err != nil {
			return nil, err
		}
		w, err := newWorker(ep, wc, store, logger)
		if err != nil {
			return nil, err
		}
		rt.workers[wc.ID] = w
		workerIDs = append(workerIDs, wc.ID)
	}

	for from, ep := range rt.endpoints {
		for to := range rt.endpoints {
			if to != from {
				ep.AddRoute(to, to)
			}
		}
	}

	rt.coordinator = orchestrator.New(coordEP, decomposerFor(cfg.Planner, logger), store, orchestrator.Config{
		DefaultMaxRetries: retryLimit(cfg.Orchestrator.DefaultMaxRetries, orchestrator.NoRetries),
		Workers:           workerIDs,
		WatchdogInterval:  cfg.Orchestrator.WatchdogInterval(),
		SnapshotInterval:  cfg.Orchestrator.SnapshotInterval(),
	}, logger)
	n, err := rt.coordinator.Load(ctx)
	if err != nil {
		logger.Warn("task snapshot not restored", "error", err)
	} else if n > 0 {
		logger.Info("tasks restored", "count", n)
	}
	return rt, nil
}

func newWorker(ep *endpoint.Endpoint, wc config.WorkerConfig, store *sqlitestore.Store, logger *slog.Logger) (*agent.Worker, error) {
	var cmd *agent.CommandCapability
	if len(wc.Command) > 0 {
		cmd = &agent.CommandCapability{
			Label:    "command",
			Keywords: wc.CommandKeywords,
			Argv:     wc.Command,
			Dir:      wc.CommandDir,
			Timeout:  30 * time.Minute,
		}
	}
	caps, err := agent.CapabilitiesByName(wc.Capabilities, cmd)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", wc.ID, err)
	}

	wcfg := agent.WorkerConfig{QueueSize: wc.QueueSize}
	if wc.ArtifactDir != "" {
		gw, err := fs.NewGateway(wc.ArtifactDir, wc.ID, store)
		if err != nil {
			return nil, fmt.Errorf("worker %s artifacts: %w", wc.ID, err)
		}
		wcfg.Artifacts = gw
	}
	return agent.NewWorker(ep, caps, wcfg, logger), nil
}

// newDecomposer picks the planning backend. Model-backed planners fall back
// to the keyword rules when the model call fails.
func newDecomposer(cfg config.PlannerConfig, logger *slog.Logger) planner.Decomposer {
	var completer planner.Completer
	switch cfg.Provider {
	case "anthropic":
		completer = planner.NewAnthropicCompleter(planner.AnthropicOptions{
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.Temperature,
		})
	case "openai":
		completer = planner.NewOpenAICompleter(planner.OpenAIOptions{
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.Temperature,
		})
	default:
		return planner.RuleDecomposer{}
	}
	return planner.FallbackDecomposer{
		Primary: timeoutDecomposer{
			next:    planner.LLMDecomposer{Completer: completer, MaxSubtasks: cfg.MaxSubtasks},
			timeout: cfg.Timeout(),
		},
		Secondary: planner.RuleDecomposer{},
		Logger:    logger,
	}
}

type timeoutDecomposer struct {
	next    planner.Decomposer
	timeout time.Duration
}

func (d timeoutDecomposer) Decompose(ctx context.Context, goal string, constraints []string) ([]string, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return d.next.Decompose(ctx, goal, constraints)
}

// retryLimit maps a configured retry count to the library form, where zero
// means "use the default" and none marks an explicit zero.
func retryLimit(n *int, none int) int {
	switch {
	case n == nil:
		return 0
	case *n <= 0:
		return none
	default:
		return *n
	}
}

// start runs the endpoints on a context of their own so they keep
// delivering while the agents on top of them stop with ctx.
func (rt *runtime) start(ctx context.Context) error {
	epCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt.stopEndpoints = cancel
	for _, id := range rt.order {
		if err := rt.endpoints[id].Start(epCtx); err != nil {
			return fmt.Errorf("start endpoint %s: %w", id, err)
		}
	}
	for _, w := range rt.workers {
		w.Start(ctx)
	}
	rt.coordinator.Start(ctx)
	return nil
}

// stop expects the start context to be cancelled already. Once the
// coordinator and workers are down the endpoints drain, still running, and
// their undelivered envelopes are persisted.
func (rt *runtime) stop(store *sqlitestore.Store) {
	rt.coordinator.Wait()
	for _, w := range rt.workers {
		w.Wait()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range rt.order {
		ep := rt.endpoints[id]
		ep.Stop()
		if err := saveEndpoint(ctx, store, ep); err != nil {
			rt.logger.Warn("endpoint state not saved", "agent_id", id, "error", err)
		}
	}
	if rt.stopEndpoints != nil {
		rt.stopEndpoints()
	}
}

func restoreEndpoint(ctx context.Context, store *sqlitestore.Store, ep *endpoint.Endpoint) error {
	data, err := store.Get(ctx, endpointStatePrefix+ep.ID())
	if errors.Is(err, sqlitestore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var st endpoint.State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode endpoint state: %w", err)
	}
	return ep.Restore(st)
}

func saveEndpoint(ctx context.Context, store *sqlitestore.Store, ep *endpoint.Endpoint) error {
	data, err := json.Marshal(ep.Snapshot())
	if err != nil {
		return fmt.Errorf("encode endpoint state: %w", err)
	}
	return store.Put(ctx, endpointStatePrefix+ep.ID(), data)
}

func bootstrapDemo(ctx context.Context, c *orchestrator.Coordinator, goal string) error {
	task, err := c.CreateTask(ctx, orchestrator.CreateTaskInput{Description: goal, Priority: domain.PriorityHigh})
	if err != nil {
		return err
	}
	if _, err := c.Decompose(ctx, task.ID, orchestrator.DecomposeOptions{}); err != nil {
		return err
	}
	if err := c.Schedule(ctx, task.ID); err != nil {
		return err
	}
	slog.Info("demo task scheduled", "task_id", task.ID, "goal", goal)
	return nil
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
