package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stagehand-dev/stagehand/cache"
	"github.com/stagehand-dev/stagehand/config"
	"github.com/stagehand-dev/stagehand/internal/metrics"
	"github.com/stagehand-dev/stagehand/internal/telemetry"
	"github.com/stagehand-dev/stagehand/resilience"
	"github.com/stagehand-dev/stagehand/statestore"
	"github.com/stagehand-dev/stagehand/types"
	"github.com/stagehand-dev/stagehand/workflow"
)

// Build-time injected.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// configPollInterval is how often a long-lived run checks the config
// file for hot-reloadable changes.
const configPollInterval = 2 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:])
	case "resume":
		runResume(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// kvFlag collects repeatable name=value flags.
type kvFlag map[string]string

func (f kvFlag) String() string {
	pairs := make([]string, 0, len(f))
	for k, v := range f {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func (f kvFlag) Set(v string) error {
	name, value, ok := strings.Cut(v, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected name=value, got %q", v)
	}
	f[name] = value
	return nil
}

func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	agentCmds := kvFlag{}
	fs.Var(agentCmds, "agent", "Agent binding as name=command (repeatable)")
	inputFlags := kvFlag{}
	fs.Var(inputFlags, "input", "Run input artifact as name=uri (repeatable)")
	scorerCmd := fs.String("scorer", "", "Scorer command for quality gates")
	lookupCmd := fs.String("lookup", "", "Knowledge lookup command; the key is appended as the last argument")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: stagehand run <definition.yaml> [options]")
		os.Exit(1)
	}

	def, err := workflow.LoadDefinition(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid definition: %v\n", err)
		os.Exit(1)
	}

	rt, err := buildRuntime(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer rt.Shutdown()

	sched, err := buildScheduler(rt, def, agentCmds, *scorerCmd, *lookupCmd)
	if err != nil {
		rt.logger.Error("Failed to assemble scheduler", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := sched.Start(ctx, runInputs(inputFlags))
	reportOutcome(rt.logger, run, err)
}

func runResume(args []string) {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	agentCmds := kvFlag{}
	fs.Var(agentCmds, "agent", "Agent binding as name=command (repeatable)")
	scorerCmd := fs.String("scorer", "", "Scorer command for quality gates")
	lookupCmd := fs.String("lookup", "", "Knowledge lookup command; the key is appended as the last argument")
	fs.Parse(args)

	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "Usage: stagehand resume <definition.yaml> <run-id> [options]")
		os.Exit(1)
	}

	def, err := workflow.LoadDefinition(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid definition: %v\n", err)
		os.Exit(1)
	}

	rt, err := buildRuntime(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer rt.Shutdown()

	sched, err := buildScheduler(rt, def, agentCmds, *scorerCmd, *lookupCmd)
	if err != nil {
		rt.logger.Error("Failed to assemble scheduler", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := sched.Resume(ctx, fs.Arg(1))
	reportOutcome(rt.logger, run, err)
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: stagehand validate <definition.yaml>")
		os.Exit(1)
	}

	def, err := workflow.LoadDefinition(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid definition: %v\n", err)
		os.Exit(1)
	}

	version := def.Version
	if version == "" {
		version = "unversioned"
	}
	fmt.Printf("%s (%s): %d steps\n", def.ID, version, len(def.Steps))
	fmt.Printf("  steps:         %s\n", strings.Join(def.StepIDs(), ", "))
	fmt.Printf("  critical path: %s\n", def.CriticalPathTimeout())
	fmt.Printf("  run timeout:   %s\n", def.RunTimeoutOrDefault())
	fmt.Println("OK")
}

// runtime holds the shared wiring behind the run and resume commands.
type runtime struct {
	cfg        *config.Config
	logger     *zap.Logger
	logLevel   zap.AtomicLevel
	providers  *telemetry.Providers
	store      statestore.EventStore
	registry   *prometheus.Registry
	collector  *metrics.Collector
	cache      *cache.Cache
	reload     *config.HotReloadManager
	closeStore func() error
	metricsSrv *http.Server
}

func buildRuntime(configPath string) (*runtime, error) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, logLevel := initLogger(cfg.Log)
	logger.Info("Starting stagehand",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		providers = &telemetry.Providers{}
	}

	store, closeStore, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(cfg.Metrics.Namespace, registry, logger)

	rt := &runtime{
		cfg:        cfg,
		logger:     logger,
		logLevel:   logLevel,
		providers:  providers,
		store:      store,
		registry:   registry,
		collector:  collector,
		closeStore: closeStore,
	}
	if cfg.Metrics.ListenAddr != "" {
		rt.serveMetrics(cfg.Metrics.ListenAddr)
	}
	if configPath != "" {
		rt.reload = config.NewHotReloadManager(configPath, cfg, logger)
		rt.reload.OnChange(rt.onConfigChange)
		rt.reload.Watch(context.Background(), configPollInterval)
	}
	return rt, nil
}

// onConfigChange applies what can change while a run executes. The log
// level takes effect immediately; everything else is read once at
// startup and picked up by the next invocation.
func (rt *runtime) onConfigChange(old, updated *config.Config, changed []string) {
	if updated.Log.Level != old.Log.Level {
		rt.logLevel.SetLevel(parseLogLevel(updated.Log.Level))
	}
	rt.logger.Info("config reloaded",
		zap.Strings("changed", changed),
		zap.String("log_level", updated.Log.Level),
	)
}

func (rt *runtime) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	rt.metricsSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := rt.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Warn("metrics listener stopped", zap.Error(err))
		}
	}()
	rt.logger.Info("metrics listening", zap.String("addr", addr))
}

func (rt *runtime) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if rt.reload != nil {
		rt.reload.Stop()
	}
	if rt.metricsSrv != nil {
		if err := rt.metricsSrv.Shutdown(ctx); err != nil {
			rt.logger.Warn("metrics shutdown", zap.Error(err))
		}
	}
	if rt.cache != nil {
		if err := rt.cache.Close(); err != nil {
			rt.logger.Warn("cache shutdown", zap.Error(err))
		}
	}
	if rt.closeStore != nil {
		if err := rt.closeStore(); err != nil {
			rt.logger.Warn("closing state store", zap.Error(err))
		}
	}
	if err := rt.providers.Shutdown(ctx); err != nil {
		rt.logger.Warn("telemetry shutdown", zap.Error(err))
	}
	rt.logger.Sync()
}

func openStore(cfg config.StoreConfig, logger *zap.Logger) (statestore.EventStore, func() error, error) {
	switch cfg.Backend {
	case "sqlite":
		s, err := statestore.NewSQLiteStore(cfg.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s, err := statestore.NewFileStore(cfg.Dir, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
}

func buildScheduler(rt *runtime, def *workflow.Definition, agentCmds kvFlag, scorerCmd, lookupCmd string) (*workflow.Scheduler, error) {
	agents := workflow.NewAgentRegistry()
	for name, command := range agentCmds {
		agent, err := NewExecAgent(name, command, rt.logger)
		if err != nil {
			return nil, err
		}
		agents.Register(name, agent)
	}

	var lookup *resilience.LookupClient
	if lookupCmd != "" {
		var err error
		lookup, err = buildLookup(rt, lookupCmd)
		if err != nil {
			return nil, err
		}
	}

	executor := workflow.NewStepExecutor(agents, lookup, rt.collector, rt.logger)

	var scorer workflow.Scorer
	if scorerCmd != "" {
		s, err := NewExecScorer(scorerCmd, rt.logger)
		if err != nil {
			return nil, err
		}
		scorer = s
	}
	gates := workflow.NewGateEvaluator(scorer, rt.collector, rt.logger)

	sc := rt.cfg.Scheduler
	return workflow.NewScheduler(def, rt.store, executor, gates, rt.logger,
		workflow.WithConfig(workflow.SchedulerConfig{
			MaxParallelSteps: sc.MaxParallelSteps,
			CheckpointEvery:  sc.CheckpointEvery,
			ProgressEvery:    sc.ProgressEvery,
			BackoffBase:      time.Duration(sc.BackoffBase),
			BackoffMax:       time.Duration(sc.BackoffMax),
		}),
		workflow.WithMetrics(rt.collector),
		workflow.WithProgress(func(h workflow.Health) {
			rt.logger.Info("run progress",
				zap.String("run_id", h.RunID),
				zap.Int("completed", h.CompletedSteps),
				zap.Int("total", h.TotalSteps),
				zap.Strings("running", h.RunningSteps),
			)
		}),
	), nil
}

// buildLookup wires the protected knowledge-lookup path: external
// command behind the circuit breaker, rate limiter, and cache.
func buildLookup(rt *runtime, command string) (*resilience.LookupClient, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty lookup command")
	}

	persister, err := buildPersister(rt.cfg)
	if err != nil {
		return nil, fmt.Errorf("lookup cache persister: %w", err)
	}
	rt.cache = cache.New(rt.cfg.Cache, persister, rt.logger, cache.WithRecorder(rt.collector))

	breakers := resilience.NewRegistry(rt.cfg.Breaker,
		newBreakerHandler(rt.logger, rt.collector), rt.logger)

	source := func(ctx context.Context, key string) (string, error) {
		cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], key)...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("lookup %q: %s: %w", key, firstLine(stderr.String()), err)
		}
		return strings.TrimSpace(stdout.String()), nil
	}
	return resilience.NewLookupClient(rt.cfg.Lookup, source, breakers, rt.cache, rt.logger), nil
}

// newBreakerHandler counts breaker transitions in metrics and logs
// them.
func newBreakerHandler(logger *zap.Logger, collector *metrics.Collector) resilience.StateChangeHandler {
	return func(change resilience.StateChange) {
		collector.RecordBreakerTransition(change.Name, change.From.String(), change.To.String())
		logger.Warn("breaker state change",
			zap.String("call", change.Name),
			zap.Stringer("from", change.From),
			zap.Stringer("to", change.To),
			zap.String("reason", change.Reason),
		)
	}
}

func buildPersister(cfg *config.Config) (cache.Persister, error) {
	if cfg.Redis.Enabled {
		return cache.NewRedisPersister(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.HashKey)
	}
	dir := cfg.Store.Dir
	if dir == "" {
		dir = filepath.Dir(cfg.Store.Path)
	}
	return cache.NewFilePersister(filepath.Join(dir, "lookup-cache.json"))
}

func runInputs(flags kvFlag) types.ArtifactMap {
	if len(flags) == 0 {
		return nil
	}
	now := time.Now()
	m := make(types.ArtifactMap, len(flags))
	for name, uri := range flags {
		m[name] = types.ArtifactRef{Name: name, URI: uri, Producer: "caller", CreatedAt: now}
	}
	return m
}

func reportOutcome(logger *zap.Logger, run *workflow.Run, err error) {
	if run != nil {
		fmt.Printf("run %s: %s (%d/%d steps)\n",
			run.RunID, run.Status, run.CompletedSteps(), len(run.Steps))
	}
	if err != nil {
		logger.Error("Run did not complete",
			zap.String("code", string(types.GetErrorCode(err))),
			zap.Error(err),
		)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("stagehand %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`stagehand - workflow orchestration engine

Usage:
  stagehand <command> [options]

Commands:
  run       Execute a workflow definition to completion
  resume    Resume an interrupted run from its event log
  validate  Parse and validate a workflow definition
  version   Show version information
  help      Show this help message

Options for 'run' and 'resume':
  --config <path>        Path to configuration file (YAML)
  --agent name=command   Bind an agent name to an external command (repeatable)
  --scorer <command>     Scorer command for quality gates
  --lookup <command>     Knowledge lookup command (key appended as last argument)

Options for 'run' only:
  --input name=uri       Provide a run input artifact (repeatable)

Examples:
  stagehand run pipeline.yaml --agent build=./agents/build.sh --scorer ./agents/review.sh
  stagehand run pipeline.yaml --input feature_request=file://specs/login.md
  stagehand resume pipeline.yaml 7c9e6679-7425-40de-944b-e07fc1f90ae7
  stagehand validate pipeline.yaml
  stagehand version`)
}

func parseLogLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// initLogger builds the process logger. The returned AtomicLevel stays
// adjustable afterwards, which is how config hot reload changes the
// level mid-run.
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(parseLogLevel(cfg.Level))

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            level,
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	opts := []zap.Option{}
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger, level
}
