// Package stagehand provides a top-level convenience entry point for
// executing workflows with minimal boilerplate.
//
// Usage:
//
//	import "github.com/stagehand-dev/stagehand"
//
//	def, err := stagehand.LoadDefinition("pipeline.yaml")
//	run, err := stagehand.Run(ctx, def,
//		stagehand.WithAgent("coder", myCoder),
//		stagehand.WithInput("feature_request", "file://specs/login.md"),
//	)
//
// This is a thin wrapper over the workflow package; use it when the
// defaults (file-backed event store, no metrics) are good enough. For
// custom stores, resilience wiring, or resume, assemble a
// [workflow.Scheduler] directly.
package stagehand

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stagehand-dev/stagehand/statestore"
	"github.com/stagehand-dev/stagehand/types"
	"github.com/stagehand-dev/stagehand/workflow"
)

// LoadDefinition parses and validates a workflow definition file.
// Re-exported so simple callers never need to import workflow/.
var LoadDefinition = workflow.LoadDefinition

// ParseDefinition parses and validates an in-memory definition.
var ParseDefinition = workflow.ParseDefinition

type options struct {
	agents map[string]workflow.Agent
	scorer workflow.Scorer
	store  statestore.EventStore
	logger *zap.Logger
	inputs types.ArtifactMap
	dir    string
}

// Option configures a [Run] invocation.
type Option func(*options)

// WithAgent binds a named agent referenced by the definition's steps.
func WithAgent(name string, agent workflow.Agent) Option {
	return func(o *options) { o.agents[name] = agent }
}

// WithAgentFunc binds a function as a named agent.
func WithAgentFunc(name string, fn workflow.AgentFunc) Option {
	return func(o *options) { o.agents[name] = fn }
}

// WithScorer sets the scorer consulted by quality gates.
func WithScorer(s workflow.Scorer) Option {
	return func(o *options) { o.scorer = s }
}

// WithStore overrides the default file-backed event store.
func WithStore(store statestore.EventStore) Option {
	return func(o *options) { o.store = store }
}

// WithStoreDir sets the directory of the default file-backed store.
func WithStoreDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithLogger sets a custom zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithInput supplies one run input artifact by URI.
func WithInput(name, uri string) Option {
	return func(o *options) {
		o.inputs[name] = types.ArtifactRef{
			Name:      name,
			URI:       uri,
			Producer:  "caller",
			CreatedAt: time.Now().UTC(),
		}
	}
}

// Run executes def to a terminal status and returns the folded run
// state. The returned run is non-nil whenever the start event was
// recorded, including on failure.
func Run(ctx context.Context, def *workflow.Definition, opts ...Option) (*workflow.Run, error) {
	o := options{
		agents: make(map[string]workflow.Agent),
		inputs: make(types.ArtifactMap),
		dir:    "stagehand-data",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	store := o.store
	if store == nil {
		fs, err := statestore.NewFileStore(o.dir, o.logger)
		if err != nil {
			return nil, err
		}
		defer fs.Close()
		store = fs
	}

	registry := workflow.NewAgentRegistry()
	for name, agent := range o.agents {
		registry.Register(name, agent)
	}

	executor := workflow.NewStepExecutor(registry, nil, nil, o.logger)
	gates := workflow.NewGateEvaluator(o.scorer, nil, o.logger)
	sched := workflow.NewScheduler(def, store, executor, gates, o.logger)

	inputs := o.inputs
	if len(inputs) == 0 {
		inputs = nil
	}
	return sched.Start(ctx, inputs)
}
