package workflow

import (
	"context"
	"sort"
	"sync"

	"github.com/stagehand-dev/stagehand/types"
)

// InvokeStatus is the agent-reported outcome of one invocation.
type InvokeStatus string

const (
	InvokeSucceeded InvokeStatus = "succeeded"
	InvokeFailed    InvokeStatus = "failed"
)

// AgentResult is what an agent returns from one invocation.
type AgentResult struct {
	Status    InvokeStatus      `json:"status"`
	Artifacts types.ArtifactMap `json:"artifacts,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Agent is the external actor contract. The engine treats an agent as
// an opaque, possibly slow, possibly failing call: it knows nothing
// about what the work is, only that inputs go in and artifacts come
// out. Implementations must honor ctx cancellation.
type Agent interface {
	Invoke(ctx context.Context, action string, inputs types.ArtifactMap) (*AgentResult, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, action string, inputs types.ArtifactMap) (*AgentResult, error)

func (f AgentFunc) Invoke(ctx context.Context, action string, inputs types.ArtifactMap) (*AgentResult, error) {
	return f(ctx, action, inputs)
}

// AgentRegistry maps agent_ref names to implementations. The scheduler
// never branches on agent identity; dispatch is purely by name.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]Agent)}
}

// Register binds a name to an agent, replacing any previous binding.
func (r *AgentRegistry) Register(ref string, agent Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[ref] = agent
}

// Get returns the agent registered under ref.
func (r *AgentRegistry) Get(ref string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[ref]
	return a, ok
}

// Refs returns the registered names, sorted.
func (r *AgentRegistry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.agents))
	for ref := range r.agents {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Scorer grades the artifacts a gated step produced, returning named
// numeric dimensions for the gate's threshold expression.
type Scorer interface {
	Score(ctx context.Context, artifacts types.ArtifactMap) (types.ScoreVector, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, artifacts types.ArtifactMap) (types.ScoreVector, error)

func (f ScorerFunc) Score(ctx context.Context, artifacts types.ArtifactMap) (types.ScoreVector, error) {
	return f(ctx, artifacts)
}
