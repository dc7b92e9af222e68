package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stagehand-dev/stagehand/internal/ctxkeys"
	"github.com/stagehand-dev/stagehand/types"
)

func registryWith(t *testing.T, ref string, agent Agent) *AgentRegistry {
	t.Helper()
	r := NewAgentRegistry()
	r.Register(ref, agent)
	return r
}

func producingAgent(artifacts ...string) Agent {
	return AgentFunc(func(ctx context.Context, action string, inputs types.ArtifactMap) (*AgentResult, error) {
		out := make(types.ArtifactMap, len(artifacts))
		for _, name := range artifacts {
			out[name] = types.ArtifactRef{URI: "mem://" + name}
		}
		return &AgentResult{Status: InvokeSucceeded, Artifacts: out}, nil
	})
}

func TestStepExecutor_Success(t *testing.T) {
	t.Parallel()

	agents := registryWith(t, "coder", producingAgent("source"))
	exec := NewStepExecutor(agents, nil, nil, zap.NewNop())
	step := &Step{ID: "implement", AgentRef: "coder", Action: "write_code", Creates: []string{"source"}, Repeat: RepeatOnce}

	outcome := exec.Execute(context.Background(), "run-1", step, 1, types.ArtifactMap{}, time.Second)
	require.Nil(t, outcome.Err)
	require.Contains(t, outcome.Artifacts, "source")

	ref := outcome.Artifacts["source"]
	assert.Equal(t, "source", ref.Name)
	assert.Equal(t, "implement", ref.Producer)
	assert.False(t, ref.CreatedAt.IsZero())
}

func TestStepExecutor_UnknownAgent(t *testing.T) {
	t.Parallel()

	exec := NewStepExecutor(NewAgentRegistry(), nil, nil, zap.NewNop())
	step := &Step{ID: "s", AgentRef: "ghost", Action: "act", Repeat: RepeatOnce}

	outcome := exec.Execute(context.Background(), "run-1", step, 1, nil, time.Second)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, types.ErrStepExecution, outcome.Err.Code)
}

func TestStepExecutor_TimeoutClassified(t *testing.T) {
	t.Parallel()

	slow := AgentFunc(func(ctx context.Context, action string, inputs types.ArtifactMap) (*AgentResult, error) {
		select {
		case <-time.After(5 * time.Second):
			return &AgentResult{Status: InvokeSucceeded}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	exec := NewStepExecutor(registryWith(t, "slow", slow), nil, nil, zap.NewNop())
	step := &Step{ID: "s", AgentRef: "slow", Action: "act", Repeat: RepeatOnce}

	start := time.Now()
	outcome := exec.Execute(context.Background(), "run-1", step, 1, nil, 30*time.Millisecond)
	require.NotNil(t, outcome.Err)
	assert.True(t, outcome.TimedOut)
	assert.Equal(t, types.ErrStepTimeout, outcome.Err.Code)
	assert.Less(t, time.Since(start), 2*time.Second, "timeout must cut the call short")
}

func TestStepExecutor_AgentReportedFailure(t *testing.T) {
	t.Parallel()

	failing := AgentFunc(func(ctx context.Context, action string, inputs types.ArtifactMap) (*AgentResult, error) {
		return &AgentResult{Status: InvokeFailed, Error: "tests are red"}, nil
	})
	exec := NewStepExecutor(registryWith(t, "runner", failing), nil, nil, zap.NewNop())
	step := &Step{ID: "test", AgentRef: "runner", Action: "run_tests", Repeat: RepeatOnce}

	outcome := exec.Execute(context.Background(), "run-1", step, 1, nil, time.Second)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, types.ErrStepExecution, outcome.Err.Code)
	assert.Contains(t, outcome.Err.Error(), "tests are red")
	assert.False(t, outcome.TimedOut)
}

func TestStepExecutor_TransportError(t *testing.T) {
	t.Parallel()

	broken := AgentFunc(func(ctx context.Context, action string, inputs types.ArtifactMap) (*AgentResult, error) {
		return nil, errors.New("connection refused")
	})
	exec := NewStepExecutor(registryWith(t, "remote", broken), nil, nil, zap.NewNop())
	step := &Step{ID: "s", AgentRef: "remote", Action: "act", Repeat: RepeatOnce}

	outcome := exec.Execute(context.Background(), "run-1", step, 1, nil, time.Second)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, types.ErrStepExecution, outcome.Err.Code)
}

func TestStepExecutor_MissingDeclaredArtifact(t *testing.T) {
	t.Parallel()

	agents := registryWith(t, "coder", producingAgent("source"))
	exec := NewStepExecutor(agents, nil, nil, zap.NewNop())
	step := &Step{ID: "s", AgentRef: "coder", Action: "act", Creates: []string{"source", "docs"}, Repeat: RepeatOnce}

	outcome := exec.Execute(context.Background(), "run-1", step, 1, nil, time.Second)
	require.NotNil(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "docs")
}

func TestStepExecutor_ForEachFansOut(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen [][]string
	agent := AgentFunc(func(ctx context.Context, action string, inputs types.ArtifactMap) (*AgentResult, error) {
		mu.Lock()
		names := inputs.Names()
		seen = append(seen, names)
		mu.Unlock()

		out := make(types.ArtifactMap)
		for name := range inputs {
			out["reviewed_"+name] = types.ArtifactRef{URI: "mem://" + name}
		}
		return &AgentResult{Status: InvokeSucceeded, Artifacts: out}, nil
	})

	exec := NewStepExecutor(registryWith(t, "reviewer", agent), nil, nil, zap.NewNop())
	step := &Step{ID: "review_all", AgentRef: "reviewer", Action: "review", Repeat: "for-each:module_"}

	inputs := types.ArtifactMap{
		"module_auth":    {Name: "module_auth"},
		"module_billing": {Name: "module_billing"},
		"shared_context": {Name: "shared_context"},
	}
	outcome := exec.Execute(context.Background(), "run-1", step, 1, inputs, time.Second)
	require.Nil(t, outcome.Err)

	assert.Len(t, seen, 2, "one invocation per matching artifact")
	for _, names := range seen {
		assert.Contains(t, names, "shared_context", "non-matching inputs ride along")
		matched := 0
		for _, n := range names {
			if n == "module_auth" || n == "module_billing" {
				matched++
			}
		}
		assert.Equal(t, 1, matched, "exactly one fan-out item per invocation")
	}
	assert.Contains(t, outcome.Artifacts, "reviewed_module_auth")
	assert.Contains(t, outcome.Artifacts, "reviewed_module_billing")
}

func TestStepExecutor_ForEachNoMatches(t *testing.T) {
	t.Parallel()

	exec := NewStepExecutor(registryWith(t, "r", producingAgent()), nil, nil, zap.NewNop())
	step := &Step{ID: "s", AgentRef: "r", Action: "act", Repeat: "for-each:module_"}

	outcome := exec.Execute(context.Background(), "run-1", step, 1, types.ArtifactMap{"other": {}}, time.Second)
	require.NotNil(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "for-each")
}

func TestStepExecutor_ContextCarriesIdentity(t *testing.T) {
	t.Parallel()

	var gotRun, gotStep string
	var gotAttempt int
	agent := AgentFunc(func(ctx context.Context, action string, inputs types.ArtifactMap) (*AgentResult, error) {
		gotRun, _ = ctxkeys.RunID(ctx)
		gotStep, _ = ctxkeys.StepID(ctx)
		gotAttempt, _ = ctxkeys.Attempt(ctx)
		return &AgentResult{Status: InvokeSucceeded}, nil
	})
	exec := NewStepExecutor(registryWith(t, "probe", agent), nil, nil, zap.NewNop())
	step := &Step{ID: "probe_step", AgentRef: "probe", Action: "act", Repeat: RepeatOnce}

	outcome := exec.Execute(context.Background(), "run-42", step, 3, nil, time.Second)
	require.Nil(t, outcome.Err)
	assert.Equal(t, "run-42", gotRun)
	assert.Equal(t, "probe_step", gotStep)
	assert.Equal(t, 3, gotAttempt)
}
