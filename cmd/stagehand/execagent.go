package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/stagehand-dev/stagehand/types"
	"github.com/stagehand-dev/stagehand/workflow"
)

// execRequest is the JSON document an agent process reads on stdin.
type execRequest struct {
	Action string            `json:"action"`
	Inputs types.ArtifactMap `json:"inputs,omitempty"`
}

// scoreRequest is the JSON document a scorer process reads on stdin.
type scoreRequest struct {
	Artifacts types.ArtifactMap `json:"artifacts"`
}

// ExecAgent runs an external command once per invocation. The command
// reads an execRequest on stdin and prints a workflow.AgentResult JSON
// document on stdout. A non-zero exit is an invocation error.
type ExecAgent struct {
	name   string
	argv   []string
	logger *zap.Logger
}

func NewExecAgent(name, command string, logger *zap.Logger) (*ExecAgent, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("agent %s: empty command", name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecAgent{
		name:   name,
		argv:   argv,
		logger: logger.With(zap.String("component", "exec_agent"), zap.String("agent", name)),
	}, nil
}

func (a *ExecAgent) Invoke(ctx context.Context, action string, inputs types.ArtifactMap) (*workflow.AgentResult, error) {
	payload, err := json.Marshal(execRequest{Action: action, Inputs: inputs})
	if err != nil {
		return nil, types.NewErrorf(types.ErrStepExecution, "agent %s: encode request", a.name).WithCause(err)
	}

	cmd := exec.CommandContext(ctx, a.argv[0], a.argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.logger.Debug("invoking agent command", zap.String("action", action))
	if err := cmd.Run(); err != nil {
		return nil, types.NewErrorf(types.ErrStepExecution,
			"agent %s: %s", a.name, firstLine(stderr.String())).WithCause(err)
	}

	var result workflow.AgentResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, types.NewErrorf(types.ErrStepExecution,
			"agent %s: malformed result", a.name).WithCause(err)
	}
	if result.Status == "" {
		result.Status = workflow.InvokeSucceeded
	}
	return &result, nil
}

// ExecScorer runs an external command that reads a scoreRequest on
// stdin and prints a score vector JSON object on stdout, e.g.
// {"overall": 82.5, "security": 7.9}.
type ExecScorer struct {
	argv   []string
	logger *zap.Logger
}

func NewExecScorer(command string, logger *zap.Logger) (*ExecScorer, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("scorer: empty command")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecScorer{
		argv:   argv,
		logger: logger.With(zap.String("component", "exec_scorer")),
	}, nil
}

func (s *ExecScorer) Score(ctx context.Context, artifacts types.ArtifactMap) (types.ScoreVector, error) {
	payload, err := json.Marshal(scoreRequest{Artifacts: artifacts})
	if err != nil {
		return nil, types.NewErrorf(types.ErrGateFailure, "scorer: encode request").WithCause(err)
	}

	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, types.NewErrorf(types.ErrGateFailure,
			"scorer: %s", firstLine(stderr.String())).WithCause(err)
	}

	var scores types.ScoreVector
	if err := json.Unmarshal(stdout.Bytes(), &scores); err != nil {
		return nil, types.NewErrorf(types.ErrGateFailure, "scorer: malformed scores").WithCause(err)
	}
	return scores, nil
}

// firstLine trims command stderr down to its first non-empty line for
// error messages.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "command failed"
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
