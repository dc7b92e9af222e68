package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stagehand-dev/stagehand/types"
)

func gatedStep(t *testing.T, threshold string) *Step {
	t.Helper()
	expr, err := ParseThreshold(threshold)
	require.NoError(t, err)
	return &Step{
		ID:       "review",
		AgentRef: "reviewer",
		Action:   "review",
		Gate:     &Gate{Threshold: threshold, OnFailGoto: "review", MaxRetries: 2, expr: expr},
	}
}

func fixedScorer(scores types.ScoreVector) Scorer {
	return ScorerFunc(func(ctx context.Context, artifacts types.ArtifactMap) (types.ScoreVector, error) {
		return scores, nil
	})
}

func TestGateEvaluator_Pass(t *testing.T) {
	t.Parallel()

	g := NewGateEvaluator(fixedScorer(types.ScoreVector{"overall": 85, "security": 8}), nil, zap.NewNop())
	decision, err := g.Evaluate(context.Background(), gatedStep(t, "overall >= 70 AND security >= 7.0"), nil)
	require.NoError(t, err)
	assert.True(t, decision.Pass)
	assert.Equal(t, 85.0, decision.Scores["overall"])
}

func TestGateEvaluator_Fail(t *testing.T) {
	t.Parallel()

	g := NewGateEvaluator(fixedScorer(types.ScoreVector{"overall": 60}), nil, zap.NewNop())
	decision, err := g.Evaluate(context.Background(), gatedStep(t, "overall >= 70"), nil)
	require.NoError(t, err)
	assert.False(t, decision.Pass)
	assert.Equal(t, 60.0, decision.Scores["overall"])
}

func TestGateEvaluator_ScorerErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("scorer offline")
	scorer := ScorerFunc(func(ctx context.Context, artifacts types.ArtifactMap) (types.ScoreVector, error) {
		return nil, boom
	})
	g := NewGateEvaluator(scorer, nil, zap.NewNop())
	_, err := g.Evaluate(context.Background(), gatedStep(t, "overall >= 70"), nil)
	require.Error(t, err)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, types.ErrStepExecution, types.GetErrorCode(err))
}

func TestGateEvaluator_NoScorerConfigured(t *testing.T) {
	t.Parallel()

	g := NewGateEvaluator(nil, nil, zap.NewNop())
	_, err := g.Evaluate(context.Background(), gatedStep(t, "overall >= 70"), nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrGateFailure, types.GetErrorCode(err))
}

func TestGateEvaluator_UngatedStepPasses(t *testing.T) {
	t.Parallel()

	g := NewGateEvaluator(nil, nil, zap.NewNop())
	decision, err := g.Evaluate(context.Background(), &Step{ID: "plain"}, nil)
	require.NoError(t, err)
	assert.True(t, decision.Pass)
}
