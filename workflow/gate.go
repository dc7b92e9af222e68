package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/stagehand-dev/stagehand/internal/metrics"
	"github.com/stagehand-dev/stagehand/types"
)

// GateDecision is the quality gate verdict for one gated step attempt.
type GateDecision struct {
	Pass   bool
	Scores types.ScoreVector
}

// GateEvaluator grades a gated step's artifacts through the external
// Scorer and checks them against the step's threshold expression.
type GateEvaluator struct {
	scorer  Scorer
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewGateEvaluator creates an evaluator. collector may be nil.
func NewGateEvaluator(scorer Scorer, collector *metrics.Collector, logger *zap.Logger) *GateEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GateEvaluator{
		scorer:  scorer,
		metrics: collector,
		logger:  logger.With(zap.String("component", "gate_evaluator")),
	}
}

// Evaluate scores the artifacts a gated step produced and applies the
// threshold. A scorer error is returned as-is; the caller treats it
// like a step failure rather than a gate verdict.
func (g *GateEvaluator) Evaluate(ctx context.Context, step *Step, produced types.ArtifactMap) (*GateDecision, error) {
	if step.Gate == nil || step.Gate.expr == nil {
		return &GateDecision{Pass: true}, nil
	}
	if g.scorer == nil {
		return nil, types.NewErrorf(types.ErrGateFailure,
			"step %q is gated but no scorer is configured", step.ID).WithStep(step.ID)
	}

	scores, err := g.scorer.Score(ctx, produced)
	if err != nil {
		return nil, types.NewErrorf(types.ErrStepExecution,
			"scorer failed for step %q", step.ID).WithStep(step.ID).WithCause(err)
	}

	decision := &GateDecision{
		Pass:   step.Gate.expr.Eval(scores),
		Scores: scores.Clone(),
	}
	g.metrics.RecordGateEvaluation(step.ID, decision.Pass)
	g.logger.Info("quality gate evaluated",
		zap.String("step_id", step.ID),
		zap.String("threshold", step.Gate.Threshold),
		zap.Bool("pass", decision.Pass),
		zap.Any("scores", scores),
	)
	return decision, nil
}
