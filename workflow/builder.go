package workflow

import (
	"time"

	"github.com/stagehand-dev/stagehand/types"
)

// DefinitionBuilder constructs workflow definitions in code, for
// embedded pipelines and tests. Build runs the same validation as the
// YAML parser.
type DefinitionBuilder struct {
	def *Definition
}

// NewDefinitionBuilder starts a definition with the given id.
func NewDefinitionBuilder(id string) *DefinitionBuilder {
	return &DefinitionBuilder{
		def: &Definition{
			ID:       id,
			Settings: DefaultSettings(),
		},
	}
}

// Version sets the definition version.
func (b *DefinitionBuilder) Version(v string) *DefinitionBuilder {
	b.def.Version = v
	return b
}

// Settings replaces the definition settings.
func (b *DefinitionBuilder) Settings(s Settings) *DefinitionBuilder {
	b.def.Settings = s
	return b
}

// DefaultStepTimeout sets the fallback per-step timeout.
func (b *DefinitionBuilder) DefaultStepTimeout(d time.Duration) *DefinitionBuilder {
	b.def.Settings.DefaultStepTimeout = types.Duration(d)
	return b
}

// RunTimeout sets the overall run timeout.
func (b *DefinitionBuilder) RunTimeout(d time.Duration) *DefinitionBuilder {
	b.def.Settings.RunTimeout = types.Duration(d)
	return b
}

// MaxParallel bounds concurrent step execution.
func (b *DefinitionBuilder) MaxParallel(n int) *DefinitionBuilder {
	b.def.Settings.MaxParallelSteps = n
	return b
}

// Inputs declares run-input artifact names.
func (b *DefinitionBuilder) Inputs(names ...string) *DefinitionBuilder {
	b.def.Inputs = append(b.def.Inputs, names...)
	return b
}

// Step adds a step and returns its builder.
func (b *DefinitionBuilder) Step(id, agent, action string) *StepBuilder {
	step := &Step{ID: id, AgentRef: agent, Action: action, Repeat: RepeatOnce}
	b.def.Steps = append(b.def.Steps, step)
	return &StepBuilder{step: step, parent: b}
}

// Build validates and returns the definition.
func (b *DefinitionBuilder) Build() (*Definition, error) {
	if err := validate(b.def); err != nil {
		return nil, err
	}
	b.def.index()
	if err := resolveReferences(b.def); err != nil {
		return nil, err
	}
	if err := detectCycles(b.def); err != nil {
		return nil, err
	}
	return b.def, nil
}

// StepBuilder configures one step.
type StepBuilder struct {
	step   *Step
	parent *DefinitionBuilder
}

// Requires adds requirement entries (step ids or artifact names).
func (sb *StepBuilder) Requires(entries ...string) *StepBuilder {
	sb.step.Requires = append(sb.step.Requires, entries...)
	return sb
}

// Creates declares artifacts the step produces.
func (sb *StepBuilder) Creates(artifacts ...string) *StepBuilder {
	sb.step.Creates = append(sb.step.Creates, artifacts...)
	return sb
}

// Timeout overrides the per-step timeout.
func (sb *StepBuilder) Timeout(d time.Duration) *StepBuilder {
	sb.step.Timeout = types.Duration(d)
	return sb
}

// Condition attaches an artifact predicate.
func (sb *StepBuilder) Condition(when string, mode ConditionMode) *StepBuilder {
	sb.step.Condition = &Condition{When: when, Mode: mode}
	return sb
}

// Gate attaches a quality gate.
func (sb *StepBuilder) Gate(threshold, onFailGoto string, maxRetries int) *StepBuilder {
	sb.step.Gate = &Gate{Threshold: threshold, OnFailGoto: onFailGoto, MaxRetries: maxRetries}
	return sb
}

// ForEach fans the step out over input artifacts matching prefix.
func (sb *StepBuilder) ForEach(prefix string) *StepBuilder {
	sb.step.Repeat = forEachPrefix + prefix
	return sb
}

// Done returns to the definition builder.
func (sb *StepBuilder) Done() *DefinitionBuilder {
	return sb.parent
}
