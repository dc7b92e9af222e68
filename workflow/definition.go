package workflow

import (
	"strings"
	"time"

	"github.com/stagehand-dev/stagehand/types"
)

// ConditionMode decides what happens when a step's condition is false.
type ConditionMode string

const (
	// ConditionOptional skips the step when the condition is false.
	ConditionOptional ConditionMode = "optional"
	// ConditionMandatory holds the step back until the condition is true.
	// If it never becomes true the run ends with a blocked-step diagnosis.
	ConditionMandatory ConditionMode = "mandatory"
)

// RepeatOnce is the default step cardinality: one invocation per attempt.
const RepeatOnce = "once"

// forEachPrefix marks a fan-out step: "for-each:<artifact-prefix>".
const forEachPrefix = "for-each:"

// Condition is a boolean predicate over artifacts produced so far,
// written as AND-joined exists()/missing() clauses, for example
// "exists(design_doc) AND missing(skip_review)".
type Condition struct {
	When string        `yaml:"when" json:"when"`
	Mode ConditionMode `yaml:"mode,omitempty" json:"mode,omitempty"`

	pred *artifactPredicate
}

// Eval evaluates the condition against the currently available artifacts.
func (c *Condition) Eval(artifacts types.ArtifactMap) bool {
	if c == nil || c.pred == nil {
		return true
	}
	return c.pred.Eval(artifacts)
}

// Gate is a quality checkpoint on a step: after the step's agent
// succeeds, a Scorer grades its artifacts and the threshold expression
// decides pass or loopback.
type Gate struct {
	// Threshold is an AND-joined comparison expression over named score
	// dimensions, for example "overall >= 70 AND security >= 7.0".
	Threshold string `yaml:"threshold" json:"threshold"`
	// OnFailGoto names the step re-executed on a gate failure.
	OnFailGoto string `yaml:"on_fail_goto" json:"on_fail_goto"`
	// MaxRetries bounds the loopback: the gated step runs at most
	// MaxRetries+1 times before the gate failure becomes fatal.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	expr *ThresholdExpr
}

// Step is one unit of work in a workflow definition.
type Step struct {
	ID        string         `yaml:"id" json:"id"`
	AgentRef  string         `yaml:"agent" json:"agent"`
	Action    string         `yaml:"action" json:"action"`
	Requires  []string       `yaml:"requires,omitempty" json:"requires,omitempty"`
	Creates   []string       `yaml:"creates,omitempty" json:"creates,omitempty"`
	Condition *Condition     `yaml:"condition,omitempty" json:"condition,omitempty"`
	Gate      *Gate          `yaml:"gate,omitempty" json:"gate,omitempty"`
	Repeat    string         `yaml:"repeat,omitempty" json:"repeat,omitempty"`
	Timeout   types.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// ForEach reports whether the step fans out over a set of artifacts,
// and the artifact-name prefix it fans out over.
func (s *Step) ForEach() (prefix string, ok bool) {
	if strings.HasPrefix(s.Repeat, forEachPrefix) {
		return strings.TrimPrefix(s.Repeat, forEachPrefix), true
	}
	return "", false
}

// TimeoutOrDefault returns the step's timeout, falling back to the
// definition's default step timeout.
func (s *Step) TimeoutOrDefault(settings Settings) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout.Std()
	}
	return settings.DefaultStepTimeout.Std()
}

// Settings are the definition-level knobs.
type Settings struct {
	DefaultStepTimeout types.Duration `yaml:"default_step_timeout" json:"default_step_timeout"`
	// RunTimeout bounds the whole run. Zero means "derive from the
	// critical path": twice the sum of step timeouts along the longest
	// dependency chain.
	RunTimeout       types.Duration `yaml:"run_timeout,omitempty" json:"run_timeout,omitempty"`
	MaxParallelSteps int            `yaml:"max_parallel_steps" json:"max_parallel_steps"`
	// CheckpointEvery is the event-count checkpoint cadence.
	CheckpointEvery int `yaml:"checkpoint_every,omitempty" json:"checkpoint_every,omitempty"`
	// ProgressEvery reports run health after every N completed steps.
	ProgressEvery int `yaml:"progress_every,omitempty" json:"progress_every,omitempty"`
}

// DefaultSettings returns the settings applied when a definition omits
// them.
func DefaultSettings() Settings {
	return Settings{
		DefaultStepTimeout: types.Duration(5 * time.Minute),
		MaxParallelSteps:   4,
		CheckpointEvery:    10,
		ProgressEvery:      1,
	}
}

// Definition is a parsed, validated workflow. Immutable once loaded.
type Definition struct {
	ID       string   `yaml:"id" json:"id"`
	Version  string   `yaml:"version,omitempty" json:"version,omitempty"`
	Settings Settings `yaml:"settings" json:"settings"`
	// Inputs names the artifacts the caller provides at run start.
	Inputs []string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Steps  []*Step  `yaml:"steps" json:"steps"`

	byID      map[string]*Step
	producers map[string]string // artifact name -> producing step id
}

// Step returns the step with the given id.
func (d *Definition) Step(id string) (*Step, bool) {
	s, ok := d.byID[id]
	return s, ok
}

// StepIDs returns all step ids in definition order.
func (d *Definition) StepIDs() []string {
	ids := make([]string, 0, len(d.Steps))
	for _, s := range d.Steps {
		ids = append(ids, s.ID)
	}
	return ids
}

// Producer returns the id of the step that creates the named artifact.
func (d *Definition) Producer(artifact string) (string, bool) {
	id, ok := d.producers[artifact]
	return id, ok
}

// IsInput reports whether the artifact is a run input rather than a
// step product.
func (d *Definition) IsInput(artifact string) bool {
	for _, in := range d.Inputs {
		if in == artifact {
			return true
		}
	}
	return false
}

// dependenciesOf resolves a step's requires entries to producing step
// ids. Run inputs resolve to no dependency.
func (d *Definition) dependenciesOf(s *Step) []string {
	seen := make(map[string]bool)
	var deps []string
	add := func(id string) {
		if id != "" && id != s.ID && !seen[id] {
			seen[id] = true
			deps = append(deps, id)
		}
	}
	for _, req := range s.Requires {
		if _, ok := d.byID[req]; ok {
			add(req)
			continue
		}
		if producer, ok := d.producers[req]; ok {
			add(producer)
		}
	}
	return deps
}

// CriticalPathTimeout sums per-step timeouts along the longest
// dependency chain. Gate loopback edges do not contribute.
func (d *Definition) CriticalPathTimeout() time.Duration {
	memo := make(map[string]time.Duration, len(d.Steps))
	var longest func(s *Step) time.Duration
	longest = func(s *Step) time.Duration {
		if v, ok := memo[s.ID]; ok {
			return v
		}
		var tail time.Duration
		for _, dep := range d.dependenciesOf(s) {
			if t := longest(d.byID[dep]); t > tail {
				tail = t
			}
		}
		total := tail + s.TimeoutOrDefault(d.Settings)
		memo[s.ID] = total
		return total
	}

	var max time.Duration
	for _, s := range d.Steps {
		if t := longest(s); t > max {
			max = t
		}
	}
	return max
}

// RunTimeoutOrDefault returns the configured run timeout, or twice the
// critical-path timeout when unset.
func (d *Definition) RunTimeoutOrDefault() time.Duration {
	if d.Settings.RunTimeout > 0 {
		return d.Settings.RunTimeout.Std()
	}
	return 2 * d.CriticalPathTimeout()
}

// index builds the lookup tables. Called by the parser after
// validation has ensured ids and artifact producers are unique.
func (d *Definition) index() {
	d.byID = make(map[string]*Step, len(d.Steps))
	d.producers = make(map[string]string)
	for _, s := range d.Steps {
		d.byID[s.ID] = s
		for _, artifact := range s.Creates {
			d.producers[artifact] = s.ID
		}
	}
}
