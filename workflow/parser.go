package workflow

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stagehand-dev/stagehand/types"
)

// ParseDefinition parses and validates a YAML workflow definition.
// Validation rejects duplicate step ids, unresolvable requires and
// on_fail_goto references, multiple producers for one artifact, and
// cyclic data dependencies. Gate loopback edges are control flow and
// are excluded from the cycle check.
func ParseDefinition(data []byte) (*Definition, error) {
	def := &Definition{Settings: DefaultSettings()}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(def); err != nil {
		return nil, types.NewError(types.ErrDefinition, "parse workflow definition").WithCause(err)
	}

	if err := validate(def); err != nil {
		return nil, err
	}
	def.index()
	if err := resolveReferences(def); err != nil {
		return nil, err
	}
	if err := detectCycles(def); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadDefinition reads and parses a workflow definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewErrorf(types.ErrDefinition, "read definition %s", path).WithCause(err)
	}
	return ParseDefinition(data)
}

func validate(def *Definition) error {
	if def.ID == "" {
		return types.NewError(types.ErrDefinition, "definition is missing an id")
	}
	if len(def.Steps) == 0 {
		return types.NewErrorf(types.ErrDefinition, "definition %q has no steps", def.ID)
	}
	if def.Settings.DefaultStepTimeout <= 0 {
		def.Settings.DefaultStepTimeout = DefaultSettings().DefaultStepTimeout
	}
	if def.Settings.MaxParallelSteps <= 0 {
		def.Settings.MaxParallelSteps = DefaultSettings().MaxParallelSteps
	}
	if def.Settings.CheckpointEvery <= 0 {
		def.Settings.CheckpointEvery = DefaultSettings().CheckpointEvery
	}
	if def.Settings.ProgressEvery <= 0 {
		def.Settings.ProgressEvery = DefaultSettings().ProgressEvery
	}

	seen := make(map[string]bool, len(def.Steps))
	producers := make(map[string]string)
	for i, s := range def.Steps {
		if s.ID == "" {
			return types.NewErrorf(types.ErrDefinition, "step at index %d is missing an id", i)
		}
		if seen[s.ID] {
			return types.NewErrorf(types.ErrDefinition, "duplicate step id %q", s.ID).WithStep(s.ID)
		}
		seen[s.ID] = true

		if s.AgentRef == "" {
			return types.NewErrorf(types.ErrDefinition, "step %q is missing an agent", s.ID).WithStep(s.ID)
		}
		if s.Action == "" {
			return types.NewErrorf(types.ErrDefinition, "step %q is missing an action", s.ID).WithStep(s.ID)
		}
		if s.Repeat == "" {
			s.Repeat = RepeatOnce
		}
		if _, ok := s.ForEach(); !ok && s.Repeat != RepeatOnce {
			return types.NewErrorf(types.ErrDefinition,
				"step %q has invalid repeat %q (want %q or %q<prefix>)", s.ID, s.Repeat, RepeatOnce, forEachPrefix).WithStep(s.ID)
		}

		for _, artifact := range s.Creates {
			if prev, taken := producers[artifact]; taken {
				return types.NewErrorf(types.ErrDefinition,
					"artifact %q is created by both %q and %q", artifact, prev, s.ID).WithStep(s.ID)
			}
			producers[artifact] = s.ID
		}

		if s.Condition != nil {
			if s.Condition.Mode == "" {
				s.Condition.Mode = ConditionOptional
			}
			if s.Condition.Mode != ConditionOptional && s.Condition.Mode != ConditionMandatory {
				return types.NewErrorf(types.ErrDefinition,
					"step %q has invalid condition mode %q", s.ID, s.Condition.Mode).WithStep(s.ID)
			}
			pred, err := parseCondition(s.Condition.When)
			if err != nil {
				return types.NewErrorf(types.ErrDefinition, "step %q condition", s.ID).WithStep(s.ID).WithCause(err)
			}
			s.Condition.pred = pred
		}

		if s.Gate != nil {
			expr, err := ParseThreshold(s.Gate.Threshold)
			if err != nil {
				return types.NewErrorf(types.ErrDefinition, "step %q gate threshold", s.ID).WithStep(s.ID).WithCause(err)
			}
			s.Gate.expr = expr
			if s.Gate.MaxRetries < 0 {
				return types.NewErrorf(types.ErrDefinition,
					"step %q gate max_retries must not be negative", s.ID).WithStep(s.ID)
			}
			if s.Gate.OnFailGoto == "" {
				return types.NewErrorf(types.ErrDefinition,
					"step %q gate is missing on_fail_goto", s.ID).WithStep(s.ID)
			}
		}
	}
	return nil
}

// resolveReferences checks that every requires entry, on_fail_goto
// target, condition artifact, and for-each prefix resolves to a known
// step, a declared artifact, or a run input.
func resolveReferences(def *Definition) error {
	knownArtifact := func(name string) bool {
		if _, ok := def.producers[name]; ok {
			return true
		}
		return def.IsInput(name)
	}
	anyArtifactWithPrefix := func(prefix string) bool {
		for artifact := range def.producers {
			if strings.HasPrefix(artifact, prefix) {
				return true
			}
		}
		for _, in := range def.Inputs {
			if strings.HasPrefix(in, prefix) {
				return true
			}
		}
		return false
	}

	for _, s := range def.Steps {
		for _, req := range s.Requires {
			if req == s.ID {
				return types.NewErrorf(types.ErrDefinition, "step %q requires itself", s.ID).WithStep(s.ID)
			}
			if _, ok := def.byID[req]; ok {
				continue
			}
			if knownArtifact(req) {
				continue
			}
			return types.NewErrorf(types.ErrDefinition,
				"step %q requires %q, which is neither a step, a created artifact, nor a run input", s.ID, req).WithStep(s.ID)
		}

		if s.Condition != nil {
			for _, artifact := range s.Condition.pred.referencedArtifacts() {
				if !knownArtifact(artifact) {
					return types.NewErrorf(types.ErrDefinition,
						"step %q condition references unknown artifact %q", s.ID, artifact).WithStep(s.ID)
				}
			}
		}

		if s.Gate != nil {
			target, ok := def.byID[s.Gate.OnFailGoto]
			if !ok {
				return types.NewErrorf(types.ErrDefinition,
					"step %q gate on_fail_goto %q does not name a step", s.ID, s.Gate.OnFailGoto).WithStep(s.ID)
			}
			if target.ID != s.ID && !reaches(def, target.ID, s.ID) {
				return types.NewErrorf(types.ErrDefinition,
					"step %q gate on_fail_goto %q is not upstream of the gated step", s.ID, s.Gate.OnFailGoto).WithStep(s.ID)
			}
		}

		if prefix, ok := s.ForEach(); ok && !anyArtifactWithPrefix(prefix) {
			return types.NewErrorf(types.ErrDefinition,
				"step %q repeats for-each %q but no artifact or input matches that prefix", s.ID, prefix).WithStep(s.ID)
		}
	}
	return nil
}

// reaches reports whether `to` is reachable from `from` over data
// dependency edges.
func reaches(def *Definition, from, to string) bool {
	visited := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == to {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		for _, s := range def.Steps {
			for _, dep := range def.dependenciesOf(s) {
				if dep == id && walk(s.ID) {
					return true
				}
			}
		}
		return false
	}
	return walk(from)
}

// detectCycles runs a depth-first search with a recursion-stack set
// over the data dependency edges. A back edge is reported with the
// cycle spelled out.
func detectCycles(def *Definition) error {
	const (
		white = iota // unvisited
		gray         // on the recursion stack
		black        // fully explored
	)
	color := make(map[string]int, len(def.Steps))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		stack = append(stack, id)

		for _, dep := range def.dependenciesOf(def.byID[id]) {
			switch color[dep] {
			case gray:
				return types.NewErrorf(types.ErrDependencyCycle,
					"dependency cycle: %s", formatCycle(stack, dep)).WithStep(dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, s := range def.Steps {
		if color[s.ID] == white {
			if err := visit(s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// formatCycle renders the cycle closed by a back edge to `start`, e.g.
// "a -> b -> c -> a".
func formatCycle(stack []string, start string) string {
	from := 0
	for i, id := range stack {
		if id == start {
			from = i
			break
		}
	}
	return fmt.Sprintf("%s -> %s", strings.Join(stack[from:], " -> "), start)
}
