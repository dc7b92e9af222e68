package workflow

import (
	"sort"

	"github.com/stagehand-dev/stagehand/types"
)

// requirement is one resolved requires entry. Step requirements are
// satisfied by the step reaching Succeeded or Skipped; artifact
// requirements only by the artifact actually existing.
type requirement struct {
	key      string // "step:<id>" or "artifact:<name>"
	stepID   string // producing step, empty for run inputs
	artifact string // artifact name, empty for step requirements
}

func stepKey(id string) string       { return "step:" + id }
func artifactKey(name string) string { return "artifact:" + name }

// Graph tracks step readiness incrementally: each step carries an
// unmet-requirement count, and satisfying a requirement key decrements
// the count of every step waiting on it. Gate loopback re-arms steps by
// un-satisfying their keys, so the same bookkeeping runs in both
// directions.
type Graph struct {
	def       *Definition
	reqs      map[string][]requirement // step id -> resolved requirements
	waiters   map[string][]string      // requirement key -> waiting step ids
	unmet     map[string]int           // step id -> unmet requirement count
	satisfied map[string]bool          // requirement key -> satisfied
}

// NewGraph builds the readiness tracker for a validated definition.
func NewGraph(def *Definition) *Graph {
	g := &Graph{
		def:       def,
		reqs:      make(map[string][]requirement, len(def.Steps)),
		waiters:   make(map[string][]string),
		unmet:     make(map[string]int, len(def.Steps)),
		satisfied: make(map[string]bool),
	}

	for _, s := range def.Steps {
		var resolved []requirement
		for _, entry := range s.Requires {
			if _, isStep := def.byID[entry]; isStep {
				resolved = append(resolved, requirement{key: stepKey(entry), stepID: entry})
				continue
			}
			req := requirement{key: artifactKey(entry), artifact: entry}
			if producer, ok := def.producers[entry]; ok {
				req.stepID = producer
			}
			resolved = append(resolved, req)
		}
		g.reqs[s.ID] = resolved
		g.unmet[s.ID] = len(resolved)
		for _, req := range resolved {
			g.waiters[req.key] = append(g.waiters[req.key], s.ID)
		}
	}

	return g
}

func (g *Graph) satisfy(key string) {
	if g.satisfied[key] {
		return
	}
	g.satisfied[key] = true
	for _, waiter := range g.waiters[key] {
		g.unmet[waiter]--
	}
}

func (g *Graph) unsatisfy(key string) {
	if !g.satisfied[key] {
		return
	}
	g.satisfied[key] = false
	for _, waiter := range g.waiters[key] {
		g.unmet[waiter]++
	}
}

// StepSucceeded marks a step complete: its step key and every artifact
// it actually produced become satisfied.
func (g *Graph) StepSucceeded(id string, produced []string) {
	g.satisfy(stepKey(id))
	for _, artifact := range produced {
		g.satisfy(artifactKey(artifact))
	}
}

// StepSkipped marks a skipped step. The skip satisfies step-id
// requirements on it, so a skip never deadlocks the graph, but the
// artifacts it would have created stay missing.
func (g *Graph) StepSkipped(id string) {
	g.satisfy(stepKey(id))
}

// ArtifactAvailable marks an externally supplied artifact present.
func (g *Graph) ArtifactAvailable(name string) {
	g.satisfy(artifactKey(name))
}

// Rearm resets the given steps for gate loopback re-execution: their
// step keys and the artifact keys they produce become unsatisfied, so
// downstream steps wait for the re-run.
func (g *Graph) Rearm(stepIDs []string) {
	for _, id := range stepIDs {
		g.unsatisfy(stepKey(id))
		if s, ok := g.def.byID[id]; ok {
			for _, artifact := range s.Creates {
				g.unsatisfy(artifactKey(artifact))
			}
		}
	}
}

// Ready returns the steps whose requirements are all satisfied, in
// definition order, among the candidate set. Condition predicates are
// evaluated against the artifacts available now; optional steps whose
// condition is false are returned separately as skips.
func (g *Graph) Ready(candidates map[string]bool, artifacts types.ArtifactMap) (ready, skips []string) {
	for _, s := range g.def.Steps {
		if !candidates[s.ID] || g.unmet[s.ID] > 0 {
			continue
		}
		if s.Condition != nil && !s.Condition.Eval(artifacts) {
			if s.Condition.Mode == ConditionOptional {
				skips = append(skips, s.ID)
			}
			// A false mandatory condition holds the step back; it may
			// become true as more artifacts arrive.
			continue
		}
		ready = append(ready, s.ID)
	}
	return ready, skips
}

// Doomed returns the candidate steps that can never run because a
// requirement is permanently unsatisfiable: they require a failed step,
// a skipped step's artifact, or an artifact whose producer is failed or
// skipped. Used for cascade-skip after a failure or skip.
func (g *Graph) Doomed(candidates map[string]bool, statusOf func(stepID string) StepStatus) map[string]string {
	doomed := make(map[string]string)
	for _, s := range g.def.Steps {
		if !candidates[s.ID] {
			continue
		}
		for _, req := range g.reqs[s.ID] {
			if g.satisfied[req.key] {
				continue
			}
			if reason, dead := g.unsatisfiable(req, statusOf, doomed); dead {
				doomed[s.ID] = reason
				break
			}
		}
	}
	return doomed
}

func (g *Graph) unsatisfiable(req requirement, statusOf func(string) StepStatus, doomed map[string]string) (string, bool) {
	if req.stepID == "" {
		// A run input that was never supplied: permanently missing.
		if req.artifact != "" && g.def.IsInput(req.artifact) {
			return "input artifact " + req.artifact + " was not supplied", true
		}
		return "", false
	}
	if _, dead := doomed[req.stepID]; dead {
		if req.artifact != "" {
			return "artifact " + req.artifact + " lost to skipped step " + req.stepID, true
		}
		return "required step " + req.stepID + " was skipped", true
	}
	switch statusOf(req.stepID) {
	case StepStatusFailed:
		if req.artifact != "" {
			return "artifact " + req.artifact + " lost to failed step " + req.stepID, true
		}
		return "required step " + req.stepID + " failed", true
	case StepStatusSkipped:
		// Step-key requirements on a skipped step are satisfied by the
		// skip itself, so reaching here means an artifact requirement.
		return "artifact " + req.artifact + " lost to skipped step " + req.stepID, true
	}
	return "", false
}

// Blockage describes why a pending step cannot run, for the stuck-run
// diagnostic.
type Blockage struct {
	StepID           string   `json:"step_id"`
	UnmetSteps       []string `json:"unmet_steps,omitempty"`
	MissingArtifacts []string `json:"missing_artifacts,omitempty"`
	// ConditionHeld marks a mandatory condition that never became true.
	ConditionHeld string `json:"condition_held,omitempty"`
}

// Blocked reports, for every candidate step with unmet requirements or
// a held mandatory condition, what it is waiting on. Sorted by step id.
func (g *Graph) Blocked(candidates map[string]bool, artifacts types.ArtifactMap) []Blockage {
	var blocked []Blockage
	for _, s := range g.def.Steps {
		if !candidates[s.ID] {
			continue
		}
		b := Blockage{StepID: s.ID}
		for _, req := range g.reqs[s.ID] {
			if g.satisfied[req.key] {
				continue
			}
			if req.artifact != "" {
				b.MissingArtifacts = append(b.MissingArtifacts, req.artifact)
			} else {
				b.UnmetSteps = append(b.UnmetSteps, req.stepID)
			}
		}
		if len(b.UnmetSteps) == 0 && len(b.MissingArtifacts) == 0 {
			if s.Condition != nil && s.Condition.Mode == ConditionMandatory && !s.Condition.Eval(artifacts) {
				b.ConditionHeld = s.Condition.When
			} else {
				continue
			}
		}
		blocked = append(blocked, b)
	}
	sort.Slice(blocked, func(i, j int) bool { return blocked[i].StepID < blocked[j].StepID })
	return blocked
}

// RerunSet computes the steps re-executed by a gate loopback from the
// gated step back to the goto target: every step on a dependency path
// from target to gated, both ends included. Definition order.
func (g *Graph) RerunSet(target, gated string) []string {
	forward := g.reachable(target, false)
	backward := g.reachable(gated, true)

	var set []string
	for _, s := range g.def.Steps {
		if forward[s.ID] && backward[s.ID] {
			set = append(set, s.ID)
		}
	}
	return set
}

// reachable walks data dependency edges from start. With
// upstream=false it follows dependents (downstream closure), with
// upstream=true it follows dependencies. The start step is included.
func (g *Graph) reachable(start string, upstream bool) map[string]bool {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if upstream {
			for _, dep := range g.def.dependenciesOf(g.def.byID[id]) {
				if !visited[dep] {
					visited[dep] = true
					queue = append(queue, dep)
				}
			}
			continue
		}

		for _, s := range g.def.Steps {
			if visited[s.ID] {
				continue
			}
			for _, dep := range g.def.dependenciesOf(s) {
				if dep == id {
					visited[s.ID] = true
					queue = append(queue, s.ID)
					break
				}
			}
		}
	}
	return visited
}
