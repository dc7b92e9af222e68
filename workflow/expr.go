package workflow

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/stagehand-dev/stagehand/types"
)

// ThresholdExpr is a parsed gate threshold: AND-joined comparisons over
// named score dimensions, e.g. "overall >= 70 AND security >= 7.0".
// A missing dimension fails its clause.
type ThresholdExpr struct {
	clauses []thresholdClause
	source  string
}

type thresholdClause struct {
	dimension string
	op        string
	value     float64
}

var thresholdClauseRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*)\s*(>=|<=|==|!=|>|<)\s*(-?\d+(?:\.\d+)?)$`)

// ParseThreshold parses a gate threshold expression.
func ParseThreshold(expr string) (*ThresholdExpr, error) {
	parts := splitAnd(expr)
	if len(parts) == 0 {
		return nil, types.NewErrorf(types.ErrDefinition, "empty threshold expression")
	}

	parsed := &ThresholdExpr{source: expr}
	for _, part := range parts {
		m := thresholdClauseRe.FindStringSubmatch(strings.TrimSpace(part))
		if m == nil {
			return nil, types.NewErrorf(types.ErrDefinition,
				"invalid threshold clause %q (want \"dimension op number\")", strings.TrimSpace(part))
		}
		value, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			return nil, types.NewErrorf(types.ErrDefinition, "invalid threshold value %q", m[3])
		}
		parsed.clauses = append(parsed.clauses, thresholdClause{
			dimension: m[1],
			op:        m[2],
			value:     value,
		})
	}
	return parsed, nil
}

// Eval returns true when every clause holds for the score vector.
func (e *ThresholdExpr) Eval(scores types.ScoreVector) bool {
	for _, c := range e.clauses {
		score, ok := scores[c.dimension]
		if !ok {
			return false
		}
		if !compare(score, c.op, c.value) {
			return false
		}
	}
	return true
}

// Dimensions returns the score dimensions the expression references.
func (e *ThresholdExpr) Dimensions() []string {
	dims := make([]string, 0, len(e.clauses))
	for _, c := range e.clauses {
		dims = append(dims, c.dimension)
	}
	return dims
}

func (e *ThresholdExpr) String() string { return e.source }

func compare(left float64, op string, right float64) bool {
	switch op {
	case ">=":
		return left >= right
	case ">":
		return left > right
	case "<=":
		return left <= right
	case "<":
		return left < right
	case "==":
		return left == right
	case "!=":
		return left != right
	default:
		return false
	}
}

// artifactPredicate is a parsed step condition: AND-joined
// exists(name)/missing(name) clauses over available artifacts.
type artifactPredicate struct {
	clauses []artifactClause
	source  string
}

type artifactClause struct {
	artifact string
	negated  bool
}

var artifactClauseRe = regexp.MustCompile(`^(exists|missing)\(\s*([A-Za-z_][A-Za-z0-9_./-]*)\s*\)$`)

func parseCondition(expr string) (*artifactPredicate, error) {
	parts := splitAnd(expr)
	if len(parts) == 0 {
		return nil, types.NewErrorf(types.ErrDefinition, "empty condition expression")
	}

	pred := &artifactPredicate{source: expr}
	for _, part := range parts {
		m := artifactClauseRe.FindStringSubmatch(strings.TrimSpace(part))
		if m == nil {
			return nil, types.NewErrorf(types.ErrDefinition,
				"invalid condition clause %q (want \"exists(name)\" or \"missing(name)\")", strings.TrimSpace(part))
		}
		pred.clauses = append(pred.clauses, artifactClause{
			artifact: m[2],
			negated:  m[1] == "missing",
		})
	}
	return pred, nil
}

func (p *artifactPredicate) Eval(artifacts types.ArtifactMap) bool {
	for _, c := range p.clauses {
		_, present := artifacts[c.artifact]
		if present == c.negated {
			return false
		}
	}
	return true
}

func (p *artifactPredicate) String() string { return p.source }

// referencedArtifacts lists the artifact names a predicate mentions,
// for load-time resolution checks.
func (p *artifactPredicate) referencedArtifacts() []string {
	names := make([]string, 0, len(p.clauses))
	for _, c := range p.clauses {
		names = append(names, c.artifact)
	}
	return names
}

var andRe = regexp.MustCompile(`(?i)\s+AND\s+`)

// splitAnd splits an expression on the AND keyword, case-insensitive.
func splitAnd(expr string) []string {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	parts := andRe.Split(expr, -1)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
