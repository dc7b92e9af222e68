/*
Package workflow implements the orchestration engine: declarative
multi-step pipelines executed by external agents, with dependency
scheduling, quality gates, and crash-safe resume.

# Core types

  - Definition / Step      - parsed, validated workflow specification
  - Graph                  - incremental readiness over data dependencies
  - Run / StepState        - folded state, a pure function of the event log
  - StepExecutor           - per-step dispatch with timeout and classification
  - GateEvaluator          - score-vector thresholds with bounded loopback
  - Scheduler              - the per-run coordinator loop
  - AgentRegistry / Scorer - external collaborator contracts

# Execution model

The Scheduler is the only writer of a run's event log. Every state
change is appended durably before the run state folds it in, so a
crashed run resumes from its last checkpoint plus the event suffix and
lands in exactly the state it held before the crash. Ready steps run
concurrently up to a parallelism bound; completions funnel back to the
coordinator over a single channel.

Quality gates sit between a step's success and it counting as
Succeeded: an external Scorer grades the step's artifacts, and a
threshold expression decides pass or loopback. Loopback re-arms every
step between the on_fail_goto target and the gated step, bounded by
the gate's retry budget.
*/
package workflow
