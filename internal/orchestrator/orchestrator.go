// Package orchestrator executes a validated Plan step by step against
// the sandbox, enforcing the plan-level timeout and per-step error
// policy.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/pgagent/internal/telemetry"
	"github.com/nextlevelbuilder/pgagent/pkg/model"
)

// PlanTimeout is the soft wall-clock budget for an entire plan, checked
// between steps rather than preempting a running command.
const PlanTimeout = 60 * time.Second

// Runner executes one resolved command string, matching
// *sandbox.Sandbox's signature.
type Runner interface {
	Run(ctx context.Context, commandString string) model.ExecResult
}

// Orchestrator drives plan execution.
type Orchestrator struct {
	Runner Runner

	// Now is overridable in tests that need to simulate a plan already
	// past its timeout; production callers leave it nil.
	Now func() time.Time
}

func New(runner Runner) *Orchestrator {
	return &Orchestrator{Runner: runner}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

// RunPlan executes plan.Steps in order, stopping early on the plan
// timeout, a missing/disallowed/unsafe step (when on_error is "abort"),
// or a nonzero exit with on_error "abort". Every step outcome is
// recorded in the returned PlanState, whether it ran or was rejected.
func (o *Orchestrator) RunPlan(ctx context.Context, plan model.Plan) model.PlanState {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.run_plan",
		attribute.String("plan.request_id", plan.RequestID),
		attribute.String("plan.goal", plan.Goal),
		attribute.String("plan.mode", string(plan.Mode)),
		attribute.Int("plan.step_count", len(plan.Steps)),
	)
	defer span.End()

	state := model.PlanState{StartTime: o.now()}

	maxSteps := plan.MaxSteps
	if maxSteps <= 0 {
		maxSteps = len(plan.Steps)
	}

	for i, step := range plan.Steps {
		if i >= maxSteps {
			break
		}

		if o.now().Sub(state.StartTime) > PlanTimeout {
			state.Errors = append(state.Errors, "plan aborted: timeout")
			break
		}

		if step.Tool == "" {
			state.Errors = append(state.Errors, fmt.Sprintf("step %d: missing tool", i))
			if step.OnError == model.OnErrorAbort {
				break
			}
			continue
		}

		cmd := buildCommand(step)
		stepCtx, stepSpan := telemetry.StartSpan(ctx, "orchestrator.run_step",
			attribute.String("step.id", step.ID), attribute.String("step.tool", step.Tool),
		)
		started := time.Now()
		result := o.Runner.Run(stepCtx, cmd)
		duration := time.Since(started)
		if result.ExitCode != 0 {
			telemetry.SetSpanError(stepSpan, fmt.Errorf("exit code %d: %s", result.ExitCode, result.Stderr))
		} else {
			telemetry.SetSpanOK(stepSpan)
		}
		stepSpan.End()

		state.History = append(state.History, model.ExecutionRecord{
			Step:             step,
			CommandRequested: cmd,
			Result:           result,
			Duration:         duration,
		})

		if result.CommandExecuted == model.RejectedByAllowlist || result.CommandExecuted == model.RejectedBySafety {
			slog.Warn("orchestrator.step_rejected", "request_id", plan.RequestID, "step", step.ID, "reason", result.CommandExecuted)
			state.Errors = append(state.Errors, fmt.Sprintf("step %d rejected: %s", i, result.Stderr))
			if step.OnError == model.OnErrorAbort {
				break
			}
			continue
		}

		if result.ExitCode != 0 {
			state.Errors = append(state.Errors, fmt.Sprintf("step %d failed with exit code %d", i, result.ExitCode))
			if step.OnError == model.OnErrorAbort {
				break
			}
		}
	}

	if len(state.Errors) > 0 {
		telemetry.SetSpanError(span, fmt.Errorf("plan completed with %d error(s)", len(state.Errors)))
	} else {
		telemetry.SetSpanOK(span)
	}

	return state
}

func buildCommand(step model.Step) string {
	cmd := step.Tool
	for _, arg := range step.Args {
		cmd += " " + arg
	}
	return cmd
}
