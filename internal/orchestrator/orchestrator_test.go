package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/pgagent/pkg/model"
)

type scriptedRunner struct {
	results []model.ExecResult
	calls   int
}

func (r *scriptedRunner) Run(ctx context.Context, commandString string) model.ExecResult {
	res := r.results[r.calls]
	r.calls++
	return res
}

func TestRunPlan_ExecutesAllSteps(t *testing.T) {
	runner := &scriptedRunner{results: []model.ExecResult{
		{ExitCode: 0, Stdout: "ok1"},
		{ExitCode: 0, Stdout: "ok2"},
	}}
	o := New(runner)

	plan := model.Plan{
		MaxSteps: 5,
		Steps: []model.Step{
			{ID: "s1", Tool: "psql", Args: []string{"--version"}},
			{ID: "s2", Tool: "pg_dump", Args: []string{"--version"}},
		},
	}

	state := o.RunPlan(context.Background(), plan)
	if len(state.History) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(state.History))
	}
	if runner.calls != 2 {
		t.Fatalf("expected 2 runner calls, got %d", runner.calls)
	}
}

func TestRunPlan_AbortsOnFailureWhenOnErrorAbort(t *testing.T) {
	runner := &scriptedRunner{results: []model.ExecResult{
		{ExitCode: 1, Stderr: "boom"},
		{ExitCode: 0},
	}}
	o := New(runner)

	plan := model.Plan{
		MaxSteps: 5,
		Steps: []model.Step{
			{ID: "s1", Tool: "psql", OnError: model.OnErrorAbort},
			{ID: "s2", Tool: "pg_dump"},
		},
	}

	state := o.RunPlan(context.Background(), plan)
	if len(state.History) != 1 {
		t.Fatalf("expected plan to stop after first failure, got %d history entries", len(state.History))
	}
	if len(state.Errors) != 1 {
		t.Fatalf("expected one error recorded, got %v", state.Errors)
	}
}

func TestRunPlan_ContinuesOnFailureWhenOnErrorContinue(t *testing.T) {
	runner := &scriptedRunner{results: []model.ExecResult{
		{ExitCode: 1, Stderr: "boom"},
		{ExitCode: 0},
	}}
	o := New(runner)

	plan := model.Plan{
		MaxSteps: 5,
		Steps: []model.Step{
			{ID: "s1", Tool: "psql", OnError: model.OnErrorContinue},
			{ID: "s2", Tool: "pg_dump"},
		},
	}

	state := o.RunPlan(context.Background(), plan)
	if len(state.History) != 2 {
		t.Fatalf("expected both steps to run, got %d", len(state.History))
	}
}

func TestRunPlan_StopsAtMaxSteps(t *testing.T) {
	runner := &scriptedRunner{results: []model.ExecResult{
		{ExitCode: 0}, {ExitCode: 0}, {ExitCode: 0},
	}}
	o := New(runner)

	plan := model.Plan{
		MaxSteps: 1,
		Steps: []model.Step{
			{ID: "s1", Tool: "psql"},
			{ID: "s2", Tool: "pg_dump"},
			{ID: "s3", Tool: "patronictl"},
		},
	}

	state := o.RunPlan(context.Background(), plan)
	if len(state.History) != 1 {
		t.Fatalf("expected max_steps to cap execution at 1, got %d", len(state.History))
	}
}

func TestRunPlan_MissingToolRecordsError(t *testing.T) {
	runner := &scriptedRunner{results: []model.ExecResult{}}
	o := New(runner)

	plan := model.Plan{
		MaxSteps: 5,
		Steps:    []model.Step{{ID: "s1", Tool: "", OnError: model.OnErrorAbort}},
	}

	state := o.RunPlan(context.Background(), plan)
	if len(state.Errors) != 1 {
		t.Fatalf("expected missing tool error, got %v", state.Errors)
	}
	if runner.calls != 0 {
		t.Fatalf("expected no runner calls for missing tool")
	}
}

func TestRunPlan_AbortsOnPlanTimeout(t *testing.T) {
	runner := &scriptedRunner{results: []model.ExecResult{{ExitCode: 0}, {ExitCode: 0}}}
	o := New(runner)

	base := time.Now()
	calls := 0
	o.Now = func() time.Time {
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(2 * PlanTimeout)
	}

	plan := model.Plan{
		MaxSteps: 5,
		Steps: []model.Step{
			{ID: "s1", Tool: "psql"},
			{ID: "s2", Tool: "pg_dump"},
		},
	}

	state := o.RunPlan(context.Background(), plan)
	if len(state.History) != 0 {
		t.Fatalf("expected no steps to run once the plan deadline has passed, got %d", len(state.History))
	}
	if len(state.Errors) != 1 || state.Errors[0] != "plan aborted: timeout" {
		t.Fatalf("expected timeout error, got %v", state.Errors)
	}
}
