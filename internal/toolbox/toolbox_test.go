package toolbox

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/pgagent/pkg/model"
)

type fakeRunner struct {
	result model.ExecResult
}

func (f fakeRunner) Run(ctx context.Context, commandString string) model.ExecResult {
	return f.result
}

const patronictlHelp = `Usage: patronictl [OPTIONS] COMMAND [ARGS]...

Options:
  -c, --config-file TEXT  Configuration file
  --version               Show version

Commands:
  list     List the Patroni cluster members
  restart  Restart the cluster member
`

func TestExplorer_Explore_ParsesHelp(t *testing.T) {
	runner := fakeRunner{result: model.ExecResult{ExitCode: 0, Stdout: patronictlHelp}}
	e := New(runner)

	tb, err := e.Explore(context.Background(), "patronictl", "")
	if err != nil {
		t.Fatalf("Explore: %v", err)
	}
	if tb.Usage != "Usage: patronictl [OPTIONS] COMMAND [ARGS]..." {
		t.Errorf("unexpected usage: %q", tb.Usage)
	}
	if len(tb.Options) != 2 {
		t.Fatalf("expected 2 options, got %+v", tb.Options)
	}
	if len(tb.AvailableCommands) != 2 {
		t.Fatalf("expected 2 commands, got %+v", tb.AvailableCommands)
	}
	if tb.AvailableCommands[0].Command != "list" {
		t.Errorf("expected first command 'list', got %q", tb.AvailableCommands[0].Command)
	}
}

func TestExplorer_Explore_NonZeroExitIsError(t *testing.T) {
	runner := fakeRunner{result: model.ExecResult{ExitCode: 1, Stderr: "unknown tool"}}
	e := New(runner)

	if _, err := e.Explore(context.Background(), "nope", ""); err == nil {
		t.Fatalf("expected error for nonzero exit")
	}
}

func TestSummary_TruncatesToMaxChars(t *testing.T) {
	tb := model.Toolbox{Usage: "Usage: patronictl ..."}
	for i := 0; i < 50; i++ {
		tb.Options = append(tb.Options, model.ToolboxOption{Flag: "--flag", Description: "description text here"})
	}
	out := Summary(tb, 100)
	if len(out) != 100 {
		t.Fatalf("expected truncation to 100 chars, got %d", len(out))
	}
}
