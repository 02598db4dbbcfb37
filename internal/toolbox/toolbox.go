// Package toolbox turns a tool's `--help` text into structured metadata
// so the planner can ground step generation in the binary's actual
// flags and subcommands instead of guessing.
package toolbox

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/pgagent/pkg/model"
)

// Runner is the minimal sandbox contract the toolbox depends on —
// satisfied by *sandbox.Sandbox.
type Runner interface {
	Run(ctx context.Context, commandString string) model.ExecResult
}

var (
	optionPattern  = regexp.MustCompile(`^\s*(-\w,?\s+--[\w-]+|--[\w-]+)\s+(.*)`)
	commandPattern = regexp.MustCompile(`^\s+([\w-]+)\s{2,}(.*)`)
)

// Explorer synthesizes and parses `--help` output for a given tool.
type Explorer struct {
	Runner Runner
}

func New(runner Runner) *Explorer {
	return &Explorer{Runner: runner}
}

// Explore runs `<tool> [subcommand] --help` through the sandbox and
// returns its structured form. An error is returned only when the help
// invocation itself fails to execute (nonzero exit).
func (e *Explorer) Explore(ctx context.Context, tool, subcommand string) (model.Toolbox, error) {
	fullCmd := tool + " --help"
	if subcommand != "" {
		fullCmd = fmt.Sprintf("%s %s --help", tool, subcommand)
	}

	result := e.Runner.Run(ctx, fullCmd)
	if result.ExitCode != 0 {
		return model.Toolbox{}, fmt.Errorf("toolbox: %s exited %d: %s", fullCmd, result.ExitCode, result.Stderr)
	}

	return parseHelpText(result.Stdout, tool, subcommand), nil
}

// parseHelpText extracts usage, options, and subcommands from free-form
// --help output using the two-regex approach that works across
// PostgreSQL-family CLIs (psql, patronictl, repmgr, pgbackrest).
func parseHelpText(text, tool, subcommand string) model.Toolbox {
	tb := model.Toolbox{Tool: tool, Subcommand: subcommand}

	inCommandSection := false
	for _, line := range strings.Split(text, "\n") {
		if tb.Usage == "" && strings.Contains(line, "Usage:") {
			tb.Usage = strings.TrimSpace(line)
		}

		if strings.Contains(line, "Commands:") || strings.Contains(line, "Available Commands:") {
			inCommandSection = true
			continue
		}

		if m := optionPattern.FindStringSubmatch(line); m != nil {
			tb.Options = append(tb.Options, model.ToolboxOption{
				Flag:        strings.TrimSpace(m[1]),
				Description: strings.TrimSpace(m[2]),
			})
			continue
		}

		if inCommandSection {
			if m := commandPattern.FindStringSubmatch(line); m != nil {
				tb.AvailableCommands = append(tb.AvailableCommands, model.ToolboxCommand{
					Command:     strings.TrimSpace(m[1]),
					Description: strings.TrimSpace(m[2]),
				})
			}
		}
	}

	return tb
}

// Summary renders a short excerpt suitable for embedding in a planner
// prompt, truncated to maxChars so the prompt stays bounded.
func Summary(tb model.Toolbox, maxChars int) string {
	var b strings.Builder
	if tb.Usage != "" {
		b.WriteString(tb.Usage)
		b.WriteString("\n")
	}
	for _, opt := range tb.Options {
		b.WriteString(opt.Flag)
		b.WriteString(" ")
		b.WriteString(opt.Description)
		b.WriteString("\n")
	}
	for _, cmd := range tb.AvailableCommands {
		b.WriteString(cmd.Command)
		b.WriteString(" ")
		b.WriteString(cmd.Description)
		b.WriteString("\n")
	}
	s := b.String()
	if maxChars > 0 && len(s) > maxChars {
		return s[:maxChars]
	}
	return s
}
