// Package planner turns a natural-language question into a bounded,
// validated Plan by prompting an LLM and filtering its response through
// the same allowlist and safety checks the executor enforces.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/pgagent/internal/allowlist"
	"github.com/nextlevelbuilder/pgagent/internal/llm"
	"github.com/nextlevelbuilder/pgagent/internal/safety"
	"github.com/nextlevelbuilder/pgagent/pkg/model"
)

// MaxStepsPerPlan is the hard ceiling on plan length, regardless of what
// the model or caller requests.
const MaxStepsPerPlan = 5

// MaxJSONChars rejects implausibly large LLM replies outright rather
// than attempting to parse them.
const MaxJSONChars = 20000

// HelpExcerptChars bounds how much of a tool's rendered help text is
// embedded per tool in the prompt.
const HelpExcerptChars = 800

// Planner assembles prompts and validates the model's response.
type Planner struct {
	LLM       llm.Client
	Allowlist *allowlist.Allowlist
	Model     string
}

func New(client llm.Client, al *allowlist.Allowlist, model string) *Planner {
	return &Planner{LLM: client, Allowlist: al, Model: model}
}

// Plan drives one question through prompt assembly, the LLM call, JSON
// extraction, and validation. It never returns a Go error: any failure
// surfaces as {"goal": "Error: ...", "steps": []}.
func (p *Planner) Plan(ctx context.Context, question string, snapshot model.Snapshot, toolsHelp map[string]string, ragContext, pgVersion string, mode model.PlanMode) model.Plan {
	prompt := buildPrompt(question, toolsHelp, ragContext, pgVersion, mode)

	raw, err := p.LLM.Chat(ctx, prompt, p.Model)
	if err != nil {
		return errorPlan(fmt.Sprintf("llm call failed: %v", err))
	}

	extracted, err := extractJSON(raw)
	if err != nil {
		return errorPlan(err.Error())
	}

	var plan model.Plan
	if err := json.Unmarshal([]byte(extracted), &plan); err != nil {
		return errorPlan(fmt.Sprintf("invalid plan JSON: %v", err))
	}

	return p.validate(plan, snapshot)
}

// buildPrompt assembles the role, question, mode, tool inventory, and
// RAG context into a single prompt string, modeled on the
// build_planner_prompt.
func buildPrompt(question string, toolsHelp map[string]string, ragContext, pgVersion string, mode model.PlanMode) string {
	names := make([]string, 0, len(toolsHelp))
	for name := range toolsHelp {
		names = append(names, name)
	}
	sort.Strings(names)

	var docs strings.Builder
	for _, name := range names {
		help := toolsHelp[name]
		if len(help) > HelpExcerptChars {
			help = help[:HelpExcerptChars]
		}
		fmt.Fprintf(&docs, "--- LOCAL TOOL: %s ---\n%s\n\n", name, help)
	}

	if ragContext == "" {
		ragContext = "No context provided"
	}
	if pgVersion == "" {
		pgVersion = "unknown"
	}

	return fmt.Sprintf(`You are a PostgreSQL administration planner.
Respond ONLY in JSON.
PG_VERSION: %s | MODE: %s

QUESTION: %q

OFFICIAL DOCUMENTATION:
%s

LOCAL BINARIES (Discovery):
%s

STRICT RULES:
1. If the documentation describes a tool you don't have in LOCAL BINARIES, return "goal": "MISSING_TOOL: [name]" and an empty steps list.
2. Never propose more than %d steps.
3. Respond with a single JSON object: {"goal", "mode", "max_steps", "steps": [{"id","tool","args","intent","on_error"}]}.
`, pgVersion, mode, question, ragContext, docs.String(), MaxStepsPerPlan)
}

// extractJSON strips markdown fences and slices from the first '{' to
// the last '}'.
func extractJSON(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty response")
	}
	if len(raw) > MaxJSONChars {
		return "", fmt.Errorf("response too large (%d chars)", len(raw))
	}

	cleaned := raw
	cleaned = strings.ReplaceAll(cleaned, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start == -1 || end == -1 || end < start {
		return "", fmt.Errorf("no JSON object found in response")
	}
	return cleaned[start : end+1], nil
}

// validate filters the model's proposed steps through the allowlist and
// safety checks, resolves tool names against the registry snapshot, and
// truncates to MaxStepsPerPlan.
func (p *Planner) validate(plan model.Plan, snapshot model.Snapshot) model.Plan {
	plan.Mode = clampMode(plan.Mode)
	if plan.MaxSteps <= 0 || plan.MaxSteps > MaxStepsPerPlan {
		plan.MaxSteps = MaxStepsPerPlan
	}

	var safeSteps []model.Step
	for _, step := range plan.Steps {
		toolName := allowlist.ExtractToolName(step.Tool)
		if toolName == "" {
			continue
		}
		resolved, ok := resolveRegistryName(toolName, snapshot.Binaries)
		if !ok {
			continue
		}
		if ok, _ := p.Allowlist.Check(resolved); !ok {
			continue
		}
		cmd := resolved + " " + strings.Join(step.Args, " ")
		if ok, _ := safety.Check(cmd); !ok {
			continue
		}
		step.Tool = resolved
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		step.OnError = clampOnError(step.OnError)
		safeSteps = append(safeSteps, step)
		if len(safeSteps) >= MaxStepsPerPlan {
			break
		}
	}
	plan.Steps = safeSteps
	return plan
}

// resolveRegistryName looks toolName up against the registry's known
// binaries, first by exact match and then by prefix — but a prefix
// match only counts if exactly one registry key starts with it, so an
// ambiguous abbreviation is rejected rather than guessed at.
func resolveRegistryName(toolName string, binaries map[string]string) (string, bool) {
	if _, ok := binaries[toolName]; ok {
		return toolName, true
	}

	var match string
	count := 0
	for name := range binaries {
		if strings.HasPrefix(name, toolName) {
			match = name
			count++
		}
	}
	if count == 1 {
		return match, true
	}
	return "", false
}

// clampOnError defaults to abort when the step's on_error is missing or
// not one of the two recognized values, so an unrecognized value never
// silently behaves like "continue".
func clampOnError(onError model.OnError) model.OnError {
	switch onError {
	case model.OnErrorAbort, model.OnErrorContinue:
		return onError
	default:
		return model.OnErrorAbort
	}
}

func clampMode(mode model.PlanMode) model.PlanMode {
	switch mode {
	case model.ModeReadonly, model.ModeMaintenance, model.ModeChange:
		return mode
	default:
		return model.ModeReadonly
	}
}

func errorPlan(reason string) model.Plan {
	return model.Plan{Goal: "Error: " + reason, Steps: []model.Step{}}
}
