package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/kairo/internal/tracing"
)

const planSystemPrompt = `You are the planning step of a research assistant that answers
questions by calling data tools. Reply with exactly one JSON object and
nothing else. To call a tool:
{"action": "<tool id>", "arguments": {...}, "reasoning": "..."}
To finish:
{"finalize": true, "mode": "direct" or "tool_grounded", "reasoning": "..."}
Use "tool_grounded" when the answer must come from gathered results.`

const synthesizeSystemPrompt = `You write the final answer for a research assistant. Be direct
and factual. Never mention tool names, servers, sessions, or any other
internal machinery.`

// LLMPlanner implements Planner and Synthesizer over configured model
// profiles, trying them in priority order and failing over on provider
// errors.
type LLMPlanner struct {
	profiles []Profile
	logger   zerolog.Logger

	// newProvider is swappable for tests.
	newProvider func(Profile) (LLMProvider, error)
}

// NewLLMPlanner creates a planner over the given profiles. At least one
// profile is required.
func NewLLMPlanner(profiles []Profile, logger zerolog.Logger) (*LLMPlanner, error) {
	if len(profiles) == 0 {
		return nil, errors.New("at least one planner profile is required")
	}
	sorted := make([]Profile, len(profiles))
	copy(sorted, profiles)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return &LLMPlanner{
		profiles:    sorted,
		logger:      logger,
		newProvider: NewProvider,
	}, nil
}

// Plan asks the model for the next decision.
func (p *LLMPlanner) Plan(ctx context.Context, input *PlanInput) (*Decision, error) {
	reply, err := p.complete(ctx, planSystemPrompt, buildPlanPrompt(input), 0)
	if err != nil {
		return nil, fmt.Errorf("planning failed: %w", err)
	}

	decision, err := parseDecision(reply.Text)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, p.logger)
		logger.Warn().
			Err(err).
			Str("reply", truncate(reply.Text, 200)).
			Msg("Planner reply rejected")
		return nil, err
	}
	return decision, nil
}

// Synthesize produces the final answer text.
func (p *LLMPlanner) Synthesize(ctx context.Context, query string, trace []TraceEvent, results map[string]interface{}, mode SynthesisMode) (string, error) {
	prompt := buildSynthesisPrompt(query, trace, results, mode)
	reply, err := p.complete(ctx, synthesizeSystemPrompt, prompt, 0.3)
	if err != nil {
		return "", fmt.Errorf("synthesis failed: %w", err)
	}
	return strings.TrimSpace(reply.Text), nil
}

// complete tries each profile in priority order until one answers.
func (p *LLMPlanner) complete(ctx context.Context, system, prompt string, temperature float64) (*CompletionResponse, error) {
	logger := tracing.LoggerFromContext(ctx, p.logger)

	var lastErr error
	for _, profile := range p.profiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		provider, err := p.newProvider(profile)
		if err != nil {
			lastErr = err
			continue
		}

		response, err := provider.Complete(ctx, CompletionRequest{
			Model:        profile.Model,
			SystemPrompt: system,
			Prompt:       prompt,
			Temperature:  temperature,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn().Err(err).
				Str("profile", profile.ID).
				Str("provider", profile.Provider).
				Msg("Model profile failed, trying next")
			lastErr = err
			continue
		}
		return response, nil
	}
	return nil, fmt.Errorf("all model profiles failed: %w", lastErr)
}

func buildPlanPrompt(input *PlanInput) string {
	var b strings.Builder

	b.WriteString("Question: ")
	b.WriteString(input.Query)
	b.WriteString("\n\nAvailable tools:\n")
	for _, tool := range input.Tools {
		fmt.Fprintf(&b, "- %s: %s\n", tool.ID, tool.Description)
	}

	if input.Memory != "" {
		b.WriteString("\nKnown about this session:\n")
		b.WriteString(input.Memory)
		b.WriteString("\n")
	}

	if len(input.Trace) > 0 {
		b.WriteString("\nSteps so far:\n")
		for _, ev := range input.Trace {
			status := "ok"
			if !ev.OK {
				status = "failed"
			}
			fmt.Fprintf(&b, "- %s (%s)", ev.Action, status)
			if ev.Detail != "" {
				fmt.Fprintf(&b, ": %s", truncate(ev.Detail, 200))
			}
			if ev.Reasoning != "" {
				fmt.Fprintf(&b, " [reasoning: %s]", truncate(ev.Reasoning, 200))
			}
			b.WriteString("\n")
		}
	}

	if len(input.Results) > 0 {
		b.WriteString("\nGathered results:\n")
		b.WriteString(summarizeResults(input.Results))
	}

	b.WriteString("\nDecide the next step.")
	return b.String()
}

func buildSynthesisPrompt(query string, trace []TraceEvent, results map[string]interface{}, mode SynthesisMode) string {
	var b strings.Builder

	b.WriteString("Question: ")
	b.WriteString(query)
	b.WriteString("\n")

	if mode == ModeToolGrounded {
		b.WriteString("\nAnswer using ONLY the data below. If the data does not answer the question, say so.\n")
		b.WriteString("\nData:\n")
		b.WriteString(summarizeResults(results))
	} else if len(trace) > 0 {
		b.WriteString("\nSteps taken:\n")
		for _, ev := range trace {
			fmt.Fprintf(&b, "- %s\n", ev.Action)
		}
	}

	b.WriteString("\nWrite the answer.")
	return b.String()
}

// summarizeResults renders results for the prompt, bounded per entry so
// one large payload cannot crowd out the rest.
func summarizeResults(results map[string]interface{}) string {
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		rendered, err := json.Marshal(results[k])
		if err != nil {
			rendered = []byte(fmt.Sprintf("%v", results[k]))
		}
		fmt.Fprintf(&b, "%s:\n%s\n", k, truncate(string(rendered), 4000))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
