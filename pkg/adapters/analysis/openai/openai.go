// Package openai provides the OpenAI-backed error analyzer.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	oa "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/devintel-sh/devintel/pkg/adapters/analysis"
	"github.com/devintel-sh/devintel/pkg/devent"
)

const (
	defaultModel = "gpt-5-nano"
	// Prompt budget. Similar cases and recent actions are dropped oldest
	// first once the assembled prompt exceeds it.
	defaultTokenBudget = 6000
)

const analyzeSystem = `You are a senior debugging assistant. Given an error with its stack trace,
recent developer actions, and prior similar cases with their solutions,
respond with a single JSON object:
{"rootCause": string, "solutionCode": string, "explanation": string,
 "confidence": number between 0 and 1, "patternName": string or ""}
Set patternName only when the error matches a recognizable recurring
anti-pattern worth naming.`

const patternsSystem = `You are a senior debugging assistant. Given a window of development
telemetry events, identify recurring anti-patterns. Respond with a single
JSON object: {"patterns": [{"name": string, "description": string,
"eventIds": [string]}]}. Return {"patterns": []} when nothing recurs.`

type analyzer struct {
	client oa.Client
	model  string
	budget int
	count  func(string) int
}

func (a *analyzer) Name() string { return "openai" }

func (a *analyzer) Analyze(ctx context.Context, ec devent.ErrorContext) (devent.SolutionSuggestion, error) {
	prompt := a.buildAnalyzePrompt(ec)
	text, err := a.generate(ctx, analyzeSystem, prompt)
	if err != nil {
		return devent.SolutionSuggestion{}, err
	}
	var out devent.SolutionSuggestion
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return devent.SolutionSuggestion{}, fmt.Errorf("openai: malformed analysis response: %w", err)
	}
	if out.RootCause == "" {
		return devent.SolutionSuggestion{}, fmt.Errorf("openai: analysis response missing rootCause")
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return out, nil
}

func (a *analyzer) IdentifyPatterns(ctx context.Context, events []devent.Event) ([]devent.IdentifiedPattern, error) {
	if len(events) == 0 {
		return nil, nil
	}
	var b strings.Builder
	b.WriteString("Event window, oldest first:\n")
	for _, e := range events {
		line, err := json.Marshal(map[string]any{
			"id":         e.ID,
			"kind":       e.Kind,
			"subkind":    e.Subkind,
			"message":    e.Message(),
			"occurredAt": e.OccurredAt,
		})
		if err != nil {
			continue
		}
		if a.count(b.String())+a.count(string(line)) > a.budget {
			break
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	text, err := a.generate(ctx, patternsSystem, b.String())
	if err != nil {
		return nil, err
	}
	var out struct {
		Patterns []devent.IdentifiedPattern `json:"patterns"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("openai: malformed patterns response: %w", err)
	}
	return out.Patterns, nil
}

// buildAnalyzePrompt assembles the error context, trimming the optional
// sections to fit the token budget. The error itself is always included.
func (a *analyzer) buildAnalyzePrompt(ec devent.ErrorContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error: %s\n", ec.Message)
	if ec.Framework != "" {
		fmt.Fprintf(&b, "Framework: %s\n", ec.Framework)
	}
	if ec.StackTrace != "" {
		fmt.Fprintf(&b, "Stack trace:\n%s\n", ec.StackTrace)
	}
	used := a.count(b.String())

	if len(ec.RecentActions) > 0 {
		var sb strings.Builder
		sb.WriteString("Recent actions, oldest first:\n")
		for _, act := range ec.RecentActions {
			sb.WriteString("- ")
			sb.WriteString(act)
			sb.WriteByte('\n')
		}
		if used+a.count(sb.String()) <= a.budget {
			b.WriteString(sb.String())
			used += a.count(sb.String())
		}
	}

	if len(ec.SimilarCases) > 0 {
		b.WriteString("Similar prior cases, best match first:\n")
		for _, sc := range ec.SimilarCases {
			entry, err := json.Marshal(sc)
			if err != nil {
				continue
			}
			cost := a.count(string(entry)) + 1
			if used+cost > a.budget {
				break
			}
			b.Write(entry)
			b.WriteByte('\n')
			used += cost
		}
	}
	return b.String()
}

func (a *analyzer) generate(ctx context.Context, system, user string) (string, error) {
	resp, err := a.client.Chat.Completions.New(ctx, oa.ChatCompletionNewParams{
		Model: shared.ChatModel(a.model),
		Messages: []oa.ChatCompletionMessageParamUnion{
			oa.SystemMessage(system),
			oa.UserMessage(user),
		},
		ResponseFormat: oa.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

// Factory creates the OpenAI analyzer: cfg keys: api_key, model, token_budget
func Factory(ctx context.Context, cfg map[string]any) (analysis.Analyzer, error) { // nolint: revive
	_ = ctx
	apiKey := os.Getenv("OPENAI_API_KEY")
	if v, ok := cfg["api_key"].(string); ok && v != "" {
		apiKey = v
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai: missing API key; set OPENAI_API_KEY or cfg.api_key")
	}
	model := defaultModel
	if v, ok := cfg["model"].(string); ok && v != "" {
		model = v
	}
	budget := defaultTokenBudget
	if v, ok := cfg["token_budget"].(int); ok && v > 0 {
		budget = v
	}

	count := func(s string) int { return len(s) / 4 } // rough fallback
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		count = func(s string) int { return len(enc.Encode(s, nil, nil)) }
	} else if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		count = func(s string) int { return len(enc.Encode(s, nil, nil)) }
	}

	c := oa.NewClient(option.WithAPIKey(apiKey))
	return &analyzer{client: c, model: model, budget: budget, count: count}, nil
}

func init() {
	_ = analysis.Register("openai", Factory)
}
