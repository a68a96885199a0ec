// Package research adapts a hosted LLM into the research cache's generator.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"siteops/internal/domain/model"
	"siteops/internal/platform/config"

	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"
)

const systemPrompt = `You are an SEO research assistant for a portfolio of content websites.
Answer with a single JSON object and nothing else. Use the keys "keywords" (array of strings),
"questions" (array of strings), "competitors" (array of strings) and "summary" (string).`

var ErrNotConfigured = errors.New("research generator: no API key configured")

// promptFunc matches anthropic.PromptWithSettings without the optional files.
type promptFunc func(systemPrompt, userPrompt, schema, apiKey string, settings types.RequestSettings) (string, error)

func callAnthropic(systemPrompt, userPrompt, schema, apiKey string, settings types.RequestSettings) (string, error) {
	response, err := anthropic.PromptWithSettings(systemPrompt, userPrompt, schema, apiKey, settings)
	if err != nil {
		return "", err
	}
	if len(response.Content) == 0 {
		return "", fmt.Errorf("no content in response")
	}
	return response.Content[0].Text, nil
}

type AnthropicGenerator struct {
	apiKey   string
	settings types.RequestSettings
	prompt   promptFunc
}

func NewAnthropicGenerator(cfg config.ResearchConfig) *AnthropicGenerator {
	return &AnthropicGenerator{
		apiKey: cfg.AnthropicKey,
		settings: types.RequestSettings{
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: 0.2,
		},
		prompt: callAnthropic,
	}
}

// Research runs one prompt. The client call is not context-aware, so a
// cancelled ctx returns early and leaves the request to finish on its own.
func (g *AnthropicGenerator) Research(ctx context.Context, prompt string) (model.GeneratedResearch, error) {
	if g.apiKey == "" {
		return model.GeneratedResearch{}, ErrNotConfigured
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := g.prompt(systemPrompt, prompt, "", g.apiKey, g.settings)
		done <- result{text, err}
	}()

	select {
	case <-ctx.Done():
		return model.GeneratedResearch{}, fmt.Errorf("research generator: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return model.GeneratedResearch{}, fmt.Errorf("research generator failed: %w", r.err)
		}
		body := extractJSON(r.text)
		if !json.Valid([]byte(body)) {
			return model.GeneratedResearch{}, fmt.Errorf("research generator returned non-JSON output")
		}
		return model.GeneratedResearch{
			Result:      json.RawMessage(body),
			SourceModel: g.settings.Model,
		}, nil
	}
}

// extractJSON strips a surrounding markdown code fence if the model added one.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimPrefix(text, "json")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
