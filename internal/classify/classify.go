// Package classify asks a hosted model two questions about an item: is it
// the kind of news we watch for (relevance), and is the organization the
// subject of the story (target).
package classify

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/news-sentinel/pkg/anthropic"
)

// systemPrompt is shared by both classifiers.
const systemPrompt = `Você é um classificador de notícias do mercado financeiro brasileiro. Responda APENAS com um objeto JSON válido, sem texto extra e sem blocos de código.`

// Options configures the model calls.
type Options struct {
	Model     string
	MaxTokens int64
	CacheTTL  string // "" disables the system prompt cache breakpoint
}

func (o Options) withDefaults() Options {
	if o.Model == "" {
		o.Model = "claude-haiku-4-5-20251001"
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 512
	}
	return o
}

// ask sends one user prompt at temperature zero and returns the raw text.
func ask(ctx context.Context, client anthropic.Client, opts Options, phase, prompt string) (string, error) {
	system := []anthropic.SystemBlock{{Text: systemPrompt}}
	if opts.CacheTTL != "" {
		system = anthropic.BuildCachedSystemBlocks(systemPrompt, opts.CacheTTL)
	}
	temp := 0.0
	resp, err := client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       opts.Model,
		MaxTokens:   opts.MaxTokens,
		System:      system,
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	})
	if err != nil {
		return "", eris.Wrapf(err, "classify: %s", phase)
	}
	resp.Usage.LogCost(opts.Model, phase)
	return resp.Text(), nil
}

// cleanJSON strips markdown fences and extracts the JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// yesNo normalizes an "S"/"N" answer. ok is false for anything else.
func yesNo(s string) (yes, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "S":
		return true, true
	case "N":
		return false, true
	}
	return false, false
}
