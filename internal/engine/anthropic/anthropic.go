// Package anthropic provides the "synthesis" engine over the Anthropic
// Messages API: it turns a prompt assembled from prior calculation results
// into reading text. The coordinator treats it like any other engine.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Options configures the synthesis engine.
type Options struct {
	Model       anthropic.Model
	MaxTokens   int64
	Temperature float64
	APIKey      string
}

// Synthesis wraps an Anthropic client as an engine.Func-compatible
// calculator.
type Synthesis struct {
	client *anthropic.Client
	opts   Options
}

// New creates a synthesis engine using the official client.
func New(optFns ...func(o *Options)) *Synthesis {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		MaxTokens:   2048,
		Temperature: 0.7,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Synthesis{client: &client, opts: opts}
}

type synthesisInput struct {
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
}

type synthesisOutput struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

// Calculate generates text for the given prompt. Input payload:
// {"prompt": "...", "system": "..."}.
func (s *Synthesis) Calculate(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in synthesisInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("synthesis input: %w", err)
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, fmt.Errorf("synthesis input: prompt is required")
	}

	params := anthropic.MessageNewParams{
		Model:       s.opts.Model,
		MaxTokens:   s.opts.MaxTokens,
		Temperature: anthropic.Float(s.opts.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(in.Prompt)),
		},
	}
	if in.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: in.System}}
	}

	resp, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	return json.Marshal(synthesisOutput{Text: text.String(), Model: string(resp.Model)})
}
