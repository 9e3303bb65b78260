// Package openai provides the "synthesis" engine over the OpenAI Chat
// Completions API, as an alternative provider to the Anthropic adapter.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Options configures the synthesis engine.
type Options struct {
	Model               openai.ChatModel
	MaxCompletionTokens int64
	Temperature         float64
	APIKey              string
}

// Synthesis wraps an OpenAI client as an engine.Func-compatible calculator.
type Synthesis struct {
	client *openai.Client
	opts   Options
}

// New creates a synthesis engine using the official client.
func New(optFns ...func(o *Options)) *Synthesis {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		MaxCompletionTokens: 2048,
		Temperature:         0.7,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)

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

	var messages []openai.ChatCompletionMessageParamUnion
	if in.System != "" {
		messages = append(messages, openai.SystemMessage(in.System))
	}
	messages = append(messages, openai.UserMessage(in.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:               s.opts.Model,
		Messages:            messages,
		Temperature:         openai.Float(s.opts.Temperature),
		MaxCompletionTokens: openai.Int(s.opts.MaxCompletionTokens),
	}

	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai api error: empty response")
	}

	return json.Marshal(synthesisOutput{Text: resp.Choices[0].Message.Content, Model: resp.Model})
}
