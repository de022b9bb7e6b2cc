package bot

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Messager defines the subset of the Anthropic client we use.
type Messager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicCompleter calls the Claude Messages API.
type AnthropicCompleter struct {
	messages Messager
	model    anthropic.Model
}

// NewAnthropicCompleter creates a completer using apiKey. An empty model
// selects the default.
func NewAnthropicCompleter(apiKey, model string) *AnthropicCompleter {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicCompleterWith(&client.Messages, model)
}

// NewAnthropicCompleterWith wraps an existing Messager. Tests inject a mock
// here.
func NewAnthropicCompleterWith(messages Messager, model string) *AnthropicCompleter {
	m := anthropic.Model(model)
	if model == "" {
		m = anthropic.ModelClaudeSonnet4_20250514
	}
	return &AnthropicCompleter{messages: messages, model: m}
}

// Complete implements Completer.
func (c *AnthropicCompleter) Complete(ctx context.Context, req Request) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   req.MaxTokens,
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	resp, err := c.messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("bot: claude API call failed: %w", err)
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.Join(parts, "")
	if text == "" {
		return "", fmt.Errorf("bot: empty response from Claude API")
	}
	return text, nil
}
