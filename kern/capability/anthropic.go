package capability

import (
	"context"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/kern-lang/kern/kern/vm"
)

// anthropicModel implements chatModel against Anthropic's Messages API,
// adapted from the teacher's graph/model/anthropic.ChatModel (system
// prompt extraction, text response conversion) down to the
// single-turn shape chatCapability needs. Only text blocks of the
// response are kept; tool-use blocks are ignored.
type anthropicModel struct {
	apiKey    string
	modelName string
}

// NewAnthropicCapability registers Claude as a named CALL_EXTERN
// capability under name (e.g. "ask_claude"). modelName defaults to
// Claude Sonnet when empty, matching the teacher's default.
func NewAnthropicCapability(name, apiKey, modelName string) vm.Capability {
	if modelName == "" {
		modelName = "claude-sonnet-4-5-20250929"
	}
	return &chatCapability{name: name, model: &anthropicModel{apiKey: apiKey, modelName: modelName}}
}

func (m *anthropicModel) Chat(ctx context.Context, messages []message, _ []toolSpec) (chatOut, error) {
	if ctx.Err() != nil {
		return chatOut{}, ctx.Err()
	}
	if m.apiKey == "" {
		return chatOut{}, errors.New("anthropic API key is required")
	}

	var systemPrompt string
	var turns []anthropicsdk.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case roleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
		case roleAssistant:
			turns = append(turns, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(msg.Content)))
		default:
			turns = append(turns, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content)))
		}
	}

	client := anthropicsdk.NewClient(option.WithAPIKey(m.apiKey))
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(m.modelName),
		Messages:  turns,
		MaxTokens: 4096,
	}
	if systemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: systemPrompt}}
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return chatOut{}, fmt.Errorf("anthropic API error: %w", err)
	}

	var out chatOut
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += tb.Text
		}
	}
	return out, nil
}
