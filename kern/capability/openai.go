package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/kern-lang/kern/kern/vm"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// openaiModel implements chatModel against OpenAI's Chat Completions
// API, adapted from the teacher's graph/model/openai.ChatModel down to
// the single-turn shape chatCapability needs (the teacher's retry/
// backoff loop is dropped here — the VM's own sandbox call cap already
// bounds retries at the CALL_EXTERN layer, so a second retry layer
// underneath it would just duplicate that limit).
type openaiModel struct {
	apiKey    string
	modelName string
}

// NewOpenAICapability registers an OpenAI chat model as a named
// CALL_EXTERN capability. modelName defaults to gpt-4o when empty,
// matching the teacher's default.
func NewOpenAICapability(name, apiKey, modelName string) vm.Capability {
	if modelName == "" {
		modelName = "gpt-4o"
	}
	return &chatCapability{name: name, model: &openaiModel{apiKey: apiKey, modelName: modelName}}
}

func (m *openaiModel) Chat(ctx context.Context, messages []message, _ []toolSpec) (chatOut, error) {
	if ctx.Err() != nil {
		return chatOut{}, ctx.Err()
	}
	if m.apiKey == "" {
		return chatOut{}, errors.New("openai API key is required")
	}

	turns := make([]openaisdk.ChatCompletionMessageParamUnion, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case roleSystem:
			turns[i] = openaisdk.SystemMessage(msg.Content)
		case roleAssistant:
			turns[i] = openaisdk.AssistantMessage(msg.Content)
		default:
			turns[i] = openaisdk.UserMessage(msg.Content)
		}
	}

	client := openaisdk.NewClient(option.WithAPIKey(m.apiKey))
	resp, err := client.Chat.Completions.New(ctx, openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(m.modelName),
		Messages: turns,
	})
	if err != nil {
		return chatOut{}, fmt.Errorf("openai API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return chatOut{}, nil
	}
	return chatOut{Text: resp.Choices[0].Message.Content}, nil
}
