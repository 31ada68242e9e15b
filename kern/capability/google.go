package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"github.com/kern-lang/kern/kern/vm"
	"google.golang.org/api/option"
)

// googleModel implements chatModel against Google's Gemini API,
// adapted from the teacher's graph/model/google.ChatModel. Gemini has
// no separate system-message parameter at this call shape, so a
// system message is folded into the prompt as a leading text part,
// same as the teacher's convertMessages does for every role.
type googleModel struct {
	apiKey    string
	modelName string
}

// NewGoogleCapability registers a Gemini chat model as a named
// CALL_EXTERN capability. modelName defaults to gemini-2.5-flash when
// empty, matching the teacher's default.
func NewGoogleCapability(name, apiKey, modelName string) vm.Capability {
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	return &chatCapability{name: name, model: &googleModel{apiKey: apiKey, modelName: modelName}}
}

func (m *googleModel) Chat(ctx context.Context, messages []message, _ []toolSpec) (chatOut, error) {
	if ctx.Err() != nil {
		return chatOut{}, ctx.Err()
	}
	if m.apiKey == "" {
		return chatOut{}, errors.New("google API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(m.apiKey))
	if err != nil {
		return chatOut{}, fmt.Errorf("failed to create google client: %w", err)
	}
	defer client.Close()

	genModel := client.GenerativeModel(m.modelName)

	var parts []genai.Part
	for _, msg := range messages {
		if msg.Content != "" {
			parts = append(parts, genai.Text(msg.Content))
		}
	}

	resp, err := genModel.GenerateContent(ctx, parts...)
	if err != nil {
		return chatOut{}, fmt.Errorf("google API error: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return chatOut{}, nil
	}

	var out chatOut
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += string(text)
		}
	}
	return out, nil
}
