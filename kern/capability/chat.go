// Package capability adapts named external chat-model providers into
// vm.Capability implementations the VM's CALL_EXTERN dispatch can
// invoke once the sandbox policy admits them (spec §4.4: "externals
// are named capabilities mediated by the sandbox").
package capability

import "context"

// chatModel is the common shape each provider adapter wraps, mirrored
// from the teacher's graph/model.ChatModel so the same provider SDKs
// and error-translation patterns carry over unchanged.
type chatModel interface {
	Chat(ctx context.Context, messages []message, tools []toolSpec) (chatOut, error)
}

type message struct {
	Role    string
	Content string
}

const (
	roleSystem    = "system"
	roleUser      = "user"
	roleAssistant = "assistant"
)

type toolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

type chatOut struct {
	Text      string
	ToolCalls []toolCall
}

type toolCall struct {
	Name  string
	Input map[string]interface{}
}
