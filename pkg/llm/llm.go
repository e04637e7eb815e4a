// Package llm defines the opaque chat-transport contract every agent
// (Planner, Executor, Watchdog) calls through. The core treats the
// underlying model as a JSON-mode black box: give it a schema, get back
// content that conforms and a usage record.
package llm

import "context"

// Role is a chat message's speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a chat transcript.
type Message struct {
	Role    Role
	Content string
}

// Usage is the token accounting a ChatClient call reports back, in the
// shape TokenAccounting consumes.
type Usage struct {
	InputTokens  int
	CachedTokens int
	OutputTokens int
}

// ChatClient is the opaque LLM transport. JSONSchema, when non-nil, is an
// arbitrary JSON-Schema object describing the required shape of the
// response content; implementations that don't support enforced JSON
// mode may instead embed the schema into the prompt and best-effort
// validate.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []Message, jsonSchema map[string]interface{}) (content string, usage Usage, err error)
}
