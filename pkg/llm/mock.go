package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a deterministic ChatClient used under UI_TEST=1 and in
// every control-loop unit test. Responses are queued per model and
// popped in FIFO order; a model with no queued response returns
// DefaultResponse, or an error if DefaultResponse is empty and the
// queue is exhausted.
type MockClient struct {
	mu              sync.Mutex
	queued          map[string][]string
	DefaultResponse string
	DefaultUsage    Usage
	Calls           []Message // flattened record of every call's last message, for assertions
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{
		queued: make(map[string][]string),
		DefaultUsage: Usage{
			InputTokens:  100,
			OutputTokens: 50,
		},
	}
}

// Enqueue schedules content to be returned by the next Chat call for
// model, in FIFO order.
func (m *MockClient) Enqueue(model, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[model] = append(m.queued[model], content)
}

// Chat implements ChatClient.
func (m *MockClient) Chat(_ context.Context, model string, messages []Message, _ map[string]interface{}) (string, Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(messages) > 0 {
		m.Calls = append(m.Calls, messages[len(messages)-1])
	}

	if q := m.queued[model]; len(q) > 0 {
		content := q[0]
		m.queued[model] = q[1:]
		return content, m.DefaultUsage, nil
	}
	if m.DefaultResponse != "" {
		return m.DefaultResponse, m.DefaultUsage, nil
	}
	return "", Usage{}, fmt.Errorf("llm: mock: no queued response for model %q", model)
}
