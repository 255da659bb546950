package llm

import (
	"context"
	"sync"

	"github.com/dipeo/dipeo-go/envelope"
)

// MockModel is a scripted ChatModel for tests. Responses are returned in
// order; when the script runs out the last response repeats.
type MockModel struct {
	mu        sync.Mutex
	responses []Response
	err       error
	calls     []Request
}

// NewMockModel creates a mock returning the given texts in order.
func NewMockModel(texts ...string) *MockModel {
	m := &MockModel{}
	for _, text := range texts {
		m.responses = append(m.responses, Response{
			Text:  text,
			Model: "mock",
			Usage: envelope.NewLLMUsage(int64(len(text)), int64(len(text)), 0),
		})
	}
	return m
}

// Fail makes every Chat call return err.
func (m *MockModel) Fail(err error) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Chat returns the next scripted response.
func (m *MockModel) Chat(_ context.Context, req Request) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	if m.err != nil {
		return Response{}, m.err
	}
	if len(m.responses) == 0 {
		return Response{Text: "", Model: "mock", Usage: envelope.NewLLMUsage(0, 0, 0)}, nil
	}
	idx := len(m.calls) - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return m.responses[idx], nil
}

// Name identifies the mock adapter.
func (m *MockModel) Name() string { return "mock" }

// Calls returns every request received so far.
func (m *MockModel) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
