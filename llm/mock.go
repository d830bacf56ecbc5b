package llm

import (
	"context"
	"sync"
)

// MockClient is a scripted test implementation of Client.
//
// Each call to Complete returns the next response in Responses; once the
// script is exhausted the last response repeats. If Err is set it is
// returned instead. Every call is recorded in Calls.
//
//	mock := &llm.MockClient{
//	    Responses: []llm.Response{{Text: `{"sorties": []}`}},
//	}
type MockClient struct {
	Responses []Response
	Err       error
	Calls     []Request

	mu    sync.Mutex
	index int
}

func (m *MockClient) Name() string { return "mock" }

func (m *MockClient) Complete(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)

	if m.Err != nil {
		return Response{}, m.Err
	}
	if len(m.Responses) == 0 {
		return Response{}, nil
	}
	idx := m.index
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.index++
	}
	return m.Responses[idx], nil
}

// CallCount returns how many times Complete has been called.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reset clears the call history and restarts the response script.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.index = 0
}
