package agentclient

import (
	"context"
	"sync"
)

// StubClient is a scriptable in-memory Client used by engine tests to
// exercise the dispatcher's retry, timeout and cancellation paths without
// a real AI service.
type StubClient struct {
	mu    sync.Mutex
	calls int

	// Responses is consumed in order, one per Invoke call; the last entry
	// is reused once exhausted. A nil error with empty OutputText panics
	// nothing — callers configure exactly what they want returned.
	Responses []StubResult
}

// StubResult scripts one Invoke outcome.
type StubResult struct {
	Output string
	Err    error
	// Block, when set, makes Invoke wait for ctx.Done() and return
	// ctx.Err(), simulating an agent call that never returns in time.
	Block bool
}

func (s *StubClient) Invoke(ctx context.Context, req Request) (Response, error) {
	s.mu.Lock()
	idx := s.calls
	if idx >= len(s.Responses) {
		idx = len(s.Responses) - 1
	}
	s.calls++
	var result StubResult
	if idx >= 0 {
		result = s.Responses[idx]
	}
	s.mu.Unlock()

	if result.Block {
		<-ctx.Done()
		return Response{}, ctx.Err()
	}
	if result.Err != nil {
		return Response{}, result.Err
	}
	return Response{OutputText: result.Output}, nil
}

// CallCount returns how many times Invoke has been called.
func (s *StubClient) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
