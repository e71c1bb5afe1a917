package testutil

import (
	"context"
	"sync"

	"github.com/onnwee/loomy/backend/platform"
)

// StubAdapter is a scriptable platform.Adapter for tests. Poll results are
// consumed in order; the last one repeats once the script is exhausted.
type StubAdapter struct {
	mu sync.Mutex

	Streams    []platform.ActiveStream
	StreamsErr error

	PollResults []platform.PollResult
	PollErr     error
	pollCalls   int

	SendErr error
	Sent    []string
}

func (s *StubAdapter) ActiveStreams(_ context.Context, _ platform.Credentials) ([]platform.ActiveStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StreamsErr != nil {
		return nil, s.StreamsErr
	}
	return s.Streams, nil
}

func (s *StubAdapter) PollMessages(_ context.Context, _ string, _ string, _ platform.Credentials) (platform.PollResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollCalls++
	if s.PollErr != nil {
		return platform.PollResult{}, s.PollErr
	}
	if len(s.PollResults) == 0 {
		return platform.PollResult{}, nil
	}
	idx := s.pollCalls - 1
	if idx >= len(s.PollResults) {
		idx = len(s.PollResults) - 1
	}
	return s.PollResults[idx], nil
}

func (s *StubAdapter) SendMessage(_ context.Context, _ string, text string, _ platform.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	s.Sent = append(s.Sent, text)
	return nil
}

// PollCalls reports how many times PollMessages was invoked.
func (s *StubAdapter) PollCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollCalls
}
