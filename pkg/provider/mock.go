package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// MockTurn scripts one invocation of a MockProvider.
type MockTurn struct {
	Chunks      []Chunk
	Reply       Message
	Usage       TokenUsage
	ResumeToken string
	Err         error

	// Block makes the turn wait for context cancellation instead of
	// completing, to exercise abort paths.
	Block bool
}

// MockProvider is a scripted Provider for tests. Each Invoke consumes
// the next turn in order; invoking past the script fails.
type MockProvider struct {
	mu       sync.Mutex
	turns    []MockTurn
	calls    []Request
	nextTurn int
}

// NewMockProvider creates a mock scripted with the given turns.
func NewMockProvider(turns ...MockTurn) *MockProvider {
	return &MockProvider{turns: turns}
}

// Name returns the provider name.
func (p *MockProvider) Name() string {
	return "mock"
}

// Calls returns the requests seen so far.
func (p *MockProvider) Calls() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.calls))
	copy(out, p.calls)
	return out
}

// Invoke replays the next scripted turn.
func (p *MockProvider) Invoke(ctx context.Context, req Request) (*Stream, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	if p.nextTurn >= len(p.turns) {
		p.mu.Unlock()
		return nil, fmt.Errorf("mock provider: no scripted turn for call %d", len(p.calls))
	}
	turn := p.turns[p.nextTurn]
	p.nextTurn++
	p.mu.Unlock()

	stream := NewStream(len(turn.Chunks) + 1)

	go func() {
		if turn.Block {
			<-ctx.Done()
			stream.Finish(nil, ctx.Err())
			return
		}

		for _, c := range turn.Chunks {
			stream.Send(ctx, c)
		}

		if err := ctx.Err(); err != nil {
			stream.Finish(nil, err)
			return
		}
		if turn.Err != nil {
			stream.Finish(nil, turn.Err)
			return
		}

		reply := turn.Reply
		if reply.Role == "" {
			reply.Role = RoleAgent
		}
		if reply.ID == "" {
			reply.ID, _ = gonanoid.New()
		}
		if reply.Timestamp.IsZero() {
			reply.Timestamp = time.Now()
		}

		stream.Finish(&Result{
			Messages:    []Message{reply},
			Usage:       turn.Usage,
			ResumeToken: turn.ResumeToken,
		}, nil)
	}()

	return stream, nil
}
