// Package provider abstracts the generative-AI backends a session can
// talk to. An invocation produces a stream of incremental chunks that
// terminates in either a final message set plus token usage, or an
// error. Cancellation is driven through the invocation context.
package provider

import (
	"context"
	"fmt"
	"strings"
)

// Provider is the adapter contract the session core depends on. The
// concrete backend protocol is opaque to callers.
type Provider interface {
	// Invoke starts one conversational turn. The returned stream must
	// stop producing chunks promptly once ctx is cancelled.
	Invoke(ctx context.Context, req Request) (*Stream, error)

	// Name returns the provider name.
	Name() string
}

// Stream carries the incremental output of one invocation. Chunks is
// closed when the turn ends; Result then reports the terminal outcome.
type Stream struct {
	chunks chan Chunk
	done   chan struct{}
	result *Result
	err    error
}

// NewStream creates a stream driven by a producer. The producer must
// call Finish exactly once after its last chunk.
func NewStream(buffer int) *Stream {
	return &Stream{
		chunks: make(chan Chunk, buffer),
		done:   make(chan struct{}),
	}
}

// Chunks returns the incremental event channel.
func (s *Stream) Chunks() <-chan Chunk {
	return s.chunks
}

// Send delivers one incremental chunk, giving up if ctx is cancelled.
func (s *Stream) Send(ctx context.Context, c Chunk) {
	select {
	case s.chunks <- c:
	case <-ctx.Done():
	}
}

// Finish terminates the stream with either a result or an error.
func (s *Stream) Finish(result *Result, err error) {
	s.result = result
	s.err = err
	close(s.chunks)
	close(s.done)
}

// Result blocks until the stream has finished and returns the terminal
// outcome.
func (s *Stream) Result() (*Result, error) {
	<-s.done
	return s.result, s.err
}

// Factory builds providers from credentials.
type Factory struct{}

// New creates a provider for the named backend.
func (f *Factory) New(name, apiKey string) (Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	case "openai":
		return NewOpenAIProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}

// IsRetryable reports whether an invocation error is worth retrying
// with a fresh send.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	if strings.Contains(msg, "ECONNRESET") || strings.Contains(msg, "ETIMEDOUT") {
		return true
	}
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}
	if strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") {
		return true
	}

	return false
}
