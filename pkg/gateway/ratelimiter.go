package gateway

import (
	"sync"
	"time"
)

// ClientRateLimiter implements sliding-window rate limiting per
// client.
type ClientRateLimiter struct {
	mu                 sync.Mutex
	commandsPerMinute  int
	maxConcurrent      int
	commands           []time.Time
	concurrentCommands int
}

// NewClientRateLimiter creates a rate limiter with default limits.
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(120, 16)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom
// limits.
func NewClientRateLimiterWithLimits(commandsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		commandsPerMinute: commandsPerMinute,
		maxConcurrent:     maxConcurrent,
		commands:          make([]time.Time, 0),
	}
}

// CheckAllowed reports whether a command is allowed under the limits.
func (r *ClientRateLimiter) CheckAllowed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentCommands >= r.maxConcurrent {
		return false, "too many concurrent commands"
	}

	cutoff := time.Now().Add(-time.Minute)
	valid := r.commands[:0]
	for _, t := range r.commands {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.commands = valid

	if len(r.commands) >= r.commandsPerMinute {
		return false, "rate limit exceeded"
	}
	return true, ""
}

// RecordStart records the start of a command.
func (r *ClientRateLimiter) RecordStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, time.Now())
	r.concurrentCommands++
}

// RecordEnd records the end of a command.
func (r *ClientRateLimiter) RecordEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.concurrentCommands > 0 {
		r.concurrentCommands--
	}
}
