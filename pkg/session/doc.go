// Package session implements the conversational session state machine
// and the in-process registry that owns every live session.
//
// A session wraps one conversation: its message history, token usage
// counters, and a provider binding. Lifecycle and content changes are
// published as events; the registry merges every session's events into
// a single stream tagged with the originating session id.
package session
