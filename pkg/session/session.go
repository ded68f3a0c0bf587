package session

import (
	"context"
	"sync"
	"time"

	"github.com/harun/mira/internal/observability"
	"github.com/harun/mira/pkg/events"
	"github.com/harun/mira/pkg/provider"
	"github.com/harun/mira/pkg/store"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a session.
type State string

const (
	StateCreated   State = "created"
	StateActive    State = "active"
	StateIdle      State = "idle"
	StateCompleted State = "completed"
	StateError     State = "error"
	StateDeleted   State = "deleted"
)

// Metadata holds immutable creation-time facts.
type Metadata struct {
	CWD       string    `json:"cwd"`
	StartedAt time.Time `json:"started_at"`
}

// Options are the mutable session parameters. ResumeToken is a
// one-time latch: once captured from a provider result it is not
// overwritten unless the session is explicitly reset.
type Options struct {
	Model        string  `json:"model"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	ResumeToken  string  `json:"resume_token,omitempty"`
}

// Session is one conversation instance. It exclusively owns its
// in-memory message list and usage counters; the provider and store
// are shared collaborators injected at construction.
type Session struct {
	id      string
	meta    Metadata
	prov    provider.Provider
	store   *store.Store
	emitter *events.Emitter
	logger  zerolog.Logger

	mu           sync.Mutex
	state        State
	opts         Options
	usage        provider.TokenUsage
	messages     []provider.Message
	lastActivity time.Time
	inFlight     bool
	cancelSend   context.CancelFunc
}

func newSession(id string, meta Metadata, opts Options, prov provider.Provider, st *store.Store, logger zerolog.Logger) *Session {
	if opts.Model == "" {
		opts.Model = provider.DefaultOptions().Model
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = provider.DefaultOptions().MaxTokens
	}
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now()
	}

	return &Session{
		id:           id,
		meta:         meta,
		opts:         opts,
		prov:         prov,
		store:        st,
		emitter:      events.NewEmitter(),
		logger:       logger.With().Str("session_id", id).Logger(),
		state:        StateCreated,
		lastActivity: time.Now(),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Metadata returns the creation-time facts.
func (s *Session) Metadata() Metadata {
	return s.meta
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Options returns a copy of the current session parameters.
func (s *Session) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Usage returns the accumulated token counters.
func (s *Session) Usage() provider.TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// LastActivity returns the time of the last state change.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Messages returns a copy of the in-memory history.
func (s *Session) Messages() []provider.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]provider.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// GetMessages reads a page of persisted history. Read-only, no side
// effects.
func (s *Session) GetMessages(ctx context.Context, limit, offset int) ([]provider.Message, error) {
	return s.store.GetMessages(ctx, s.id, limit, offset)
}

// Subscribe attaches a listener to this session's event stream.
func (s *Session) Subscribe() (<-chan events.Event, func()) {
	return s.emitter.Subscribe()
}

// emit publishes one event. The emitter drops events once closed, so
// nothing escapes a deleted session.
func (s *Session) emit(name string, data map[string]interface{}) {
	observability.RecordEventEmitted(name)
	s.emitter.Emit(events.Event{
		Name:      name,
		SessionID: s.id,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// setStateLocked transitions the state machine and emits the change.
// Callers hold s.mu.
func (s *Session) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.lastActivity = time.Now()
	s.emit(events.SessionState, map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	})
}

// Send runs one conversational turn: it persists the user message,
// invokes the provider, streams incremental deltas as events, and on
// success appends the reply to history before settling in idle.
//
// Exactly one send may be in flight; a concurrent call is rejected
// with ErrBusy rather than queued. A send on a completed or deleted
// session is rejected with the matching sentinel. After a provider
// failure the session sits in the error state and a retry send is
// permitted.
func (s *Session) Send(ctx context.Context, content []provider.ContentPart) error {
	s.mu.Lock()
	switch s.state {
	case StateDeleted:
		s.mu.Unlock()
		return ErrDeleted
	case StateCompleted:
		s.mu.Unlock()
		return ErrCompleted
	}
	if s.inFlight {
		s.mu.Unlock()
		return ErrBusy
	}

	sendCtx, cancel := context.WithCancel(ctx)
	s.inFlight = true
	s.cancelSend = cancel
	s.setStateLocked(StateActive)

	history := make([]provider.Message, len(s.messages))
	copy(history, s.messages)
	opts := s.opts
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.inFlight = false
		s.cancelSend = nil
		s.mu.Unlock()
	}()

	userMsg := provider.Message{
		Role:      provider.RoleUser,
		Timestamp: time.Now(),
	}
	userMsg.ID, _ = gonanoid.New()
	if len(content) == 1 && content[0].Type == "text" {
		userMsg.Content = content[0].Text
	} else {
		userMsg.Parts = content
	}

	// A message only counts as part of history once it is durable.
	if err := s.store.SaveMessage(ctx, s.id, userMsg); err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.messages = append(s.messages, userMsg)
	s.mu.Unlock()
	s.emit(events.MessageAdded, map[string]interface{}{"message": userMsg})

	invokeStart := time.Now()
	stream, err := s.prov.Invoke(sendCtx, provider.Request{
		Options: provider.InvokeOptions{
			Model:        opts.Model,
			MaxTokens:    opts.MaxTokens,
			Temperature:  opts.Temperature,
			SystemPrompt: opts.SystemPrompt,
			ResumeToken:  opts.ResumeToken,
		},
		History: history,
		Content: content,
	})
	if err != nil {
		observability.RecordProviderInvoke(s.prov.Name(), "error", time.Since(invokeStart))
		s.fail(err)
		return err
	}

	for chunk := range stream.Chunks() {
		s.emit(events.MessageDelta, map[string]interface{}{
			"type":        chunk.Type,
			"text":        chunk.Text,
			"tool_name":   chunk.ToolName,
			"tool_use_id": chunk.ToolUseID,
		})
	}

	result, err := stream.Result()
	if err != nil {
		// A cancelled send is an abort, not a failure: no partial
		// message reaches history and the session returns to idle.
		if sendCtx.Err() != nil {
			observability.RecordProviderInvoke(s.prov.Name(), "aborted", time.Since(invokeStart))
			s.settle(StateIdle)
			s.emit(events.TurnAborted, nil)
			return nil
		}
		observability.RecordProviderInvoke(s.prov.Name(), "error", time.Since(invokeStart))
		s.fail(err)
		return err
	}
	observability.RecordProviderInvoke(s.prov.Name(), "success", time.Since(invokeStart))

	if err := s.store.SaveMessages(ctx, s.id, result.Messages); err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.messages = append(s.messages, result.Messages...)
	s.usage.Add(result.Usage)
	if s.opts.ResumeToken == "" && result.ResumeToken != "" {
		s.opts.ResumeToken = result.ResumeToken
		if err := s.store.UpdateResumeToken(ctx, s.id, result.ResumeToken); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to persist resume token")
		}
	}
	usage := s.usage
	s.mu.Unlock()

	for _, msg := range result.Messages {
		s.emit(events.MessageAdded, map[string]interface{}{"message": msg})
	}

	s.settle(StateIdle)
	s.emit(events.TurnCompleted, map[string]interface{}{
		"usage": usage,
	})

	s.logger.Debug().
		Int("reply_messages", len(result.Messages)).
		Int("input_tokens", result.Usage.Input).
		Int("output_tokens", result.Usage.Output).
		Msg("Turn completed")

	return nil
}

// settle moves an active session to the given resting state unless a
// terminal transition happened while the turn was in flight.
func (s *Session) settle(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}
	s.setStateLocked(to)
	if err := s.store.UpdateSessionState(context.Background(), s.id, string(to)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist session state")
	}
}

// fail transitions to the error state and broadcasts a session-scoped
// error event. The failure never leaks to sibling sessions.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == StateDeleted || s.state == StateCompleted {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateError)
	s.mu.Unlock()

	s.logger.Error().Err(err).Msg("Session entered error state")
	s.emit(events.SessionError, map[string]interface{}{
		"error": err.Error(),
	})
}

// Abort requests cancellation of the in-flight provider call. It is an
// idempotent no-op when nothing is in flight.
func (s *Session) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDeleted {
		return ErrDeleted
	}
	if !s.inFlight || s.cancelSend == nil {
		return nil
	}
	s.cancelSend()
	return nil
}

// Complete marks the conversation as finished. Further sends are
// rejected; an in-flight call is cancelled. Completion is accepted
// from any non-deleted state: a client may discard a session it never
// used, or close one whose last turn failed.
func (s *Session) Complete(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDeleted {
		s.mu.Unlock()
		return ErrDeleted
	}
	if s.state == StateCompleted {
		s.mu.Unlock()
		return nil
	}
	if s.inFlight && s.cancelSend != nil {
		s.cancelSend()
	}
	s.setStateLocked(StateCompleted)
	s.mu.Unlock()

	if err := s.store.UpdateSessionState(ctx, s.id, string(StateCompleted)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist session state")
	}

	s.logger.Info().Msg("Session completed")
	return nil
}

// Delete removes the persisted history, detaches every listener, and
// moves to the terminal deleted state. No event is emitted afterwards.
func (s *Session) Delete(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDeleted {
		s.mu.Unlock()
		return nil
	}
	if s.inFlight && s.cancelSend != nil {
		s.cancelSend()
	}
	s.mu.Unlock()

	if err := s.store.DeleteMessages(ctx, s.id); err != nil {
		return err
	}

	s.mu.Lock()
	s.setStateLocked(StateDeleted)
	s.messages = nil
	s.mu.Unlock()

	s.emit(events.SessionDeleted, nil)
	s.emitter.Close()
	s.logger.Info().Msg("Session deleted")
	return nil
}

// restore rehydrates a session from persisted state. Used only by the
// registry during historical load; the provider is never re-invoked.
func (s *Session) restore(state State, msgs []provider.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.messages = msgs
}
