// Package orchestrator is the top-level facade over the session
// registry: process lifecycle, convenience operations, and the
// aggregate event stream.
package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/harun/mira/pkg/events"
	"github.com/harun/mira/pkg/provider"
	"github.com/harun/mira/pkg/session"
	"github.com/harun/mira/pkg/store"
	"github.com/rs/zerolog"
)

// Sentinel errors for lifecycle misuse.
var (
	ErrNotInitialized     = errors.New("orchestrator is not initialized")
	ErrAlreadyInitialized = errors.New("orchestrator is already initialized")
)

// Status is a pure read of orchestrator health.
type Status struct {
	Initialized     bool                `json:"initialized"`
	Sessions        int                 `json:"sessions"`
	SessionsByState map[string]int      `json:"sessions_by_state"`
	TotalUsage      provider.TokenUsage `json:"total_usage"`
}

// Orchestrator owns one session registry and re-exposes its merged
// event stream.
type Orchestrator struct {
	registry *session.Registry
	logger   zerolog.Logger

	mu          sync.Mutex
	initialized bool
	destroyed   bool
}

// Config holds orchestrator dependencies, wired explicitly at process
// start.
type Config struct {
	Provider provider.Provider
	Store    *store.Store
	Logger   zerolog.Logger
}

// New creates an orchestrator. Initialize must be called before any
// other operation.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}

	return &Orchestrator{
		registry: session.NewRegistry(cfg.Provider, cfg.Store, cfg.Logger),
		logger:   cfg.Logger,
	}, nil
}

// Initialize loads historical sessions from the store. It must be
// called exactly once; a second call is an error.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.initialized {
		o.mu.Unlock()
		return ErrAlreadyInitialized
	}
	o.initialized = true
	o.mu.Unlock()

	if err := o.registry.LoadHistoricalSessions(ctx); err != nil {
		return err
	}

	o.logger.Info().Msg("Orchestrator initialized")
	return nil
}

// Destroy tears down the registry. It is idempotent and never deletes
// persisted data.
func (o *Orchestrator) Destroy() {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.destroyed = true
	o.mu.Unlock()

	o.registry.Destroy()
	o.logger.Info().Msg("Orchestrator destroyed")
}

func (o *Orchestrator) ensureInitialized() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.initialized || o.destroyed {
		return ErrNotInitialized
	}
	return nil
}

// CreateSession delegates to the registry.
func (o *Orchestrator) CreateSession(ctx context.Context, opts session.CreateOptions) (*session.Session, error) {
	if err := o.ensureInitialized(); err != nil {
		return nil, err
	}
	return o.registry.CreateSession(ctx, opts)
}

// GetSession returns a session by id, or nil when absent.
func (o *Orchestrator) GetSession(id string) *session.Session {
	if err := o.ensureInitialized(); err != nil {
		return nil
	}
	return o.registry.GetSession(id)
}

// GetSessions enumerates sessions in creation order.
func (o *Orchestrator) GetSessions(limit, offset int) ([]*session.Session, error) {
	if err := o.ensureInitialized(); err != nil {
		return nil, err
	}
	return o.registry.GetSessions(limit, offset), nil
}

// DeleteSession destroys a session and removes it from the registry.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) error {
	if err := o.ensureInitialized(); err != nil {
		return err
	}
	return o.registry.Delete(ctx, id)
}

// Chat creates a session and immediately sends one message: the
// fire-and-forget single-turn path.
func (o *Orchestrator) Chat(ctx context.Context, content string, opts session.CreateOptions) (*session.Session, error) {
	sess, err := o.CreateSession(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := sess.Send(ctx, []provider.ContentPart{provider.TextPart(content)}); err != nil {
		return sess, err
	}
	return sess, nil
}

// Status reports readiness and basic metrics. Pure read, no side
// effects.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	initialized := o.initialized && !o.destroyed
	o.mu.Unlock()

	st := Status{Initialized: initialized}
	if !initialized {
		return st
	}

	st.Sessions = o.registry.Count()
	st.SessionsByState = o.registry.CountByState()
	for _, sess := range o.registry.GetSessions(0, 0) {
		st.TotalUsage.Add(sess.Usage())
	}
	return st
}

// Events returns the process-wide stream aggregating every session's
// events, each tagged with its originating session id.
func (o *Orchestrator) Events() <-chan events.Event {
	return o.registry.Events()
}

// Registry exposes the underlying session registry for components that
// operate on it directly, such as the idle reaper.
func (o *Orchestrator) Registry() *session.Registry {
	return o.registry
}
