package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/mira/internal/observability"
	"github.com/harun/mira/pkg/events"
	"github.com/harun/mira/pkg/provider"
	"github.com/harun/mira/pkg/store"
	"github.com/harun/mira/pkg/workspace"
	"github.com/rs/zerolog"
)

// Registry is the lifecycle authority for every live session in the
// process. It exclusively owns the id-to-session map and exposes one
// merged event stream across all sessions it owns.
type Registry struct {
	prov   provider.Provider
	store  *store.Store
	logger zerolog.Logger

	mu         sync.RWMutex
	sessions   map[string]*Session
	order      []string // creation order, for stable enumeration
	subCancels map[string]func()
	merger     *events.Merger
	lifecycle  *events.Emitter
	destroyed  bool
}

// CreateOptions configures a new session.
type CreateOptions struct {
	ID      string // generated when empty
	CWD     string
	Options Options
}

// NewRegistry creates an empty registry.
func NewRegistry(prov provider.Provider, st *store.Store, logger zerolog.Logger) *Registry {
	observability.EnsureRegistered()

	r := &Registry{
		prov:       prov,
		store:      st,
		logger:     logger,
		sessions:   make(map[string]*Session),
		subCancels: make(map[string]func()),
		merger:     events.NewMerger(64),
		lifecycle:  events.NewEmitter(),
	}

	// Registry-level lifecycle events ride the same merged stream as
	// per-session events, so no observer can miss a creation event by
	// subscribing late to the session itself.
	ch, _ := r.lifecycle.Subscribe()
	r.merger.Add(ch)

	return r
}

// CreateSession allocates, persists, and registers a new session. The
// session is only published to the map once fully constructed.
func (r *Registry) CreateSession(ctx context.Context, opts CreateOptions) (*Session, error) {
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}

	r.mu.RLock()
	if r.destroyed {
		r.mu.RUnlock()
		return nil, ErrDestroyed
	}
	if _, exists := r.sessions[id]; exists {
		r.mu.RUnlock()
		return nil, ErrDuplicateID
	}
	r.mu.RUnlock()

	cwd, err := workspace.Prepare(opts.CWD)
	if err != nil {
		return nil, fmt.Errorf("invalid working directory: %w", err)
	}

	meta := Metadata{CWD: cwd, StartedAt: time.Now()}
	sess := newSession(id, meta, opts.Options, r.prov, r.store, r.logger)

	if err := r.store.SaveSessionMeta(ctx, store.SessionMeta{
		ID:        id,
		CWD:       meta.CWD,
		Model:     sess.Options().Model,
		State:     string(StateCreated),
		CreatedAt: meta.StartedAt,
	}); err != nil {
		return nil, err
	}

	if err := r.register(sess); err != nil {
		return nil, err
	}

	r.lifecycle.Emit(events.Event{
		Name:      events.SessionCreated,
		SessionID: id,
		Data: map[string]interface{}{
			"cwd":   meta.CWD,
			"model": sess.Options().Model,
		},
	})
	observability.RecordEventEmitted(events.SessionCreated)

	r.logger.Info().Str("session_id", id).Str("cwd", meta.CWD).Msg("Session created")
	return sess, nil
}

func (r *Registry) register(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return ErrDestroyed
	}
	if _, exists := r.sessions[sess.ID()]; exists {
		return ErrDuplicateID
	}

	ch, cancel := sess.Subscribe()
	r.merger.Add(ch)
	r.sessions[sess.ID()] = sess
	r.subCancels[sess.ID()] = cancel
	r.order = append(r.order, sess.ID())

	observability.SetActiveSessions(len(r.sessions))
	observability.SetSessionsByState(r.countByStateLocked())
	return nil
}

// GetSession returns the session with the given id, or nil when
// absent. Absence is not an error.
func (r *Registry) GetSession(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// GetSessions enumerates sessions in creation order. A limit of 0
// means no limit.
func (r *Registry) GetSessions(limit, offset int) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if offset >= len(r.order) {
		return nil
	}
	end := len(r.order)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]*Session, 0, end-offset)
	for _, id := range r.order[offset:end] {
		if sess, ok := r.sessions[id]; ok {
			out = append(out, sess)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountByState returns live session counts keyed by state.
func (r *Registry) CountByState() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countByStateLocked()
}

// countByStateLocked requires r.mu to be held.
func (r *Registry) countByStateLocked() map[string]int {
	counts := make(map[string]int)
	for _, sess := range r.sessions {
		counts[string(sess.State())]++
	}
	return counts
}

// Delete destroys a session and removes it from the registry.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.RLock()
	sess := r.sessions[id]
	r.mu.RUnlock()
	if sess == nil {
		return ErrNotFound
	}

	if err := sess.Delete(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.sessions, id)
	if cancel, ok := r.subCancels[id]; ok {
		cancel()
		delete(r.subCancels, id)
	}
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	observability.SetActiveSessions(len(r.sessions))
	observability.SetSessionsByState(r.countByStateLocked())
	r.mu.Unlock()

	return nil
}

// LoadHistoricalSessions reconstructs a session for every id present
// in the store without re-invoking the provider. A failure on one
// session is logged and skipped; it never aborts the load.
func (r *Registry) LoadHistoricalSessions(ctx context.Context) error {
	metas, err := r.store.ListSessions(ctx)
	if err != nil {
		return err
	}

	loaded := 0
	for _, meta := range metas {
		r.mu.RLock()
		_, exists := r.sessions[meta.ID]
		r.mu.RUnlock()
		if exists {
			continue
		}

		msgs, err := r.store.GetMessages(ctx, meta.ID, 0, 0)
		if err != nil {
			r.logger.Warn().Err(err).
				Str("session_id", meta.ID).
				Msg("Skipping corrupt historical session")
			continue
		}

		state := StateIdle
		if meta.State == string(StateCompleted) {
			state = StateCompleted
		}

		sess := newSession(meta.ID, Metadata{CWD: meta.CWD, StartedAt: meta.CreatedAt}, Options{
			Model:       meta.Model,
			ResumeToken: meta.ResumeToken,
		}, r.prov, r.store, r.logger)
		sess.restore(state, msgs)

		if err := r.register(sess); err != nil {
			r.logger.Warn().Err(err).
				Str("session_id", meta.ID).
				Msg("Failed to register historical session")
			continue
		}
		loaded++
	}

	r.logger.Info().Int("loaded", loaded).Int("found", len(metas)).Msg("Historical sessions loaded")
	return nil
}

// Events returns the merged, push-based stream of every owned
// session's events plus registry lifecycle events.
func (r *Registry) Events() <-chan events.Event {
	return r.merger.Events()
}

// Destroy unsubscribes from all sessions and releases the map. It does
// not delete persisted data.
func (r *Registry) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	for id, cancel := range r.subCancels {
		cancel()
		delete(r.subCancels, id)
	}
	r.sessions = make(map[string]*Session)
	r.order = nil
	r.mu.Unlock()

	r.lifecycle.Close()
	r.merger.Close()
	observability.SetActiveSessions(0)
	observability.SetSessionsByState(nil)

	r.logger.Info().Msg("Session registry destroyed")
}
