package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/harun/mira/pkg/events"
	"github.com/harun/mira/pkg/orchestrator"
	"github.com/harun/mira/pkg/provider"
	"github.com/harun/mira/pkg/session"
	"github.com/rs/zerolog"
)

// Bridge binds exactly one session to exactly one connection. It
// forwards session events outward as wire envelopes and dispatches
// inbound commands to the bound session's methods. One bridge exists
// per (session, connection) pair; destroying the connection destroys
// its bridges.
type Bridge struct {
	sess   *session.Session
	orch   *orchestrator.Orchestrator
	client *Client
	logger zerolog.Logger

	cancel  func()
	once    sync.Once
	forward sync.WaitGroup
}

// NewBridge constructs a bridge and immediately subscribes to the
// session's event stream.
func NewBridge(orch *orchestrator.Orchestrator, sess *session.Session, client *Client, logger zerolog.Logger) *Bridge {
	sub, cancel := sess.Subscribe()

	b := &Bridge{
		sess:   sess,
		orch:   orch,
		client: client,
		cancel: cancel,
		logger: logger.With().
			Str("session_id", sess.ID()).
			Str("client_id", client.ID).
			Logger(),
	}

	b.forward.Add(1)
	go b.forwardEvents(sub)

	return b
}

// SessionID returns the bound session's id.
func (b *Bridge) SessionID() string {
	return b.sess.ID()
}

// forwardEvents writes every session event to the connection in
// emission order. Write failures after the connection closed are
// swallowed, not retried.
func (b *Bridge) forwardEvents(sub <-chan events.Event) {
	defer b.forward.Done()

	for ev := range sub {
		env := EventEnvelope{
			Type:      "event",
			SessionID: ev.SessionID,
			EventName: ev.Name,
			EventData: ev.Data,
			Timestamp: ev.Timestamp.UnixMilli(),
		}
		if err := b.client.WriteJSON(env); err != nil {
			b.logger.Debug().Err(err).Str("event", ev.Name).Msg("Dropping event for closed connection")
		}
	}
}

// HandleCommand dispatches one inbound command to the bound session.
// The returned error is reported to the client as an error envelope;
// it never crashes the connection handler.
func (b *Bridge) HandleCommand(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case CommandSend:
		content, err := decodeContent(cmd.Content)
		if err != nil {
			return err
		}
		return b.sess.Send(ctx, content)
	case CommandAbort:
		return b.sess.Abort()
	case CommandComplete:
		return b.sess.Complete(ctx)
	case CommandDelete:
		return b.orch.DeleteSession(ctx, b.sess.ID())
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

// Destroy detaches the event listener. Safe to call exactly once per
// teardown path and tolerant of repeated calls.
func (b *Bridge) Destroy() {
	b.once.Do(func() {
		b.cancel()
		b.forward.Wait()
	})
}

// decodeContent accepts either a plain string or an array of content
// parts.
func decodeContent(raw json.RawMessage) ([]provider.ContentPart, error) {
	if len(raw) == 0 {
		return nil, errors.New("content is required")
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []provider.ContentPart{provider.TextPart(text)}, nil
	}

	var parts []provider.ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("content must be a string or an array of content parts: %w", err)
	}
	if len(parts) == 0 {
		return nil, errors.New("content is required")
	}
	return parts, nil
}

// BridgeSet is the per-connection map of session id to bridge. It is
// owned by the connection's lifecycle: the close handler discards it
// wholesale, and no other flow removes entries.
type BridgeSet struct {
	mu      sync.Mutex
	bridges map[string]*Bridge
}

// NewBridgeSet creates an empty bridge set.
func NewBridgeSet() *BridgeSet {
	return &BridgeSet{bridges: make(map[string]*Bridge)}
}

// Ensure returns the bridge for a session id, constructing it on first
// use.
func (s *BridgeSet) Ensure(sessionID string, build func() (*Bridge, error)) (*Bridge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.bridges[sessionID]; ok {
		return b, nil
	}
	b, err := build()
	if err != nil {
		return nil, err
	}
	s.bridges[sessionID] = b
	return b, nil
}

// Remove destroys and forgets one bridge.
func (s *BridgeSet) Remove(sessionID string) {
	s.mu.Lock()
	b := s.bridges[sessionID]
	delete(s.bridges, sessionID)
	s.mu.Unlock()

	if b != nil {
		b.Destroy()
	}
}

// Count returns the number of live bridges.
func (s *BridgeSet) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bridges)
}

// DestroyAll tears down every bridge. Called exactly once when the
// owning connection closes; safe even if the connection died mid-send.
func (s *BridgeSet) DestroyAll() {
	s.mu.Lock()
	bridges := make([]*Bridge, 0, len(s.bridges))
	for _, b := range s.bridges {
		bridges = append(bridges, b)
	}
	s.bridges = make(map[string]*Bridge)
	s.mu.Unlock()

	for _, b := range bridges {
		b.Destroy()
	}
}
