// Package events provides the pub/sub primitives used to fan session
// events out to bridges and fan them back in at the registry level.
//
// Every event is a single structurally-typed value carrying its
// originating session id; layers forward it verbatim instead of
// re-emitting named events one by one.
package events

import (
	"sync"
	"time"
)

// Event names emitted by sessions and the registry.
const (
	SessionCreated = "session.created"
	SessionState   = "session.state"
	SessionError   = "session.error"
	SessionDeleted = "session.deleted"
	MessageAdded   = "message.added"
	MessageDelta   = "message.delta"
	TurnCompleted  = "turn.completed"
	TurnAborted    = "turn.aborted"
)

// Event is a single session-scoped occurrence.
type Event struct {
	Name      string                 `json:"name"`
	SessionID string                 `json:"sessionId"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// subscriber buffers delivery so a slow consumer cannot stall the
// emitting session. Order is preserved per subscriber.
type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	out    chan Event
}

func newSubscriber() *subscriber {
	s := &subscriber{out: make(chan Event)}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cond.Signal()
}

// pump drains the queue into the out channel in FIFO order, closing it
// once the subscriber is closed and the queue is empty.
func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.out <- ev
	}
}

// Emitter is a per-session publish channel with dynamic subscribers.
type Emitter struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewEmitter creates an emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]*subscriber)}
}

// Subscribe registers a new listener. The returned cancel function
// detaches the listener and closes its channel; it is safe to call more
// than once.
func (e *Emitter) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := newSubscriber()
	if e.closed {
		sub.close()
		return sub.out, func() {}
	}

	id := e.nextID
	e.nextID++
	e.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			sub.close()
		})
	}
	return sub.out, cancel
}

// Emit delivers the event to every current subscriber in registration
// order. Events emitted after Close are dropped.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, sub := range e.subs {
		sub.push(ev)
	}
}

// Close detaches all subscribers. Subsequent Emit calls are no-ops.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, sub := range e.subs {
		delete(e.subs, id)
		sub.close()
	}
}

// SubscriberCount returns the number of attached listeners.
func (e *Emitter) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Merger fans multiple event channels into one. Per-source order is
// preserved; no ordering is guaranteed across sources.
type Merger struct {
	mu     sync.Mutex
	out    chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewMerger creates a merger with the given output buffer size.
func NewMerger(buffer int) *Merger {
	return &Merger{
		out:  make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Add starts forwarding from the given channel until it is closed or
// the merger itself is closed.
func (m *Merger) Add(in <-chan Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		for {
			select {
			case ev, ok := <-in:
				if !ok {
					return
				}
				select {
				case m.out <- ev:
				case <-m.done:
					return
				}
			case <-m.done:
				return
			}
		}
	}()
}

// Events returns the merged output channel.
func (m *Merger) Events() <-chan Event {
	return m.out
}

// Close stops forwarding. The output channel is closed once all source
// goroutines have exited; events still buffered remain readable.
func (m *Merger) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	go func() {
		m.wg.Wait()
		close(m.out)
	}()
}
