package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_Subscribe(t *testing.T) {
	t.Run("should deliver events to a subscriber", func(t *testing.T) {
		e := NewEmitter()
		defer e.Close()

		ch, cancel := e.Subscribe()
		defer cancel()

		e.Emit(Event{Name: MessageAdded, SessionID: "s1"})

		ev := receiveEvent(t, ch)
		assert.Equal(t, MessageAdded, ev.Name)
		assert.Equal(t, "s1", ev.SessionID)
		assert.False(t, ev.Timestamp.IsZero())
	})

	t.Run("should deliver to all subscribers", func(t *testing.T) {
		e := NewEmitter()
		defer e.Close()

		ch1, cancel1 := e.Subscribe()
		defer cancel1()
		ch2, cancel2 := e.Subscribe()
		defer cancel2()

		e.Emit(Event{Name: SessionState, SessionID: "s1"})

		assert.Equal(t, SessionState, receiveEvent(t, ch1).Name)
		assert.Equal(t, SessionState, receiveEvent(t, ch2).Name)
	})

	t.Run("should preserve emission order per subscriber", func(t *testing.T) {
		e := NewEmitter()
		defer e.Close()

		ch, cancel := e.Subscribe()
		defer cancel()

		for i := 0; i < 10; i++ {
			e.Emit(Event{
				Name:      MessageDelta,
				SessionID: "s1",
				Data:      map[string]interface{}{"seq": i},
			})
		}

		for i := 0; i < 10; i++ {
			ev := receiveEvent(t, ch)
			assert.Equal(t, i, ev.Data["seq"])
		}
	})

	t.Run("should not block emitter on a slow subscriber", func(t *testing.T) {
		e := NewEmitter()
		defer e.Close()

		ch, cancel := e.Subscribe()
		defer cancel()

		// Nobody is reading yet; all emits must return promptly.
		done := make(chan struct{})
		go func() {
			for i := 0; i < 100; i++ {
				e.Emit(Event{Name: MessageDelta, SessionID: "s1"})
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("emitter blocked on unread subscriber")
		}

		for i := 0; i < 100; i++ {
			receiveEvent(t, ch)
		}
	})
}

func TestEmitter_Cancel(t *testing.T) {
	t.Run("should close channel and detach subscriber", func(t *testing.T) {
		e := NewEmitter()
		defer e.Close()

		ch, cancel := e.Subscribe()
		require.Equal(t, 1, e.SubscriberCount())

		cancel()
		assert.Equal(t, 0, e.SubscriberCount())

		_, ok := <-ch
		assert.False(t, ok)
	})

	t.Run("should be safe to call cancel twice", func(t *testing.T) {
		e := NewEmitter()
		defer e.Close()

		_, cancel := e.Subscribe()
		cancel()
		assert.NotPanics(t, func() { cancel() })
	})

	t.Run("should keep other subscribers attached", func(t *testing.T) {
		e := NewEmitter()
		defer e.Close()

		_, cancel1 := e.Subscribe()
		ch2, cancel2 := e.Subscribe()
		defer cancel2()

		cancel1()

		e.Emit(Event{Name: TurnCompleted, SessionID: "s1"})
		assert.Equal(t, TurnCompleted, receiveEvent(t, ch2).Name)
	})
}

func TestEmitter_Close(t *testing.T) {
	t.Run("should close all subscriber channels", func(t *testing.T) {
		e := NewEmitter()

		ch1, _ := e.Subscribe()
		ch2, _ := e.Subscribe()

		e.Close()

		_, ok1 := <-ch1
		_, ok2 := <-ch2
		assert.False(t, ok1)
		assert.False(t, ok2)
	})

	t.Run("should drop events emitted after close", func(t *testing.T) {
		e := NewEmitter()
		e.Close()

		assert.NotPanics(t, func() {
			e.Emit(Event{Name: MessageAdded, SessionID: "s1"})
		})
	})

	t.Run("should deliver queued events before closing channels", func(t *testing.T) {
		e := NewEmitter()

		ch, _ := e.Subscribe()
		e.Emit(Event{Name: MessageAdded, SessionID: "s1"})
		e.Emit(Event{Name: TurnCompleted, SessionID: "s1"})
		e.Close()

		assert.Equal(t, MessageAdded, receiveEvent(t, ch).Name)
		assert.Equal(t, TurnCompleted, receiveEvent(t, ch).Name)

		_, ok := <-ch
		assert.False(t, ok)
	})

	t.Run("should return closed channel for late subscribers", func(t *testing.T) {
		e := NewEmitter()
		e.Close()

		ch, cancel := e.Subscribe()
		defer cancel()

		_, ok := <-ch
		assert.False(t, ok)
	})

	t.Run("should be idempotent", func(t *testing.T) {
		e := NewEmitter()
		e.Close()
		assert.NotPanics(t, func() { e.Close() })
	})
}

func TestMerger(t *testing.T) {
	t.Run("should forward events from multiple sources", func(t *testing.T) {
		m := NewMerger(16)
		defer m.Close()

		e1 := NewEmitter()
		e2 := NewEmitter()
		ch1, _ := e1.Subscribe()
		ch2, _ := e2.Subscribe()
		m.Add(ch1)
		m.Add(ch2)

		e1.Emit(Event{Name: MessageAdded, SessionID: "s1"})
		e2.Emit(Event{Name: MessageAdded, SessionID: "s2"})

		seen := map[string]bool{}
		for i := 0; i < 2; i++ {
			ev := receiveEvent(t, m.Events())
			seen[ev.SessionID] = true
		}
		assert.True(t, seen["s1"])
		assert.True(t, seen["s2"])

		e1.Close()
		e2.Close()
	})

	t.Run("should preserve per-source order", func(t *testing.T) {
		m := NewMerger(64)
		defer m.Close()

		e := NewEmitter()
		ch, _ := e.Subscribe()
		m.Add(ch)

		for i := 0; i < 20; i++ {
			e.Emit(Event{
				Name:      MessageDelta,
				SessionID: "s1",
				Data:      map[string]interface{}{"seq": i},
			})
		}
		e.Close()

		for i := 0; i < 20; i++ {
			ev := receiveEvent(t, m.Events())
			assert.Equal(t, i, ev.Data["seq"])
		}
	})

	t.Run("should close output once all sources drain", func(t *testing.T) {
		m := NewMerger(16)

		e := NewEmitter()
		ch, _ := e.Subscribe()
		m.Add(ch)

		e.Emit(Event{Name: SessionDeleted, SessionID: "s1"})
		e.Close()
		m.Close()

		// Buffered event stays readable after Close.
		var last Event
		var got int
		for ev := range m.Events() {
			last = ev
			got++
		}
		if got > 0 {
			assert.Equal(t, SessionDeleted, last.Name)
		}
	})

	t.Run("should ignore Add after close", func(t *testing.T) {
		m := NewMerger(1)
		m.Close()

		e := NewEmitter()
		ch, _ := e.Subscribe()
		assert.NotPanics(t, func() { m.Add(ch) })
		e.Close()
	})

	t.Run("should handle concurrent sources", func(t *testing.T) {
		m := NewMerger(256)
		defer m.Close()

		const sources = 8
		const perSource = 25

		var wg sync.WaitGroup
		for i := 0; i < sources; i++ {
			e := NewEmitter()
			ch, _ := e.Subscribe()
			m.Add(ch)

			wg.Add(1)
			go func(e *Emitter, id int) {
				defer wg.Done()
				for j := 0; j < perSource; j++ {
					e.Emit(Event{Name: MessageDelta, SessionID: fmt.Sprintf("s%d", id)})
				}
				e.Close()
			}(e, i)
		}
		wg.Wait()

		for i := 0; i < sources*perSource; i++ {
			receiveEvent(t, m.Events())
		}
	})
}

func receiveEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed before event arrived")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
