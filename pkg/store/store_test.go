package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/mira/pkg/provider"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(Config{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func saveMeta(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.SaveSessionMeta(context.Background(), SessionMeta{
		ID:    id,
		State: "idle",
	}))
}

func TestStore_New(t *testing.T) {
	t.Run("should require a database path", func(t *testing.T) {
		_, err := New(Config{Logger: zerolog.Nop()})
		assert.Error(t, err)
	})

	t.Run("should create schema on open", func(t *testing.T) {
		s := newTestStore(t)
		count, err := s.GetMessageCount(context.Background(), "none")
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func TestStore_SessionMeta(t *testing.T) {
	ctx := context.Background()

	t.Run("should round-trip a session record", func(t *testing.T) {
		s := newTestStore(t)

		meta := SessionMeta{
			ID:          "sess-1",
			CWD:         "/work",
			Model:       "claude-sonnet-4-20250514",
			State:       "idle",
			ResumeToken: "tok-123",
		}
		require.NoError(t, s.SaveSessionMeta(ctx, meta))

		got, err := s.GetSessionMeta(ctx, "sess-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "/work", got.CWD)
		assert.Equal(t, "claude-sonnet-4-20250514", got.Model)
		assert.Equal(t, "idle", got.State)
		assert.Equal(t, "tok-123", got.ResumeToken)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("should return nil for an unknown session", func(t *testing.T) {
		s := newTestStore(t)

		got, err := s.GetSessionMeta(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("should upsert on duplicate id", func(t *testing.T) {
		s := newTestStore(t)

		require.NoError(t, s.SaveSessionMeta(ctx, SessionMeta{ID: "sess-1", State: "idle"}))
		require.NoError(t, s.SaveSessionMeta(ctx, SessionMeta{ID: "sess-1", State: "completed", CWD: "/new"}))

		got, err := s.GetSessionMeta(ctx, "sess-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "completed", got.State)
		assert.Equal(t, "/new", got.CWD)
	})

	t.Run("should reject empty session id", func(t *testing.T) {
		s := newTestStore(t)
		assert.Error(t, s.SaveSessionMeta(ctx, SessionMeta{}))
	})

	t.Run("should update state and resume token independently", func(t *testing.T) {
		s := newTestStore(t)
		saveMeta(t, s, "sess-1")

		require.NoError(t, s.UpdateSessionState(ctx, "sess-1", "active"))
		require.NoError(t, s.UpdateResumeToken(ctx, "sess-1", "tok-9"))

		got, err := s.GetSessionMeta(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, "active", got.State)
		assert.Equal(t, "tok-9", got.ResumeToken)
	})

	t.Run("should list sessions in creation order", func(t *testing.T) {
		s := newTestStore(t)

		base := time.Now().Add(-time.Hour)
		for i, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.SaveSessionMeta(ctx, SessionMeta{
				ID:        id,
				State:     "idle",
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}))
		}

		sessions, err := s.ListSessions(ctx)
		require.NoError(t, err)
		require.Len(t, sessions, 3)
		assert.Equal(t, "a", sessions[0].ID)
		assert.Equal(t, "b", sessions[1].ID)
		assert.Equal(t, "c", sessions[2].ID)
	})
}

func TestStore_Messages(t *testing.T) {
	ctx := context.Background()

	t.Run("should round-trip a plain text message", func(t *testing.T) {
		s := newTestStore(t)
		saveMeta(t, s, "sess-1")

		msg := provider.Message{
			ID:      "msg-1",
			Role:    provider.RoleUser,
			Content: "hello there",
		}
		require.NoError(t, s.SaveMessage(ctx, "sess-1", msg))

		got, err := s.GetMessages(ctx, "sess-1", 0, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "msg-1", got[0].ID)
		assert.Equal(t, provider.RoleUser, got[0].Role)
		assert.Equal(t, "hello there", got[0].Content)
		assert.Nil(t, got[0].Parts)
	})

	t.Run("should round-trip structured parts and tool metadata", func(t *testing.T) {
		s := newTestStore(t)
		saveMeta(t, s, "sess-1")

		msg := provider.Message{
			ID:   "msg-1",
			Role: provider.RoleAgent,
			Parts: []provider.ContentPart{
				provider.TextPart("let me check"),
				{
					Type:      "tool_call",
					ToolName:  "search",
					ToolInput: json.RawMessage(`{"query":"weather"}`),
					ToolUseID: "tu-1",
				},
			},
			ToolName:  "search",
			ToolInput: json.RawMessage(`{"query":"weather"}`),
			ToolUseID: "tu-1",
		}
		require.NoError(t, s.SaveMessage(ctx, "sess-1", msg))

		got, err := s.GetMessages(ctx, "sess-1", 0, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Len(t, got[0].Parts, 2)
		assert.Equal(t, "let me check", got[0].Parts[0].Text)
		assert.Equal(t, "search", got[0].Parts[1].ToolName)
		assert.Equal(t, "tu-1", got[0].Parts[1].ToolUseID)
		assert.JSONEq(t, `{"query":"weather"}`, string(got[0].ToolInput))
	})

	t.Run("should preserve append order", func(t *testing.T) {
		s := newTestStore(t)
		saveMeta(t, s, "sess-1")

		for i := 0; i < 5; i++ {
			require.NoError(t, s.SaveMessage(ctx, "sess-1", provider.Message{
				ID:      string(rune('a' + i)),
				Role:    provider.RoleUser,
				Content: string(rune('a' + i)),
			}))
		}

		got, err := s.GetMessages(ctx, "sess-1", 0, 0)
		require.NoError(t, err)
		require.Len(t, got, 5)
		for i, m := range got {
			assert.Equal(t, string(rune('a'+i)), m.Content)
		}
	})

	t.Run("should page with limit and offset", func(t *testing.T) {
		s := newTestStore(t)
		saveMeta(t, s, "sess-1")

		for i := 0; i < 10; i++ {
			require.NoError(t, s.SaveMessage(ctx, "sess-1", provider.Message{
				ID:      string(rune('a' + i)),
				Role:    provider.RoleUser,
				Content: string(rune('a' + i)),
			}))
		}

		got, err := s.GetMessages(ctx, "sess-1", 3, 4)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "e", got[0].Content)
		assert.Equal(t, "g", got[2].Content)
	})

	t.Run("should save a batch atomically", func(t *testing.T) {
		s := newTestStore(t)
		saveMeta(t, s, "sess-1")

		msgs := []provider.Message{
			{ID: "m1", Role: provider.RoleUser, Content: "hi"},
			{ID: "m2", Role: provider.RoleAgent, Content: "hello"},
		}
		require.NoError(t, s.SaveMessages(ctx, "sess-1", msgs))

		count, err := s.GetMessageCount(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("should roll back batch when one message is invalid", func(t *testing.T) {
		s := newTestStore(t)
		saveMeta(t, s, "sess-1")

		msgs := []provider.Message{
			{ID: "m1", Role: provider.RoleUser, Content: "hi"},
			{ID: "m2", Content: "missing role"},
		}
		require.Error(t, s.SaveMessages(ctx, "sess-1", msgs))

		count, err := s.GetMessageCount(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("should reject a message with no role", func(t *testing.T) {
		s := newTestStore(t)
		saveMeta(t, s, "sess-1")

		err := s.SaveMessage(ctx, "sess-1", provider.Message{ID: "m1", Content: "x"})
		assert.Error(t, err)
	})

	t.Run("should isolate sessions", func(t *testing.T) {
		s := newTestStore(t)
		saveMeta(t, s, "sess-1")
		saveMeta(t, s, "sess-2")

		require.NoError(t, s.SaveMessage(ctx, "sess-1", provider.Message{ID: "m1", Role: provider.RoleUser, Content: "one"}))
		require.NoError(t, s.SaveMessage(ctx, "sess-2", provider.Message{ID: "m2", Role: provider.RoleUser, Content: "two"}))

		got, err := s.GetMessages(ctx, "sess-1", 0, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "one", got[0].Content)
	})
}

func TestStore_DeleteMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("should remove messages and session record", func(t *testing.T) {
		s := newTestStore(t)
		saveMeta(t, s, "sess-1")
		require.NoError(t, s.SaveMessage(ctx, "sess-1", provider.Message{ID: "m1", Role: provider.RoleUser, Content: "x"}))

		require.NoError(t, s.DeleteMessages(ctx, "sess-1"))

		count, err := s.GetMessageCount(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		meta, err := s.GetSessionMeta(ctx, "sess-1")
		require.NoError(t, err)
		assert.Nil(t, meta)
	})

	t.Run("should leave other sessions untouched", func(t *testing.T) {
		s := newTestStore(t)
		saveMeta(t, s, "sess-1")
		saveMeta(t, s, "sess-2")
		require.NoError(t, s.SaveMessage(ctx, "sess-2", provider.Message{ID: "m1", Role: provider.RoleUser, Content: "keep"}))

		require.NoError(t, s.DeleteMessages(ctx, "sess-1"))

		count, err := s.GetMessageCount(ctx, "sess-2")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("should be a no-op for unknown session", func(t *testing.T) {
		s := newTestStore(t)
		assert.NoError(t, s.DeleteMessages(ctx, "missing"))
	})
}

func TestStore_PersistenceErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("should tag database failures with ErrPersistence", func(t *testing.T) {
		s := newTestStore(t)
		require.NoError(t, s.Close())

		err := s.SaveSessionMeta(ctx, SessionMeta{ID: "sess-1"})
		assert.ErrorIs(t, err, ErrPersistence)

		err = s.SaveMessage(ctx, "sess-1", provider.Message{ID: "m1", Role: provider.RoleUser})
		assert.ErrorIs(t, err, ErrPersistence)

		_, err = s.GetMessages(ctx, "sess-1", 0, 0)
		assert.ErrorIs(t, err, ErrPersistence)

		_, err = s.ListSessions(ctx)
		assert.ErrorIs(t, err, ErrPersistence)
	})

	t.Run("should not tag validation failures", func(t *testing.T) {
		s := newTestStore(t)

		err := s.SaveSessionMeta(ctx, SessionMeta{})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrPersistence)

		err = s.SaveMessage(ctx, "sess-1", provider.Message{ID: "m1"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrPersistence)
	})
}
