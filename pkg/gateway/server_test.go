package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/mira/pkg/events"
	"github.com/harun/mira/pkg/orchestrator"
	"github.com/harun/mira/pkg/provider"
	"github.com/harun/mira/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSharedSecret = "test-shared-secret"

func newTestGateway(t *testing.T, orch *orchestrator.Orchestrator) (*Server, *httptest.Server) {
	t.Helper()

	s := &Server{
		sharedSecret:  testSharedSecret,
		clients:       NewClientRegistry(),
		authHandler:   NewAuthHandler(testSharedSecret),
		orch:          orch,
		logger:        zerolog.Nop(),
		lifecycleDone: make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	t.Cleanup(srv.Close)
	return s, srv
}

func dialGateway(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// authenticate performs the challenge-response handshake over an open
// connection.
func authenticate(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, "auth.challenge", challenge.Type)
	require.NotEmpty(t, challenge.Challenge)

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Type:      "auth.response",
		Signature: computeHMAC(challenge.Challenge, testSharedSecret),
	}))

	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	require.Equal(t, "auth.result", result.Type)
	require.True(t, result.Success, "handshake failed: %s", result.Message)
}

func readError(t *testing.T, conn *websocket.Conn) ErrorEnvelope {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env ErrorEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, "error", env.Type)
	return env
}

func TestServer_WebSocketAuth(t *testing.T) {
	t.Run("should authenticate with a valid signature", func(t *testing.T) {
		orch := newTestOrchestrator(t)
		_, srv := newTestGateway(t, orch)

		conn := dialGateway(t, srv)
		authenticate(t, conn)
	})

	t.Run("should reject an invalid signature", func(t *testing.T) {
		orch := newTestOrchestrator(t)
		_, srv := newTestGateway(t, orch)

		conn := dialGateway(t, srv)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))

		var challenge AuthChallenge
		require.NoError(t, conn.ReadJSON(&challenge))

		require.NoError(t, conn.WriteJSON(AuthResponse{
			Type:      "auth.response",
			Signature: "not-a-valid-signature",
		}))

		var result AuthResult
		require.NoError(t, conn.ReadJSON(&result))
		assert.False(t, result.Success)
	})

	t.Run("should reject commands before authentication", func(t *testing.T) {
		orch := newTestOrchestrator(t)
		_, srv := newTestGateway(t, orch)

		conn := dialGateway(t, srv)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))

		var challenge AuthChallenge
		require.NoError(t, conn.ReadJSON(&challenge))

		require.NoError(t, conn.WriteJSON(Command{
			Type:      CommandSend,
			SessionID: "any",
			Content:   json.RawMessage(`"hi"`),
		}))

		env := readError(t, conn)
		assert.Equal(t, CodeAuth, env.Error.Code)
	})
}

func TestServer_Commands(t *testing.T) {
	ctx := context.Background()

	t.Run("should reject frames that fail schema validation", func(t *testing.T) {
		orch := newTestOrchestrator(t)
		_, srv := newTestGateway(t, orch)

		conn := dialGateway(t, srv)
		authenticate(t, conn)

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))

		env := readError(t, conn)
		assert.Equal(t, CodeValidation, env.Error.Code)
	})

	t.Run("should report not_found for an unknown session", func(t *testing.T) {
		orch := newTestOrchestrator(t)
		_, srv := newTestGateway(t, orch)

		conn := dialGateway(t, srv)
		authenticate(t, conn)

		require.NoError(t, conn.WriteJSON(Command{
			Type:      CommandSend,
			SessionID: "no-such-session",
			Content:   json.RawMessage(`"hi"`),
		}))

		env := readError(t, conn)
		assert.Equal(t, CodeNotFound, env.Error.Code)
		assert.Equal(t, "no-such-session", env.SessionID)
	})

	t.Run("should stream turn events for a send exactly once", func(t *testing.T) {
		orch := newTestOrchestrator(t, provider.MockTurn{
			Chunks: []provider.Chunk{{Type: "text", Text: "hel"}, {Type: "text", Text: "lo"}},
			Reply:  provider.Message{Content: "hello"},
		})
		sess, err := orch.CreateSession(ctx, session.CreateOptions{})
		require.NoError(t, err)

		_, srv := newTestGateway(t, orch)
		conn := dialGateway(t, srv)
		authenticate(t, conn)

		require.NoError(t, conn.WriteJSON(Command{
			Type:      CommandSend,
			SessionID: sess.ID(),
			Content:   json.RawMessage(`"hi"`),
		}))

		counts := make(map[string]int)
		for {
			env := readEnvelope(t, conn)
			require.Equal(t, sess.ID(), env.SessionID)
			counts[env.EventName]++
			if env.EventName == events.TurnCompleted {
				break
			}
		}

		assert.Equal(t, 2, counts[events.MessageAdded], "user and agent message each once")
		assert.Equal(t, 2, counts[events.MessageDelta])
		assert.Equal(t, 1, counts[events.TurnCompleted])
	})

	t.Run("should report state_error for a send on a completed session", func(t *testing.T) {
		orch := newTestOrchestrator(t)
		sess, err := orch.CreateSession(ctx, session.CreateOptions{})
		require.NoError(t, err)
		require.NoError(t, sess.Complete(ctx))

		_, srv := newTestGateway(t, orch)
		conn := dialGateway(t, srv)
		authenticate(t, conn)

		require.NoError(t, conn.WriteJSON(Command{
			Type:      CommandSend,
			SessionID: sess.ID(),
			Content:   json.RawMessage(`"hi"`),
		}))

		env := readError(t, conn)
		assert.Equal(t, CodeState, env.Error.Code)
	})

	t.Run("should delete a session over the wire", func(t *testing.T) {
		orch := newTestOrchestrator(t)
		sess, err := orch.CreateSession(ctx, session.CreateOptions{})
		require.NoError(t, err)

		_, srv := newTestGateway(t, orch)
		conn := dialGateway(t, srv)
		authenticate(t, conn)

		require.NoError(t, conn.WriteJSON(Command{
			Type:      CommandDelete,
			SessionID: sess.ID(),
		}))

		env := readEnvelope(t, conn)
		assert.Equal(t, events.SessionState, env.EventName)
		env = readEnvelope(t, conn)
		assert.Equal(t, events.SessionDeleted, env.EventName)

		require.Eventually(t, func() bool {
			return orch.GetSession(sess.ID()) == nil
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestServer_LifecycleBroadcast(t *testing.T) {
	t.Run("should broadcast session.created to authenticated clients", func(t *testing.T) {
		orch := newTestOrchestrator(t)
		s, srv := newTestGateway(t, orch)
		go s.forwardLifecycleEvents()

		conn := dialGateway(t, srv)
		authenticate(t, conn)

		sess, err := orch.CreateSession(context.Background(), session.CreateOptions{})
		require.NoError(t, err)

		env := readEnvelope(t, conn)
		assert.Equal(t, events.SessionCreated, env.EventName)
		assert.Equal(t, sess.ID(), env.SessionID)
	})
}

func TestServer_REST(t *testing.T) {
	ctx := context.Background()

	t.Run("should require the shared secret on /api/sessions", func(t *testing.T) {
		orch := newTestOrchestrator(t)
		s, _ := newTestGateway(t, orch)

		rec := httptest.NewRecorder()
		s.handleSessions(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("should list sessions", func(t *testing.T) {
		orch := newTestOrchestrator(t)
		_, err := orch.CreateSession(ctx, session.CreateOptions{})
		require.NoError(t, err)

		s, _ := newTestGateway(t, orch)

		req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
		req.Header.Set("X-Mira-Secret", testSharedSecret)
		rec := httptest.NewRecorder()
		s.handleSessions(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var out []map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Len(t, out, 1)
	})

	t.Run("should create a session over REST", func(t *testing.T) {
		orch := newTestOrchestrator(t)
		s, _ := newTestGateway(t, orch)

		body := bytes.NewBufferString(`{"id":"rest-session","cwd":"/tmp/work"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/sessions", body)
		req.Header.Set("X-Mira-Secret", testSharedSecret)
		rec := httptest.NewRecorder()
		s.handleSessions(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		assert.NotNil(t, orch.GetSession("rest-session"))
	})

	t.Run("should conflict on a duplicate session id", func(t *testing.T) {
		orch := newTestOrchestrator(t)
		_, err := orch.CreateSession(ctx, session.CreateOptions{ID: "dup"})
		require.NoError(t, err)

		s, _ := newTestGateway(t, orch)

		req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewBufferString(`{"id":"dup"}`))
		req.Header.Set("X-Mira-Secret", testSharedSecret)
		rec := httptest.NewRecorder()
		s.handleSessions(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("should serve status without auth", func(t *testing.T) {
		orch := newTestOrchestrator(t)
		s, _ := newTestGateway(t, orch)

		rec := httptest.NewRecorder()
		s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var status map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Contains(t, status, "initialized")
	})
}
