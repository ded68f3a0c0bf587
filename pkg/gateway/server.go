// Package gateway bridges sessions to remote clients over persistent
// WebSocket connections. Each connection owns a set of bridges, one
// per session the client interacts with; the set is discarded
// wholesale when the connection closes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/mira/internal/observability"
	"github.com/harun/mira/pkg/events"
	"github.com/harun/mira/pkg/orchestrator"
	"github.com/harun/mira/pkg/session"
	"github.com/harun/mira/pkg/store"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Server is the WebSocket gateway.
type Server struct {
	port         int
	sharedSecret string
	server       *http.Server
	upgrader     websocket.Upgrader
	clients      *ClientRegistry
	authHandler  *AuthHandler
	orch         *orchestrator.Orchestrator
	logger       zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightCmds   sync.WaitGroup
	lifecycleDone  chan struct{}
}

// Config holds server configuration.
type Config struct {
	Port         int
	SharedSecret string
	Orchestrator *orchestrator.Orchestrator
	Logger       zerolog.Logger
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}

	return &Server{
		port:          cfg.Port,
		sharedSecret:  cfg.SharedSecret,
		clients:       NewClientRegistry(),
		authHandler:   NewAuthHandler(cfg.SharedSecret),
		orch:          cfg.Orchestrator,
		logger:        cfg.Logger,
		lifecycleDone: make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}, nil
}

// Start begins serving. It does not block.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	s.logger.Info().Int("port", s.port).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	go s.forwardLifecycleEvents()

	return nil
}

// forwardLifecycleEvents broadcasts session creation to every
// authenticated client. Per-session content events reach clients only
// through their bridges, so nothing is delivered twice.
func (s *Server) forwardLifecycleEvents() {
	defer close(s.lifecycleDone)

	for ev := range s.orch.Events() {
		if ev.Name != events.SessionCreated {
			continue
		}
		env := EventEnvelope{
			Type:      "event",
			SessionID: ev.SessionID,
			EventName: ev.Name,
			EventData: ev.Data,
			Timestamp: ev.Timestamp.UnixMilli(),
		}
		for _, client := range s.clients.GetAuthenticatedClients() {
			if err := client.WriteJSON(env); err != nil {
				s.logger.Debug().Err(err).Str("client_id", client.ID).Msg("Failed to broadcast lifecycle event")
			}
		}
	}
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	// Tell connected clients we are going away.
	notice := EventEnvelope{
		Type:      "event",
		EventName: "server.shutdown",
		Timestamp: time.Now().UnixMilli(),
	}
	for _, client := range s.clients.GetAuthenticatedClients() {
		_ = client.WriteJSON(notice)
	}

	done := make(chan struct{})
	go func() {
		s.inFlightCmds.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Bridges.DestroyAll()
		client.Conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// handleWebSocket upgrades a connection and starts its read loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(),
		State:        StateConnecting,
		Bridges:      NewBridgeSet(),
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("client_id", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to send auth challenge")
		conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}

	client.Challenge = challenge
	client.State = StateAuthenticating

	return client.WriteJSON(AuthChallenge{
		Type:      "auth.challenge",
		Challenge: challenge,
	})
}

// handleClient reads frames until the connection closes. The deferred
// teardown is the sole owner of the bridge set's lifecycle.
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Bridges.DestroyAll()
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("client_id", client.ID).Msg("WebSocket error")
			}
			break
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

// handleMessage processes one inbound frame: auth first, then schema
// validation, then command dispatch.
func (s *Server) handleMessage(client *Client, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Type == "auth.response" {
		s.handleAuthMessage(client, authResp)
		return
	}

	if !client.Authenticated {
		s.sendError(client, "", CodeAuth, "Authentication required")
		return
	}

	if err := ValidateCommand(message); err != nil {
		observability.RecordGatewayCommand("invalid", "rejected")
		s.sendError(client, "", CodeValidation, err.Error())
		return
	}

	var cmd Command
	if err := json.Unmarshal(message, &cmd); err != nil {
		s.sendError(client, "", CodeValidation, fmt.Sprintf("malformed command: %v", err))
		return
	}

	allowed, reason := client.RateLimiter.CheckAllowed()
	if !allowed {
		observability.RecordGatewayCommand(cmd.Type, "rate_limited")
		s.sendError(client, cmd.SessionID, CodeRateLimit, reason)
		return
	}

	bridge, err := client.Bridges.Ensure(cmd.SessionID, func() (*Bridge, error) {
		sess := s.orch.GetSession(cmd.SessionID)
		if sess == nil {
			return nil, session.ErrNotFound
		}
		return NewBridge(s.orch, sess, client, s.logger), nil
	})
	if err != nil {
		observability.RecordGatewayCommand(cmd.Type, "error")
		s.sendError(client, cmd.SessionID, errorCode(err), err.Error())
		return
	}

	client.RateLimiter.RecordStart()
	s.inFlightCmds.Add(1)

	// Dispatch asynchronously so a streaming send cannot stall the
	// read loop; errors become error envelopes, never panics.
	go func() {
		defer client.RateLimiter.RecordEnd()
		defer s.inFlightCmds.Done()

		if err := bridge.HandleCommand(context.Background(), cmd); err != nil {
			observability.RecordGatewayCommand(cmd.Type, "error")
			s.sendError(client, cmd.SessionID, errorCode(err), err.Error())
			return
		}
		observability.RecordGatewayCommand(cmd.Type, "ok")

		// A deleted session has no further events; the bridge slot is
		// reclaimed immediately rather than waiting for disconnect.
		if cmd.Type == CommandDelete {
			client.Bridges.Remove(cmd.SessionID)
		}
	}()
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) {
	result := s.authHandler.HandleAuthResponse(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		s.logger.Warn().
			Str("client_id", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")
		if client.AuthAttempts >= 3 {
			client.Conn.Close()
		}
		return
	}

	s.logger.Info().Str("client_id", client.ID).Msg("Client authenticated")
}

// errorCode maps domain errors onto wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrCompleted),
		errors.Is(err, session.ErrDeleted),
		errors.Is(err, orchestrator.ErrNotInitialized):
		return CodeState
	case errors.Is(err, store.ErrPersistence):
		return CodePersistence
	default:
		return CodeAdapter
	}
}

func (s *Server) sendError(client *Client, sessionID, code, message string) {
	if err := client.WriteJSON(NewErrorEnvelope(sessionID, code, message)); err != nil {
		s.logger.Debug().Err(err).Str("client_id", client.ID).Msg("Failed to send error envelope")
	}
}

// handleSessions serves the REST boundary: list on GET, create on
// POST.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.checkRESTAuth(w, r) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		limit, offset := pageParams(r)
		sessions, err := s.orch.GetSessions(limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		out := make([]map[string]interface{}, 0, len(sessions))
		for _, sess := range sessions {
			out = append(out, sessionSummary(sess))
		}
		writeJSON(w, http.StatusOK, out)

	case http.MethodPost:
		var req struct {
			ID    string `json:"id,omitempty"`
			CWD   string `json:"cwd,omitempty"`
			Model string `json:"model,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		sess, err := s.orch.CreateSession(r.Context(), session.CreateOptions{
			ID:      req.ID,
			CWD:     req.CWD,
			Options: session.Options{Model: req.Model},
		})
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, session.ErrDuplicateID) {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, http.StatusCreated, sessionSummary(sess))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleStatus serves orchestrator status as a pure read.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) checkRESTAuth(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("X-Mira-Secret") != s.sharedSecret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func sessionSummary(sess *session.Session) map[string]interface{} {
	return map[string]interface{}{
		"id":    sess.ID(),
		"state": string(sess.State()),
		"cwd":   sess.Metadata().CWD,
		"model": sess.Options().Model,
		"usage": sess.Usage(),
	}
}

func pageParams(r *http.Request) (limit, offset int) {
	fmt.Sscanf(r.URL.Query().Get("limit"), "%d", &limit)
	fmt.Sscanf(r.URL.Query().Get("offset"), "%d", &offset)
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GetConnectedClients returns information about all connected clients.
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
