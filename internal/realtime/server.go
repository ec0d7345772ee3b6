// Package realtime serves the WebSocket and REST surface: it routes client
// messages to shell sessions and relays decoded output back.
package realtime

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"shellpad/internal/ansi"
	"shellpad/internal/assist"
	"shellpad/internal/catalog"
	"shellpad/internal/config"
	"shellpad/internal/protocol"
	"shellpad/internal/shell"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server manages WebSocket connections and routes messages between clients,
// the shell manager, the command catalog, and the assistant.
type Server struct {
	manager   *shell.Manager
	catalog   *catalog.Store
	assistant *assist.Assistant
	logger    *zap.Logger
	staticDir string

	cfgMu sync.RWMutex
	cfg   *config.Config

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// subscriptions tracks which output subscriptions exist per client.
	// key: client, value: map[sessionID]subscriptionID
	subscriptions   map[*client]map[string]string
	subscriptionsMu sync.Mutex
}

// client's send channel is written by broadcasts and the per-session
// forwarding goroutines, and closed on removal. sendMu and the closed flag
// turn a send racing the close into a dropped message instead of a panic.
type client struct {
	conn   *websocket.Conn
	server *Server

	sendMu sync.Mutex
	send   chan []byte
	closed bool
}

func (c *client) push(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}

func (c *client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		close(c.send)
		c.closed = true
	}
}

// New creates a realtime server. The assistant may be nil when no API key
// is configured; assistant endpoints then answer 503.
func New(manager *shell.Manager, store *catalog.Store, assistant *assist.Assistant, cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		manager:       manager,
		catalog:       store,
		assistant:     assistant,
		logger:        logger,
		staticDir:     cfg.Server.StaticDir,
		cfg:           cfg,
		clients:       make(map[*client]bool),
		subscriptions: make(map[*client]map[string]string),
	}
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	// Send current session list to the new client.
	s.sendSessionList(c)

	// Subscribe the new client to all running sessions so it receives
	// output from sessions created before this connection.
	s.subscribeClientToRunningSessions(c)

	go c.writePump()
	go c.readPump()
}

// sendSessionList sends the current session state to a client.
func (s *Server) sendSessionList(c *client) {
	for _, info := range s.manager.List() {
		msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, updatePayload(info))
		if err != nil {
			continue
		}
		c.enqueue(msg)
	}
}

func updatePayload(info shell.SessionInfo) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:        info.ID,
		State:     string(info.State),
		WorkDir:   info.WorkDir,
		Label:     info.Label,
		CreatedAt: info.CreatedAt.Format(time.RFC3339Nano),
	}
}

func (c *client) enqueue(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.push(data)
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for sessionID, subID := range subs {
		s.manager.Unsubscribe(sessionID, subID)
	}

	c.closeSend()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionCreate:
		s.handleWSCreateSession(c, msg)
	case protocol.TypeSessionInput:
		s.handleWSInput(c, msg)
	case protocol.TypeSessionExecute:
		s.handleWSExecute(c, msg)
	case protocol.TypeSessionCd:
		s.handleWSCd(c, msg)
	case protocol.TypeSessionRequestCwd:
		s.handleWSRequestCwd(c, msg)
	case protocol.TypeSessionKill:
		s.handleWSKill(c, msg)
	}
}

func (s *Server) handleWSCreateSession(c *client, msg *protocol.Message) {
	var payload protocol.SessionCreatePayload
	json.Unmarshal(msg.Payload, &payload)

	sess, err := s.manager.Create(payload.WorkDir, payload.Label)
	if err != nil {
		errCode := protocol.ErrSpawnFailed
		if strings.Contains(err.Error(), "maximum session limit") {
			errCode = protocol.ErrMaxSessions
		}
		s.sendError(c, errCode, err.Error())
		return
	}

	s.broadcastSessionUpdate(sess.Info())
	s.subscribeAllClients(sess.ID)
}

func (s *Server) handleWSInput(c *client, msg *protocol.Message) {
	var payload protocol.SessionInputPayload
	json.Unmarshal(msg.Payload, &payload)

	sess, err := s.manager.Get(payload.SessionID)
	if err != nil {
		s.sendError(c, protocol.ErrSessionNotFound, err.Error())
		return
	}

	newline := payload.AppendNewline == nil || *payload.AppendNewline
	if !sess.SendInput(payload.Text, newline) {
		s.sendError(c, protocol.ErrSessionNotRunning, "shell is not running")
	}
}

func (s *Server) handleWSExecute(c *client, msg *protocol.Message) {
	var payload protocol.SessionExecutePayload
	json.Unmarshal(msg.Payload, &payload)

	sess, err := s.manager.Get(payload.SessionID)
	if err != nil {
		s.sendError(c, protocol.ErrSessionNotFound, err.Error())
		return
	}

	immediate := payload.Immediate == nil || *payload.Immediate
	if !sess.ExecuteCommand(payload.Command, payload.WorkingDir, immediate) {
		s.sendError(c, protocol.ErrWriteFailed, "command rejected: shell not running or working directory invalid")
	}
}

func (s *Server) handleWSCd(c *client, msg *protocol.Message) {
	var payload protocol.SessionCdPayload
	json.Unmarshal(msg.Payload, &payload)

	sess, err := s.manager.Get(payload.SessionID)
	if err != nil {
		s.sendError(c, protocol.ErrSessionNotFound, err.Error())
		return
	}

	if !sess.ChangeDirectory(payload.Dir) {
		s.sendError(c, protocol.ErrPathInvalid, "directory does not exist: "+payload.Dir)
		return
	}

	s.broadcastCwd(sess.ID, sess.BestKnownDir())
}

// handleWSRequestCwd answers with the shell's current directory. The query
// blocks on the output settle delay, so it runs off the read pump.
func (s *Server) handleWSRequestCwd(c *client, msg *protocol.Message) {
	var payload protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	sess, err := s.manager.Get(payload.SessionID)
	if err != nil {
		s.sendError(c, protocol.ErrSessionNotFound, err.Error())
		return
	}

	go func() {
		dir := sess.CurrentDirectory(s.queryTimeout())
		resp, err := protocol.NewMessage(protocol.TypeSessionCwd, protocol.SessionCwdPayload{
			SessionID: sess.ID,
			Dir:       dir,
		})
		if err != nil {
			return
		}
		c.enqueue(resp)
	}()
}

func (s *Server) handleWSKill(c *client, msg *protocol.Message) {
	var payload protocol.SessionKillPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.manager.Kill(payload.SessionID); err != nil {
		s.sendError(c, protocol.ErrSessionNotFound, err.Error())
	}
}

// broadcastSessionUpdate sends a session update to all connected clients.
func (s *Server) broadcastSessionUpdate(info shell.SessionInfo) {
	msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, updatePayload(info))
	if err != nil {
		return
	}
	s.broadcast(msg)
}

func (s *Server) broadcastCwd(sessionID, dir string) {
	msg, err := protocol.NewMessage(protocol.TypeSessionCwd, protocol.SessionCwdPayload{
		SessionID: sessionID,
		Dir:       dir,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.push(data)
	}
}

// subscribeAllClients subscribes all connected clients to a session's output.
func (s *Server) subscribeAllClients(sessionID string) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.subscribeClient(c, sessionID)
	}
}

// subscribeClientToRunningSessions subscribes a single client to all
// running sessions. Called when a new WebSocket connection is established.
func (s *Server) subscribeClientToRunningSessions(c *client) {
	for _, info := range s.manager.List() {
		if info.State == shell.StateRunning {
			s.subscribeClient(c, info.ID)
		}
	}
}

// subscribeClient subscribes a single client to a session's output.
func (s *Server) subscribeClient(c *client, sessionID string) {
	s.subscriptionsMu.Lock()
	if _, exists := s.subscriptions[c][sessionID]; exists {
		s.subscriptionsMu.Unlock()
		return // Already subscribed.
	}
	s.subscriptionsMu.Unlock()

	subID, ch, history, err := s.manager.Subscribe(sessionID)
	if err != nil {
		return
	}

	s.subscriptionsMu.Lock()
	if s.subscriptions[c] == nil {
		s.subscriptions[c] = make(map[string]string)
	}
	s.subscriptions[c][sessionID] = subID
	s.subscriptionsMu.Unlock()

	// Send history, then forward new lines.
	for _, line := range history {
		s.sendOutputLine(c, sessionID, line)
	}

	go func() {
		for line := range ch {
			s.sendOutputLine(c, sessionID, line)
		}
	}()
}

// sendOutputLine forwards one shell line, color-decoded for the display.
func (s *Server) sendOutputLine(c *client, sessionID string, line shell.OutputLine) {
	payload := protocol.SessionOutputPayload{
		SessionID: sessionID,
		Stream:    string(line.Stream),
		Data:      line.Text,
	}
	if runs, decorated := ansi.Decode(line.Text); decorated {
		payload.Data = ansi.Strip(line.Text)
		payload.Runs = runs
	}

	msg, err := protocol.NewMessage(protocol.TypeSessionOutput, payload)
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	c.enqueue(msg)
}

// NotifySessionExit broadcasts a session's termination. Wire this to the
// shell manager's exit handler.
func (s *Server) NotifySessionExit(sessionID string, exitCode int) {
	msg, err := protocol.NewMessage(protocol.TypeSessionTerminated, protocol.SessionTerminatedPayload{
		SessionID: sessionID,
		ExitCode:  exitCode,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)

	if sess, err := s.manager.Get(sessionID); err == nil {
		s.broadcastSessionUpdate(sess.Info())
	}
}

// OnConfigUpdate swaps in a reloaded configuration and tells clients about
// the display-relevant settings.
func (s *Server) OnConfigUpdate(cfg *config.Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()

	msg, err := protocol.NewMessage(protocol.TypeConfigUpdate, protocol.ConfigUpdatePayload{
		FontSize:       cfg.Terminal.FontSize,
		SettleDelayMs:  cfg.Terminal.SettleDelayMs,
		QueryTimeoutMs: cfg.Terminal.QueryTimeoutMs,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

func (s *Server) queryTimeout() time.Duration {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.QueryTimeout()
}

func (s *Server) searchLimit() int {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.Search.Limit
}
