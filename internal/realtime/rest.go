package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"shellpad/internal/catalog"
	"shellpad/internal/markdown"
	"shellpad/internal/protocol"

	"go.uber.org/zap"
)

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Shell sessions.
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/input", s.handleSessionInput)
	mux.HandleFunc("POST /sessions/{id}/execute", s.handleSessionExecute)
	mux.HandleFunc("POST /sessions/{id}/cd", s.handleSessionCd)
	mux.HandleFunc("GET /sessions/{id}/cwd", s.handleSessionCwd)

	// Command catalog.
	mux.HandleFunc("GET /commands", s.handleSearchCommands)
	mux.HandleFunc("POST /commands", s.handleAddCommand)
	mux.HandleFunc("GET /commands/popular", s.handlePopularCommands)
	mux.HandleFunc("GET /commands/stats", s.handleCommandStats)
	mux.HandleFunc("GET /commands/{id}", s.handleGetCommand)
	mux.HandleFunc("PATCH /commands/{id}", s.handleUpdateCommand)
	mux.HandleFunc("DELETE /commands/{id}", s.handleDeleteCommand)
	mux.HandleFunc("POST /commands/{id}/use", s.handleUseCommand)

	// Assistant.
	mux.HandleFunc("POST /assist/chat", s.handleAssistChat)
	mux.HandleFunc("GET /assist/history", s.handleAssistHistory)
	mux.HandleFunc("DELETE /assist/history", s.handleAssistClear)

	// Markdown rendering.
	mux.HandleFunc("POST /markdown", s.handleRenderMarkdown)

	// Static file serving.
	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Session handlers.

type createSessionRequest struct {
	WorkDir string `json:"workDir"`
	Label   string `json:"label"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.manager.Create(req.WorkDir, req.Label)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.broadcastSessionUpdate(sess.Info())
	s.subscribeAllClients(sess.ID)

	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Kill(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

type sessionInputRequest struct {
	Text          string `json:"text"`
	AppendNewline *bool  `json:"appendNewline,omitempty"`
}

func (s *Server) handleSessionInput(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req sessionInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	newline := req.AppendNewline == nil || *req.AppendNewline
	if !sess.SendInput(req.Text, newline) {
		writeError(w, http.StatusConflict, "shell is not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type sessionExecuteRequest struct {
	Command    string `json:"command"`
	WorkingDir string `json:"workingDir,omitempty"`
	Immediate  *bool  `json:"immediate,omitempty"`

	// CommandID, when set, bumps the catalog usage counter for the command.
	CommandID int64 `json:"commandId,omitempty"`
}

func (s *Server) handleSessionExecute(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req sessionExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	immediate := req.Immediate == nil || *req.Immediate
	if !sess.ExecuteCommand(req.Command, req.WorkingDir, immediate) {
		writeError(w, http.StatusConflict, "command rejected: shell not running or working directory invalid")
		return
	}

	if req.CommandID != 0 {
		if err := s.catalog.IncrementUsage(r.Context(), req.CommandID); err != nil {
			s.logger.Debug("usage increment failed", zap.Int64("id", req.CommandID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type sessionCdRequest struct {
	Dir string `json:"dir"`
}

func (s *Server) handleSessionCd(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req sessionCdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Dir == "" {
		writeError(w, http.StatusBadRequest, "dir is required")
		return
	}

	if !sess.ChangeDirectory(req.Dir) {
		writeError(w, http.StatusBadRequest, "directory does not exist: "+req.Dir)
		return
	}

	dir := sess.BestKnownDir()
	s.broadcastCwd(sess.ID, dir)
	writeJSON(w, http.StatusOK, protocol.SessionCwdPayload{SessionID: sess.ID, Dir: dir})
}

func (s *Server) handleSessionCwd(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	dir := sess.CurrentDirectory(s.queryTimeout())
	writeJSON(w, http.StatusOK, protocol.SessionCwdPayload{SessionID: sess.ID, Dir: dir})
}

// Catalog handlers.

type commandRequest struct {
	Text        string `json:"text"`
	Description string `json:"description"`
	WorkingDir  string `json:"workingDir"`
}

func (s *Server) handleAddCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	cmd, err := s.catalog.Add(r.Context(), req.Text, req.Description, req.WorkingDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleSearchCommands(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit := s.searchLimit()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	results, err := s.catalog.Search(r.Context(), query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []catalog.Command{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handlePopularCommands(w http.ResponseWriter, r *http.Request) {
	results, err := s.catalog.Popular(r.Context(), s.searchLimit())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []catalog.Command{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleCommandStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.catalog.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func commandID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id, err := commandID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command id")
		return
	}

	cmd, err := s.catalog.Get(r.Context(), id)
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleUpdateCommand(w http.ResponseWriter, r *http.Request) {
	id, err := commandID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command id")
		return
	}

	var fields map[string]string
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cmd, err := s.catalog.Update(r.Context(), id, fields)
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleDeleteCommand(w http.ResponseWriter, r *http.Request) {
	id, err := commandID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command id")
		return
	}

	err = s.catalog.Delete(r.Context(), id)
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleUseCommand(w http.ResponseWriter, r *http.Request) {
	id, err := commandID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command id")
		return
	}

	err = s.catalog.IncrementUsage(r.Context(), id)
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// Assistant handlers.

type assistChatRequest struct {
	Message string `json:"message"`
}

type assistChatResponse struct {
	Reply string `json:"reply"`
	HTML  string `json:"html"`
}

func (s *Server) handleAssistChat(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		writeError(w, http.StatusServiceUnavailable, "assistant is not configured")
		return
	}

	var req assistChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	reply, err := s.assistant.Chat(r.Context(), req.Message)
	if err != nil {
		s.logger.Warn("assistant chat failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	html, err := markdown.Render(reply)
	if err != nil {
		html = ""
	}
	writeJSON(w, http.StatusOK, assistChatResponse{Reply: reply, HTML: html})
}

func (s *Server) handleAssistHistory(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		writeError(w, http.StatusServiceUnavailable, "assistant is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.assistant.History())
}

func (s *Server) handleAssistClear(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		writeError(w, http.StatusServiceUnavailable, "assistant is not configured")
		return
	}
	s.assistant.ClearHistory()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// Markdown handler.

type renderMarkdownRequest struct {
	Markdown string `json:"markdown"`
}

func (s *Server) handleRenderMarkdown(w http.ResponseWriter, r *http.Request) {
	var req renderMarkdownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	html, err := markdown.Render(req.Markdown)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"html": html})
}
