package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/swarmd/internal/agent"
	"github.com/agentmesh/swarmd/internal/busylock"
	"github.com/agentmesh/swarmd/internal/dispatch"
	"github.com/agentmesh/swarmd/internal/sessionstore"
	"github.com/agentmesh/swarmd/pkg/models"
)

// previewLen bounds how much of an incoming message is retained as the
// busy lock's task_preview.
const previewLen = 80

func preview(s string) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= previewLen {
		return string(r)
	}
	return string(r[:previewLen]) + "..."
}

// verifyPeerAuth checks the Authorization header on peer-originated
// requests. Requests without a bearer token (user-originated UI traffic)
// pass through; a token that is present must verify against the cluster's
// shared signing key, so a forged dispatch can't impersonate a node.
func (s *Server) verifyPeerAuth(r *http.Request) error {
	if s.signer == nil {
		return nil
	}
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return nil
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == auth {
		return errors.New("malformed authorization header")
	}
	_, err := s.signer.Verify(token)
	return err
}

// handleChat implements POST /api/chat: acquire the node's
// busy lock (honoring urgent preemption), run one user turn through the
// session runtime, and stream its output chunks back as ndjson.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.verifyPeerAuth(r); err != nil {
		http.Error(w, "invalid peer credentials", http.StatusUnauthorized)
		return
	}

	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AppName == "" || req.UserID == "" || req.SessionID == "" || req.Message == "" {
		http.Error(w, "app_name, user_id, session_id, and message are required", http.StatusBadRequest)
		return
	}

	key := models.SessionKey{AppName: req.AppName, UserID: req.UserID, SessionID: req.SessionID}

	// The urgent marker gates the busy-lock/cancellation machinery only —
	// it is stripped before the message ever reaches the model.
	urgent := strings.HasPrefix(req.Message, dispatch.UrgentPrefix)
	message := req.Message
	if urgent {
		message = strings.TrimPrefix(message, dispatch.UrgentPrefix)
	}

	release, ok := s.busy.TryAcquire(key.String(), preview(message))
	if !ok {
		if !urgent {
			writeJSON(w, http.StatusServiceUnavailable, busylock.NewBusyResponse(s.busy.Snapshot()))
			return
		}
		release, ok = s.preemptAndAcquire(r.Context(), key.String(), preview(message))
		if !ok {
			writeJSON(w, http.StatusServiceUnavailable, busylock.NewBusyResponse(s.busy.Snapshot()))
			return
		}
	}
	defer release()

	if s.metrics != nil {
		s.metrics.SessionStarted(req.AppName)
		started := time.Now()
		defer func() { s.metrics.SessionEnded(req.AppName, time.Since(started).Seconds()) }()
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	writeLine := func(c models.Chunk) {
		_ = enc.Encode(models.ChunkLine{Chunk: c})
		if flusher != nil {
			flusher.Flush()
		}
	}

	registry := s.toolRegistryFor(key)
	cancelCh := s.sessionCancel(key.String())

	ctx := agent.WithSystemPrompt(r.Context(), s.buildSystemPrompt())
	for item := range s.runtime.Run(ctx, key, registry, message, cancelCh) {
		if item.Chunk != nil {
			writeLine(*item.Chunk)
			continue
		}
		if item.Err == nil {
			continue
		}
		if errors.Is(item.Err, agent.ErrCancelled) {
			s.finalizeCancellation(ctx, key)
			writeLine(models.TextChunk("[cancelled]"))
			return
		}
		if s.logger != nil {
			s.logger.Error(ctx, "session run failed", "session", key.String(), "error", item.Err)
		}
		writeLine(models.TextChunk("[error] " + item.Err.Error()))
		return
	}
}

// preemptAndAcquire implements the urgent-preemption protocol: post CANCEL to the currently-held session, poll briefly for the
// lock to free, then retry the acquire once.
func (s *Server) preemptAndAcquire(ctx context.Context, sessionKey, taskPreview string) (func(), bool) {
	held := s.busy.Snapshot()
	if held.Locked && held.SessionKey != "" {
		s.sessionCancel(held.SessionKey).Post()
	}

	interval := s.cfg.Session.UrgentPollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	timeout := s.cfg.Session.UrgentPollTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	deadline := time.Now().Add(timeout)
	for {
		if release, ok := s.busy.TryAcquire(sessionKey, taskPreview); ok {
			return release, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(interval)
	}
}

// finalizeCancellation appends the cancellation notice event the runtime
// itself doesn't persist, keeping the event log well-formed for the session's next turn.
func (s *Server) finalizeCancellation(ctx context.Context, key models.SessionKey) {
	event := models.NewTextEvent(models.AuthorSystem, models.RoleSystem, "[System] Run cancelled by user request.", time.Now().UTC())
	if err := s.store.AppendEvents(ctx, key, event); err != nil && s.logger != nil {
		s.logger.Warn(ctx, "failed to persist cancellation notice", "session", key.String(), "error", err)
	}
}

// handleCancel implements POST /api/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req models.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.StatusResponse{Status: "error", Error: "invalid request body"})
		return
	}
	if req.AppName == "" || req.UserID == "" || req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, models.StatusResponse{Status: "error", Error: "app_name, user_id, and session_id are required"})
		return
	}
	key := models.SessionKey{AppName: req.AppName, UserID: req.UserID, SessionID: req.SessionID}
	s.sessionCancel(key.String()).Post()
	writeJSON(w, http.StatusOK, models.StatusResponse{Status: "success"})
}

// handleStopWorker implements POST /api/stop_worker: a leader asking this
// node (the worker, from the leader's perspective) to cancel one of its
// own in-flight sessions.
func (s *Server) handleStopWorker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.verifyPeerAuth(r); err != nil {
		writeJSON(w, http.StatusUnauthorized, models.StatusResponse{Status: "error", Error: "invalid peer credentials"})
		return
	}
	var req models.StopWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.StatusResponse{Status: "error", Error: "invalid request body"})
		return
	}
	if req.AppName == "" || req.UserID == "" || req.WorkerSessionID == "" {
		writeJSON(w, http.StatusBadRequest, models.StatusResponse{Status: "error", Error: "app_name, user_id, and worker_session_id are required"})
		return
	}
	key := models.SessionKey{AppName: req.AppName, UserID: req.UserID, SessionID: req.WorkerSessionID}
	s.sessionCancel(key.String()).Post()
	writeJSON(w, http.StatusOK, models.StatusResponse{Status: "success"})
}

// handleSessions implements POST /api/sessions (create) and GET
// /api/sessions (list).
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createSession(w, r)
	case http.MethodGet:
		s.listSessions(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type createSessionRequest struct {
	AppName string `json:"app_name"`
	UserID  string `json:"user_id"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title,omitempty"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AppName == "" || req.UserID == "" {
		http.Error(w, "app_name and user_id are required", http.StatusBadRequest)
		return
	}

	// Prefixing with the user identity keeps session_ids collision-
	// resistant across users on a shared node.
	sessionID := req.UserID + "-" + uuid.NewString()
	key := models.SessionKey{AppName: req.AppName, UserID: req.UserID, SessionID: sessionID}
	session, _, err := s.store.GetOrCreate(r.Context(), key)
	if err != nil {
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, createSessionResponse{SessionID: sessionID, Title: session.Title})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	appName := r.URL.Query().Get("app_name")
	userID := r.URL.Query().Get("user_id")
	if appName == "" || userID == "" {
		http.Error(w, "app_name and user_id query parameters are required", http.StatusBadRequest)
		return
	}
	summaries, err := s.store.List(r.Context(), appName, userID, sessionstore.ListOptions{})
	if err != nil {
		http.Error(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

// messageBlock is one rendered entry of the history response.
type messageBlock struct {
	Role   string        `json:"role"`
	Text   string        `json:"text,omitempty"`
	Blocks []models.Part `json:"blocks,omitempty"`
}

// handleSessionHistory implements GET /api/sessions/{id}/history and
// DELETE /api/sessions/{id}.
func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	sessionID := parts[0]

	appName := r.URL.Query().Get("app_name")
	userID := r.URL.Query().Get("user_id")
	if appName == "" || userID == "" {
		http.Error(w, "app_name and user_id query parameters are required", http.StatusBadRequest)
		return
	}
	key := models.SessionKey{AppName: appName, UserID: userID, SessionID: sessionID}

	switch {
	case r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "history":
		s.getHistory(w, r, key)
	case r.Method == http.MethodDelete && len(parts) == 1:
		s.deleteSession(w, r, key)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request, key models.SessionKey) {
	session, err := s.store.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, sessionstore.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	messages := make([]messageBlock, 0, len(session.Events))
	for _, ev := range session.Events {
		messages = append(messages, messageBlock{
			Role:   string(ev.Content.Role),
			Text:   ev.Content.TextContent(),
			Blocks: ev.Content.Parts,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request, key models.SessionKey) {
	if err := s.store.Delete(r.Context(), key); err != nil {
		if errors.Is(err, sessionstore.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "failed to delete session", http.StatusInternalServerError)
		return
	}
	s.forgetSession(key)
	w.WriteHeader(http.StatusOK)
}
