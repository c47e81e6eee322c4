package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/protocol"
	"github.com/Tyrowin/gochat-live/internal/realtime"
	"github.com/Tyrowin/gochat-live/internal/store"
)

const maxBodySize = 64 * 1024

// WebSocketHandler authenticates the request, upgrades it and starts the
// client's read/write pumps. A request without a valid credential gets 401 and
// is never upgraded.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	session, err := s.hub.Connect(r.Context(), auth.CredentialFromRequest(r))
	if err != nil {
		s.log.Info().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket authentication failed")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		s.hub.Leave(session)
		return
	}

	client := NewClient(conn, s.hub, session, r.RemoteAddr, s.cfg, s.log)
	if err := s.hub.Join(session, client); err != nil {
		client.log.Warn().Err(err).Msg("could not activate session")
		s.hub.Leave(session)
		client.Close()
		client.writeCloseMessage()
		client.closeConnection()
		return
	}

	if !s.hub.Go(client.writePump) {
		s.hub.Leave(session)
		client.Close()
		client.closeConnection()
		return
	}
	if !s.hub.Go(client.readPump) {
		s.hub.Leave(session)
		client.Close()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat server is running!")
}

// Check is the status of one dependency in the health report.
type Check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status      string           `json:"status"`
	OnlineUsers int              `json:"onlineUsers"`
	Checks      map[string]Check `json:"checks"`
	Timestamp   string           `json:"timestamp"`
}

// HealthzHandler reports store reachability and the live user count.
func (s *Server) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:      "healthy",
		OnlineUsers: len(s.hub.OnlineUserIDs()),
		Checks:      map[string]Check{},
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	start := time.Now()
	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn().Err(err).Msg("store health check failed")
		resp.Checks["store"] = Check{Status: "fail", Message: "connection failed"}
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		resp.Checks["store"] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	writeJSON(w, status, resp)
}

// OnlineHandler lists the users with at least one live connection.
func (s *Server) OnlineHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"userIds": s.hub.OnlineUserIDs()})
}

// HistoryHandler returns one page of a conversation's durable history, newest
// first. Only members may read it.
func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conversationID := chi.URLParam(r, "id")

	members, err := s.store.MembersOf(r.Context(), conversationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "chat not found")
		return
	case err != nil:
		s.log.Error().Err(err).Str("conversation_id", conversationID).Msg("membership lookup failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !lo.Contains(members, identity.UserID) {
		writeError(w, http.StatusForbidden, "not a member of this chat")
		return
	}

	page, err := s.store.ListMessages(r.Context(), conversationID, r.URL.Query().Get("cursor"), s.cfg.HistoryPageSize)
	if err != nil {
		s.log.Error().Err(err).Str("conversation_id", conversationID).Msg("history query failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if page.Messages == nil {
		page.Messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, page)
}

// NotifyHandler fans a notification raised by another part of the system out to
// the live connections of the listed users.
func (s *Server) NotifyHandler(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	delivered, err := s.hub.Notify(lo.Uniq(req.UserIDs), protocol.Kind(req.Kind), payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": delivered})
}

// PutUserHandler creates or replaces a user directory entry.
func (s *Server) PutUserHandler(w http.ResponseWriter, r *http.Request) {
	var req putUserRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	user := store.User{ID: chi.URLParam(r, "id"), Name: req.Name}
	if err := s.store.PutUser(r.Context(), user); err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("failed to store user")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// PutChatHandler creates or replaces a conversation and its member list.
func (s *Server) PutChatHandler(w http.ResponseWriter, r *http.Request) {
	var req putChatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	conv := store.Conversation{ID: chi.URLParam(r, "id"), Name: req.Name, MemberIDs: lo.Uniq(req.MemberIDs)}
	if err := s.store.PutConversation(r.Context(), conv); err != nil {
		s.log.Error().Err(err).Str("conversation_id", conv.ID).Msg("failed to store chat")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

var _ realtime.Conn = (*Client)(nil)
