package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

// notifyRequest is the body of POST /api/v1/admin/notify.
type notifyRequest struct {
	Kind    string          `json:"kind" validate:"required"`
	UserIDs []string        `json:"userIds" validate:"required,min=1,max=10000,dive,required,max=128"`
	Payload json.RawMessage `json:"payload"`
}

// putUserRequest is the body of PUT /api/v1/admin/users/{id}.
type putUserRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

// putChatRequest is the body of PUT /api/v1/admin/chats/{id}.
type putChatRequest struct {
	Name      string   `json:"name" validate:"max=100"`
	MemberIDs []string `json:"memberIds" validate:"required,min=1,max=1024,dive,required,max=128"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
