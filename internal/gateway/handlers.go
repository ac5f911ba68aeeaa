package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/convolock/convolock/internal/coordinator"
	"github.com/convolock/convolock/internal/observability"
	"github.com/convolock/convolock/pkg/models"
)

const maxMessageBytes = 1 << 20 // 1 MiB

type messageRequest struct {
	Message string `json:"message"`
}

type messageResponse struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	Reply          string `json:"reply,omitempty"`
	Model          string `json:"model,omitempty"`
	Error          string `json:"error,omitempty"`
}

type locksResponse struct {
	Locks []lockEntry `json:"locks"`
	Count int         `json:"count"`
}

type lockEntry struct {
	ConversationID string `json:"conversation_id"`
	Held           bool   `json:"held"`
	AcquiredAt     string `json:"acquired_at,omitempty"`
	Waiters        int    `json:"waiters"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

// handleMessage submits one user message to a conversation. When the
// conversation is already processing, the baseline behavior is an
// immediate 409; passing ?wait=1 queues the request behind the current
// holder up to the configured acquire timeout instead.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := models.ConversationID(r.PathValue("id"))
	if !conversationID.Valid() {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	var req messageRequest
	body := http.MaxBytesReader(w, r.Body, maxMessageBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message must not be empty")
		return
	}

	ctx := observability.AddConversationID(r.Context(), conversationID.String())

	var result coordinator.Result
	if r.URL.Query().Get("wait") == "1" {
		result = s.coordinator.HandleQueued(ctx, conversationID, req.Message)
	} else {
		result = s.coordinator.Handle(ctx, conversationID, req.Message)
	}

	resp := messageResponse{
		ConversationID: conversationID.String(),
		Status:         string(result.Status),
		Reply:          result.Reply,
		Model:          result.Model,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	writeJSON(w, statusCode(result.Status), resp)
}

// handleLocks reports the current lock table. Read-only; the snapshot
// can be stale by the time the client reads it.
func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.Snapshot()

	resp := locksResponse{
		Locks: make([]lockEntry, 0, len(infos)),
		Count: len(infos),
	}
	for _, info := range infos {
		entry := lockEntry{
			ConversationID: info.ConversationID.String(),
			Held:           info.Held,
			Waiters:        info.Waiters,
		}
		if info.Held {
			entry.AcquiredAt = info.AcquiredAt.UTC().Format(timeFormat)
		}
		resp.Locks = append(resp.Locks, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func statusCode(status coordinator.Status) int {
	switch status {
	case coordinator.StatusCompleted:
		return http.StatusOK
	case coordinator.StatusBusy:
		return http.StatusConflict
	case coordinator.StatusLockTimeout, coordinator.StatusTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
