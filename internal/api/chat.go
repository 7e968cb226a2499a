package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rakunlabs/opennotebook/internal/chatexec"
)

type chatExecuteRequest struct {
	SessionID       string                   `json:"session_id"`
	Message         string                   `json:"message"`
	SelectedContext chatexec.SelectedContext `json:"selected_context,omitempty"`
}

// ChatExecuteStream handles POST /chat/execute/stream: an ordered SSE event
// stream, framed `data: <json>\n\n` per event and flushed as each event is
// produced, terminated by a complete or error event.
//
// Grounded on the teacher's gateway.go writeSSEChunk/Content-Type/Flusher
// discipline, generalized off the OpenAI-completions chunk shape onto
// chatexec.Event.
func (s *Server) ChatExecuteStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r, s.userHeader)
	if !ok {
		httpResponse(w, "missing caller identity", http.StatusUnauthorized)
		return
	}

	var req chatExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		httpResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.Message == "" {
		httpResponse(w, "session_id and message are required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpResponse(w, "streaming not supported by this server", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := s.chat.Execute(r.Context(), req.SessionID, userID, req.Message, req.SelectedContext)
	for ev := range events {
		writeSSEEvent(w, flusher, ev)
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev chatexec.Event) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
