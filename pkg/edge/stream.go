package edge

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loomworks/fabric/pkg/wal"
)

// streamEnvelope is the wire shape of one server-sent event.
type streamEnvelope struct {
	Type      string                 `json:"type"`
	Seq       uint64                 `json:"seq"`
	EventType string                 `json:"event_type,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// handleExecutionStream serves the execution's event stream over SSE:
// buffered history first, then live events, closing after the terminal
// event.
func (s *Server) handleExecutionStream(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "tenant_id is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "streaming unsupported")
		return
	}

	events, err := s.rt.Stream(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		writeFault(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		payload, err := json.Marshal(envelope(event))
		if err != nil {
			s.logger.Warn("stream envelope marshal failed", "error", err)
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, payload)
		flusher.Flush()
	}
}

// envelope flattens a log event into the client wire shape. Handler events
// surface their own event_type; everything else streams under its kind.
func envelope(event wal.Event) streamEnvelope {
	env := streamEnvelope{
		Type:      string(event.Kind),
		Seq:       event.Seq,
		Data:      event.Payload,
		Timestamp: event.TS,
	}
	if event.Kind == wal.KindEventEmitted {
		if et, ok := event.Payload["event_type"].(string); ok {
			env.EventType = et
		}
		if data, ok := event.Payload["data"].(map[string]interface{}); ok {
			env.Data = data
		}
	}
	return env
}
