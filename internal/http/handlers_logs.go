package httpx

import (
	"net/http"

	"github.com/target/dwas-scanner/internal/observability/logbuffer"
)

// LogHandlers exposes the in-memory log buffer.
type LogHandlers struct {
	Buffer *logbuffer.Buffer
}

type logsResponse struct {
	Logs      []logbuffer.Entry `json:"logs"`
	TotalLogs int               `json:"total_logs"`
}

// List returns buffered log entries, oldest first.
func (h *LogHandlers) List(w http.ResponseWriter, _ *http.Request) {
	entries := h.Buffer.Entries()
	WriteJSON(w, http.StatusOK, logsResponse{Logs: entries, TotalLogs: len(entries)})
}

// Clear drops every buffered entry.
func (h *LogHandlers) Clear(w http.ResponseWriter, _ *http.Request) {
	h.Buffer.Clear()
	WriteJSON(w, http.StatusOK, map[string]string{"message": "Logs cleared successfully"})
}
