package httpx

import (
	"io"
	"net/http"
)

const (
	healthResponse = `{"status":"ok"}`
	rootResponse   = `{"message":"DWAS Scanner API is running","status":"healthy"}`
	detailResponse = `{"status":"healthy","message":"API is accessible"}`
)

// healthHandler returns a simple 200 OK status for readiness/liveness checks.
// It never touches the job store so probes stay green while a scan backlog drains.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeStatic(w, r, healthResponse)
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	writeStatic(w, r, rootResponse)
}

func healthDetailHandler(w http.ResponseWriter, r *http.Request) {
	writeStatic(w, r, detailResponse)
}

func writeStatic(w http.ResponseWriter, r *http.Request, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.WriteString(w, body); err != nil {
		// Nothing more to do if the client connection is gone.
		return
	}
}
