package httpx

import (
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/target/dwas-scanner/internal/observability/logbuffer"
	"github.com/target/dwas-scanner/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Jobs    *service.JobService
	Reports *service.ReportService
	// Optional: in-memory log buffer served at /logs. Routes are omitted when nil.
	Logs *logbuffer.Buffer
	// Optional: limiter applied to uploads only. Nil disables rate limiting.
	UploadLimiter *rate.Limiter
	// Origins allowed to call the API from a browser.
	CORSAllowedOrigins []string
	Logger             *slog.Logger
}

// NewRouter creates and configures the HTTP router with its middleware chain.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	mux := http.NewServeMux()

	jobHandlers := &JobHandlers{Svc: services.Jobs, Logger: logger}
	reportHandlers := &ReportHandlers{Svc: services.Reports, Logger: logger}

	registerJobRoutes(mux, jobHandlers, services.UploadLimiter)
	registerReportRoutes(mux, reportHandlers)
	registerHealthRoutes(mux)
	if services.Logs != nil {
		registerLogRoutes(mux, &LogHandlers{Buffer: services.Logs})
	}

	var handler http.Handler = mux
	handler = CORS(services.CORSAllowedOrigins)(handler)
	handler = Logging(logger)(handler)
	handler = Recover(logger)(handler)
	return handler
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers, limiter *rate.Limiter) {
	mux.Handle("POST /upload", RateLimit(limiter)(http.HandlerFunc(h.Upload)))
	mux.HandleFunc("GET /jobs", h.List)
	mux.HandleFunc("DELETE /jobs", h.DeleteAll)
	mux.HandleFunc("GET /jobs/{id}", h.Get)
	mux.HandleFunc("PATCH /jobs/{id}", h.Update)
	mux.HandleFunc("DELETE /jobs/{id}", h.Delete)
}

func registerReportRoutes(mux *http.ServeMux, h *ReportHandlers) {
	mux.HandleFunc("GET /jobs/{id}/report/json", h.JSON)
	mux.HandleFunc("GET /jobs/{id}/report/html", h.HTML)
}

func registerHealthRoutes(mux *http.ServeMux) {
	// GET patterns also match HEAD.
	mux.HandleFunc("GET /healthz", healthHandler)
	mux.HandleFunc("GET /health", healthDetailHandler)
	mux.HandleFunc("GET /{$}", rootHandler)
}

func registerLogRoutes(mux *http.ServeMux, h *LogHandlers) {
	mux.HandleFunc("GET /logs", h.List)
	mux.HandleFunc("DELETE /logs", h.Clear)
}
