package httpx

import (
	"context"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/target/dwas-scanner/internal/service"
)

// ReportHandlers serves report downloads for finished jobs.
type ReportHandlers struct {
	Svc    *service.ReportService
	Logger *slog.Logger
}

// JSON serves the stored result document as an attachment.
func (h *ReportHandlers) JSON(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.Svc.Structured)
}

// HTML serves the human-readable report as an attachment.
func (h *ReportHandlers) HTML(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.Svc.Readable)
}

func (h *ReportHandlers) serve(
	w http.ResponseWriter,
	r *http.Request,
	render func(context.Context, string) (*service.Report, error),
) {
	report, err := render(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", report.ContentType)
	hdr.Set("Content-Length", strconv.Itoa(len(report.Body)))
	hdr.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": report.Filename}))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(report.Body); err != nil {
		// Client went away; nothing left to report to.
		return
	}
}
