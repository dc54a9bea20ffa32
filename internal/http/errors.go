package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/target/dwas-scanner/internal/errors"
	"github.com/target/dwas-scanner/internal/service"
)

type errorMapping struct {
	status  int
	errCode string
}

//nolint:gochecknoglobals // read-only lookup table
var errorMappings = map[apperrors.ErrorCode]errorMapping{
	apperrors.ErrCodeNotFound:      {http.StatusNotFound, "not_found"},
	apperrors.ErrCodeValidation:    {http.StatusBadRequest, "invalid_request"},
	apperrors.ErrCodeTooLarge:      {http.StatusRequestEntityTooLarge, "file_too_large"},
	apperrors.ErrCodeUnprocessable: {http.StatusUnprocessableEntity, "invalid_archive"},
	apperrors.ErrCodeNotReady:      {http.StatusConflict, "not_ready"},
	apperrors.ErrCodeConflict:      {http.StatusConflict, "conflict"},
	apperrors.ErrCodeUnavailable:   {http.StatusServiceUnavailable, "store_unavailable"},
	apperrors.ErrCodeTimeout:       {http.StatusGatewayTimeout, "timeout"},
	apperrors.ErrCodeCanceled:      {http.StatusBadRequest, "request_canceled"},
}

// writeServiceError maps a service error onto a status code and JSON error body.
// Unclassified errors are logged and reported as a generic 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	if errors.Is(err, service.ErrReportNotReady) {
		WriteError(w, ErrorParams{
			Code:    http.StatusConflict,
			ErrCode: "report_not_ready",
			Message: apperrors.PublicMessage(err, "report not ready"),
		})
		return
	}

	code := apperrors.GetCode(err)
	if code == "" && errors.Is(err, context.Canceled) {
		code = apperrors.ErrCodeCanceled
	}
	m, ok := errorMappings[code]
	if !ok {
		if logger != nil {
			logger.ErrorContext(r.Context(), "request failed",
				"method", r.Method, "path", r.URL.Path, "error", err)
		}
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "internal_error",
			Message: apperrors.PublicMessage(err, "internal server error"),
		})
		return
	}
	if m.status >= http.StatusInternalServerError && logger != nil {
		logger.WarnContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "status", m.status, "error", err)
	}

	WriteJSON(w, m.status, errorBody{
		Error:   m.errCode,
		Message: apperrors.PublicMessage(err, http.StatusText(m.status)),
		Field:   apperrors.GetField(err),
	})
}
