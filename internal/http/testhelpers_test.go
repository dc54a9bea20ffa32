package httpx

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/dwas-scanner/internal/domain/model"
	"github.com/target/dwas-scanner/internal/intake"
	"github.com/target/dwas-scanner/internal/mocks"
	"github.com/target/dwas-scanner/internal/observability/logbuffer"
	"github.com/target/dwas-scanner/internal/service"
)

const testJobID = "2f1c6a4e-8a51-4d6f-9a43-1b0e9e6c7d21"

var testNow = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

type testAPI struct {
	handler http.Handler
	repo    *mocks.MockJobRepository
	intake  *intake.Intake
	dir     string
	logs    *logbuffer.Buffer
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	dir := t.TempDir()
	in := intake.MustNew(intake.Options{
		Dir:                  dir,
		MaxUploadBytes:       1 << 20,
		MaxUncompressedBytes: 4 << 20,
		MaxEntries:           100,
		MaxDepth:             10,
		MaxCompressionRatio:  100,
		MaxNestedArchives:    2,
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := service.MustNewJobService(service.JobServiceOptions{
		Repo:      repo,
		Artifacts: in,
		Logger:    logger,
		ReadRetry: -1,
		NewID:     func() string { return testJobID },
		Now:       func() time.Time { return testNow },
	})
	reports := service.MustNewReportService(service.ReportServiceOptions{
		Jobs:   jobs,
		Logger: logger,
		Now:    func() time.Time { return testNow },
	})
	logs := logbuffer.New(10)

	return &testAPI{
		handler: NewRouter(RouterServices{
			Jobs:               jobs,
			Reports:            reports,
			Logs:               logs,
			CORSAllowedOrigins: []string{"https://ui.example.com"},
			Logger:             logger,
		}),
		repo:   repo,
		intake: in,
		dir:    dir,
		logs:   logs,
	}
}

func (a *testAPI) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func multipartUpload(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("note", "ignored"))
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func strPtr(s string) *string { return &s }

func completedJob() *model.Job {
	done := testNow.Add(time.Minute)
	return &model.Job{
		ID:          testJobID,
		Filename:    "app.zip",
		Status:      model.JobStatusCompleted,
		Summary:     strPtr("Found 0 issues (code: 0, dependency: 0, quality: 0)"),
		Result:      json.RawMessage(`{"static_code_analysis":{"bandit":{"results":[]}},"dependency_scan":{},"coding_standards":{}}`),
		CreatedAt:   testNow,
		UpdatedAt:   done,
		CompletedAt: &done,
	}
}
