package httpx

import (
	"mime"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/dwas-scanner/internal/data"
	"github.com/target/dwas-scanner/internal/domain/model"
)

func TestReportJSON_ReturnsStoredResultVerbatim(t *testing.T) {
	api := newTestAPI(t)
	job := completedJob()
	api.repo.EXPECT().GetByID(gomock.Any(), testJobID).Return(job, nil)

	rec := api.do(httptest.NewRequest(http.MethodGet, "/jobs/"+testJobID+"/report/json", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, string(job.Result), rec.Body.String())

	disposition, params, err := mime.ParseMediaType(rec.Header().Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, "attachment", disposition)
	assert.Equal(t, "app_security_report.json", params["filename"])
}

func TestReportHTML(t *testing.T) {
	api := newTestAPI(t)
	api.repo.EXPECT().GetByID(gomock.Any(), testJobID).Return(completedJob(), nil)

	rec := api.do(httptest.NewRequest(http.MethodGet, "/jobs/"+testJobID+"/report/html", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "app_security_report.html")
	assert.Contains(t, rec.Body.String(), "<html")
}

func TestReport_NotReady(t *testing.T) {
	for _, status := range []model.JobStatus{model.JobStatusPending, model.JobStatusOngoing} {
		t.Run(string(status), func(t *testing.T) {
			api := newTestAPI(t)
			api.repo.EXPECT().GetByID(gomock.Any(), testJobID).
				Return(&model.Job{ID: testJobID, Filename: "app.zip", Status: status}, nil).Times(2)

			for _, format := range []string{"json", "html"} {
				rec := api.do(httptest.NewRequest(http.MethodGet, "/jobs/"+testJobID+"/report/"+format, nil))

				require.Equal(t, http.StatusConflict, rec.Code)
				assert.Equal(t, "report_not_ready", decodeBody[map[string]string](t, rec)["error"])
				assert.Empty(t, rec.Header().Get("Content-Disposition"))
			}
		})
	}
}

func TestReport_NotFound(t *testing.T) {
	api := newTestAPI(t)
	api.repo.EXPECT().GetByID(gomock.Any(), "nope").Return(nil, data.ErrJobNotFound)

	rec := api.do(httptest.NewRequest(http.MethodGet, "/jobs/nope/report/json", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReport_FailedJobIsDownloadable(t *testing.T) {
	api := newTestAPI(t)
	job := completedJob()
	job.Status = model.JobStatusFailed
	job.Summary = nil
	job.Result = []byte(`{"error":"working tree unreadable","trace":"stack"}`)
	job.Error = &model.JobError{Message: "working tree unreadable", Trace: "stack"}
	api.repo.EXPECT().GetByID(gomock.Any(), testJobID).Return(job, nil)

	rec := api.do(httptest.NewRequest(http.MethodGet, "/jobs/"+testJobID+"/report/json", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, string(job.Result), rec.Body.String())
}
