package httpx

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/dwas-scanner/internal/data"
	"github.com/target/dwas-scanner/internal/domain/model"
	apperrors "github.com/target/dwas-scanner/internal/errors"
)

func TestUpload_CreatesPendingJob(t *testing.T) {
	api := newTestAPI(t)
	archive := zipBytes(t, map[string]string{"app/manage.py": "print('hi')\n"})

	api.repo.EXPECT().Create(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
			assert.Equal(t, testJobID, req.ID)
			assert.Equal(t, "app.zip", req.Filename)
			assert.FileExists(t, req.ArtifactPath)
			assert.DirExists(t, req.WorkDir)
			return &model.Job{ID: req.ID, Filename: req.Filename, Status: model.JobStatusPending}, nil
		})

	rec := api.do(multipartUpload(t, "file", "app.zip", archive))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decodeBody[map[string]string](t, rec)
	assert.Equal(t, map[string]string{"job_id": testJobID, "status": "pending"}, got)
	assert.FileExists(t, filepath.Join(api.dir, testJobID+"_extracted", "app", "manage.py"))
}

func TestUpload_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		filename string
		content  func(t *testing.T) []byte
		status   int
		errCode  string
	}{
		{
			name:     "corrupt archive",
			field:    "file",
			filename: "corrupt.zip",
			content:  func(*testing.T) []byte { return []byte("definitely not a zip") },
			status:   http.StatusUnprocessableEntity,
			errCode:  "invalid_archive",
		},
		{
			name:     "wrong extension",
			field:    "file",
			filename: "app.tar",
			content:  func(t *testing.T) []byte { return zipBytes(t, map[string]string{"a.py": "x"}) },
			status:   http.StatusBadRequest,
			errCode:  "invalid_request",
		},
		{
			name:     "too large",
			field:    "file",
			filename: "huge.zip",
			content:  func(*testing.T) []byte { return bytes.Repeat([]byte("z"), (1<<20)+10) },
			status:   http.StatusRequestEntityTooLarge,
			errCode:  "file_too_large",
		},
		{
			name:     "missing file field",
			field:    "attachment",
			filename: "app.zip",
			content:  func(t *testing.T) []byte { return zipBytes(t, map[string]string{"a.py": "x"}) },
			status:   http.StatusBadRequest,
			errCode:  "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t)

			rec := api.do(multipartUpload(t, tt.field, tt.filename, tt.content(t)))

			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decodeBody[map[string]string](t, rec)
			assert.Equal(t, tt.errCode, body["error"])
			assert.NotEmpty(t, body["message"])
			assert.NotContains(t, body, "job_id")

			entries, err := os.ReadDir(api.dir)
			require.NoError(t, err)
			assert.Empty(t, entries, "rejected upload must leave nothing on disk")
		})
	}
}

func TestUpload_NotMultipart(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(`{"file":"x"}`))
	req.Header.Set("Content-Type", "application/json")

	rec := api.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpload_StoreFailureRemovesArtifact(t *testing.T) {
	api := newTestAPI(t)
	api.repo.EXPECT().Create(gomock.Any(), gomock.Any()).
		Return(nil, apperrors.Unavailable(errors.New("connection refused"), "job store unavailable"))

	rec := api.do(multipartUpload(t, "file", "app.zip", zipBytes(t, map[string]string{"a.py": "x"})))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "store_unavailable", decodeBody[map[string]string](t, rec)["error"])
	entries, err := os.ReadDir(api.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListJobs(t *testing.T) {
	api := newTestAPI(t)
	older := &model.Job{ID: "b", Filename: "b.zip", Status: model.JobStatusPending, CreatedAt: testNow}
	newer := completedJob()
	api.repo.EXPECT().List(gomock.Any(), model.JobListOptions{}).Return([]*model.Job{newer, older}, nil)

	rec := api.do(httptest.NewRequest(http.MethodGet, "/jobs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody[[]map[string]any](t, rec)
	require.Len(t, items, 2)
	assert.Equal(t, testJobID, items[0]["job_id"])
	assert.Equal(t, "completed", items[0]["status"])
	assert.NotContains(t, items[0], "result")
	assert.Equal(t, "b", items[1]["job_id"])
}

func TestListJobs_FiltersAndPaging(t *testing.T) {
	api := newTestAPI(t)
	status := model.JobStatusFailed
	api.repo.EXPECT().
		List(gomock.Any(), model.JobListOptions{Status: &status, Limit: 5, Offset: 10}).
		Return([]*model.Job{}, nil)

	rec := api.do(httptest.NewRequest(http.MethodGet, "/jobs?status=FAILED&limit=5&offset=10", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestListJobs_InvalidStatus(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(httptest.NewRequest(http.MethodGet, "/jobs?status=running", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "status", body["field"])
}

func TestGetJob(t *testing.T) {
	api := newTestAPI(t)
	api.repo.EXPECT().GetByID(gomock.Any(), testJobID).Return(completedJob(), nil)

	rec := api.do(httptest.NewRequest(http.MethodGet, "/jobs/"+testJobID, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "completed", body["status"])
	assert.Contains(t, body, "result")
	assert.NotContains(t, body, "ArtifactPath")
}

func TestGetJob_NotFound(t *testing.T) {
	api := newTestAPI(t)
	api.repo.EXPECT().GetByID(gomock.Any(), "missing").Return(nil, data.ErrJobNotFound)

	rec := api.do(httptest.NewRequest(http.MethodGet, "/jobs/missing", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody[map[string]string](t, rec)["error"])
}

func TestUpdateJob(t *testing.T) {
	api := newTestAPI(t)
	updated := completedJob()
	updated.Filename = "renamed.zip"
	api.repo.EXPECT().
		Update(gomock.Any(), testJobID, model.JobUpdate{Filename: strPtr("renamed.zip")}).
		Return(updated, nil)

	req := httptest.NewRequest(http.MethodPatch, "/jobs/"+testJobID, strings.NewReader(`{"filename":"renamed.zip"}`))
	rec := api.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "renamed.zip", decodeBody[map[string]any](t, rec)["filename"])
}

func TestUpdateJob_RejectsUnknownFields(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPatch, "/jobs/"+testJobID, strings.NewReader(`{"status":"completed"}`))
	rec := api.do(req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", decodeBody[map[string]string](t, rec)["error"])
}

func TestDeleteJob_ReleasesFiles(t *testing.T) {
	api := newTestAPI(t)
	artifact, workDir := api.intake.Paths(testJobID, "app.zip")
	require.NoError(t, os.WriteFile(artifact, []byte("zip"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "src"), 0o750))

	deleted := completedJob()
	deleted.ArtifactPath = artifact
	deleted.WorkDir = workDir
	api.repo.EXPECT().Delete(gomock.Any(), testJobID).Return(deleted, nil)

	rec := api.do(httptest.NewRequest(http.MethodDelete, "/jobs/"+testJobID, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "Job deleted successfully", body["message"])
	assert.Equal(t, testJobID, body["job_id"])
	assert.NoFileExists(t, artifact)
	assert.NoDirExists(t, workDir)
}

func TestDeleteJob_NotFound(t *testing.T) {
	api := newTestAPI(t)
	api.repo.EXPECT().Delete(gomock.Any(), "gone").Return(nil, data.ErrJobNotFound)

	rec := api.do(httptest.NewRequest(http.MethodDelete, "/jobs/gone", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteAllJobs(t *testing.T) {
	api := newTestAPI(t)
	api.repo.EXPECT().DeleteAll(gomock.Any()).Return([]*model.Job{completedJob(), {ID: "other"}}, nil)

	rec := api.do(httptest.NewRequest(http.MethodDelete, "/jobs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.EqualValues(t, 2, body["deleted_count"])
	assert.Equal(t, "All 2 jobs deleted successfully", body["message"])
}

func TestDeleteAllJobs_Empty(t *testing.T) {
	api := newTestAPI(t)
	api.repo.EXPECT().DeleteAll(gomock.Any()).Return([]*model.Job{}, nil)

	rec := api.do(httptest.NewRequest(http.MethodDelete, "/jobs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.EqualValues(t, 0, body["deleted_count"])
	assert.Equal(t, "No jobs to delete", body["message"])
}
