package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/dwas-scanner/internal/data"
	"github.com/target/dwas-scanner/internal/domain/model"
	apperrors "github.com/target/dwas-scanner/internal/errors"
	"github.com/target/dwas-scanner/internal/intake"
	"github.com/target/dwas-scanner/internal/mocks"
	"github.com/target/dwas-scanner/internal/testutil"
)

const fixedJobID = "6d0c1f1e-4b0a-4f1b-9d7e-2c5a8e3b9f10"

type fakeArtifacts struct {
	mu        sync.Mutex
	acceptErr error
	accepted  []string
	removed   []string
	removeErr error
}

func (f *fakeArtifacts) Accept(_ context.Context, jobID, filename string, r io.Reader) (*intake.Artifact, error) {
	if f.acceptErr != nil {
		return nil, f.acceptErr
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, jobID)
	return &intake.Artifact{
		Filename: filename,
		Path:     "/uploads/" + jobID + "_" + filename,
		WorkDir:  "/uploads/" + jobID + "_extracted",
		Size:     int64(len(body)),
	}, nil
}

func (f *fakeArtifacts) RemovePaths(artifactPath, workDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, artifactPath, workDir)
	return f.removeErr
}

type jobServiceFixture struct {
	svc       *JobService
	repo      *mocks.MockJobRepository
	artifacts *fakeArtifacts
	events    *recordingPublisher
}

func newJobServiceFixture(t *testing.T, readRetry time.Duration) *jobServiceFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &jobServiceFixture{
		repo:      mocks.NewMockJobRepository(ctrl),
		artifacts: &fakeArtifacts{},
		events:    &recordingPublisher{},
	}
	f.svc = MustNewJobService(JobServiceOptions{
		Repo:      f.repo,
		Artifacts: f.artifacts,
		Events:    f.events,
		ReadRetry: readRetry,
		NewID:     func() string { return fixedJobID },
		Now:       testutil.TestTime,
	})
	return f
}

func TestNewJobService_RequiresDependencies(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, err := NewJobService(JobServiceOptions{Artifacts: &fakeArtifacts{}})
	require.Error(t, err)

	_, err = NewJobService(JobServiceOptions{Repo: mocks.NewMockJobRepository(ctrl)})
	require.Error(t, err)

	assert.Panics(t, func() { MustNewJobService(JobServiceOptions{}) })
}

func TestJobService_CreateStoresPendingJob(t *testing.T) {
	f := newJobServiceFixture(t, -1)
	f.repo.EXPECT().Create(gomock.Any(), &model.CreateJobRequest{
		ID:           fixedJobID,
		Filename:     "shop.zip",
		ArtifactPath: "/uploads/" + fixedJobID + "_shop.zip",
		WorkDir:      "/uploads/" + fixedJobID + "_extracted",
	}).Return(&model.Job{ID: fixedJobID, Filename: "shop.zip", Status: model.JobStatusPending}, nil)

	job, err := f.svc.Create(context.Background(), CreateScanRequest{Filename: "shop.zip", Body: strings.NewReader("PK")})

	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, []string{fixedJobID}, f.artifacts.accepted)
	assert.Empty(t, f.artifacts.removed)
	assert.Equal(t, []model.JobEventType{model.JobEventCreated}, f.events.types())
}

func TestJobService_CreateRequiresBody(t *testing.T) {
	f := newJobServiceFixture(t, -1)

	_, err := f.svc.Create(context.Background(), CreateScanRequest{Filename: "shop.zip"})

	require.True(t, apperrors.IsValidation(err))
	assert.Equal(t, "file", apperrors.GetField(err))
}

func TestJobService_CreateMapsIntakeErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code apperrors.ErrorCode
	}{
		{"bad filename", intake.ErrInvalidFilename, apperrors.ErrCodeValidation},
		{"too large", fmt.Errorf("stream: %w", intake.ErrTooLarge), apperrors.ErrCodeTooLarge},
		{"corrupt", intake.ErrCorruptArchive, apperrors.ErrCodeUnprocessable},
		{"encrypted", intake.ErrEncrypted, apperrors.ErrCodeUnprocessable},
		{"zip bomb", intake.ErrZipBomb, apperrors.ErrCodeUnprocessable},
		{"traversal", intake.ErrUnsafePath, apperrors.ErrCodeUnprocessable},
		{"client went away", context.Canceled, apperrors.ErrCodeCanceled},
		{"disk full", errors.New("no space left on device"), apperrors.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newJobServiceFixture(t, -1)
			f.artifacts.acceptErr = tt.err

			_, err := f.svc.Create(context.Background(), CreateScanRequest{Filename: "a.zip", Body: strings.NewReader("x")})

			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.GetCode(err))
			assert.ErrorIs(t, err, tt.err)
			assert.Empty(t, f.events.types())
		})
	}
}

func TestJobService_CreateRemovesUploadWhenStoreFails(t *testing.T) {
	f := newJobServiceFixture(t, -1)
	f.repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil, errors.New("dial tcp 10.0.0.5:5432: connection refused"))

	_, err := f.svc.Create(context.Background(), CreateScanRequest{Filename: "shop.zip", Body: strings.NewReader("PK")})

	require.True(t, apperrors.IsUnavailable(err), "got %v", err)
	assert.Equal(t, []string{
		"/uploads/" + fixedJobID + "_shop.zip",
		"/uploads/" + fixedJobID + "_extracted",
	}, f.artifacts.removed)
	assert.Empty(t, f.events.types())
}

func TestJobService_GetNotFound(t *testing.T) {
	f := newJobServiceFixture(t, time.Second)
	f.repo.EXPECT().GetByID(gomock.Any(), "missing").Return(nil, data.ErrJobNotFound).Times(1)

	_, err := f.svc.Get(context.Background(), "missing")

	require.True(t, apperrors.IsNotFound(err))
}

func TestJobService_GetRetriesWhileStoreUnavailable(t *testing.T) {
	f := newJobServiceFixture(t, 5*time.Second)
	job := testutil.NewJob(model.JobStatusOngoing)
	gomock.InOrder(
		f.repo.EXPECT().GetByID(gomock.Any(), job.ID).Return(nil, errors.New("connection refused")),
		f.repo.EXPECT().GetByID(gomock.Any(), job.ID).Return(nil, errors.New("bad connection")),
		f.repo.EXPECT().GetByID(gomock.Any(), job.ID).Return(job, nil),
	)

	got, err := f.svc.Get(context.Background(), job.ID)

	require.NoError(t, err)
	assert.Equal(t, job, got)
}

func TestJobService_GetGivesUpWhenContextEnds(t *testing.T) {
	f := newJobServiceFixture(t, time.Minute)
	f.repo.EXPECT().GetByID(gomock.Any(), "j").Return(nil, errors.New("connection refused")).MinTimes(1)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := f.svc.Get(ctx, "j")

	require.True(t, apperrors.IsUnavailable(err), "got %v", err)
}

func TestJobService_ListRejectsNegativePaging(t *testing.T) {
	f := newJobServiceFixture(t, -1)

	_, err := f.svc.List(context.Background(), model.JobListOptions{Limit: -1})

	require.True(t, apperrors.IsValidation(err))
}

func TestJobService_ListPassesOptions(t *testing.T) {
	f := newJobServiceFixture(t, -1)
	status := model.JobStatusCompleted
	opts := model.JobListOptions{Status: &status, Limit: 10}
	jobs := []*model.Job{testutil.NewJob(model.JobStatusCompleted)}
	f.repo.EXPECT().List(gomock.Any(), opts).Return(jobs, nil)

	got, err := f.svc.List(context.Background(), opts)

	require.NoError(t, err)
	assert.Equal(t, jobs, got)
}

func TestJobService_Update(t *testing.T) {
	t.Run("sanitizes filename", func(t *testing.T) {
		f := newJobServiceFixture(t, -1)
		job := testutil.NewJob(model.JobStatusPending)
		f.repo.EXPECT().
			Update(gomock.Any(), job.ID, model.JobUpdate{Filename: testutil.StringPtr("renamed.zip")}).
			Return(job, nil)

		_, err := f.svc.Update(context.Background(), job.ID, model.JobUpdate{Filename: testutil.StringPtr("../../renamed.zip")})

		require.NoError(t, err)
	})

	t.Run("empty update", func(t *testing.T) {
		f := newJobServiceFixture(t, -1)

		_, err := f.svc.Update(context.Background(), "j", model.JobUpdate{})

		require.True(t, apperrors.IsValidation(err))
	})

	t.Run("missing job", func(t *testing.T) {
		f := newJobServiceFixture(t, -1)
		f.repo.EXPECT().Update(gomock.Any(), "j", gomock.Any()).Return(nil, data.ErrJobNotFound)

		_, err := f.svc.Update(context.Background(), "j", model.JobUpdate{Summary: testutil.StringPtr("note")})

		require.True(t, apperrors.IsNotFound(err))
	})
}

func TestJobService_DeleteReleasesFiles(t *testing.T) {
	f := newJobServiceFixture(t, -1)
	job := testutil.NewJob(model.JobStatusCompleted)
	f.repo.EXPECT().Delete(gomock.Any(), job.ID).Return(job, nil)
	f.artifacts.removeErr = errors.New("busy")

	require.NoError(t, f.svc.Delete(context.Background(), job.ID))

	assert.Equal(t, []string{job.ArtifactPath, job.WorkDir}, f.artifacts.removed)
	assert.Equal(t, []model.JobEventType{model.JobEventDeleted}, f.events.types())
}

func TestJobService_DeleteAll(t *testing.T) {
	f := newJobServiceFixture(t, -1)
	a := testutil.NewJob(model.JobStatusCompleted)
	b := testutil.NewJob(model.JobStatusPending)
	f.repo.EXPECT().DeleteAll(gomock.Any()).Return([]*model.Job{a, b}, nil)

	n, err := f.svc.DeleteAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, f.artifacts.removed, 4)
	assert.Equal(t, []model.JobEventType{model.JobEventDeleted, model.JobEventDeleted}, f.events.types())
}

func TestJobService_Stats(t *testing.T) {
	f := newJobServiceFixture(t, -1)
	f.repo.EXPECT().Stats(gomock.Any()).Return(&model.JobStats{Pending: 2, Completed: 1}, nil)

	stats, err := f.svc.Stats(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total())
}
