package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/dwas-scanner/config"
	"github.com/target/dwas-scanner/internal/core"
	jobdomain "github.com/target/dwas-scanner/internal/domain/job"
	"github.com/target/dwas-scanner/internal/domain/model"
	"github.com/target/dwas-scanner/internal/mocks"
	"github.com/target/dwas-scanner/internal/observability/statsd"
	"github.com/target/dwas-scanner/internal/testutil"
)

// mockReaperRepo is a simple mock implementation for testing.
type mockReaperRepo struct {
	mu sync.Mutex

	requeueExpiredCalled int
	requeueExpiredCount  int64
	requeueExpiredError  error

	stale          []*model.Job
	findStaleError error
	staleParams    core.FindStaleJobsParams
	requeued       []string

	// deleteBatches is returned one batch per call; an exhausted list returns nothing.
	deleteBatches [][]*model.Job
	deleteCalled  int
	deleteError   error
}

func (m *mockReaperRepo) RequeueExpired(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeueExpiredCalled++
	if m.requeueExpiredError != nil {
		return 0, m.requeueExpiredError
	}
	return m.requeueExpiredCount, nil
}

func (m *mockReaperRepo) FindStaleOngoing(_ context.Context, params core.FindStaleJobsParams) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleParams = params
	if m.findStaleError != nil {
		return nil, m.findStaleError
	}
	return m.stale, nil
}

func (m *mockReaperRepo) Requeue(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeued = append(m.requeued, jobID)
	return true, nil
}

func (m *mockReaperRepo) DeleteTerminalBefore(context.Context, core.DeleteTerminalJobsParams) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalled++
	if m.deleteError != nil {
		return nil, m.deleteError
	}
	if len(m.deleteBatches) == 0 {
		return nil, nil
	}
	batch := m.deleteBatches[0]
	m.deleteBatches = m.deleteBatches[1:]
	return batch, nil
}

func (m *mockReaperRepo) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requeueExpiredCalled
}

type recordingReleaser struct {
	mu    sync.Mutex
	paths []string
}

func (r *recordingReleaser) RemovePaths(artifactPath, workDir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, artifactPath, workDir)
	return nil
}

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Interval:    5 * time.Minute,
		StaleAfter:  30 * time.Minute,
		MaxAttempts: 3,
		BatchSize:   100,
	}
}

func staleJob(attempts int) *model.Job {
	job := testutil.NewJob(model.JobStatusOngoing)
	job.Attempts = attempts
	return job
}

func TestNewReaperService(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobRepository(ctrl)

	t.Run("creates service with valid options", func(t *testing.T) {
		svc, err := NewReaperService(ReaperServiceOptions{
			Repo:   &mockReaperRepo{},
			Jobs:   jobs,
			Config: testReaperConfig(),
			Logger: slog.Default(),
		})
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})

	t.Run("returns error when repo is nil", func(t *testing.T) {
		_, err := NewReaperService(ReaperServiceOptions{Jobs: jobs, Config: testReaperConfig()})
		require.ErrorContains(t, err, "ReaperRepository is required")
	})

	t.Run("returns error when job repo is nil", func(t *testing.T) {
		_, err := NewReaperService(ReaperServiceOptions{Repo: &mockReaperRepo{}, Config: testReaperConfig()})
		require.ErrorContains(t, err, "JobRepository is required")
	})

	t.Run("rejects zero max attempts", func(t *testing.T) {
		cfg := testReaperConfig()
		cfg.MaxAttempts = 0
		_, err := NewReaperService(ReaperServiceOptions{Repo: &mockReaperRepo{}, Jobs: jobs, Config: cfg})
		require.Error(t, err)
	})

	t.Run("must variant panics", func(t *testing.T) {
		assert.Panics(t, func() { MustNewReaperService(ReaperServiceOptions{}) })
	})
}

func TestReaperService_RunOnce(t *testing.T) {
	t.Run("runs all cleanup operations successfully", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		jobs := mocks.NewMockJobRepository(ctrl)

		retry := staleJob(1)
		repo := &mockReaperRepo{requeueExpiredCount: 2, stale: []*model.Job{retry}}
		rec := &statsd.Recorder{}

		svc := MustNewReaperService(ReaperServiceOptions{
			Repo:    repo,
			Jobs:    jobs,
			Config:  testReaperConfig(),
			Metrics: rec,
		})

		require.NoError(t, svc.RunOnce(context.Background()))
		assert.Equal(t, 1, repo.requeueExpiredCalled)
		assert.Equal(t, []string{retry.ID}, repo.requeued)
		assert.Equal(t, 30*time.Minute, repo.staleParams.OlderThan)
		assert.Equal(t, 100, repo.staleParams.Limit)
		// Retention disabled.
		assert.Zero(t, repo.deleteCalled)

		cleanup := rec.Named("reaper.cleanup")
		require.Len(t, cleanup, 1)
		assert.Equal(t, "success", cleanup[0].Tags["result"])
		assert.Len(t, rec.Named("reaper.cleanup_operation"), 3)
	})

	t.Run("continues on partial errors", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		jobs := mocks.NewMockJobRepository(ctrl)

		repo := &mockReaperRepo{
			requeueExpiredError: errors.New("requeue error"),
			stale:               []*model.Job{staleJob(1)},
		}
		rec := &statsd.Recorder{}
		svc := MustNewReaperService(ReaperServiceOptions{
			Repo:    repo,
			Jobs:    jobs,
			Config:  testReaperConfig(),
			Metrics: rec,
		})

		err := svc.RunOnce(context.Background())
		require.ErrorContains(t, err, "requeue expired tasks")
		assert.Len(t, repo.requeued, 1)
		assert.Equal(t, "error", rec.Named("reaper.cleanup")[0].Tags["result"])
	})

	t.Run("noop when nothing to do", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		rec := &statsd.Recorder{}
		svc := MustNewReaperService(ReaperServiceOptions{
			Repo:    &mockReaperRepo{},
			Jobs:    mocks.NewMockJobRepository(ctrl),
			Config:  testReaperConfig(),
			Metrics: rec,
		})
		require.NoError(t, svc.RunOnce(context.Background()))
		assert.Equal(t, "noop", rec.Named("reaper.cleanup")[0].Tags["result"])
	})
}

func TestReaperService_recoverStaleJobs(t *testing.T) {
	t.Run("fails jobs out of attempts", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		jobs := mocks.NewMockJobRepository(ctrl)

		exhausted := staleJob(3)
		repo := &mockReaperRepo{stale: []*model.Job{exhausted}}
		events := &recordingPublisher{}

		jobs.EXPECT().Fail(gomock.Any(), exhausted.ID, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, jobErr model.JobError) (*model.Job, error) {
				assert.Equal(t, AbandonedScanMessage, jobErr.Message)
				failed := *exhausted
				failed.Status = model.JobStatusFailed
				return &failed, nil
			})

		svc := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Jobs:   jobs,
			Config: testReaperConfig(),
			Events: events,
		})

		count, err := svc.recoverStaleJobs(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		assert.Empty(t, repo.requeued)
		assert.Equal(t, []model.JobEventType{model.JobEventFailed}, events.types())
	})

	t.Run("skips jobs with a live in-flight token", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		jobs := mocks.NewMockJobRepository(ctrl)
		guard := mocks.NewMockInFlightGuard(ctrl)

		live, lost := staleJob(1), staleJob(1)
		repo := &mockReaperRepo{stale: []*model.Job{live, lost}}
		guard.EXPECT().Held(gomock.Any(), live.ID).Return(true, nil)
		guard.EXPECT().Held(gomock.Any(), lost.ID).Return(false, nil)

		svc := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Jobs:   jobs,
			Guard:  guard,
			Config: testReaperConfig(),
		})

		count, err := svc.recoverStaleJobs(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		assert.Equal(t, []string{lost.ID}, repo.requeued)
	})

	t.Run("guard error is reported and other jobs continue", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		jobs := mocks.NewMockJobRepository(ctrl)
		guard := mocks.NewMockInFlightGuard(ctrl)

		first, second := staleJob(1), staleJob(1)
		repo := &mockReaperRepo{stale: []*model.Job{first, second}}
		guard.EXPECT().Held(gomock.Any(), first.ID).Return(false, errors.New("redis down"))
		guard.EXPECT().Held(gomock.Any(), second.ID).Return(false, nil)

		svc := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Jobs:   jobs,
			Guard:  guard,
			Config: testReaperConfig(),
		})

		count, err := svc.recoverStaleJobs(context.Background())
		require.ErrorContains(t, err, "redis down")
		assert.Equal(t, int64(1), count)
		assert.Equal(t, []string{second.ID}, repo.requeued)
	})

	t.Run("job settled concurrently is not counted", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		jobs := mocks.NewMockJobRepository(ctrl)

		exhausted := staleJob(5)
		repo := &mockReaperRepo{stale: []*model.Job{exhausted}}
		jobs.EXPECT().Fail(gomock.Any(), exhausted.ID, gomock.Any()).Return(nil, jobdomain.ErrInvalidTransition)

		svc := MustNewReaperService(ReaperServiceOptions{Repo: repo, Jobs: jobs, Config: testReaperConfig()})

		count, err := svc.recoverStaleJobs(context.Background())
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestReaperService_deleteExpiredJobs(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobRepository(ctrl)

	cfg := testReaperConfig()
	cfg.Retention = 24 * time.Hour
	cfg.BatchSize = 2

	first := []*model.Job{testutil.NewJob(model.JobStatusCompleted), testutil.NewJob(model.JobStatusFailed)}
	second := []*model.Job{testutil.NewJob(model.JobStatusCompleted)}
	repo := &mockReaperRepo{deleteBatches: [][]*model.Job{first, second}}
	files := &recordingReleaser{}

	svc := MustNewReaperService(ReaperServiceOptions{Repo: repo, Jobs: jobs, Config: cfg, Files: files})

	count, err := svc.deleteExpiredJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	// A short batch ends the loop.
	assert.Equal(t, 2, repo.deleteCalled)
	assert.Len(t, files.paths, 6)
	assert.Contains(t, files.paths, first[0].WorkDir)
}

func TestReaperService_Run(t *testing.T) {
	t.Run("stops on context cancellation", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := &mockReaperRepo{}
		cfg := testReaperConfig()
		cfg.Interval = 100 * time.Millisecond

		svc := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Jobs:   mocks.NewMockJobRepository(ctrl),
			Config: cfg,
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- svc.Run(ctx)
		}()

		time.Sleep(150 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not stop after context cancellation")
		}
		assert.GreaterOrEqual(t, repo.calls(), 1)
	})

	t.Run("continues running despite cleanup errors", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := &mockReaperRepo{requeueExpiredError: errors.New("test error")}
		cfg := testReaperConfig()
		cfg.Interval = 50 * time.Millisecond

		svc := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Jobs:   mocks.NewMockJobRepository(ctrl),
			Config: cfg,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		err := svc.Run(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.GreaterOrEqual(t, repo.calls(), 2)
	})
}
