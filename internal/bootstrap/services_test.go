package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/dwas-scanner/config"
	"github.com/target/dwas-scanner/internal/domain/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestErrorChannelCapacity(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{
			name: "no services enabled",
			want: 0,
		},
		{
			name:  "http only",
			modes: []config.ServiceMode{config.ServiceModeHTTP},
			want:  1,
		},
		{
			name:  "worker and reaper",
			modes: []config.ServiceMode{config.ServiceModeWorker, config.ServiceModeReaper},
			want:  2,
		},
		{
			name: "all services enabled",
			modes: []config.ServiceMode{
				config.ServiceModeHTTP,
				config.ServiceModeWorker,
				config.ServiceModeReaper,
			},
			want: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}

			if got := errorChannelCapacity(enabled); got != tt.want {
				t.Fatalf("errorChannelCapacity(%v) = %d, want %d", tt.modes, got, tt.want)
			}
			if got := errorChannelBufferSize(enabled); got != tt.want+1 {
				t.Fatalf("errorChannelBufferSize(%v) = %d, want %d", tt.modes, got, tt.want+1)
			}
		})
	}
}

func TestLaunchBackground_SkipsDisabledMode(t *testing.T) {
	deps := &serviceStartupDeps{
		ctx:             context.Background(),
		logger:          discardLogger(),
		enabledServices: map[config.ServiceMode]bool{config.ServiceModeHTTP: true},
		errCh:           make(chan error, 1),
	}
	var started atomic.Bool

	done := launchBackground(deps.ctx, deps, backgroundService{
		mode:  config.ServiceModeWorker,
		name:  "worker",
		start: func(context.Context) error { started.Store(true); return nil },
	})

	assert.Nil(t, done)
	assert.False(t, started.Load())
}

func TestLaunchBackground_ReportsFailure(t *testing.T) {
	deps := &serviceStartupDeps{
		ctx:             context.Background(),
		logger:          discardLogger(),
		enabledServices: map[config.ServiceMode]bool{config.ServiceModeReaper: true},
		errCh:           make(chan error, 1),
	}
	boom := errors.New("boom")

	done := launchBackground(deps.ctx, deps, backgroundService{
		mode:  config.ServiceModeReaper,
		name:  "reaper",
		start: func(context.Context) error { return boom },
	})
	require.NotNil(t, done)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("background service did not finish")
	}
	err := <-deps.errCh
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "reaper failed")
}

type closeRecorder struct {
	closed atomic.Int32
}

func (c *closeRecorder) Publish(context.Context, model.JobEvent) error { return nil }

func (c *closeRecorder) Close() error {
	c.closed.Add(1)
	return nil
}

func TestWaitForShutdown_SignalStopsServices(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	events := &closeRecorder{}
	signals := make(chan os.Signal, 1)

	deps := &serviceStartupDeps{
		ctx:             ctx,
		logger:          discardLogger(),
		enabledServices: map[config.ServiceMode]bool{config.ServiceModeWorker: true},
		errCh:           make(chan error, 2),
	}
	handles := startBackgroundServices(deps, []backgroundService{{
		mode: config.ServiceModeWorker,
		name: "worker",
		start: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
	}})
	require.Len(t, handles, 1)

	signals <- syscall.SIGTERM
	err := waitForShutdown(shutdownConfig{
		ctx:           ctx,
		cancel:        cancel,
		errCh:         deps.errCh,
		observability: ObservabilityContainer{Events: events},
		logger:        deps.logger,
		backgrounds:   handles,
		signals:       signals,
	})

	require.NoError(t, err)
	assert.Equal(t, int32(1), events.closed.Load())
	select {
	case <-handles[0].done:
	default:
		t.Fatal("worker still running after shutdown")
	}
}

func TestWaitForShutdown_ServiceErrorIsReturned(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	errCh <- errors.New("worker failed: redis gone")
	events := &closeRecorder{}

	err := waitForShutdown(shutdownConfig{
		ctx:           ctx,
		cancel:        cancel,
		errCh:         errCh,
		observability: ObservabilityContainer{Events: events},
		logger:        discardLogger(),
		signals:       make(chan os.Signal),
	})

	require.EqualError(t, err, "worker failed: redis gone")
	assert.Error(t, ctx.Err(), "service context must be cancelled")
	assert.Equal(t, int32(1), events.closed.Load())
}

func TestWorkerBackgroundService_RequiresCoordinator(t *testing.T) {
	deps := &serviceStartupDeps{
		cfg: &ServiceOrchestrationConfig{
			Config:   &config.AppConfig{},
			Services: ServiceContainer{},
		},
		logger: discardLogger(),
	}

	err := newWorkerBackgroundService(deps).start(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan coordinator")
}
