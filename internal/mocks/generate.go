// Package mocks provides gomock doubles for the scanner's repository and queue ports.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	mockRepo := mocks.NewMockJobRepository(ctrl)
//	mockRepo.EXPECT().GetByID(gomock.Any(), jobID).Return(job, nil)
package mocks

// JobRepository: Create, GetByID, List, Update, MarkOngoing, Complete, Fail, Delete, DeleteAll, Stats
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_repository_mock.go github.com/target/dwas-scanner/internal/core JobRepository

// ReaperRepository: RequeueExpired, FindStaleOngoing, Requeue, DeleteTerminalBefore
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=reaper_repository_mock.go github.com/target/dwas-scanner/internal/core ReaperRepository

// InFlightGuard: Acquire, Extend, Release, Held
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=inflight_guard_mock.go github.com/target/dwas-scanner/internal/core InFlightGuard
