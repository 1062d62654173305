package cron

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/angelmondragon/communitypay-backend/pkg/logger"
	"github.com/angelmondragon/communitypay-backend/pkg/metrics"
)

type fakeLock struct {
	held     bool
	releases int
	err      error
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error {
	f.held = false
	f.releases++
	return nil
}

type testJob struct {
	name     string
	err      error
	panicMsg string
	block    bool
	runs     int
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(ctx context.Context) error {
	t.runs++
	if t.panicMsg != "" {
		panic(t.panicMsg)
	}
	if t.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return t.err
}

func newTestService(t *testing.T, lock Lock, m *metrics.CronJobMetrics, jobs ...Job) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Logger:     logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard}),
		Registry:   NewRegistry(jobs...),
		Lock:       lock,
		Metrics:    m,
		JobTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return svc
}

func TestRunCycleContinuesPastFailingJobs(t *testing.T) {
	ok := &testJob{name: "merchant-status-refresh"}
	failing := &testJob{name: "plan-sync-retry", err: errors.New("provider unavailable")}
	last := &testJob{name: "outbox-retention"}
	lock := &fakeLock{}
	svc := newTestService(t, lock, nil, failing, ok, last)

	err := svc.runCycle(context.Background())
	if err == nil {
		t.Fatalf("expected aggregated error")
	}
	if n := len(multierr.Errors(err)); n != 1 {
		t.Fatalf("expected one failure, got %d", n)
	}
	for _, job := range []*testJob{ok, failing, last} {
		if job.runs != 1 {
			t.Fatalf("job %s ran %d times", job.name, job.runs)
		}
	}
	if lock.held || lock.releases != 1 {
		t.Fatalf("lock should be released once, held=%v releases=%d", lock.held, lock.releases)
	}
}

func TestRunCycleSkipsWhenLockHeld(t *testing.T) {
	job := &testJob{name: "merchant-status-refresh"}
	reg := prometheus.NewRegistry()
	svc := newTestService(t, &fakeLock{held: true}, metrics.NewCronJobMetrics(reg), job)

	if err := svc.runCycle(context.Background()); err != nil {
		t.Fatalf("lock contention should not error: %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("job should not run without the lock")
	}
}

func TestRunCycleLockError(t *testing.T) {
	job := &testJob{name: "merchant-status-refresh"}
	svc := newTestService(t, &fakeLock{err: errors.New("redis down")}, nil, job)

	if err := svc.runCycle(context.Background()); err == nil {
		t.Fatalf("expected lock error")
	}
	if job.runs != 0 {
		t.Fatalf("job should not run when the lock errors")
	}
}

func TestRunJobRecoversPanicAndEnforcesTimeout(t *testing.T) {
	panicking := &testJob{name: "panics", panicMsg: "nil account"}
	slow := &testJob{name: "slow", block: true}
	after := &testJob{name: "after"}
	svc := newTestService(t, &fakeLock{}, nil, panicking, slow, after)

	err := svc.runCycle(context.Background())
	errs := multierr.Errors(err)
	if len(errs) != 2 {
		t.Fatalf("expected two failures, got %v", err)
	}
	if !errors.Is(errs[1], context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded for slow job, got %v", errs[1])
	}
	if after.runs != 1 {
		t.Fatalf("jobs after a panic should still run")
	}
}

func TestNewServiceRequiresLock(t *testing.T) {
	_, err := NewService(ServiceParams{Logger: logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard})})
	if err == nil {
		t.Fatalf("expected error without lock")
	}
}
