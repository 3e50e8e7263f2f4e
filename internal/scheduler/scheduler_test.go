package scheduler

import (
	"context"
	"testing"

	"social-auto-reply-go/internal/config"
)

// dummyReprocessor implements Reprocessor but does nothing
type dummyReprocessor struct {
	calls int
}

func (d *dummyReprocessor) Reprocess(ctx context.Context, batchSize int) (int, error) {
	d.calls++
	return 0, nil
}

func TestSchedulerRestart(t *testing.T) {
	cfg := &config.SchedulerConfig{IntervalMinutes: 60, BatchSize: 10}
	sched := NewScheduler(cfg, &dummyReprocessor{})

	if err := sched.Start(); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if !sched.IsRunning() {
		t.Fatalf("scheduler should be running after Start")
	}
	if err := sched.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if sched.IsRunning() {
		t.Fatalf("scheduler should not be running after Stop")
	}
	if err := sched.Start(); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	if !sched.IsRunning() {
		t.Fatalf("scheduler should be running after second Start")
	}
	// context should be active
	if sched.ctx == nil || sched.ctx.Err() != nil {
		t.Fatalf("scheduler context should be active after restart")
	}
	sched.Stop()
}

func TestSchedulerDoubleStart(t *testing.T) {
	cfg := &config.SchedulerConfig{IntervalMinutes: 60, BatchSize: 10}
	sched := NewScheduler(cfg, &dummyReprocessor{})

	if err := sched.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := sched.Start(); err == nil {
		t.Fatalf("second start without stop should fail")
	}
	sched.Stop()
}

func TestRunOnce(t *testing.T) {
	cfg := &config.SchedulerConfig{IntervalMinutes: 60, BatchSize: 10}
	rp := &dummyReprocessor{}
	sched := NewScheduler(cfg, rp)

	if err := sched.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := sched.RunOnce(); err != nil {
		t.Fatalf("run once failed: %v", err)
	}
	if rp.calls != 1 {
		t.Fatalf("expected one reprocessing pass, got %d", rp.calls)
	}
	sched.Stop()
}

func TestGetNextRunWhenStopped(t *testing.T) {
	cfg := &config.SchedulerConfig{IntervalMinutes: 60, BatchSize: 10}
	sched := NewScheduler(cfg, &dummyReprocessor{})

	if !sched.GetNextRun().IsZero() {
		t.Fatalf("next run should be zero when stopped")
	}
}
