package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"social-auto-reply-go/internal/config"
)

// Reprocessor re-runs dispatch against stored payloads not yet marked
// processed. Implemented by the dispatcher.
type Reprocessor interface {
	Reprocess(ctx context.Context, batchSize int) (int, error)
}

// Scheduler periodically reprocesses unhandled webhook payloads so events
// stuck by transient failures eventually resolve.
type Scheduler struct {
	cron        *cron.Cron
	entryID     cron.EntryID
	config      *config.SchedulerConfig
	reprocessor Reprocessor
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	isRunning   bool
	mu          sync.RWMutex
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg *config.SchedulerConfig, reprocessor Reprocessor) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:        cron.New(cron.WithSeconds()),
		config:      cfg,
		reprocessor: reprocessor,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}

	// Schedule the job to run every N minutes
	schedule := fmt.Sprintf("0 */%d * * * *", s.config.IntervalMinutes)

	entryID, err := s.cron.AddFunc(schedule, s.runPass)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.entryID = entryID
	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Reprocessing scheduler started with interval: %d minutes", s.config.IntervalMinutes)
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	// Cancel context to stop any running operations
	s.cancel()

	// Stop the cron scheduler
	ctx := s.cron.Stop()

	// Wait for all jobs to complete
	select {
	case <-ctx.Done():
		logrus.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduler stop timeout, forcing shutdown")
	}

	s.cron.Remove(s.entryID)
	s.isRunning = false
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// runPass is the periodic reprocessing pass.
func (s *Scheduler) runPass() {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.RLock()
	if !s.isRunning {
		s.mu.RUnlock()
		logrus.Info("Scheduler not running, skipping reprocessing pass")
		return
	}
	ctx := s.ctx
	s.mu.RUnlock()

	logrus.Info("Starting reprocessing pass")
	startTime := time.Now()

	count, err := s.reprocessor.Reprocess(ctx, s.config.BatchSize)
	if err != nil {
		logrus.Errorf("Reprocessing pass failed: %v", err)
		return
	}

	logrus.Infof("Reprocessing pass completed in %v, %d payloads reprocessed", time.Since(startTime), count)
}

// RunOnce runs a reprocessing pass immediately (for manual triggering)
func (s *Scheduler) RunOnce() error {
	logrus.Info("Running reprocessing pass once")
	s.runPass()
	return nil
}

// GetNextRun returns the time of the next scheduled run
func (s *Scheduler) GetNextRun() time.Time {
	if !s.IsRunning() {
		return time.Time{}
	}

	entry := s.cron.Entry(s.entryID)
	return entry.Next
}

// GetLastRun returns the time of the last run
func (s *Scheduler) GetLastRun() time.Time {
	if !s.IsRunning() {
		return time.Time{}
	}

	entry := s.cron.Entry(s.entryID)
	return entry.Prev
}

// Wait waits for any in-flight pass to finish
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
