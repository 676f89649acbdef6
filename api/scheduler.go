/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Recounts every post's reaction ledger on a fixed interval and compares it
  with the cached counters. Drift is logged and counted; nothing is repaired.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - First pass runs immediately on Start
  - Keeps the latest report for GET /api/admin/audit/last
  - Interval <= 0 disables the scheduler

USAGE:
  scheduler := NewAuditScheduler(auditor, time.Hour, logger)
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Audit endpoint (on-demand pass)
  - posts/audit.go: Auditor
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/postboard/posts"
)

// AuditRecorder receives the outcome of each scheduled pass. metrics.Metrics
// implements it.
type AuditRecorder interface {
	AuditCompleted(checked, drifted int, err error)
}

// AuditScheduler runs the ledger audit in the background.
type AuditScheduler struct {
	Auditor  *posts.Auditor
	Interval time.Duration
	Logger   *zap.SugaredLogger
	Recorder AuditRecorder

	mu      sync.Mutex
	last    *posts.AuditReport
	lastRun time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAuditScheduler creates a scheduler. Call Start to run it.
func NewAuditScheduler(auditor *posts.Auditor, interval time.Duration, logger *zap.SugaredLogger) *AuditScheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &AuditScheduler{
		Auditor:  auditor,
		Interval: interval,
		Logger:   logger,
	}
}

// Start begins the scheduler. It stops when ctx is done or Stop is called.
func (s *AuditScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Interval <= 0 {
		s.Logger.Infow("audit scheduler disabled")
		return
	}
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	s.Logger.Infow("audit scheduler started", "interval", s.Interval)
}

// Stop cancels the loop and waits for an in-flight pass to finish.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.Logger.Infow("audit scheduler stopped")
}

func (s *AuditScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs one pass and remembers its report.
func (s *AuditScheduler) RunNow(ctx context.Context) (posts.AuditReport, error) {
	report, err := s.Auditor.Audit(ctx)

	s.mu.Lock()
	s.lastRun = time.Now()
	if err == nil {
		s.last = &report
	}
	s.mu.Unlock()

	if s.Recorder != nil {
		s.Recorder.AuditCompleted(report.Checked, len(report.Drift), err)
	}
	if err != nil {
		if ctx.Err() == nil {
			s.Logger.Errorw("scheduled audit failed", "error", err)
		}
		return posts.AuditReport{}, err
	}
	if !report.Consistent() {
		s.Logger.Warnw("scheduled audit found drift", "checked", report.Checked, "drifted", len(report.Drift))
	}
	return report, nil
}

// Last returns the most recent successful report.
func (s *AuditScheduler) Last() (posts.AuditReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return posts.AuditReport{}, false
	}
	return *s.last, true
}

// NextRunTime returns when the next scheduled pass will occur.
func (s *AuditScheduler) NextRunTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun.IsZero() {
		return time.Now()
	}
	return s.lastRun.Add(s.Interval)
}
