// Package scheduler fires catalog scans on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eargollo/pbicatalog/internal/scan"
)

// ScanStarter is the part of the orchestrator a schedule needs.
type ScanStarter interface {
	Create(name, description string) (*scan.Scan, error)
	Start(ctx context.Context, id string, f scan.Filters) error
	Get(id string) (*scan.Scan, error)
}

// Scheduler wraps robfig/cron and tracks the next scheduled run. A tick is
// skipped while the scan started by the previous tick is still live.
type Scheduler struct {
	mu       sync.RWMutex
	c        *cron.Cron
	entryID  cron.EntryID
	cronExpr string
	filters  scan.Filters

	ctx     context.Context
	starter ScanStarter
	lastID  string
	now     func() time.Time
}

// New creates a stopped Scheduler. Scans it starts run under ctx.
func New(ctx context.Context, starter ScanStarter) *Scheduler {
	return &Scheduler{
		c:       cron.New(),
		ctx:     ctx,
		starter: starter,
		now:     time.Now,
	}
}

// SetSchedule replaces the current job. An empty expression disables
// scheduling. If the scheduler is already running, the change takes effect
// immediately.
func (s *Scheduler) SetSchedule(expr string, f scan.Filters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expr == "" {
		if s.entryID != 0 {
			s.c.Remove(s.entryID)
			s.entryID = 0
		}
		s.cronExpr = ""
		slog.Info("scheduler: disabled")
		return nil
	}

	id, err := s.c.AddFunc(expr, func() {
		if _, err := s.Trigger(); err != nil {
			slog.Error("scheduler: scheduled scan", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	if s.entryID != 0 {
		s.c.Remove(s.entryID)
	}
	s.entryID = id
	s.cronExpr = expr
	s.filters = f
	slog.Info("scheduler: job set", "cron", expr)
	return nil
}

// Trigger creates and starts one scheduled scan now. It returns an empty id
// when the previous scheduled scan has not reached a terminal state yet.
func (s *Scheduler) Trigger() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastID != "" {
		prev, err := s.starter.Get(s.lastID)
		if err == nil && !prev.Status.Terminal() {
			slog.Warn("scheduler: previous scan still active, skipping", "id", s.lastID, "status", prev.Status)
			return "", nil
		}
	}

	now := s.now()
	name := "scheduled_" + now.Format("2006-01-02_15-04-05")
	sc, err := s.starter.Create(name, "Scheduled scan ("+s.cronExpr+")")
	if err != nil {
		return "", fmt.Errorf("create scheduled scan: %w", err)
	}
	if err := s.starter.Start(s.ctx, sc.ScanID, s.filters); err != nil {
		return "", fmt.Errorf("start scheduled scan %s: %w", sc.ScanID, err)
	}
	s.lastID = sc.ScanID
	slog.Info("scheduler: scan started", "id", sc.ScanID, "name", sc.ScanName)
	return sc.ScanID, nil
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts the cron loop and waits for a running tick to return.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// NextRunAt returns the next scheduled time, or nil if no job is set or the
// loop is not running.
func (s *Scheduler) NextRunAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.entryID == 0 {
		return nil
	}
	entry := s.c.Entry(s.entryID)
	if entry.ID == 0 || entry.Next.IsZero() {
		return nil
	}
	t := entry.Next
	return &t
}

// CronExpr returns the current cron expression.
func (s *Scheduler) CronExpr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cronExpr
}
