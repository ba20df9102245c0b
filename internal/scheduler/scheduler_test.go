package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eargollo/pbicatalog/internal/scan"
)

type fakeStarter struct {
	mu       sync.Mutex
	scans    map[string]*scan.Scan
	started  []string
	filters  []scan.Filters
	startErr error
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{scans: make(map[string]*scan.Scan)}
}

func (f *fakeStarter) Create(name, description string) (*scan.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("id%06d", len(f.scans)+1)
	s := &scan.Scan{ScanID: id, ScanName: name, Description: description, Status: scan.StatusPending}
	f.scans[id] = s
	return s.Clone(), nil
}

func (f *fakeStarter) Start(_ context.Context, id string, fl scan.Filters) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.scans[id].Status = scan.StatusRunning
	f.started = append(f.started, id)
	f.filters = append(f.filters, fl)
	return nil
}

func (f *fakeStarter) Get(id string) (*scan.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.scans[id]
	if !ok {
		return nil, scan.ErrNotFound
	}
	return s.Clone(), nil
}

func (f *fakeStarter) finish(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans[id].Status = scan.StatusCompleted
}

func TestTriggerCreatesAndStartsScan(t *testing.T) {
	fs := newFakeStarter()
	s := New(context.Background(), fs)
	s.now = func() time.Time { return time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC) }
	if err := s.SetSchedule("0 2 * * *", scan.Filters{Workspace: "Finance"}); err != nil {
		t.Fatalf("SetSchedule: %v", err)
	}

	id, err := s.Trigger()
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	got, _ := fs.Get(id)
	if got.ScanName != "scheduled_2024-03-01_02-00-00" {
		t.Errorf("ScanName: got %q", got.ScanName)
	}
	if !strings.Contains(got.Description, "0 2 * * *") {
		t.Errorf("Description: got %q", got.Description)
	}
	if len(fs.started) != 1 || fs.filters[0].Workspace != "Finance" {
		t.Errorf("started: got %v with filters %+v", fs.started, fs.filters)
	}
}

func TestTriggerSkipsWhilePreviousScanActive(t *testing.T) {
	fs := newFakeStarter()
	s := New(context.Background(), fs)

	first, err := s.Trigger()
	if err != nil || first == "" {
		t.Fatalf("first Trigger: id=%q err=%v", first, err)
	}
	second, err := s.Trigger()
	if err != nil {
		t.Fatalf("second Trigger: %v", err)
	}
	if second != "" {
		t.Errorf("second Trigger: got id %q, want skipped", second)
	}

	fs.finish(first)
	third, err := s.Trigger()
	if err != nil || third == "" || third == first {
		t.Errorf("third Trigger: id=%q err=%v, want a new scan", third, err)
	}
}

func TestTriggerStartError(t *testing.T) {
	fs := newFakeStarter()
	fs.startErr = scan.ErrInvalidTransition
	s := New(context.Background(), fs)

	if _, err := s.Trigger(); !errors.Is(err, scan.ErrInvalidTransition) {
		t.Errorf("Trigger: got %v, want ErrInvalidTransition", err)
	}
}

func TestSetScheduleRejectsInvalidExpression(t *testing.T) {
	s := New(context.Background(), newFakeStarter())
	if err := s.SetSchedule("not a cron", scan.Filters{}); err == nil {
		t.Fatal("SetSchedule: expected error")
	}
	if s.CronExpr() != "" {
		t.Errorf("CronExpr: got %q, want empty after rejected expression", s.CronExpr())
	}
}

func TestNextRunAt(t *testing.T) {
	s := New(context.Background(), newFakeStarter())
	if s.NextRunAt() != nil {
		t.Error("NextRunAt: want nil with no job")
	}
	if err := s.SetSchedule("@every 1h", scan.Filters{}); err != nil {
		t.Fatalf("SetSchedule: %v", err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for s.NextRunAt() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	next := s.NextRunAt()
	if next == nil {
		t.Fatal("NextRunAt: got nil after Start")
	}
	if until := time.Until(*next); until <= 0 || until > time.Hour+time.Minute {
		t.Errorf("NextRunAt: got %v from now", until)
	}

	if err := s.SetSchedule("", scan.Filters{}); err != nil {
		t.Fatalf("SetSchedule(\"\"): %v", err)
	}
	if s.NextRunAt() != nil || s.CronExpr() != "" {
		t.Error("disabled schedule still reports a job")
	}
}
