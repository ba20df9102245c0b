package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eargollo/pbicatalog/internal/extract"
	"github.com/eargollo/pbicatalog/internal/snapshot"
)

// Scan is the persisted record of one scan attempt.
type Scan = snapshot.Metadata

// Filters narrows an extraction to part of the tenant.
type Filters = snapshot.Filters

// Status is a scan lifecycle state.
type Status = snapshot.Status

const (
	StatusPending    = snapshot.StatusPending
	StatusRunning    = snapshot.StatusRunning
	StatusProcessing = snapshot.StatusProcessing
	StatusCompleted  = snapshot.StatusCompleted
	StatusFailed     = snapshot.StatusFailed
	StatusCancelled  = snapshot.StatusCancelled
)

// ErrNotFound is returned for an unknown scan id.
var ErrNotFound = snapshot.ErrNotFound

// ErrInvalidTransition is returned when an operation does not apply to the
// scan's current state (e.g. cancelling a completed scan).
var ErrInvalidTransition = errors.New("invalid scan state transition")

// ErrNoCatalog is returned when a scan has no completed catalog store yet.
var ErrNoCatalog = errors.New("scan has no completed catalog")

// deleteWait bounds how long Delete waits for a live run to wind down.
const deleteWait = 10 * time.Second

// run is the live handle of a background pipeline. proc is set only while
// the extraction process is alive.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	proc *extract.Process // guarded by Manager.mu
}

// Manager owns the scan state machine. Every mutation is written through to
// the snapshot store before it returns; the in-memory map is only a read
// cache over it. It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	store    *snapshot.Store
	runner   *extract.Runner
	tenantID string

	cache map[string]*Scan
	runs  map[string]*run

	now   func() time.Time
	newID func() string
}

// NewManager creates a Manager over store. tenantID is recorded in the
// catalog ledger of every import; empty means "use the tenant summary's".
func NewManager(store *snapshot.Store, runner *extract.Runner, tenantID string) *Manager {
	return &Manager{
		store:    store,
		runner:   runner,
		tenantID: tenantID,
		cache:    make(map[string]*Scan),
		runs:     make(map[string]*run),
		now:      time.Now,
		newID:    func() string { return uuid.NewString()[:8] },
	}
}

// Create allocates a pending scan with its directory layout.
func (m *Manager) Create(name, description string) (*Scan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	layout, err := m.store.CreateLayout(name)
	if err != nil {
		return nil, fmt.Errorf("create scan layout: %w", err)
	}

	now := m.now()
	if description == "" {
		description = "Power BI scan created at " + now.Format(time.RFC3339)
	}
	s := &Scan{
		ScanID:      m.newID(),
		ScanName:    layout.Name,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   now,
		LogMessages: []snapshot.LogMessage{},
		ScanDir:     layout.ScanDir,
		JSONDir:     layout.JSONDir,
		DBPath:      layout.DBPath,
	}
	if err := m.store.Write(s); err != nil {
		os.RemoveAll(layout.ScanDir)
		return nil, fmt.Errorf("write scan metadata: %w", err)
	}
	m.cache[s.ScanID] = s

	slog.Info("scan created", "id", s.ScanID, "name", s.ScanName)
	return s.Clone(), nil
}

// Get returns a copy of the scan record.
func (m *Manager) Get(id string) (*Scan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.loadLocked(id)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// List returns every scan on disk, newest first.
func (m *Manager) List() ([]*Scan, error) {
	return m.store.List()
}

// Start performs the pending → running transition synchronously and runs the
// rest of the pipeline on a background goroutine. ctx bounds the whole run;
// callers serving a request should pass a context that outlives it.
func (m *Manager) Start(ctx context.Context, id string, f Filters) error {
	r, s, err := m.begin(ctx, id, f)
	if err != nil {
		return err
	}
	go func() {
		if err := m.execute(r, s, f); err != nil {
			slog.Debug("scan run ended with error", "id", id, "error", err)
		}
	}()
	return nil
}

// Run executes the full pipeline (extraction then import) and returns once
// the scan has reached a terminal state.
func (m *Manager) Run(ctx context.Context, id string, f Filters) error {
	r, s, err := m.begin(ctx, id, f)
	if err != nil {
		return err
	}
	return m.execute(r, s, f)
}

// Wait blocks until the background run of id, if any, has finished.
func (m *Manager) Wait(id string) {
	m.mu.Lock()
	r := m.runs[id]
	m.mu.Unlock()
	if r != nil {
		<-r.done
	}
}

// Cancel moves a pending or running scan to cancelled and forcibly
// terminates its extraction process if one is alive.
func (m *Manager) Cancel(id string) (*Scan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.transitionLocked(id, StatusCancelled,
		[]Status{StatusPending, StatusRunning}, 0, "cancelled by user", nil)
	if err != nil {
		return nil, err
	}
	if r := m.runs[id]; r != nil {
		if r.proc != nil {
			r.proc.Kill()
		}
		r.cancel()
	}
	slog.Info("scan cancelled", "id", id)
	return s, nil
}

// Delete removes the scan's directory tree and evicts it from the cache. It
// is legal in any state; a live run is stopped first (best effort).
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, err := m.loadLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	r := m.runs[id]
	if r != nil {
		if r.proc != nil {
			r.proc.Kill()
		}
		r.cancel()
	}
	m.mu.Unlock()

	if r != nil {
		select {
		case <-r.done:
		case <-time.After(deleteWait):
			slog.Warn("delete: run still winding down", "id", id)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, id)
	if err := m.store.Delete(s); err != nil {
		return err
	}
	slog.Info("scan deleted", "id", id, "dir", s.ScanDir)
	return nil
}

// CatalogPath returns the catalog database of a completed scan.
func (m *Manager) CatalogPath(id string) (string, error) {
	s, err := m.Get(id)
	if err != nil {
		return "", err
	}
	if s.Status != StatusCompleted {
		return "", fmt.Errorf("scan %s is %s: %w", id, s.Status, ErrNoCatalog)
	}
	if _, err := os.Stat(s.DBPath); err != nil {
		return "", fmt.Errorf("scan %s: %w", id, ErrNoCatalog)
	}
	return s.DBPath, nil
}

// Close stops every live run and waits for each to record its outcome.
func (m *Manager) Close() {
	m.mu.Lock()
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		r.cancel()
		runs = append(runs, r)
	}
	m.mu.Unlock()
	for _, r := range runs {
		<-r.done
	}
}

// RecoverInterrupted marks scans left running or processing by a previous
// process as failed. Call once at startup, before any scan is started.
func (m *Manager) RecoverInterrupted() error {
	scans, err := m.store.List()
	if err != nil {
		return err
	}
	for _, s := range scans {
		if s.Status != StatusRunning && s.Status != StatusProcessing {
			continue
		}
		msg := fmt.Sprintf("interrupted by restart: scan was %s when the service stopped", s.Status)
		if pid := s.ExtractorPID; pid != 0 {
			msg += fmt.Sprintf("; extractor pid %d may still be running", pid)
			slog.Warn("orphaned extractor from previous run", "id", s.ScanID, "pid", pid)
		}
		if _, err := m.transition(s.ScanID, StatusFailed,
			[]Status{StatusRunning, StatusProcessing}, 0, msg, failWith(msg)); err != nil {
			slog.Warn("recover interrupted scan", "id", s.ScanID, "error", err)
			continue
		}
		slog.Warn("marked interrupted scan as failed", "id", s.ScanID, "name", s.ScanName)
	}
	return nil
}

// ── State helpers ────────────────────────────────────────────────────────────

// loadLocked returns the cached record, reading it from disk on a miss.
func (m *Manager) loadLocked(id string) (*Scan, error) {
	if s, ok := m.cache[id]; ok {
		return s, nil
	}
	s, err := m.store.Read(id)
	if err != nil {
		return nil, err
	}
	m.cache[id] = s
	return s, nil
}

// mutateLocked applies fn to a copy of the record, persists it, then swaps
// it into the cache. A failed write evicts the entry so the next read goes
// back to disk.
func (m *Manager) mutateLocked(id string, fn func(*Scan) error) (*Scan, error) {
	cur, err := m.loadLocked(id)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := m.store.Write(next); err != nil {
		delete(m.cache, id)
		return nil, err
	}
	m.cache[id] = next
	return next.Clone(), nil
}

func (m *Manager) mutate(id string, fn func(*Scan) error) (*Scan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutateLocked(id, fn)
}

// transitionLocked moves id to `to` if its current status is in from.
// progress only ever raises the stored value; msg, when set, is appended to
// the log. Reaching a terminal state stamps completed_at and drops the
// extractor pid.
func (m *Manager) transitionLocked(id string, to Status, from []Status, progress int, msg string, apply func(*Scan)) (*Scan, error) {
	s, err := m.mutateLocked(id, func(s *Scan) error {
		if !slices.Contains(from, s.Status) {
			return fmt.Errorf("%w: scan %s is %s, cannot become %s", ErrInvalidTransition, id, s.Status, to)
		}
		s.Status = to
		raiseProgress(s, progress)
		s.ErrorMessage = ""
		if msg != "" {
			m.appendLog(s, msg)
		}
		if to.Terminal() {
			now := m.now()
			s.CompletedAt = &now
			s.ExtractorPID = 0
		}
		if apply != nil {
			apply(s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("scan status updated", "id", id, "status", to, "progress", s.Progress)
	return s, nil
}

func (m *Manager) transition(id string, to Status, from []Status, progress int, msg string, apply func(*Scan)) (*Scan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(id, to, from, progress, msg, apply)
}

func (m *Manager) appendLog(s *Scan, msg string) {
	s.LogMessages = append(s.LogMessages, snapshot.LogMessage{Timestamp: m.now(), Message: msg})
}

// failWith sets the error message of a failed scan.
func failWith(msg string) func(*Scan) {
	return func(s *Scan) { s.ErrorMessage = msg }
}

func raiseProgress(s *Scan, p int) {
	if p > 100 {
		p = 100
	}
	if p > s.Progress {
		s.Progress = p
	}
}
