package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/eargollo/pbicatalog/internal/db"
	"github.com/eargollo/pbicatalog/internal/extract"
	"github.com/eargollo/pbicatalog/internal/importer"
)

// begin validates and performs the pending → running transition, then
// registers the live run. At most one run exists per scan id.
func (m *Manager) begin(ctx context.Context, id string, f Filters) (*run, *Scan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.runs[id]; busy {
		return nil, nil, fmt.Errorf("%w: scan %s is already running", ErrInvalidTransition, id)
	}
	s, err := m.transitionLocked(id, StatusRunning, []Status{StatusPending}, startProgress,
		"starting extraction", func(s *Scan) {
			if !f.IsZero() {
				fc := f
				s.Filters = &fc
			}
		})
	if err != nil {
		return nil, nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{ctx: runCtx, cancel: cancel, done: make(chan struct{})}
	m.runs[id] = r
	return r, s, nil
}

// execute drives a started scan to a terminal state. A transition refused
// because the scan was cancelled or deleted in the meantime ends the run
// quietly.
func (m *Manager) execute(r *run, s *Scan, f Filters) (err error) {
	id := s.ScanID
	defer func() {
		if p := recover(); p != nil {
			msg := fmt.Sprintf("panic: %v\n%s", p, debug.Stack())
			slog.Error("scan run panicked", "id", id, "panic", p)
			m.fail(id, msg)
			err = fmt.Errorf("scan %s: panic: %v", id, p)
		}
		m.mu.Lock()
		delete(m.runs, id)
		m.mu.Unlock()
		r.cancel()
		close(r.done)
	}()

	// ── Extraction ──
	proc, err := m.runner.Start(r.ctx, s.JSONDir, f)
	if err != nil {
		m.fail(id, err.Error())
		return err
	}
	if !m.attach(r, id, proc) {
		proc.Kill()
		proc.Wait()
		return nil
	}

	_, err = proc.Wait()
	m.mu.Lock()
	r.proc = nil
	m.mu.Unlock()
	if err != nil {
		m.fail(id, extractionMessage(err))
		return err
	}

	// ── Import ──
	if _, err := m.transition(id, StatusProcessing, []Status{StatusRunning},
		processingProgress, "processing results", nil); err != nil {
		return ignoreLostRace(err)
	}

	res, err := m.importCatalog(r.ctx, id, s)
	if err != nil {
		m.fail(id, err.Error())
		return err
	}

	_, err = m.transition(id, StatusCompleted, []Status{StatusProcessing}, doneProgress,
		fmt.Sprintf("scan completed: %d workspaces, %d datasets, %d tables", res.Workspaces, res.Datasets, res.Tables),
		func(s *Scan) {
			s.TotalWorkspaces = res.Workspaces
			s.ProcessedWorkspaces = res.Workspaces
			s.TotalDatasets = res.Datasets
			s.ProcessedDatasets = res.Datasets
		})
	return ignoreLostRace(err)
}

// attach records the live process and its pid on the scan. It reports false
// when the scan left the running state before the process was registered.
func (m *Manager) attach(r *run, id string, proc *extract.Process) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.mutateLocked(id, func(s *Scan) error {
		if s.Status != StatusRunning {
			return ErrInvalidTransition
		}
		s.ExtractorPID = proc.PID()
		return nil
	})
	if err != nil {
		return false
	}
	r.proc = proc
	return true
}

func (m *Manager) importCatalog(ctx context.Context, id string, s *Scan) (importer.Result, error) {
	catalog, err := db.OpenCatalog(ctx, s.DBPath)
	if err != nil {
		return importer.Result{}, fmt.Errorf("open catalog: %w", err)
	}
	defer catalog.Close()

	im := importer.New(catalog)
	im.OnProgress = func(p importer.Progress) {
		_, err := m.mutate(id, func(s *Scan) error {
			if s.Status != StatusProcessing {
				return ErrInvalidTransition
			}
			s.TotalWorkspaces = p.WorkspacesTotal
			s.ProcessedWorkspaces = p.WorkspacesDone
			s.ProcessedDatasets = p.DatasetsDone
			raiseProgress(s, importProgress(p))
			return nil
		})
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			slog.Warn("persist import progress", "id", id, "error", err)
		}
	}

	res, err := im.Import(ctx, s.JSONDir, m.tenantID)
	if err != nil {
		return res, err
	}

	_, err = m.mutate(id, func(s *Scan) error {
		if s.Status != StatusProcessing {
			return ErrInvalidTransition
		}
		raiseProgress(s, importedProgress)
		m.appendLog(s, "Database import completed")
		return nil
	})
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		return res, err
	}
	return res, nil
}

// fail moves a live scan to failed with msg as its error message.
func (m *Manager) fail(id, msg string) {
	_, err := m.transition(id, StatusFailed, []Status{StatusRunning, StatusProcessing}, 0,
		"scan failed", failWith(msg))
	if err != nil && !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrNotFound) {
		slog.Error("record scan failure", "id", id, "error", err)
	}
}

// extractionMessage prefers the extractor's own diagnostics.
func extractionMessage(err error) string {
	var ee *extract.ExtractionError
	if errors.As(err, &ee) {
		if ee.TimedOut {
			return ee.Error()
		}
		if strings.TrimSpace(ee.Stderr) != "" {
			return ee.Stderr
		}
	}
	return err.Error()
}

func ignoreLostRace(err error) error {
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
