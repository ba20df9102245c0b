package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/eargollo/pbicatalog/internal/scan"
	"github.com/eargollo/pbicatalog/internal/scheduler"
)

// StatusHandler handles GET /api/status.
type StatusHandler struct {
	Manager *scan.Manager
	Sched   *scheduler.Scheduler
	Version string
}

type statusResponse struct {
	Version           string             `json:"version"`
	ActiveScans       []activeScanInfo   `json:"active_scans"`
	Schedule          scheduleInfo       `json:"schedule"`
	LastCompletedScan *completedScanInfo `json:"last_completed_scan"`
}

type activeScanInfo struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Status    scan.Status `json:"status"`
	Progress  int         `json:"progress"`
	CreatedAt time.Time   `json:"created_at"`
}

type scheduleInfo struct {
	Cron      string     `json:"cron"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at"`
}

type completedScanInfo struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	CompletedAt *time.Time `json:"completed_at"`
	Workspaces  int        `json:"workspaces"`
	Datasets    int        `json:"datasets"`
}

// ServeHTTP returns the system status as JSON.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:     h.Version,
		ActiveScans: []activeScanInfo{},
	}
	if h.Sched != nil {
		resp.Schedule = scheduleInfo{
			Cron:      h.Sched.CronExpr(),
			Enabled:   h.Sched.CronExpr() != "",
			NextRunAt: h.Sched.NextRunAt(),
		}
	}

	scans, err := h.Manager.List()
	if err != nil {
		slog.Error("status: list scans", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	for _, s := range scans {
		switch {
		case s.Status == scan.StatusRunning || s.Status == scan.StatusProcessing:
			resp.ActiveScans = append(resp.ActiveScans, activeScanInfo{
				ID:        s.ScanID,
				Name:      s.ScanName,
				Status:    s.Status,
				Progress:  s.Progress,
				CreatedAt: s.CreatedAt,
			})
		case s.Status == scan.StatusCompleted && resp.LastCompletedScan == nil:
			// scans are newest first
			resp.LastCompletedScan = &completedScanInfo{
				ID:          s.ScanID,
				Name:        s.ScanName,
				CompletedAt: s.CompletedAt,
				Workspaces:  s.TotalWorkspaces,
				Datasets:    s.TotalDatasets,
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
