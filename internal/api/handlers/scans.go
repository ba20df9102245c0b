package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eargollo/pbicatalog/internal/db"
	"github.com/eargollo/pbicatalog/internal/importer"
	"github.com/eargollo/pbicatalog/internal/scan"
)

// ScansHandler handles scan-related API endpoints.
type ScansHandler struct {
	Manager *scan.Manager
	// RunCtx bounds background runs. Request contexts end with the response,
	// so runs must not inherit them.
	RunCtx context.Context
}

type createRequest struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Filters     scan.Filters `json:"filters"`
	// Start defaults to true.
	Start *bool `json:"start"`
}

type startRequest struct {
	Filters scan.Filters `json:"filters"`
}

// Create handles POST /api/scans. It creates a scan and, unless start is
// false, dispatches its run in the background. The response carries the
// scan as it was created.
func (h *ScansHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	s, err := h.Manager.Create(req.Name, req.Description)
	if err != nil {
		writeScanError(w, "create", err)
		return
	}
	if req.Start != nil && !*req.Start {
		writeJSON(w, http.StatusCreated, s)
		return
	}
	if err := h.Manager.Start(h.runCtx(), s.ScanID, req.Filters); err != nil {
		writeScanError(w, "start", err)
		return
	}
	writeJSON(w, http.StatusAccepted, s)
}

// List handles GET /api/scans. Scans are returned newest first.
func (h *ScansHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	scans, err := h.Manager.List()
	if err != nil {
		writeScanError(w, "list", err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := scans[:0]
		for _, s := range scans {
			if string(s.Status) == status {
				filtered = append(filtered, s)
			}
		}
		scans = filtered
	}

	writeJSON(w, http.StatusOK, ListResponse[*scan.Scan]{
		Items:  page(scans, limit, offset),
		Total:  len(scans),
		Limit:  limit,
		Offset: offset,
	})
}

// Get handles GET /api/scans/{id}.
func (h *ScansHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.Manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeScanError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Start handles POST /api/scans/{id}/start.
func (h *ScansHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.Manager.Start(h.runCtx(), id, req.Filters); err != nil {
		writeScanError(w, "start", err)
		return
	}
	s, err := h.Manager.Get(id)
	if err != nil {
		writeScanError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusAccepted, s)
}

// Cancel handles POST /api/scans/{id}/cancel.
func (h *ScansHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	s, err := h.Manager.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		writeScanError(w, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Delete handles DELETE /api/scans/{id}.
func (h *ScansHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Manager.Delete(chi.URLParam(r, "id")); err != nil {
		writeScanError(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Runs handles GET /api/scans/{id}/runs: the import ledger of a completed
// scan's catalog.
func (h *ScansHandler) Runs(w http.ResponseWriter, r *http.Request) {
	limit, _ := parsePagination(r)

	path, err := h.Manager.CatalogPath(chi.URLParam(r, "id"))
	if err != nil {
		writeScanError(w, "runs", err)
		return
	}
	catalog, err := db.Open(path)
	if err != nil {
		writeScanError(w, "runs", err)
		return
	}
	defer catalog.Close()

	runs, err := importer.ListRuns(r.Context(), catalog, limit)
	if err != nil {
		writeScanError(w, "runs", err)
		return
	}
	if runs == nil {
		runs = []importer.Run{}
	}
	writeJSON(w, http.StatusOK, ListResponse[importer.Run]{
		Items: runs,
		Total: len(runs),
		Limit: limit,
	})
}

func (h *ScansHandler) runCtx() context.Context {
	if h.RunCtx != nil {
		return h.RunCtx
	}
	return context.Background()
}
