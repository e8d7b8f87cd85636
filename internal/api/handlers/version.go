package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/service"
)

type VersionHandler struct {
	svc *service.VersioningService
}

func NewVersionHandler(svc *service.VersioningService) *VersionHandler {
	return &VersionHandler{svc: svc}
}

func (h *VersionHandler) History(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	versions, err := h.svc.History(r.Context(), rc, id, queryInt(r, "limit", 20))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if versions == nil {
		versions = []domain.MemoryVersion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions, "count": len(versions)})
}

func versionParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "invalid version number")
		return 0, false
	}
	return n, true
}

func (h *VersionHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	version, ok := versionParam(w, r)
	if !ok {
		return
	}

	v, err := h.svc.GetVersion(r.Context(), rc, id, version)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *VersionHandler) Compare(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	v1 := queryInt(r, "v1", 0)
	v2 := queryInt(r, "v2", 0)
	if v1 < 1 || v2 < 1 {
		writeError(w, http.StatusBadRequest, "v1 and v2 are required")
		return
	}

	diffs, err := h.svc.Compare(r.Context(), rc, id, v1, v2)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"v1": v1, "v2": v2, "diffs": diffs})
}

type rollbackRequest struct {
	Version int    `json:"version"`
	Reason  string `json:"reason,omitempty"`
}

func (h *VersionHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Version < 1 {
		writeError(w, http.StatusBadRequest, "version is required")
		return
	}

	m, err := h.svc.Rollback(r.Context(), rc, id, req.Version, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type pruneRequest struct {
	Keep int `json:"keep"`
}

func (h *VersionHandler) Prune(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	var req pruneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Keep < 1 {
		writeError(w, http.StatusBadRequest, "keep must be at least 1")
		return
	}

	removed, err := h.svc.Prune(r.Context(), rc, id, req.Keep)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "keep": req.Keep})
}
