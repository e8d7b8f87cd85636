package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/service"
)

type MemoryHandler struct {
	svc *service.MemoryService
}

func NewMemoryHandler(svc *service.MemoryService) *MemoryHandler {
	return &MemoryHandler{svc: svc}
}

func requestContext(w http.ResponseWriter, r *http.Request) (domain.RequestContext, bool) {
	rc, ok := domain.RequestContextFrom(r.Context())
	if !ok || !rc.Valid() {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return domain.RequestContext{}, false
	}
	return rc, true
}

func parseIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func (h *MemoryHandler) Create(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}

	var req service.CreateMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.svc.Create(r.Context(), rc, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Status != service.StatusCreated {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (h *MemoryHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	m, err := h.svc.Get(r.Context(), rc, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type listMemoriesResponse struct {
	Memories []domain.Memory `json:"memories"`
	Total    int             `json:"total"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
}

func (h *MemoryHandler) List(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}

	opts := domain.ListOpts{
		Limit:  queryInt(r, "limit", 20),
		Offset: queryInt(r, "offset", 0),
	}
	if tags := r.URL.Query().Get("tags"); tags != "" {
		opts.Tags = strings.Split(tags, ",")
	}

	memories, total, err := h.svc.List(r.Context(), rc, opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if memories == nil {
		memories = []domain.Memory{}
	}
	writeJSON(w, http.StatusOK, listMemoriesResponse{
		Memories: memories,
		Total:    total,
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	})
}

func (h *MemoryHandler) Update(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	var req service.UpdateMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	m, err := h.svc.Update(r.Context(), rc, id, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MemoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.svc.Delete(r.Context(), rc, id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id.String()})
}

type addCorrectionRequest struct {
	CorrectedContent string `json:"corrected_content"`
	Reason           string `json:"reason,omitempty"`
}

func (h *MemoryHandler) AddCorrection(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	var req addCorrectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := h.svc.AddCorrection(r.Context(), rc, id, req.CorrectedContent, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *MemoryHandler) ListCorrections(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	corrections, err := h.svc.ListCorrections(r.Context(), rc, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if corrections == nil {
		corrections = []domain.Correction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"corrections": corrections})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
