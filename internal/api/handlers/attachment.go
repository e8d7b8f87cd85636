package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/puo-memo/puomemo/internal/attachments"
	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/service"
)

type AttachmentHandler struct {
	memories    *service.MemoryService
	attachments *attachments.Service
}

func NewAttachmentHandler(memories *service.MemoryService, attachments *attachments.Service) *AttachmentHandler {
	return &AttachmentHandler{memories: memories, attachments: attachments}
}

// guard resolves the attachment and proves the caller can read its memory.
func (h *AttachmentHandler) guard(w http.ResponseWriter, r *http.Request, rc domain.RequestContext, id uuid.UUID) (*domain.Attachment, bool) {
	a, err := h.attachments.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	if _, err := h.memories.Get(r.Context(), rc, a.MemoryID); err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	return a, true
}

type addAttachmentsRequest struct {
	Attachments []domain.AttachmentRef `json:"attachments"`
}

func (h *AttachmentHandler) Add(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	memoryID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	var req addAttachmentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, "attachments is required")
		return
	}

	list, err := h.memories.AddAttachments(r.Context(), rc, memoryID, req.Attachments)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"attachments": list, "count": len(list)})
}

func (h *AttachmentHandler) ListByMemory(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	memoryID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	// Memory read enforces tenant and visibility.
	if _, err := h.memories.Get(r.Context(), rc, memoryID); err != nil {
		writeDomainError(w, err)
		return
	}

	list, err := h.attachments.ListByMemory(r.Context(), memoryID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if list == nil {
		list = []domain.Attachment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attachments": list, "count": len(list)})
}

func (h *AttachmentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	id, ok := parseIDParam(w, r, "attachmentID")
	if !ok {
		return
	}

	a, ok := h.guard(w, r, rc, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *AttachmentHandler) Download(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	id, ok := parseIDParam(w, r, "attachmentID")
	if !ok {
		return
	}

	if _, ok := h.guard(w, r, rc, id); !ok {
		return
	}

	a, blob, err := h.attachments.Open(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer func() { _ = blob.Close() }()

	w.Header().Set("Content-Type", a.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(a.FileSize, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Filename))
	_, _ = io.Copy(w, blob)
}
