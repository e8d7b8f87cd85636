package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/service"
)

// ExtrasHandler exposes the extraction side tables: action items, external
// references, and conversation links.
type ExtrasHandler struct {
	memories *service.MemoryService
	extras   domain.ExtrasStore
}

func NewExtrasHandler(memories *service.MemoryService, extras domain.ExtrasStore) *ExtrasHandler {
	return &ExtrasHandler{memories: memories, extras: extras}
}

func (h *ExtrasHandler) ListActionItems(w http.ResponseWriter, r *http.Request) {
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

	items, err := h.extras.ListActionItems(r.Context(), memoryID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if items == nil {
		items = []domain.ActionItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"action_items": items, "count": len(items)})
}

type updateActionItemRequest struct {
	Status domain.ActionItemStatus `json:"status"`
}

func (h *ExtrasHandler) UpdateActionItem(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	memoryID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := parseIDParam(w, r, "itemID")
	if !ok {
		return
	}

	var req updateActionItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Status {
	case domain.ActionPending, domain.ActionInProgress, domain.ActionCompleted, domain.ActionCancelled:
	default:
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	if _, err := h.memories.Get(r.Context(), rc, memoryID); err != nil {
		writeDomainError(w, err)
		return
	}

	// The item must belong to the guarded memory.
	items, err := h.extras.ListActionItems(r.Context(), memoryID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	found := false
	for _, it := range items {
		if it.ID == itemID {
			found = true
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "action item not found")
		return
	}

	if err := h.extras.UpdateActionItemStatus(r.Context(), itemID, req.Status); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": itemID.String(), "status": string(req.Status)})
}

func (h *ExtrasHandler) ListReferences(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	memoryID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.memories.Get(r.Context(), rc, memoryID); err != nil {
		writeDomainError(w, err)
		return
	}

	refs, err := h.extras.ListExternalReferences(r.Context(), memoryID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if refs == nil {
		refs = []domain.ExternalReference{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"references": refs, "count": len(refs)})
}

type linkConversationsRequest struct {
	SourceConversationID uuid.UUID                   `json:"source_conversation_id"`
	TargetConversationID uuid.UUID                   `json:"target_conversation_id"`
	LinkType             domain.ConversationLinkType `json:"link_type"`
	Context              string                      `json:"context,omitempty"`
}

func (h *ExtrasHandler) LinkConversations(w http.ResponseWriter, r *http.Request) {
	if _, ok := requestContext(w, r); !ok {
		return
	}

	var req linkConversationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourceConversationID == uuid.Nil || req.TargetConversationID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "source and target conversation ids are required")
		return
	}
	if req.SourceConversationID == req.TargetConversationID {
		writeError(w, http.StatusBadRequest, "cannot link a conversation to itself")
		return
	}
	switch req.LinkType {
	case domain.LinkContinuation, domain.LinkReference, domain.LinkRelated, domain.LinkFollowup:
	default:
		writeError(w, http.StatusBadRequest, "invalid link_type")
		return
	}

	link := &domain.ConversationLink{
		SourceConversationID: req.SourceConversationID,
		TargetConversationID: req.TargetConversationID,
		LinkType:             req.LinkType,
		Context:              req.Context,
	}
	if err := h.extras.UpsertConversationLink(r.Context(), link); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

func (h *ExtrasHandler) ListConversationLinks(w http.ResponseWriter, r *http.Request) {
	if _, ok := requestContext(w, r); !ok {
		return
	}
	conversationID, ok := parseIDParam(w, r, "conversationID")
	if !ok {
		return
	}

	links, err := h.extras.ListConversationLinks(r.Context(), conversationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if links == nil {
		links = []domain.ConversationLink{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": links, "count": len(links)})
}
