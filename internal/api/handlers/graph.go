package handlers

import (
	"net/http"

	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/graph"
)

type GraphHandler struct {
	svc *graph.Service
}

func NewGraphHandler(svc *graph.Service) *GraphHandler {
	return &GraphHandler{svc: svc}
}

func (h *GraphHandler) SearchEntities(w http.ResponseWriter, r *http.Request) {
	if _, ok := requestContext(w, r); !ok {
		return
	}

	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}

	var entityType *domain.EntityType
	if t := q.Get("type"); t != "" {
		et := domain.EntityType(t)
		entityType = &et
	}

	entities, err := h.svc.SearchEntities(r.Context(), query, entityType, queryInt(r, "limit", 20))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entities == nil {
		entities = []domain.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities, "count": len(entities)})
}

func (h *GraphHandler) Neighborhood(w http.ResponseWriter, r *http.Request) {
	if _, ok := requestContext(w, r); !ok {
		return
	}

	name := r.URL.Query().Get("entity")
	if name == "" {
		writeError(w, http.StatusBadRequest, "entity is required")
		return
	}

	n, err := h.svc.Neighborhood(r.Context(), name, queryInt(r, "depth", 1))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}
