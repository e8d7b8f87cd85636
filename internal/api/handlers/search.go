package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/search"
)

type SearchHandler struct {
	planner *search.Planner
}

func NewSearchHandler(planner *search.Planner) *SearchHandler {
	return &SearchHandler{planner: planner}
}

func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}

	var req domain.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.planner.Search(r.Context(), rc, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SearchGet accepts simple keyword lookups on the query string.
func (h *SearchHandler) SearchGet(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	req := domain.SearchRequest{
		Query:  q.Get("q"),
		Mode:   domain.SearchMode(q.Get("mode")),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}

	resp, err := h.planner.Search(r.Context(), rc, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
