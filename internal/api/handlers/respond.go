package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/puo-memo/puomemo/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForKind maps the service error taxonomy onto HTTP.
func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalid:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindDuplicate:
		return http.StatusConflict
	case domain.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case domain.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeDomainError translates a service error. Internal causes are never
// leaked to the client.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := domain.ErrKind(err)
	status := statusForKind(kind)

	msg := "internal error"
	var de *domain.Error
	if errors.As(err, &de) && kind != domain.KindInternal {
		msg = de.Message
	}
	writeJSON(w, status, map[string]string{"error": msg, "kind": string(kind)})
}
