package handlers

import (
	"net/http"

	"github.com/puo-memo/puomemo/internal/ws"
)

type WSHandler struct {
	hub *ws.Hub
}

func NewWSHandler(hub *ws.Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

// Connect upgrades the request; the hub owns the connection afterwards.
func (h *WSHandler) Connect(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	_ = h.hub.Serve(w, r, rc)
}
