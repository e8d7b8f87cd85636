package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/puo-memo/puomemo/internal/api/middleware"
	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/service"
	"github.com/puo-memo/puomemo/internal/store"
)

type TenantHandler struct {
	store     domain.TenantStore
	publisher service.Publisher
}

func NewTenantHandler(store domain.TenantStore, publisher service.Publisher) *TenantHandler {
	return &TenantHandler{store: store, publisher: publisher}
}

type createTenantRequest struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
	Plan string `json:"plan,omitempty"`
}

type createTenantResponse struct {
	ID     string `json:"id"`
	Slug   string `json:"slug"`
	Name   string `json:"name"`
	APIKey string `json:"api_key"`
}

// Create is the unauthenticated bootstrap endpoint. The root API key is
// returned exactly once; only its hash is stored.
func (h *TenantHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Slug == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "slug and name are required")
		return
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate API key")
		return
	}

	tenant := &domain.Tenant{Slug: req.Slug, Name: req.Name, Plan: req.Plan}
	if err := h.store.Create(r.Context(), tenant, middleware.HashAPIKey(apiKey)); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create tenant")
		return
	}

	writeJSON(w, http.StatusCreated, createTenantResponse{
		ID:     tenant.ID.String(),
		Slug:   tenant.Slug,
		Name:   tenant.Name,
		APIKey: apiKey,
	})
}

type createUserRequest struct {
	Email       string   `json:"email"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type createUserResponse struct {
	*domain.User
	APIKey string `json:"api_key"`
}

func (h *TenantHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	if rc.Role != domain.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate API key")
		return
	}

	user := &domain.User{
		TenantID:    rc.TenantID,
		Email:       req.Email,
		Role:        domain.UserRole(req.Role),
		Permissions: req.Permissions,
	}
	if err := h.store.CreateUser(r.Context(), user, middleware.HashAPIKey(apiKey)); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	if h.publisher != nil {
		h.publisher.Publish(r.Context(), domain.NewEvent(domain.EventTenantUserJoined, rc.TenantID,
			map[string]any{"user_id": user.ID.String(), "email": user.Email}))
	}
	writeJSON(w, http.StatusCreated, createUserResponse{User: user, APIKey: apiKey})
}

func (h *TenantHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}
	if rc.Role != domain.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	userID, ok := parseIDParam(w, r, "userID")
	if !ok {
		return
	}

	if err := h.store.DeleteUser(r.Context(), rc.TenantID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}

	if h.publisher != nil {
		h.publisher.Publish(r.Context(), domain.NewEvent(domain.EventTenantUserLeft, rc.TenantID,
			map[string]any{"user_id": userID.String()}))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": userID.String()})
}

func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "pm_" + hex.EncodeToString(b), nil
}
