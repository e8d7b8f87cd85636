package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/puo-memo/puomemo/internal/domain"
)

// APIKeyAuth resolves the Bearer key to a tenant and acting user, then hangs
// the caller identity on the request context. Keys are stored hashed; the
// plaintext never touches the database.
func APIKeyAuth(tenants domain.TenantStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			tenant, user, err := tenants.GetByAPIKeyHash(r.Context(), HashAPIKey(parts[1]))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}

			rc := domain.RequestContext{
				TenantID:    tenant.ID,
				UserID:      user.ID,
				Permissions: user.Permissions,
				Role:        user.Role,
			}
			next.ServeHTTP(w, r.WithContext(domain.WithRequestContext(r.Context(), rc)))
		})
	}
}

// HashAPIKey is the canonical key hash, shared with tenant provisioning.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
