package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"aprovo.app/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/token",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

// withAuth requires a bearer token on non-public routes when a signing
// secret is configured; without one the API runs open (local development).
func (a *API) withAuth(next http.Handler) http.Handler {
	if !auth.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		actor, err := auth.ParseToken(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.ContextWithActor(r.Context(), actor)))
	})
}

type tokenRequest struct {
	ActorID    string `json:"actor_id"`
	Name       string `json:"name"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// handleToken issues a signed token for the given actor. Gate or remove this
// route behind a gateway in production layouts.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !auth.Enabled() {
		writeError(w, r, http.StatusServiceUnavailable, "token signing is not configured")
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ActorID) == "" {
		writeError(w, r, http.StatusBadRequest, "actor_id is required")
		return
	}
	ttl := 12 * time.Hour
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	token, err := auth.GenerateToken(req.ActorID, req.Name, ttl)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token signing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(ttl.Seconds()),
	})
}

// actorName resolves the acting identity for audit entries: the
// authenticated actor when present, otherwise the X-Actor header.
func actorName(r *http.Request) string {
	if actor, ok := auth.ActorFromContext(r.Context()); ok {
		return actor.String()
	}
	if v := strings.TrimSpace(r.Header.Get("X-Actor")); v != "" {
		return v
	}
	return "anonymous"
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
