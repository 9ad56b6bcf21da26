package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const adminSubjectKey contextKey = "adminSubject"

// adminClaims is the operator token payload.
type adminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// handleAdminAuth exchanges the shared admin password for a bearer token.
func (s *Server) handleAdminAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password  string `json:"password"`
		StationID string `json:"stationId,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed auth request")
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.AdminPassword)) != 1 {
		s.logger.Warn().Str("remote", r.RemoteAddr).Msg("admin auth failed")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	subject := req.StationID
	if subject == "" {
		subject = "admin"
	}
	now := time.Now()
	claims := adminClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.DeviceTokenTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token signing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresIn": int(s.cfg.DeviceTokenTTL.Seconds()),
	})
}

// adminAuth guards operator endpoints with the bearer token from
// handleAdminAuth.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		claims := &adminClaims{}
		tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return []byte(s.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !tok.Valid || claims.Role != "admin" {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), adminSubjectKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminSubject returns the authenticated operator id, if any.
func adminSubject(ctx context.Context) string {
	if v, ok := ctx.Value(adminSubjectKey).(string); ok {
		return v
	}
	return ""
}
