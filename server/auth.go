package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/levelingai/levelingai/apperr"
)

// loginRequest is the admin credential payload.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin exchanges the single-admin credentials for a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth.AdminUsername == "" || s.cfg.Auth.JWTSecret == "" {
		s.respondError(w, apperr.New(apperr.CodeConfig, "admin auth is not configured"))
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apperr.Validation("invalid login payload"))
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.cfg.Auth.AdminUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.Auth.AdminPassword)) == 1
	if !userOK || !passOK {
		s.respondJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]string{"code": "UNAUTHORIZED", "message": "invalid credentials"},
		})
		return
	}

	now := time.Now().UTC()
	ttl := s.cfg.Auth.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   req.Username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString([]byte(s.cfg.Auth.JWTSecret))
	if err != nil {
		s.respondError(w, apperr.Wrap(apperr.CodeInternal, err, "sign token"))
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"access_token": signed,
		"token_type":   "bearer",
		"expires_in":   int(ttl.Seconds()),
	})
}

// requireAuth validates the bearer token on guarded routes. With no admin
// user configured (local development) the check is disabled.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Auth.AdminUsername == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || raw == "" {
			s.respondJSON(w, http.StatusUnauthorized, map[string]any{
				"error": map[string]string{"code": "UNAUTHORIZED", "message": "missing bearer token"},
			})
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(s.cfg.Auth.JWTSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			s.respondJSON(w, http.StatusUnauthorized, map[string]any{
				"error": map[string]string{"code": "UNAUTHORIZED", "message": "invalid or expired token"},
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
