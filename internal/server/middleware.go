package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"projectshelf/internal/logging"
)

// AdminRequiredMiddleware admits requests carrying an admin session or a
// valid bearer token.
func (s *Server) AdminRequiredMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		via := ""

		if token, ok := bearerToken(r); ok {
			if s.checkAdminToken(token) {
				via = authViaToken
			}
		} else if session, err := s.sessionStore.Get(r, sessionName); err == nil {
			if isAdmin, _ := session.Values["is_admin"].(bool); isAdmin {
				via = authViaSession
			}
		}

		if via == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			if err := json.NewEncoder(w).Encode(map[string]string{"error": "Admin access required"}); err != nil {
				logging.Errorf("Failed to encode response: %v", err)
			}
			return
		}

		next(w, r.WithContext(setAdminContext(r.Context(), via)))
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLoggingMiddleware logs every request at debug level. Progress
// polls arrive once a second and would flood info.
func (s *Server) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Debugf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}
