package server

import (
	"encoding/json"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"projectshelf/internal/logging"
)

// HashAdminToken hashes a bearer token for admin.token_hash.
func HashAdminToken(token string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	return string(bytes), err
}

// checkAdminToken checks token against the configured hash.
func (s *Server) checkAdminToken(token string) bool {
	hash := s.config.Admin.TokenHash
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

type loginRequest struct {
	Token string `json:"token"`
}

// handleAdminLogin exchanges the admin token for a session cookie.
func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Invalid request body"})
		return
	}
	if !s.checkAdminToken(req.Token) {
		logging.Warnf("Rejected admin login from %s", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "Invalid token"})
		return
	}

	session, err := s.sessionStore.Get(r, sessionName)
	if err != nil {
		logging.Warnf("Discarding unreadable session: %v", err)
	}
	session.Values["is_admin"] = true
	if err := session.Save(r, w); err != nil {
		logging.Errorf("Failed to save session: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Failed to save session"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleAdminLogout clears the admin session.
func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	session, _ := s.sessionStore.Get(r, sessionName)
	delete(session.Values, "is_admin")
	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		logging.Errorf("Failed to save session: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
