package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"projectshelf/internal/logging"
	"projectshelf/internal/progress"
	"projectshelf/internal/systemcheck"
	"projectshelf/internal/update"
	"projectshelf/internal/version"
)

// TriggerUpdateRequest is the body of POST /api/admin/version.
type TriggerUpdateRequest struct {
	Method string `json:"method,omitempty"`
	Wait   bool   `json:"wait,omitempty"`
}

// TriggerUpdateResponse is returned when an update is accepted.
type TriggerUpdateResponse struct {
	Success       bool   `json:"success"`
	RunID         string `json:"runId,omitempty"`
	Stage         string `json:"stage,omitempty"`
	Method        string `json:"method,omitempty"`
	TargetVersion string `json:"targetVersion,omitempty"`
	// Outcome is set only when the caller asked to wait.
	Outcome string `json:"outcome,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ProgressResponse is returned by the progress endpoint.
type ProgressResponse struct {
	UpdateInProgress bool                     `json:"updateInProgress"`
	Progress         *progress.UpdateProgress `json:"progress"`
}

// DeploymentInfo describes how an update would run here.
type DeploymentInfo struct {
	Version          version.Info   `json:"version"`
	Signals          update.Signals `json:"signals"`
	ConfiguredMethod string         `json:"configuredMethod,omitempty"`
	SelectedMethod   update.Method  `json:"selectedMethod"`
	Supervisor       string         `json:"supervisor,omitempty"`
	DockerAvailable  bool           `json:"dockerAvailable"`
	Ceiling          string         `json:"waitCeiling"`

	Checks []systemcheck.CheckResult `json:"checks,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Errorf("Failed to encode response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"version":          version.Current(),
		"updateInProgress": s.tracker.InProgress(),
	})
}

// handleVersion handles GET and POST /api/admin/version
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleVersionCheck(w, r)
	case http.MethodPost:
		s.handleTriggerUpdate(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleVersionCheck(w http.ResponseWriter, r *http.Request) {
	var (
		res update.VersionCheckResult
		err error
	)
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		res, err = s.resolver.Refresh(r.Context())
	} else {
		res, err = s.resolver.CheckForUpdates(r.Context())
	}
	if err != nil {
		// The degraded result already says what went wrong.
		logging.Warnf("Version check degraded: %v", err)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTriggerUpdate(w http.ResponseWriter, r *http.Request) {
	var req TriggerUpdateRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, TriggerUpdateResponse{Error: "Failed to read request body"})
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, TriggerUpdateResponse{Error: "Invalid request body"})
			return
		}
	}

	method, err := update.ParseMethod(req.Method)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, TriggerUpdateResponse{Error: err.Error()})
		return
	}

	if via := getAdminFromContext(r.Context()); via != "" {
		logging.Infof("Update requested via %s (method=%q wait=%t)", via, method, req.Wait)
	}

	run, err := s.executor.Start(r.Context(), update.Request{Method: method})
	switch {
	case errors.Is(err, update.ErrConflict):
		resp := TriggerUpdateResponse{Error: "Update already in progress"}
		if p, ok := s.tracker.Current(); ok {
			resp.RunID = p.RunID
			resp.Stage = string(p.Stage)
		}
		writeJSON(w, http.StatusConflict, resp)
		return
	case errors.Is(err, update.ErrUnknownMethod):
		writeJSON(w, http.StatusBadRequest, TriggerUpdateResponse{Error: err.Error()})
		return
	case err != nil:
		logging.Errorf("Failed to start update: %v", err)
		writeJSON(w, http.StatusInternalServerError, TriggerUpdateResponse{Error: "Failed to start update"})
		return
	}

	resp := TriggerUpdateResponse{
		Success:       true,
		RunID:         run.ID(),
		Stage:         string(progress.StageStarting),
		Method:        string(run.Method()),
		TargetVersion: run.TargetVersion(),
	}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	outcome, err := run.Wait(r.Context())
	resp.Outcome = string(outcome)
	if p, ok := s.tracker.Current(); ok && p.RunID == run.ID() {
		resp.Stage = string(p.Stage)
	}

	switch outcome {
	case update.OutcomeCompleted:
		resp.Message = "Update completed"
		writeJSON(w, http.StatusOK, resp)
	case update.OutcomeFailed:
		resp.Success = false
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
	default:
		resp.Message = "Update initiated and continuing in the background; poll progress for the result"
		writeJSON(w, http.StatusAccepted, resp)
	}
}

// handleProgress handles GET /api/admin/version/progress
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := ProgressResponse{UpdateInProgress: s.tracker.InProgress()}
	if p, ok := s.tracker.Current(); ok {
		resp.Progress = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCancel handles POST /api/admin/version/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	err := s.executor.Cancel()
	switch {
	case errors.Is(err, update.ErrNoRun):
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": err.Error()})
	case errors.Is(err, update.ErrNotCancellable):
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "error": err.Error()})
	case err != nil:
		logging.Errorf("Failed to cancel update: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
	default:
		logging.Infof("Update %s cancelled", s.executor.Current().ID())
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "runId": s.executor.Current().ID()})
	}
}

// handleDeploymentInfo handles GET /api/admin/version/deployment-info
func (s *Server) handleDeploymentInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	method, signals := s.executor.SelectMethod(r.Context(), "")
	info := DeploymentInfo{
		Version:          version.Get(),
		Signals:          signals,
		ConfiguredMethod: s.config.Update.Method,
		SelectedMethod:   method,
		Supervisor:       signals.Supervisor,
		Ceiling:          s.executor.Ceiling(method).String(),
	}
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		info.DockerAvailable = s.ping(ctx) == nil
		cancel()
	}
	if s.checks != nil {
		info.Checks = s.checks.Run(r.Context(), string(method))
	}
	writeJSON(w, http.StatusOK, info)
}

// handleHistory handles GET /api/admin/version/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"history": []any{}})
		return
	}

	limit := 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}
	rows, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		logging.Errorf("Failed to load update history: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Failed to load update history"})
		return
	}
	if rows == nil {
		writeJSON(w, http.StatusOK, map[string]any{"history": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": rows})
}
