package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"adwboard/internal/dispatch"
	"adwboard/internal/model"
	"adwboard/internal/runstate"
	"adwboard/internal/serviceapi"
	"adwboard/internal/stageflow"
)

func (r *Runtime) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/health", r.handleHealth)
	mux.HandleFunc("/api/v1/runs", r.handleRuns)
	mux.HandleFunc("/api/v1/runs/", r.handleRunByID)
	mux.HandleFunc("/api/v1/workflows/resolve", r.handleResolve)
	mux.HandleFunc("/api/v1/events/stream", r.handleEventStream)
	mux.HandleFunc("/", r.handleNotFound)
}

func (r *Runtime) handleRuns(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		runs, err := r.service.ListRuns(req.Context())
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "list_runs_failed", err.Error())
			return
		}
		if runs == nil {
			runs = []model.RunRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	case http.MethodPost:
		var payload createRunRequest
		if err := decodeJSON(req, &payload); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		record, err := r.service.CreateRun(req.Context(), serviceapi.CreateRunOptions{
			IssueNumber: payload.IssueNumber,
			Stages:      payload.Stages,
			RunID:       payload.RunID,
		})
		if err != nil {
			writeServiceError(w, "create_run_failed", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"run": record})
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET and POST are supported")
	}
}

func (r *Runtime) handleRunByID(w http.ResponseWriter, req *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/v1/runs/"), "/")
	parts := strings.Split(rest, "/")
	runID := strings.TrimSpace(parts[0])
	if runID == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_run_id", "run id is required")
		return
	}
	switch {
	case len(parts) == 1:
		switch req.Method {
		case http.MethodGet:
			r.handleGetRun(w, req, runID)
		case http.MethodDelete:
			r.handleDeleteRun(w, req, runID)
		default:
			writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET and DELETE are supported")
		}
	case len(parts) == 2 && parts[1] == "trigger":
		if req.Method != http.MethodPost {
			writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
			return
		}
		r.handleTriggerRun(w, req, runID)
	default:
		r.handleNotFound(w, req)
	}
}

func (r *Runtime) handleGetRun(w http.ResponseWriter, req *http.Request, runID string) {
	record, err := r.service.GetRun(req.Context(), runID)
	if err != nil {
		writeServiceError(w, "get_run_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": record})
}

// handleDeleteRun always answers with the full outcome; the status code
// only summarises it.
func (r *Runtime) handleDeleteRun(w http.ResponseWriter, req *http.Request, runID string) {
	outcome, err := r.service.DeleteRun(req.Context(), runID)
	if err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, "deletion_interrupted", err.Error())
		return
	}
	writeJSON(w, deletionStatusCode(outcome.Status), map[string]any{"outcome": outcome})
}

func deletionStatusCode(status model.DeletionStatus) int {
	switch status {
	case model.DeletionStatusCompleted, model.DeletionStatusNotFound:
		return http.StatusOK
	case model.DeletionStatusPartialFailure:
		return http.StatusMultiStatus
	case model.DeletionStatusValidationError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (r *Runtime) handleTriggerRun(w http.ResponseWriter, req *http.Request, runID string) {
	var payload triggerRunRequest
	if err := decodeJSON(req, &payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	invocation, err := r.service.TriggerRun(req.Context(), serviceapi.TriggerOptions{
		RunID:       runID,
		IssueNumber: payload.IssueNumber,
		Stages:      payload.Stages,
		DryRun:      payload.DryRun,
	})
	if err != nil {
		writeServiceError(w, "trigger_failed", err)
		return
	}
	status := http.StatusAccepted
	if invocation.DryRun {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"invocation": invocation})
}

func (r *Runtime) handleResolve(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}
	var payload resolveRequest
	if err := decodeJSON(req, &payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	resolution, err := r.service.ResolveWorkflow(req.Context(), payload.Stages)
	if err != nil {
		writeServiceError(w, "resolve_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow":   resolution.Workflow,
		"rule":       resolution.Rule,
		"resolution": resolution,
	})
}

func writeServiceError(w http.ResponseWriter, fallbackCode string, err error) {
	var remoteErr *serviceapi.RemoteError
	switch {
	case errors.Is(err, stageflow.ErrInvalidStageSet):
		writeAPIError(w, http.StatusBadRequest, "invalid_stage_set", err.Error())
	case errors.Is(err, model.ErrInvalidRunID):
		writeAPIError(w, http.StatusBadRequest, "invalid_run_id", err.Error())
	case errors.Is(err, dispatch.ErrIssueRequired):
		writeAPIError(w, http.StatusBadRequest, "issue_required", err.Error())
	case errors.Is(err, dispatch.ErrRunExists):
		writeAPIError(w, http.StatusConflict, "run_exists", err.Error())
	case runstate.IsNotFound(err):
		writeAPIError(w, http.StatusNotFound, "run_not_found", err.Error())
	case errors.As(err, &remoteErr):
		writeAPIError(w, remoteErr.Status, remoteErr.Code, remoteErr.Message)
	default:
		writeAPIError(w, http.StatusInternalServerError, fallbackCode, err.Error())
	}
}

func decodeJSON(req *http.Request, out any) error {
	if req.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer req.Body.Close()
	decoder := json.NewDecoder(req.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return err
	}
	return nil
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeAPIError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": apiError{
			Code:    strings.TrimSpace(code),
			Message: strings.TrimSpace(message),
		},
	})
}

type createRunRequest struct {
	IssueNumber string   `json:"issue_number"`
	Stages      []string `json:"stages"`
	RunID       string   `json:"run_id"`
}

type triggerRunRequest struct {
	IssueNumber string   `json:"issue_number"`
	Stages      []string `json:"stages"`
	DryRun      bool     `json:"dry_run"`
}

type resolveRequest struct {
	Stages []string `json:"stages"`
}
