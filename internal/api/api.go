// Package api serves the operator HTTP endpoints of capture-api.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.temporal.io/sdk/log"

	"github.com/nucleus/capture-api/internal/auth"
	"github.com/nucleus/capture-api/internal/clone"
	"github.com/nucleus/capture-api/internal/database"
	"github.com/nucleus/capture-api/internal/logging"
	"github.com/nucleus/capture-api/internal/preview"
	"github.com/nucleus/capture-api/internal/storage"
	"github.com/nucleus/capture-api/internal/temporal"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// CloneStarter starts clone runs.
type CloneStarter interface {
	CloneProject(ctx context.Context, t clone.Trigger) (string, error)
	CloneSubset(ctx context.Context, t clone.Trigger) (string, error)
}

// RunReader reads the persisted state of clone runs.
type RunReader interface {
	GetCloneRun(ctx context.Context, runID string) (*database.CloneRun, error)
	LoadRunContext(ctx context.Context, runID string) (*clone.Snapshot, []clone.Failure, error)
}

// RunDescriber reports the engine-side state of clone runs.
type RunDescriber interface {
	DescribeCloneRun(ctx context.Context, workflowID string) (*temporal.CloneRunState, error)
}

// PreviewTicker starts preview ticks on demand.
type PreviewTicker interface {
	TriggerPreviewTick(ctx context.Context) (workflowID, runID string, err error)
}

// ScheduleController pauses and resumes the preview schedule.
type ScheduleController interface {
	PausePreviewSchedule(ctx context.Context) error
	UnpausePreviewSchedule(ctx context.Context) error
}

// Server holds the handler dependencies. Engine, Schedule, Artifacts and
// InTransaction are optional.
type Server struct {
	Clones   CloneStarter
	Runs     RunReader
	Engine   RunDescriber
	Previews PreviewTicker
	Schedule ScheduleController
	// Artifacts serves rendered previews from ArtifactBucket.
	Artifacts      storage.ObjectStore
	ArtifactBucket string
	// InTransaction runs fn inside a database transaction, so runs started by
	// fn are submitted only after it commits.
	InTransaction func(ctx context.Context, fn func(ctx context.Context) error) error
	Logger        log.Logger
}

// Routes returns the mux of all endpoints. authMW wraps the operator
// endpoints when set.
func (s *Server) Routes(authMW func(http.Handler) http.Handler) *http.ServeMux {
	if authMW == nil {
		authMW = func(h http.Handler) http.Handler { return h }
	}
	mux := http.NewServeMux()
	mux.Handle("POST /clone/projects", authMW(http.HandlerFunc(s.handleCloneProject)))
	mux.Handle("POST /clone/units", authMW(http.HandlerFunc(s.handleCloneUnits)))
	mux.Handle("GET /clone/runs/{id}", authMW(http.HandlerFunc(s.handleGetRun)))
	mux.Handle("POST /previews/tick", authMW(http.HandlerFunc(s.handlePreviewTick)))
	mux.Handle("POST /previews/schedule/pause", authMW(http.HandlerFunc(s.handlePauseSchedule)))
	mux.Handle("POST /previews/schedule/resume", authMW(http.HandlerFunc(s.handleResumeSchedule)))
	mux.Handle("GET /previews/{projectId}", authMW(http.HandlerFunc(s.handleListPreviews)))
	mux.Handle("GET /previews/{projectId}/{protocolId}", authMW(http.HandlerFunc(s.handleGetPreview)))
	mux.HandleFunc("GET /health", healthHandler)
	return mux
}

// =============================================================================
// CLONE
// =============================================================================

type startResponse struct {
	RunID string `json:"runId"`
}

func (s *Server) handleCloneProject(w http.ResponseWriter, r *http.Request) {
	s.startClone(w, r, s.Clones.CloneProject)
}

func (s *Server) handleCloneUnits(w http.ResponseWriter, r *http.Request) {
	s.startClone(w, r, s.Clones.CloneSubset)
}

func (s *Server) startClone(w http.ResponseWriter, r *http.Request, start func(context.Context, clone.Trigger) (string, error)) {
	var t clone.Trigger
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t.RequestedBy = auth.FromContext(r.Context()).Subject

	var runID string
	run := func(ctx context.Context) error {
		var err error
		runID, err = start(ctx, t)
		return err
	}
	var err error
	if s.InTransaction != nil {
		err = s.InTransaction(r.Context(), run)
	} else {
		err = run(r.Context())
	}
	if err != nil {
		if errors.Is(err, clone.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logging.OrNop(s.Logger).Error("clone request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start clone run")
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{RunID: runID})
}

type runResponse struct {
	*database.CloneRun
	Remap    *clone.Snapshot         `json:"remap,omitempty"`
	Failures []clone.Failure         `json:"failures,omitempty"`
	Engine   *temporal.CloneRunState `json:"engine,omitempty"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	run, err := s.Runs.GetCloneRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, database.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := runResponse{CloneRun: run}
	snap, failures, err := s.Runs.LoadRunContext(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(snap.ProtocolIDRemap) > 0 || len(snap.TextIDRemap) > 0 {
		resp.Remap = snap
	}
	resp.Failures = failures

	if s.Engine != nil && run.Status == database.CloneStatusRunning && run.WorkflowID.Valid {
		state, err := s.Engine.DescribeCloneRun(r.Context(), run.WorkflowID.String)
		if err != nil {
			logging.OrNop(s.Logger).Warn("failed to describe clone run", "runId", runID, "error", err)
		} else {
			resp.Engine = state
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// PREVIEWS
// =============================================================================

type tickResponse struct {
	WorkflowID string `json:"workflowId"`
	RunID      string `json:"runId"`
}

func (s *Server) handlePreviewTick(w http.ResponseWriter, r *http.Request) {
	workflowID, runID, err := s.Previews.TriggerPreviewTick(r.Context())
	if err != nil {
		logging.OrNop(s.Logger).Error("preview tick not started", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, tickResponse{WorkflowID: workflowID, RunID: runID})
}

func (s *Server) handlePauseSchedule(w http.ResponseWriter, r *http.Request) {
	s.setSchedule(w, r, true)
}

func (s *Server) handleResumeSchedule(w http.ResponseWriter, r *http.Request) {
	s.setSchedule(w, r, false)
}

func (s *Server) setSchedule(w http.ResponseWriter, r *http.Request, pause bool) {
	if s.Schedule == nil {
		writeError(w, http.StatusNotImplemented, "preview schedule is not configured")
		return
	}
	var err error
	if pause {
		err = s.Schedule.PausePreviewSchedule(r.Context())
	} else {
		err = s.Schedule.UnpausePreviewSchedule(r.Context())
	}
	if err != nil {
		logging.OrNop(s.Logger).Error("preview schedule not updated", "pause", pause, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": pause})
}

type previewList struct {
	ProjectID int64    `json:"projectId"`
	Keys      []string `json:"keys"`
}

func (s *Server) handleListPreviews(w http.ResponseWriter, r *http.Request) {
	if s.Artifacts == nil {
		writeError(w, http.StatusNotImplemented, "preview store is not configured")
		return
	}
	projectID, ok := pathID(w, r, "projectId")
	if !ok {
		return
	}
	prefix := strconv.FormatInt(projectID, 10) + "/"
	keys, err := s.Artifacts.ListPrefix(r.Context(), s.ArtifactBucket, prefix)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, previewList{ProjectID: projectID, Keys: keys})
}

func (s *Server) handleGetPreview(w http.ResponseWriter, r *http.Request) {
	if s.Artifacts == nil {
		writeError(w, http.StatusNotImplemented, "preview store is not configured")
		return
	}
	projectID, ok := pathID(w, r, "projectId")
	if !ok {
		return
	}
	protocolID, ok := pathID(w, r, "protocolId")
	if !ok {
		return
	}
	data, err := s.Artifacts.GetObject(r.Context(), s.ArtifactBucket, preview.ArtifactKey("", projectID, protocolID, "svg"))
	if err != nil {
		var storeErr *storage.Error
		if errors.As(err, &storeErr) && storeErr.Code == storage.CodeObjectNotFound {
			writeError(w, http.StatusNotFound, "preview not found")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// =============================================================================
// HELPERS
// =============================================================================

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
