package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/chainlearn/dalcore/internal/audit"
	"github.com/chainlearn/dalcore/internal/configstore"
	"github.com/chainlearn/dalcore/internal/registry"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]bool{}
	for node, ok := range s.gov.Health(ctx) {
		checks["governance:"+node] = ok
	}
	checks["object_store"] = s.objects.Health(ctx) == nil
	checks["ml_service"] = s.ml.Health(ctx) == nil

	status := "ok"
	code := http.StatusOK
	for _, ok := range checks {
		if !ok {
			status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// --- Projects and configuration ---

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.gov.ListProjects(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	// Annotate with the local lifecycle status where we hold a configuration.
	type listEntry struct {
		registry.Project
		Status configstore.Status `json:"status,omitempty"`
	}
	out := make([]listEntry, 0, len(projects))
	for _, p := range projects {
		entry := listEntry{Project: p}
		if cfg, err := s.store.Get(p.ID); err == nil {
			entry.Status = cfg.Status
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TemplateID string         `json:"template_id"`
		Data       map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	projectID, err := s.gov.CreateProject(r.Context(), req.TemplateID, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	cfg, err := s.store.Create(projectID, req.Data, req.TemplateID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("project created",
		zap.String("project_id", projectID),
		zap.String("template_id", req.TemplateID))
	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.gov.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleAddDataset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
		configstore.Dataset
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "dataset id is required")
		return
	}
	cfg, err := s.store.AddDataset(r.PathValue("id"), req.ID, req.Dataset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleAddWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
		configstore.Workflow
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "workflow id is required")
		return
	}
	cfg, err := s.store.AddWorkflow(r.PathValue("id"), req.ID, req.Workflow)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleAddModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
		configstore.Model
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "model id is required")
		return
	}
	cfg, err := s.store.AddModel(r.PathValue("id"), req.ID, req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateExtension(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid extension payload")
		return
	}
	cfg, err := s.store.UpdateExtension(r.PathValue("id"), r.PathValue("name"), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// --- Deployment ---

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	result, err := s.deployer.Deploy(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bundle_cid": result.BundleCID,
		"receipts":   result.Receipts,
	})
}

// --- Iterations ---

// handleStartIteration kicks off one round. The round runs for hours, so it
// executes in the background; progress is observable through the history
// endpoint and the event stream.
func (s *Server) handleStartIteration(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	var req struct {
		Round int `json:"round"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Round < 1 {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "round must be a positive integer")
		return
	}
	if s.iterator.Running(projectID) {
		writeJSONError(w, http.StatusConflict, "iteration_in_flight", "an iteration is already running")
		return
	}

	go func() {
		if _, err := s.iterator.StartIteration(context.Background(), projectID, req.Round); err != nil {
			s.logger.Warn("iteration failed",
				zap.String("project_id", projectID),
				zap.Int("round", req.Round),
				zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"round":  req.Round,
		"status": "started",
	})
}

func (s *Server) handleResumeIteration(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if s.iterator.Running(projectID) {
		writeJSONError(w, http.StatusConflict, "iteration_in_flight", "an iteration is already running")
		return
	}

	go func() {
		if _, err := s.iterator.Resume(context.Background(), projectID); err != nil {
			s.logger.Warn("iteration resume failed",
				zap.String("project_id", projectID),
				zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "resuming"})
}

func (s *Server) handleCancelIteration(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if !s.iterator.Cancel(projectID) {
		writeJSONError(w, http.StatusNotFound, "not_running", "no iteration in flight")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "canceling"})
}

func (s *Server) handleFinalTraining(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if s.iterator.Running(projectID) {
		writeJSONError(w, http.StatusConflict, "iteration_in_flight", "an iteration is already running")
		return
	}

	go func() {
		if _, err := s.iterator.StartFinalTraining(context.Background(), projectID); err != nil {
			s.logger.Warn("final training failed",
				zap.String("project_id", projectID),
				zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.store.History(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// handlePerformance merges the locally checkpointed records with the ML
// service's history. Local records win on a round collision; an unreachable
// ML service degrades to local-only rather than failing the read.
func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	history, err := s.store.History(projectID)
	if err != nil {
		writeError(w, err)
		return
	}

	seen := make(map[int]bool, len(history.Performance))
	merged := append([]configstore.PerformanceRecord(nil), history.Performance...)
	for _, rec := range merged {
		seen[rec.Round] = true
	}
	remote, err := s.ml.PerformanceHistory(r.Context(), projectID)
	if err != nil {
		s.logger.Warn("performance history unavailable from ml service",
			zap.String("project_id", projectID), zap.Error(err))
	}
	for _, rec := range remote {
		if !seen[rec.Round] {
			merged = append(merged, rec)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Round < merged[j].Round })
	writeJSON(w, http.StatusOK, merged)
}

func (s *Server) handleProjectStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.ml.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- Voting ---

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	round, err := strconv.Atoi(r.PathValue("round"))
	if err != nil || round < 1 {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "round must be a positive integer")
		return
	}
	batch, err := s.gov.BatchStatus(r.Context(), r.PathValue("id"), round)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	round, err := strconv.Atoi(r.PathValue("round"))
	if err != nil || round < 1 {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "round must be a positive integer")
		return
	}
	artifact, err := s.exporter.ExportRound(r.Context(), r.PathValue("id"), round)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":            artifact.Path,
		"rows":            len(artifact.Rows),
		"consensus_count": artifact.ConsensusCount,
		"changed":         artifact.Changed,
	})
}

// --- Membership ---

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := s.gov.Participants(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, participants)
}

func (s *Server) handleJoinRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := s.gov.JoinRequests(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

func (s *Server) handleSubmitJoinRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role registry.Role `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Role == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "role is required")
		return
	}
	if err := s.gov.SubmitJoinRequest(r.Context(), r.PathValue("id"), req.Role); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "submitted"})
}

func (s *Server) handleApproveJoinRequest(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	identity := r.PathValue("identity")
	if err := s.gov.ApproveJoinRequest(r.Context(), projectID, identity); err != nil {
		writeError(w, err)
		return
	}
	if s.ledger != nil {
		s.ledger.Emit(audit.MembershipChange, projectID, "approved join request for "+identity)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "approved"})
}

func (s *Server) handleRejectJoinRequest(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	identity := r.PathValue("identity")
	if err := s.gov.RejectJoinRequest(r.Context(), projectID, identity); err != nil {
		writeError(w, err)
		return
	}
	if s.ledger != nil {
		s.ledger.Emit(audit.MembershipChange, projectID, "rejected join request for "+identity)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "rejected"})
}

func (s *Server) handleRole(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		identity = s.gov.Identity()
	}
	role, err := s.roles.Resolve(r.Context(), r.PathValue("id"), identity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": identity,
		"role":     role,
	})
}

// --- Audit ---

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		ProjectID: q.Get("project_id"),
		Type:      audit.EventType(q.Get("type")),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad_request", "since must be RFC3339")
			return
		}
		filter.Since = t
	}
	records, err := s.ledger.Query(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
