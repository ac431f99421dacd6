package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nelssec/gapscan/internal/gaps"
	"github.com/nelssec/gapscan/internal/models"
	"github.com/nelssec/gapscan/internal/reports"
	"github.com/nelssec/gapscan/internal/scheduler"
	"github.com/nelssec/gapscan/internal/store"
)

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	var status *models.RunStatus
	if st := r.URL.Query().Get("status"); st != "" {
		rs := models.RunStatus(st)
		status = &rs
	}

	limit := 100
	offset := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	runs, total, err := s.store.ListRuns(r.Context(), status, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, runs, &apiMeta{
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

type createRunRequest struct {
	Methods []string `json:"methods,omitempty"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}

	for _, m := range req.Methods {
		if !knownMethod(m) {
			respondError(w, http.StatusBadRequest, "validation_error", fmt.Sprintf("unknown discovery method: %s", m))
			return
		}
	}

	run, err := s.enqueueRun(r.Context(), req.Methods, "api")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, run)
}

func knownMethod(m string) bool {
	for _, known := range models.AllMethods() {
		if m == string(known) {
			return true
		}
	}
	return false
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "runID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid run ID")
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if run == nil {
		respondError(w, http.StatusNotFound, "not_found", "Run not found")
		return
	}

	respondJSON(w, http.StatusOK, run)
}

func (s *Server) getRunProgress(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "runID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid run ID")
		return
	}

	progress, err := s.queue.GetProgress(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	if progress == nil {
		respondError(w, http.StatusNotFound, "not_found", "No progress recorded for run")
		return
	}

	respondJSON(w, http.StatusOK, progress)
}

func (s *Server) getRunReport(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "runID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid run ID")
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if run == nil {
		respondError(w, http.StatusNotFound, "not_found", "Run not found")
		return
	}
	if run.Status != models.RunStatusCompleted {
		respondError(w, http.StatusConflict, "run_incomplete", fmt.Sprintf("Run is %s, report requires a completed run", run.Status))
		return
	}

	report, err := s.reportForRun(r.Context(), run)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "report_error", err.Error())
		return
	}

	format := reports.ReportFormat(r.URL.Query().Get("format"))
	if format == "" || format == reports.FormatJSON {
		respondJSON(w, http.StatusOK, report)
		return
	}

	generated, err := s.reportGenerator.Generate(report, format, "")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_format", err.Error())
		return
	}

	w.Header().Set("Content-Type", generated.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", generated.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(generated.Data)
}

func (s *Server) listAssets(w http.ResponseWriter, r *http.Request) {
	filters := store.ListAssetFilters{
		Limit:  100,
		Offset: 0,
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if limit, err := strconv.Atoi(l); err == nil {
			filters.Limit = limit
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if offset, err := strconv.Atoi(o); err == nil {
			filters.Offset = offset
		}
	}
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		if id, err := uuid.Parse(runID); err == nil {
			filters.RunID = &id
		}
	}
	if assetType := r.URL.Query().Get("asset_type"); assetType != "" {
		at := models.AssetType(assetType)
		filters.AssetType = &at
	}
	if level := r.URL.Query().Get("confidence_level"); level != "" {
		cl := models.ConfidenceLevel(level)
		filters.ConfidenceLevel = &cl
	}
	if method := r.URL.Query().Get("method"); method != "" {
		m := models.DiscoveryMethod(method)
		filters.Method = &m
	}

	assets, total, err := s.store.ListAssets(r.Context(), filters)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, assets, &apiMeta{
		Total:  total,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

func (s *Server) getAsset(w http.ResponseWriter, r *http.Request) {
	runIDStr := chi.URLParam(r, "runID")
	runID, err := uuid.Parse(runIDStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid run ID")
		return
	}
	assetID := chi.URLParam(r, "assetID")

	asset, err := s.store.GetAsset(r.Context(), runID, assetID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if asset == nil {
		respondError(w, http.StatusNotFound, "not_found", "Asset not found")
		return
	}

	respondJSON(w, http.StatusOK, asset)
}

func (s *Server) listGaps(w http.ResponseWriter, r *http.Request) {
	filters := store.ListGapFilters{
		Limit:  100,
		Offset: 0,
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if limit, err := strconv.Atoi(l); err == nil {
			filters.Limit = limit
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if offset, err := strconv.Atoi(o); err == nil {
			filters.Offset = offset
		}
	}
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		if id, err := uuid.Parse(runID); err == nil {
			filters.RunID = &id
		}
	}
	if gapType := r.URL.Query().Get("gap_type"); gapType != "" {
		gt := models.GapType(gapType)
		filters.GapType = &gt
	}
	if status := r.URL.Query().Get("status"); status != "" {
		st := models.GapStatus(status)
		filters.Status = &st
	}
	if framework := r.URL.Query().Get("framework"); framework != "" {
		fw := models.Framework(framework)
		filters.Framework = &fw
	}
	if assetID := r.URL.Query().Get("asset_id"); assetID != "" {
		filters.AssetID = &assetID
	}

	gapRows, total, err := s.store.ListGaps(r.Context(), filters)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, gapRows, &apiMeta{
		Total:  total,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

func (s *Server) getGap(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "gapID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid gap ID")
		return
	}

	gap, err := s.store.GetGap(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if gap == nil {
		respondError(w, http.StatusNotFound, "not_found", "Gap not found")
		return
	}

	respondJSON(w, http.StatusOK, gap)
}

type updateGapStatusRequest struct {
	Status models.GapStatus `json:"status"`
	Reason string           `json:"reason,omitempty"`
}

func (s *Server) updateGapStatus(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "gapID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid gap ID")
		return
	}

	var req updateGapStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	switch req.Status {
	case models.GapStatusOpen, models.GapStatusAcknowledged, models.GapStatusResolved:
	default:
		respondError(w, http.StatusBadRequest, "validation_error", "status must be open, acknowledged, or resolved")
		return
	}

	if err := s.store.UpdateGapStatus(r.Context(), id, req.Status, req.Reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "not_found", "Gap not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	gap, err := s.store.GetGap(r.Context(), id)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]string{"gap_id": id.String(), "status": string(req.Status)})
		return
	}
	respondJSON(w, http.StatusOK, gap)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	ruleSet, err := gaps.LoadRuleSet(s.cfg.Gaps.RuleSetPath)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "rules_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"rules":             ruleSet.Rules(),
		"validation_errors": ruleSet.Errors(),
	})
}

type dashboardSummary struct {
	Runs struct {
		Total int `json:"total"`
	} `json:"runs"`
	Assets struct {
		Total int `json:"total"`
	} `json:"assets"`
	Gaps struct {
		Total      int `json:"total"`
		Open       int `json:"open"`
		Compliance int `json:"compliance"`
		Orphaned   int `json:"orphaned"`
	} `json:"gaps"`
	Queue map[string]int64 `json:"queue"`
}

func (s *Server) getDashboardSummary(w http.ResponseWriter, r *http.Request) {
	summary := dashboardSummary{}

	counts, err := s.store.GetGapCounts(r.Context())
	if err != nil {
		s.logger.Error("failed to get dashboard counts", "error", err)
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to load dashboard")
		return
	}

	summary.Runs.Total = counts.TotalRuns
	summary.Assets.Total = counts.TotalAssets
	summary.Gaps.Total = counts.TotalGaps
	summary.Gaps.Open = counts.OpenGaps
	summary.Gaps.Compliance = counts.ComplianceGaps
	summary.Gaps.Orphaned = counts.OrphanedGaps

	stats, err := s.queue.GetQueueStats(r.Context())
	if err != nil {
		s.logger.Warn("failed to get queue stats", "error", err)
		stats = make(map[string]int64)
	}
	summary.Queue = stats

	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) listScheduledJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.schedulerStore.ListJobs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, jobs)
}

type createJobRequest struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Schedule    string              `json:"schedule"`
	JobType     scheduler.JobType   `json:"job_type"`
	Config      scheduler.JobConfig `json:"config"`
	Enabled     bool                `json:"enabled"`
}

func (s *Server) createScheduledJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Name == "" || req.Schedule == "" || req.JobType == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "name, schedule, and job_type are required")
		return
	}

	job := &scheduler.Job{
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}

	if err := s.scheduler.AddJob(r.Context(), job); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) getScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := s.schedulerStore.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) updateScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	job := &scheduler.Job{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}

	if err := s.scheduler.UpdateJob(r.Context(), job); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) deleteScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	if err := s.scheduler.DeleteJob(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) runScheduledJobNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	if err := s.scheduler.RunJobNow(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "job_error", err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) getJobExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	execs, err := s.schedulerStore.GetJobExecutions(r.Context(), id, 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, execs)
}

func (s *Server) getQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetQueueStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) getActiveWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.queue.GetActiveWorkers(r.Context(), 30*time.Second)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, workers)
}

type generateReportRequest struct {
	RunID  *uuid.UUID           `json:"run_id,omitempty"`
	Format reports.ReportFormat `json:"format"`
	Title  string               `json:"title,omitempty"`
}

func (s *Server) generateReport(w http.ResponseWriter, r *http.Request) {
	var req generateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Format == "" {
		req.Format = reports.FormatJSON
	}

	var (
		report *models.DiscoveryReport
		err    error
	)
	if req.RunID != nil {
		run, getErr := s.store.GetRun(r.Context(), *req.RunID)
		if getErr != nil {
			respondError(w, http.StatusInternalServerError, "db_error", getErr.Error())
			return
		}
		if run == nil {
			respondError(w, http.StatusNotFound, "not_found", "Run not found")
			return
		}
		report, err = s.reportForRun(r.Context(), run)
	} else {
		report, err = s.latestCompletedReport(r.Context())
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "report_error", err.Error())
		return
	}

	generated, err := s.reportGenerator.Generate(report, req.Format, req.Title)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_format", err.Error())
		return
	}

	w.Header().Set("Content-Type", generated.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", generated.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(generated.Data)
}

func (s *Server) streamCSVReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.latestCompletedReport(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "report_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="discovery.csv"`)
	w.WriteHeader(http.StatusOK)

	if err := s.reportGenerator.StreamCSV(w, report); err != nil {
		s.logger.Error("streaming csv report", "error", err)
	}
}
