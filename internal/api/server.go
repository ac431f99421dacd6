package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nelssec/gapscan/internal/config"
	"github.com/nelssec/gapscan/internal/gaps"
	"github.com/nelssec/gapscan/internal/models"
	"github.com/nelssec/gapscan/internal/notifications"
	"github.com/nelssec/gapscan/internal/queue"
	"github.com/nelssec/gapscan/internal/reports"
	"github.com/nelssec/gapscan/internal/scheduler"
	"github.com/nelssec/gapscan/internal/store"
)

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	store  *store.Store
	queue  *queue.Queue
	http   *http.Server
	logger *slog.Logger

	scheduler      *scheduler.Scheduler
	schedulerStore scheduler.Store

	reportGenerator *reports.Generator

	notificationService *notifications.Service
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing queue: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		store:  st,
		queue:  q,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.schedulerStore = scheduler.NewPostgresStore(st.DB())
	s.scheduler = scheduler.NewScheduler(s.schedulerStore, s.logger)

	s.notificationService = notifications.NewService(notifications.Config{
		Slack: notifications.SlackConfig{
			WebhookURL: cfg.Notifications.Slack.WebhookURL,
			Channel:    cfg.Notifications.Slack.Channel,
			Username:   "Gapscan Bot",
			IconEmoji:  ":mag:",
			Enabled:    cfg.Notifications.Slack.Enabled,
		},
		Email: notifications.EmailConfig{
			SMTPHost: cfg.Notifications.Email.SMTPHost,
			SMTPPort: cfg.Notifications.Email.SMTPPort,
			Username: cfg.Notifications.Email.Username,
			Password: cfg.Notifications.Email.Password,
			From:     cfg.Notifications.Email.From,
			To:       cfg.Notifications.Email.To,
			Enabled:  cfg.Notifications.Email.Enabled,
		},
		HighPriorityThreshold: cfg.Notifications.MinScore,
	}, s.logger)

	s.reportGenerator = reports.NewGenerator()

	s.registerSchedulerHandlers()
	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

func (s *Server) registerSchedulerHandlers() {
	handlers := &scheduler.DefaultHandlers{
		DiscoveryFunc: func(ctx context.Context, methods []string) (string, error) {
			run, err := s.enqueueRun(ctx, methods, "scheduler")
			if err != nil {
				return "", err
			}
			return run.ID.String(), nil
		},
		CleanupFunc: func(ctx context.Context, olderThan time.Duration) (int64, error) {
			deleted, err := s.store.DeleteRunsBefore(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return 0, err
			}
			s.logger.Info("cleaned up old runs", "deleted", deleted)
			return deleted, nil
		},
		ReportFunc: func(ctx context.Context, jobConfig scheduler.JobConfig) (string, error) {
			format := reports.ReportFormat(jobConfig.Format)
			if format == "" {
				format = reports.FormatPDF
			}
			report, err := s.latestCompletedReport(ctx)
			if err != nil {
				return "", err
			}
			generated, err := s.reportGenerator.Generate(report, format, jobConfig.Title)
			if err != nil {
				return "", err
			}
			outDir := jobConfig.OutputDir
			if outDir == "" {
				outDir = "."
			}
			path := filepath.Join(outDir, generated.Filename)
			if err := os.WriteFile(path, generated.Data, 0o644); err != nil {
				return "", err
			}
			return path, nil
		},
	}
	handlers.Register(s.scheduler)
}

// enqueueRun records a pending run and hands it to the worker queue. The
// job ID matches the run ID so progress is addressable by either.
func (s *Server) enqueueRun(ctx context.Context, methods []string, triggeredBy string) (*models.DiscoveryRun, error) {
	run := &models.DiscoveryRun{
		ID:          uuid.New(),
		Status:      models.RunStatusPending,
		TriggeredBy: triggeredBy,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	job := &queue.Job{
		ID:          run.ID,
		RunID:       run.ID,
		Methods:     methods,
		TriggeredBy: triggeredBy,
	}
	if err := s.queue.EnqueueRunJob(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueueing run: %w", err)
	}

	return run, nil
}

// latestCompletedReport rebuilds a report snapshot from the most recent
// completed run in the store.
func (s *Server) latestCompletedReport(ctx context.Context) (*models.DiscoveryReport, error) {
	status := models.RunStatusCompleted
	runs, _, err := s.store.ListRuns(ctx, &status, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("no completed runs")
	}
	return s.reportForRun(ctx, &runs[0])
}

func (s *Server) reportForRun(ctx context.Context, run *models.DiscoveryRun) (*models.DiscoveryReport, error) {
	runID := run.ID

	stored, _, err := s.store.ListAssets(ctx, store.ListAssetFilters{RunID: &runID, Limit: 10000})
	if err != nil {
		return nil, fmt.Errorf("loading assets: %w", err)
	}
	assets := make([]*models.DiscoveredAsset, len(stored))
	for i := range stored {
		assets[i] = storedToDiscovered(&stored[i])
	}

	gapRows, _, err := s.store.ListGaps(ctx, store.ListGapFilters{RunID: &runID, Limit: 10000})
	if err != nil {
		return nil, fmt.Errorf("loading gaps: %w", err)
	}
	gapList := make([]*models.Gap, len(gapRows))
	for i := range gapRows {
		gapList[i] = &gapRows[i]
	}

	metadata := models.RunMetadata{
		RunID:     run.ID,
		Truncated: run.Truncated,
	}
	if run.StartedAt != nil {
		metadata.StartedAt = *run.StartedAt
	}
	if run.CompletedAt != nil {
		metadata.EndedAt = *run.CompletedAt
	}
	for _, m := range run.ModulesRun {
		metadata.Modules = append(metadata.Modules, models.ModuleStatus{
			Method:   models.DiscoveryMethod(m),
			Executed: true,
		})
	}
	for _, m := range run.ModulesSkipped {
		metadata.Modules = append(metadata.Modules, models.ModuleStatus{
			Method: models.DiscoveryMethod(m),
		})
	}

	prioritized := gaps.Prioritize(gapList, assets, gaps.Weights{
		Severity:   s.cfg.Priority.SeverityWeight,
		Regulatory: s.cfg.Priority.RegulatoryWeight,
		Exposure:   s.cfg.Priority.ExposureWeight,
	})
	scores := make([]models.GapPriorityScore, len(prioritized))
	for i, p := range prioritized {
		scores[i] = *p
	}

	return &models.DiscoveryReport{
		Metadata: metadata,
		Assets:   assets,
		Gaps:     gapList,
		Scores:   scores,
	}, nil
}

func storedToDiscovered(a *models.StoredAsset) *models.DiscoveredAsset {
	attrs := make(map[string]string, len(a.Attributes))
	for k, v := range a.Attributes {
		if s, ok := v.(string); ok {
			attrs[k] = s
		}
	}
	return &models.DiscoveredAsset{
		AssetID:           a.AssetID,
		RunID:             a.RunID,
		AssetType:         a.AssetType,
		Locators:          []string(a.Locators),
		SupportingMethods: []string(a.SupportingMethods),
		ConfidenceScore:   a.ConfidenceScore,
		ConfidenceLevel:   a.ConfidenceLevel,
		Attributes:        attrs,
		DiscoveredAt:      a.DiscoveredAt,
	}
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Post("/", s.createRun)
			r.Get("/{runID}", s.getRun)
			r.Get("/{runID}/progress", s.getRunProgress)
			r.Get("/{runID}/report", s.getRunReport)
			r.Get("/{runID}/assets/{assetID}", s.getAsset)
		})

		r.Route("/assets", func(r chi.Router) {
			r.Get("/", s.listAssets)
		})

		r.Route("/gaps", func(r chi.Router) {
			r.Get("/", s.listGaps)
			r.Get("/{gapID}", s.getGap)
			r.Patch("/{gapID}/status", s.updateGapStatus)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.listRules)
		})

		r.Route("/dashboard", func(r chi.Router) {
			r.Get("/summary", s.getDashboardSummary)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listScheduledJobs)
			r.Post("/", s.createScheduledJob)
			r.Get("/{jobID}", s.getScheduledJob)
			r.Put("/{jobID}", s.updateScheduledJob)
			r.Delete("/{jobID}", s.deleteScheduledJob)
			r.Post("/{jobID}/run", s.runScheduledJobNow)
			r.Get("/{jobID}/executions", s.getJobExecutions)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", s.getQueueStats)
			r.Get("/workers", s.getActiveWorkers)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Post("/generate", s.generateReport)
			r.Get("/stream", s.streamCSVReport)
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	if err := s.scheduler.Start(ctx); err != nil {
		s.logger.Error("failed to start scheduler", "error", err)
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Close releases the server's store and queue connections. Run's shutdown
// path does not call this so the caller controls teardown ordering.
func (s *Server) Close() error {
	if err := s.queue.Close(); err != nil {
		s.logger.Warn("closing queue", "error", err)
	}
	return s.store.Close()
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total  int `json:"total,omitempty"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
