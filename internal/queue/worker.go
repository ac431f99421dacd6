package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nelssec/gapscan/internal/config"
	"github.com/nelssec/gapscan/internal/discovery"
	"github.com/nelssec/gapscan/internal/gaps"
	"github.com/nelssec/gapscan/internal/models"
	"github.com/nelssec/gapscan/internal/notifications"
	"github.com/nelssec/gapscan/internal/reconcile"
	"github.com/nelssec/gapscan/internal/reports"
	"github.com/nelssec/gapscan/internal/store"
)

type Worker struct {
	id       string
	queue    *Queue
	store    *store.Store
	config   *config.Config
	notifier *notifications.Service

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

type WorkerConfig struct {
	Queue    *Queue
	Store    *store.Store
	Config   *config.Config
	Notifier *notifications.Service
}

func NewWorker(cfg WorkerConfig) *Worker {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	return &Worker{
		id:       workerID,
		queue:    cfg.Queue,
		store:    cfg.Store,
		config:   cfg.Config,
		notifier: cfg.Notifier,
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	log.Printf("[%s] Worker starting", w.id)

	w.wg.Add(1)
	go w.heartbeatLoop()

	w.wg.Add(1)
	go w.processLoop()

	w.wg.Add(1)
	go w.staleJobLoop()

	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	log.Printf("[%s] Worker stopping", w.id)
	w.cancel()
	w.wg.Wait()
	log.Printf("[%s] Worker stopped", w.id)
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.queue.WorkerHeartbeat(w.ctx, w.id)
		}
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			job, err := w.queue.DequeueJob(w.ctx, w.id)
			if err != nil {
				log.Printf("[%s] Error dequeuing job: %v", w.id, err)
				time.Sleep(5 * time.Second)
				continue
			}

			if job == nil {
				time.Sleep(1 * time.Second)
				continue
			}

			log.Printf("[%s] Processing job %s (run: %s)", w.id, job.ID, job.RunID)

			if err := w.processJob(job); err != nil {
				log.Printf("[%s] Job %s failed: %v", w.id, job.ID, err)
				w.queue.RequeueJob(w.ctx, job, err.Error())

				// RequeueJob bumps the attempt count; past the retry cap
				// the job lands in the failed set and is not coming back.
				if job.Attempts >= MaxJobAttempts {
					w.store.UpdateRunStatus(w.ctx, job.RunID, models.RunStatusFailed, w.id)
					if w.notifier != nil {
						if nerr := w.notifier.NotifyRunFailed(w.ctx, job.RunID.String(), err); nerr != nil {
							log.Printf("[%s] Error sending failure notification: %v", w.id, nerr)
						}
					}
				}
			} else {
				log.Printf("[%s] Job %s completed successfully", w.id, job.ID)
				w.queue.CompleteJob(w.ctx, job, true)
			}
		}
	}
}

// processJob runs the full pipeline for one discovery run: collect
// observations, reconcile them into assets, detect and prioritize gaps,
// persist everything.
func (w *Worker) processJob(job *Job) error {
	run, err := w.store.GetRun(w.ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("getting run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run not found: %s", job.RunID)
	}

	if err := w.store.UpdateRunStatus(w.ctx, job.RunID, models.RunStatusRunning, w.id); err != nil {
		return fmt.Errorf("marking run running: %w", err)
	}

	modules := w.selectModules(job.Methods)
	orch, err := discovery.NewOrchestrator(w.config.Discovery, modules, nil)
	if err != nil {
		w.store.UpdateRunStatus(w.ctx, job.RunID, models.RunStatusFailed, w.id)
		return fmt.Errorf("building orchestrator: %w", err)
	}

	collection := orch.Run(w.ctx)
	collection.Metadata.RunID = job.RunID

	w.queue.UpdateProgress(w.ctx, &JobProgress{
		JobID:        job.ID,
		RunID:        job.RunID,
		Status:       models.RunStatusRunning,
		ModulesDone:  len(collection.Metadata.Modules),
		ModulesTotal: len(modules),
		Observations: len(collection.Observations),
		WorkerID:     w.id,
	})

	engine := reconcile.NewEngine(nil)
	assets := engine.Reconcile(job.RunID, collection.Observations)

	analyzer, err := w.buildAnalyzer()
	if err != nil {
		w.store.UpdateRunStatus(w.ctx, job.RunID, models.RunStatusFailed, w.id)
		return err
	}
	result := analyzer.Analyze(job.RunID, assets, time.Now())
	scores := gaps.Prioritize(result.Gaps, assets, w.priorityWeights())

	report := reports.Assemble(collection.Metadata, assets, result, scores)

	if err := w.store.InsertAssets(w.ctx, job.RunID, assets); err != nil {
		return fmt.Errorf("storing assets: %w", err)
	}
	if err := w.store.InsertGaps(w.ctx, result.Gaps); err != nil {
		return fmt.Errorf("storing gaps: %w", err)
	}
	if err := w.store.CompleteRun(w.ctx, job.RunID, collection.Metadata, len(assets), len(result.Gaps)); err != nil {
		return fmt.Errorf("completing run: %w", err)
	}

	w.queue.UpdateProgress(w.ctx, &JobProgress{
		JobID:        job.ID,
		RunID:        job.RunID,
		Status:       models.RunStatusCompleted,
		ModulesDone:  len(collection.Metadata.Modules),
		ModulesTotal: len(modules),
		Observations: len(collection.Observations),
		AssetsFound:  len(assets),
		GapsFound:    len(result.Gaps),
		WorkerID:     w.id,
	})

	if w.notifier != nil {
		if err := w.notifier.NotifyRunCompleted(w.ctx, report); err != nil {
			log.Printf("[%s] Error sending notifications: %v", w.id, err)
		}
	}

	return nil
}

func (w *Worker) selectModules(methods []string) []discovery.Module {
	all := discovery.DefaultModules()
	if len(methods) == 0 {
		return all
	}

	wanted := make(map[string]bool, len(methods))
	for _, m := range methods {
		wanted[m] = true
	}

	var selected []discovery.Module
	for _, mod := range all {
		if wanted[string(mod.Method())] {
			selected = append(selected, mod)
		}
	}
	return selected
}

func (w *Worker) buildAnalyzer() (*gaps.Analyzer, error) {
	docs, err := gaps.LoadDocumentationIndex(w.config.Gaps.DocsIndexPath)
	if err != nil {
		return nil, fmt.Errorf("loading documentation index: %w", err)
	}
	rules, err := gaps.LoadRuleSet(w.config.Gaps.RuleSetPath)
	if err != nil {
		return nil, fmt.Errorf("loading rule set: %w", err)
	}

	thresholds := gaps.Thresholds{
		StalenessWindow:       w.config.Gaps.StalenessWindow,
		CompletenessThreshold: w.config.Gaps.CompletenessThreshold,
	}
	return gaps.NewAnalyzer(docs, rules, thresholds, nil), nil
}

func (w *Worker) priorityWeights() gaps.Weights {
	p := w.config.Priority
	if p.SeverityWeight == 0 && p.RegulatoryWeight == 0 && p.ExposureWeight == 0 {
		return gaps.DefaultWeights()
	}
	return gaps.Weights{
		Severity:   p.SeverityWeight,
		Regulatory: p.RegulatoryWeight,
		Exposure:   p.ExposureWeight,
	}
}

func (w *Worker) staleJobLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			cleaned, err := w.queue.CleanupStaleJobs(w.ctx, 30*time.Minute)
			if err != nil {
				log.Printf("[%s] Error cleaning stale jobs: %v", w.id, err)
			} else if cleaned > 0 {
				log.Printf("[%s] Cleaned up %d stale jobs", w.id, cleaned)
			}
		}
	}
}
