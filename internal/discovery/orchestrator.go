package discovery

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nelssec/gapscan/internal/config"
	"github.com/nelssec/gapscan/internal/models"
)

// Collection is everything a discovery run gathered, ready for
// reconciliation. Observations are sorted by (locator, method) so repeated
// runs over a static environment reconcile identically regardless of
// execution interleaving.
type Collection struct {
	Observations []models.CandidateObservation
	Metadata     models.RunMetadata
}

// Orchestrator executes a registered module set under a shared wall-clock
// budget. Modules run concurrently up to the worker cap; each module's
// stream is pulled to completion or cancellation, whichever is first.
type Orchestrator struct {
	cfg     config.DiscoveryConfig
	modules []Module
	logger  *slog.Logger
}

// NewOrchestrator validates and registers the module set. Zero modules is
// the one configuration error that rejects a run outright; a module that
// declares itself mutating is rejected here as well.
func NewOrchestrator(cfg config.DiscoveryConfig, modules []Module, logger *slog.Logger) (*Orchestrator, error) {
	if len(modules) == 0 {
		return nil, ErrNoModules
	}
	for _, m := range modules {
		if !m.ReadOnly() {
			return nil, ErrNotReadOnly
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, modules: modules, logger: logger}, nil
}

type moduleResult struct {
	status       models.ModuleStatus
	observations []models.CandidateObservation
}

// Run executes all modules and returns the collected observations. It
// never fails once started: a budget overrun truncates the run and
// whatever was gathered is still returned.
func (o *Orchestrator) Run(ctx context.Context) *Collection {
	runID := uuid.New()
	startedAt := time.Now().UTC()

	budgetCtx, cancel := context.WithTimeout(ctx, o.cfg.Budget)
	defer cancel()

	workers := len(o.modules)
	if o.cfg.MaxWorkers > 0 && workers > o.cfg.MaxWorkers {
		workers = o.cfg.MaxWorkers
	}

	sem := make(chan struct{}, workers)
	results := make([]moduleResult, len(o.modules))

	var wg sync.WaitGroup
	for i, mod := range o.modules {
		wg.Add(1)
		go func(i int, mod Module) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = o.runModule(budgetCtx, mod)
		}(i, mod)
	}
	wg.Wait()

	endedAt := time.Now().UTC()

	truncated := budgetCtx.Err() != nil
	meta := models.RunMetadata{
		RunID:     runID,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Truncated: truncated,
	}

	var all []models.CandidateObservation
	for _, r := range results {
		meta.Modules = append(meta.Modules, r.status)
		if r.status.Partial {
			meta.Truncated = true
		}
		all = append(all, r.observations...)
	}

	// Total deterministic order before reconciliation; execution order is
	// not deterministic and must not leak into asset identity.
	sort.Slice(all, func(a, b int) bool {
		if all[a].Locator != all[b].Locator {
			return all[a].Locator < all[b].Locator
		}
		return all[a].Method < all[b].Method
	})

	return &Collection{Observations: all, Metadata: meta}
}

// runModule pulls one module's stream into a module-local buffer. Buffers
// are merged only after the module finishes, so no module ever reads
// another's in-flight results.
func (o *Orchestrator) runModule(ctx context.Context, mod Module) moduleResult {
	method := mod.Method()
	start := time.Now()

	status := models.ModuleStatus{Method: method}

	stream, err := mod.Discover(ctx, o.cfg)
	if err != nil {
		if ue, ok := AsUnavailable(err); ok {
			status.SkipReason = ue.Reason
		} else {
			status.SkipReason = err.Error()
		}
		status.Duration = time.Since(start)
		o.logger.Warn("discovery module skipped", "method", method, "reason", status.SkipReason)
		return moduleResult{status: status}
	}

	var (
		mu  sync.Mutex
		buf []models.CandidateObservation
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for obs := range stream {
			mu.Lock()
			buf = append(buf, obs)
			mu.Unlock()
		}
	}()

	abandoned := false
	select {
	case <-done:
	case <-ctx.Done():
		// Cancellation is cooperative: the module gets a grace period to
		// close its stream. Past that it is abandoned and its partial
		// output is discarded for this run.
		grace := o.cfg.GracePeriod
		if grace <= 0 {
			grace = 5 * time.Second
		}
		select {
		case <-done:
		case <-time.After(grace):
			abandoned = true
		}
	}

	status.Executed = true
	status.Duration = time.Since(start)

	if abandoned {
		status.Partial = true
		status.SkipReason = "abandoned: did not stop within grace period"
		o.logger.Warn("discovery module abandoned", "method", method)
		return moduleResult{status: status}
	}

	mu.Lock()
	out := buf
	mu.Unlock()

	if ctx.Err() != nil {
		status.Partial = true
	}
	status.Observations = len(out)

	o.logger.Info("discovery module finished",
		"method", method,
		"observations", len(out),
		"partial", status.Partial,
		"duration", status.Duration,
	)

	return moduleResult{status: status, observations: out}
}
