package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/nelssec/gapscan/internal/config"
	"github.com/nelssec/gapscan/internal/models"
)

// fakeModule emits a fixed observation list, optionally failing at start
// or ignoring cancellation entirely. The first fastFirst observations are
// emitted without delay so tests can put some output on the wire before
// the budget expires.
type fakeModule struct {
	method       models.DiscoveryMethod
	readOnly     bool
	observations []models.CandidateObservation
	startErr     error
	emitDelay    time.Duration
	fastFirst    int
	ignoreCtx    bool
}

func (f *fakeModule) Method() models.DiscoveryMethod { return f.method }
func (f *fakeModule) ReadOnly() bool                 { return f.readOnly }

func (f *fakeModule) Discover(ctx context.Context, cfg config.DiscoveryConfig) (<-chan models.CandidateObservation, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	ch := make(chan models.CandidateObservation)
	go func() {
		defer close(ch)
		for i, obs := range f.observations {
			if f.emitDelay > 0 && i >= f.fastFirst {
				if f.ignoreCtx {
					time.Sleep(f.emitDelay)
				} else {
					select {
					case <-time.After(f.emitDelay):
					case <-ctx.Done():
						return
					}
				}
			}
			select {
			case ch <- obs:
			case <-ctx.Done():
				if !f.ignoreCtx {
					return
				}
				ch <- obs
			}
		}
	}()
	return ch, nil
}

func obs(method models.DiscoveryMethod, locator string) models.CandidateObservation {
	return models.CandidateObservation{
		Method:           method,
		Locator:          locator,
		AssetType:        models.AssetTypePostgreSQL,
		MethodConfidence: 0.6,
		ObservedAt:       time.Now(),
	}
}

func testConfig() config.DiscoveryConfig {
	return config.DiscoveryConfig{
		Budget:      5 * time.Second,
		MaxWorkers:  4,
		GracePeriod: 100 * time.Millisecond,
	}
}

func TestNewOrchestrator_RejectsEmptyModuleSet(t *testing.T) {
	_, err := NewOrchestrator(testConfig(), nil, nil)
	if err != ErrNoModules {
		t.Errorf("err = %v, want ErrNoModules", err)
	}
}

func TestNewOrchestrator_RejectsMutatingModule(t *testing.T) {
	mods := []Module{&fakeModule{method: models.MethodNetwork, readOnly: false}}
	_, err := NewOrchestrator(testConfig(), mods, nil)
	if err != ErrNotReadOnly {
		t.Errorf("err = %v, want ErrNotReadOnly", err)
	}
}

func TestRun_CollectsAndSortsObservations(t *testing.T) {
	mods := []Module{
		&fakeModule{
			method:   models.MethodNetwork,
			readOnly: true,
			observations: []models.CandidateObservation{
				obs(models.MethodNetwork, "db2.example.com:5432"),
				obs(models.MethodNetwork, "db1.example.com:5432"),
			},
		},
		&fakeModule{
			method:   models.MethodFilesystem,
			readOnly: true,
			observations: []models.CandidateObservation{
				obs(models.MethodFilesystem, "/data/app.sqlite"),
			},
		},
	}

	orch, err := NewOrchestrator(testConfig(), mods, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	collection := orch.Run(context.Background())

	if len(collection.Observations) != 3 {
		t.Fatalf("observations = %d, want 3", len(collection.Observations))
	}
	for i := 1; i < len(collection.Observations); i++ {
		if collection.Observations[i-1].Locator > collection.Observations[i].Locator {
			t.Fatalf("observations not sorted by locator at %d", i)
		}
	}
	if collection.Metadata.Truncated {
		t.Error("run should not be truncated")
	}
	if len(collection.Metadata.Modules) != 2 {
		t.Errorf("module statuses = %d, want 2", len(collection.Metadata.Modules))
	}
}

func TestRun_UnavailableModuleSkippedNotFatal(t *testing.T) {
	mods := []Module{
		&fakeModule{
			method:   models.MethodContainer,
			readOnly: true,
			startErr: Unavailable(models.MethodContainer, "socket not found"),
		},
		&fakeModule{
			method:   models.MethodNetwork,
			readOnly: true,
			observations: []models.CandidateObservation{
				obs(models.MethodNetwork, "db.example.com:5432"),
			},
		},
	}

	orch, err := NewOrchestrator(testConfig(), mods, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	collection := orch.Run(context.Background())

	if len(collection.Observations) != 1 {
		t.Fatalf("observations = %d, want 1 from the available module", len(collection.Observations))
	}

	var skipped, executed int
	for _, ms := range collection.Metadata.Modules {
		if ms.Executed {
			executed++
		} else {
			skipped++
			if ms.SkipReason == "" {
				t.Error("skipped module has no recorded reason")
			}
		}
	}
	if skipped != 1 || executed != 1 {
		t.Errorf("skipped=%d executed=%d, want 1 and 1", skipped, executed)
	}
}

func TestRun_BudgetTruncatesRun(t *testing.T) {
	cfg := config.DiscoveryConfig{
		Budget:      50 * time.Millisecond,
		GracePeriod: 100 * time.Millisecond,
	}

	mods := []Module{
		&fakeModule{
			method:   models.MethodNetwork,
			readOnly: true,
			observations: []models.CandidateObservation{
				obs(models.MethodNetwork, "db1.example.com:5432"),
				obs(models.MethodNetwork, "db2.example.com:5432"),
				obs(models.MethodNetwork, "db3.example.com:5432"),
				obs(models.MethodNetwork, "db4.example.com:5432"),
			},
			emitDelay: 200 * time.Millisecond,
			fastFirst: 2,
		},
	}

	orch, err := NewOrchestrator(cfg, mods, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	collection := orch.Run(context.Background())

	if !collection.Metadata.Truncated {
		t.Error("run over budget should be marked truncated")
	}

	// Observations produced before the deadline survive the cutoff.
	if got := len(collection.Observations); got != 2 {
		t.Errorf("observations = %d, want the 2 emitted before the budget expired", got)
	}
	if len(collection.Metadata.Modules) != 1 {
		t.Fatalf("module statuses = %d, want 1", len(collection.Metadata.Modules))
	}
	ms := collection.Metadata.Modules[0]
	if !ms.Partial {
		t.Error("deadline-cut module should be recorded as partial")
	}
	if !ms.Executed {
		t.Error("deadline-cut module still executed")
	}
	if ms.Observations != 2 {
		t.Errorf("module status observations = %d, want 2", ms.Observations)
	}
}

func TestRun_AbandonedModuleDropsPartialOutput(t *testing.T) {
	cfg := config.DiscoveryConfig{
		Budget:      50 * time.Millisecond,
		GracePeriod: 50 * time.Millisecond,
	}

	mods := []Module{
		&fakeModule{
			method:   models.MethodSecurityScan,
			readOnly: true,
			observations: []models.CandidateObservation{
				obs(models.MethodSecurityScan, "/srv/a"),
				obs(models.MethodSecurityScan, "/srv/b"),
				obs(models.MethodSecurityScan, "/srv/c"),
			},
			emitDelay: 300 * time.Millisecond,
			ignoreCtx: true,
		},
	}

	orch, err := NewOrchestrator(cfg, mods, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	collection := orch.Run(context.Background())

	if len(collection.Observations) != 0 {
		t.Errorf("abandoned module leaked %d observations into the run", len(collection.Observations))
	}
	if len(collection.Metadata.Modules) != 1 {
		t.Fatalf("module statuses = %d, want 1", len(collection.Metadata.Modules))
	}
	ms := collection.Metadata.Modules[0]
	if !ms.Partial {
		t.Error("abandoned module should be recorded as partial")
	}
	if !collection.Metadata.Truncated {
		t.Error("run with an abandoned module should be truncated")
	}
}

func TestRun_WorkerCapRespected(t *testing.T) {
	cfg := config.DiscoveryConfig{
		Budget:      5 * time.Second,
		MaxWorkers:  1,
		GracePeriod: 100 * time.Millisecond,
	}

	var mods []Module
	for _, m := range []models.DiscoveryMethod{models.MethodNetwork, models.MethodFilesystem, models.MethodCodeAnalysis} {
		mods = append(mods, &fakeModule{
			method:       m,
			readOnly:     true,
			observations: []models.CandidateObservation{obs(m, "/data/"+string(m))},
		})
	}

	orch, err := NewOrchestrator(cfg, mods, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	collection := orch.Run(context.Background())
	if len(collection.Observations) != 3 {
		t.Errorf("observations = %d, want all 3 despite the worker cap", len(collection.Observations))
	}
}
