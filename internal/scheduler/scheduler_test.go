package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStore keeps jobs and executions in memory for handler tests.
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	execs map[string]*JobExecution
}

func newMemStore() *memStore {
	return &memStore{
		jobs:  make(map[string]*Job),
		execs: make(map[string]*JobExecution),
	}
}

func (m *memStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (m *memStore) ListJobs(ctx context.Context) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (m *memStore) CreateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", len(m.jobs)+1)
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *memStore) UpdateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *memStore) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memStore) UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.LastRun = &lastRun
	}
	return nil
}

func (m *memStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[exec.ID] = exec
	return nil
}

func (m *memStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[exec.ID] = exec
	return nil
}

func (m *memStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var execs []*JobExecution
	for _, exec := range m.execs {
		if exec.JobID == jobID {
			execs = append(execs, exec)
		}
	}
	return execs, nil
}

func TestJobConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		jobType JobType
		config  JobConfig
		wantErr bool
	}{
		{"discovery with methods", JobTypeRunDiscovery, JobConfig{Methods: []string{"network", "filesystem"}}, false},
		{"discovery empty config", JobTypeRunDiscovery, JobConfig{}, false},
		{"cleanup with retention", JobTypeCleanupOldRuns, JobConfig{RetentionDays: 90}, false},
		{"cleanup negative retention", JobTypeCleanupOldRuns, JobConfig{RetentionDays: -1}, true},
		{"report pdf", JobTypeGenerateReport, JobConfig{Format: "pdf"}, false},
		{"report default format", JobTypeGenerateReport, JobConfig{}, false},
		{"report bogus format", JobTypeGenerateReport, JobConfig{Format: "docx"}, true},
		{"unknown job type", JobType("reindex"), JobConfig{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate(tt.jobType)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJobConfig_RetentionDefaultsTo30Days(t *testing.T) {
	if got := (JobConfig{}).Retention(); got != 30*24*time.Hour {
		t.Errorf("Retention() = %v, want 720h", got)
	}
	if got := (JobConfig{RetentionDays: 7}).Retention(); got != 7*24*time.Hour {
		t.Errorf("Retention() = %v, want 168h", got)
	}
}

func TestAddJob_RejectsInvalidConfig(t *testing.T) {
	store := newMemStore()
	s := NewScheduler(store, nil)

	err := s.AddJob(context.Background(), &Job{
		Name:     "bad report",
		Schedule: "@daily",
		JobType:  JobTypeGenerateReport,
		Config:   JobConfig{Format: "xlsx"},
	})
	if err == nil {
		t.Fatal("AddJob accepted an unsupported report format")
	}
	if len(store.jobs) != 0 {
		t.Errorf("invalid job was persisted: %d jobs in store", len(store.jobs))
	}
}

func TestExecuteJob_RecordsHandlerOutput(t *testing.T) {
	store := newMemStore()
	s := NewScheduler(store, nil)

	var gotMethods []string
	handlers := &DefaultHandlers{
		DiscoveryFunc: func(ctx context.Context, methods []string) (string, error) {
			gotMethods = methods
			return "run-42", nil
		},
	}
	handlers.Register(s)

	job := &Job{
		ID:      "job-1",
		Name:    "nightly discovery",
		JobType: JobTypeRunDiscovery,
		Config:  JobConfig{Methods: []string{"network", "container"}},
	}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	s.executeJob(job)

	if len(gotMethods) != 2 || gotMethods[0] != "network" {
		t.Errorf("handler methods = %v, want [network container]", gotMethods)
	}

	execs, _ := store.GetJobExecutions(context.Background(), "job-1", 10)
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	exec := execs[0]
	if exec.Status != StatusCompleted {
		t.Errorf("status = %s, want %s", exec.Status, StatusCompleted)
	}
	if !strings.Contains(exec.Output, "run-42") {
		t.Errorf("output %q does not name the enqueued run", exec.Output)
	}
	if store.jobs["job-1"].LastRun == nil {
		t.Error("last run was not recorded")
	}
}

func TestExecuteJob_NoHandlerMarksFailed(t *testing.T) {
	store := newMemStore()
	s := NewScheduler(store, nil)

	job := &Job{ID: "job-1", Name: "orphan type", JobType: JobTypeGenerateReport}
	s.executeJob(job)

	execs, _ := store.GetJobExecutions(context.Background(), "job-1", 10)
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	if execs[0].Status != StatusFailed {
		t.Errorf("status = %s, want %s", execs[0].Status, StatusFailed)
	}
}

func TestJobRow_ConfigRoundTrip(t *testing.T) {
	job := &Job{
		ID:      "job-1",
		Name:    "weekly report",
		JobType: JobTypeGenerateReport,
		Config: JobConfig{
			Methods:       []string{"network"},
			RetentionDays: 14,
			Format:        "csv",
			Title:         "Weekly Coverage",
			OutputDir:     "/var/reports",
		},
	}

	payload, err := encodeConfig(job)
	if err != nil {
		t.Fatalf("encodeConfig: %v", err)
	}

	row := jobRow{Job: Job{ID: job.ID, Name: job.Name, JobType: job.JobType}, RawConfig: payload}
	decoded, err := row.decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.Config.Format != "csv" || decoded.Config.Title != "Weekly Coverage" {
		t.Errorf("report fields lost: %+v", decoded.Config)
	}
	if decoded.Config.RetentionDays != 14 {
		t.Errorf("retention_days = %d, want 14", decoded.Config.RetentionDays)
	}
	if len(decoded.Config.Methods) != 1 || decoded.Config.Methods[0] != "network" {
		t.Errorf("methods = %v, want [network]", decoded.Config.Methods)
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(payload, &keys); err != nil {
		t.Fatalf("payload is not a JSON object: %v", err)
	}
	if _, ok := keys["retention_days"]; !ok {
		t.Error("payload missing retention_days key")
	}
}
