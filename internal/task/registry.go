// Package task tracks generation jobs from submission to terminal outcome.
package task

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Result is a job's terminal payload.
type Result struct {
	VideoURL      string `json:"video_url"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// Job is one tracked generation request. Exactly one orchestrator mutates
// a job's status; polling readers only ever receive snapshots.
type Job struct {
	ID        string    `json:"id"`
	Platform  string    `json:"platform"`
	Status    Status    `json:"status"`
	Progress  string    `json:"progress,omitempty"`
	Message   string    `json:"message,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Config tunes registry eviction.
type Config struct {
	// MaxAge evicts jobs regardless of state after this long.
	MaxAge time.Duration
	// PurgeDelay removes a terminal job this long after it was first
	// observed terminal by a reader.
	PurgeDelay time.Duration
	// SweepInterval is how often the age sweep runs.
	SweepInterval time.Duration
}

// DefaultConfig returns production eviction settings.
func DefaultConfig() Config {
	return Config{
		MaxAge:        2 * time.Hour,
		PurgeDelay:    10 * time.Second,
		SweepInterval: time.Minute,
	}
}

type entry struct {
	job            Job
	purgeScheduled bool
}

// Registry is the in-memory job map. It is an injectable service, not a
// package-level singleton, so tests construct isolated instances.
type Registry struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	jobs     map[string]*entry
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a registry and starts its age sweep.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultConfig().MaxAge
	}
	if cfg.PurgeDelay <= 0 {
		cfg.PurgeDelay = DefaultConfig().PurgeDelay
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}

	r := &Registry{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "task_registry")),
		now:    time.Now,
		jobs:   make(map[string]*entry),
		stop:   make(chan struct{}),
	}
	go r.sweep()
	return r
}

// Create registers a new processing job and returns its snapshot.
func (r *Registry) Create(platform string) Job {
	job := Job{
		ID:        uuid.NewString(),
		Platform:  platform,
		Status:    StatusProcessing,
		Progress:  "queued",
		CreatedAt: r.now(),
	}

	r.mu.Lock()
	r.jobs[job.ID] = &entry{job: job}
	r.mu.Unlock()

	r.logger.Debug("job created", zap.String("task_id", job.ID), zap.String("platform", platform))
	return job
}

// Get returns a snapshot of the job. Observing a terminal job schedules
// its purge; the job stays readable until the purge delay elapses.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	if terminal(e.job.Status) && !e.purgeScheduled {
		e.purgeScheduled = true
		time.AfterFunc(r.cfg.PurgeDelay, func() { r.remove(id) })
	}
	return e.job, true
}

// Peek returns a snapshot without counting as an observation: terminal
// jobs stay readable until a caller-facing Get sees them. For internal
// consumers (metrics, logging) that must not start the purge countdown.
func (r *Registry) Peek(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// SetProgress updates the human-readable progress message. No-op once the
// job is terminal.
func (r *Registry) SetProgress(id, progress string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok || terminal(e.job.Status) {
		return
	}
	e.job.Progress = progress
}

// Complete moves the job to done. Terminal states are monotonic: a second
// terminal transition is ignored.
func (r *Registry) Complete(id string, result Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok || terminal(e.job.Status) {
		return
	}
	e.job.Status = StatusDone
	e.job.Result = &result
	e.job.Progress = ""
	r.logger.Info("job completed", zap.String("task_id", id), zap.String("url", result.VideoURL))
}

// Fail moves the job to error with a classified message.
func (r *Registry) Fail(id, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok || terminal(e.job.Status) {
		return
	}
	e.job.Status = StatusError
	e.job.Message = message
	e.job.Progress = ""
	r.logger.Warn("job failed", zap.String("task_id", id), zap.String("message", message))
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Close stops the age sweep.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
}

func (r *Registry) sweep() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			cutoff := r.now().Add(-r.cfg.MaxAge)
			r.mu.Lock()
			for id, e := range r.jobs {
				if e.job.CreatedAt.Before(cutoff) {
					delete(r.jobs, id)
					r.logger.Debug("job swept", zap.String("task_id", id))
				}
			}
			r.mu.Unlock()
		}
	}
}

func terminal(s Status) bool {
	return s == StatusDone || s == StatusError
}
