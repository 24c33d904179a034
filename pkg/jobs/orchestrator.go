// Package jobs runs the periodic governance sweeps with a single-flight
// guarantee per job and a leased advisory lock for cross-process exclusion.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fincollab/govcore/pkg/events"
	"github.com/fincollab/govcore/pkg/fault"
)

// Status is a job run's terminal state.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
	StatusRunning   Status = "running"
)

// State is the persisted per-job record.
type State struct {
	JobName      string    `json:"jobName"`
	LastRunAt    time.Time `json:"lastRunAt"`
	LastStatus   Status    `json:"lastStatus,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
	Paused       bool      `json:"paused"`
	AttemptCount int       `json:"attemptCount"`
}

// StateStore persists job state across restarts.
type StateStore interface {
	Load(jobName string) (*State, bool)
	Save(s *State) error
}

// MemoryStateStore is the in-process StateStore.
type MemoryStateStore struct {
	mu sync.Mutex
	m  map[string]*State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{m: make(map[string]*State)}
}

func (s *MemoryStateStore) Load(jobName string) (*State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[jobName]
	if !ok {
		return nil, false
	}
	cp := *st
	return &cp, true
}

func (s *MemoryStateStore) Save(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.m[st.JobName] = &cp
	return nil
}

// Job is a unit of periodic work. Run must check ctx at least once per
// second in long loops; on cancellation it writes partial progress and
// returns ctx.Err().
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type registration struct {
	job     Job
	period  time.Duration
	runtime time.Duration // expected; the lease runs for twice this

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
}

// Orchestrator schedules registered jobs and enforces the single-flight
// invariant: no two executions of the same job overlap in-process, and the
// lease excludes overlap across processes.
type Orchestrator struct {
	mu     sync.RWMutex
	jobs   map[string]*registration
	states StateStore
	lease  Lease
	bus    *events.Bus
	logger *slog.Logger
	clock  func() time.Time
}

func NewOrchestrator(states StateStore, lease Lease, bus *events.Bus, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if lease == nil {
		lease = NewLocalLease()
	}
	return &Orchestrator{
		jobs:   make(map[string]*registration),
		states: states,
		lease:  lease,
		bus:    bus,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock for testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Register adds a job with its tick period and expected runtime.
func (o *Orchestrator) Register(job Job, period, expectedRuntime time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs[job.Name()] = &registration{job: job, period: period, runtime: expectedRuntime}
}

// Start launches one ticker loop per registered job and returns. Loops end
// when ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, reg := range o.jobs {
		go o.loop(ctx, reg)
	}
}

func (o *Orchestrator) loop(ctx context.Context, reg *registration) {
	t := time.NewTicker(reg.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if st, ok := o.states.Load(reg.job.Name()); ok && st.Paused {
				continue
			}
			o.run(ctx, reg)
		}
	}
}

// Trigger requests an asynchronous run. It is accepted idempotently: a
// trigger while the job is running starts no second execution.
func (o *Orchestrator) Trigger(ctx context.Context, jobName string) error {
	o.mu.RLock()
	reg, ok := o.jobs[jobName]
	o.mu.RUnlock()
	if !ok {
		return fault.New(fault.NotFound, "unknown job: "+jobName)
	}
	if reg.running.Load() {
		// Already in flight; the trigger is satisfied by the current run.
		return nil
	}
	go o.run(ctx, reg)
	return nil
}

// SetPaused flips the pause flag. A paused job keeps its state; the
// scheduler skips its ticks.
func (o *Orchestrator) SetPaused(jobName string, paused bool) error {
	o.mu.RLock()
	reg, ok := o.jobs[jobName]
	o.mu.RUnlock()
	if !ok {
		return fault.New(fault.NotFound, "unknown job: "+jobName)
	}
	st := o.loadState(reg.job.Name())
	st.Paused = paused
	return o.states.Save(st)
}

// Cancel signals the in-flight run, if any. The job observes the signal at
// its next checkpoint and terminates with the cancelled status.
func (o *Orchestrator) Cancel(jobName string) {
	o.mu.RLock()
	reg, ok := o.jobs[jobName]
	o.mu.RUnlock()
	if !ok {
		return
	}
	reg.mu.Lock()
	if reg.cancel != nil {
		reg.cancel()
	}
	reg.mu.Unlock()
}

// JobState returns the persisted state for the job.
func (o *Orchestrator) JobState(jobName string) (*State, bool) {
	return o.states.Load(jobName)
}

// Running reports whether the job is currently executing in this process.
func (o *Orchestrator) Running(jobName string) bool {
	o.mu.RLock()
	reg, ok := o.jobs[jobName]
	o.mu.RUnlock()
	return ok && reg.running.Load()
}

func (o *Orchestrator) run(ctx context.Context, reg *registration) {
	name := reg.job.Name()
	if !reg.running.CompareAndSwap(false, true) {
		return
	}
	defer reg.running.Store(false)

	leaseTTL := 2 * reg.runtime
	if leaseTTL <= 0 {
		leaseTTL = 2 * time.Minute
	}
	ok, err := o.lease.Acquire(ctx, name, leaseTTL)
	if err != nil {
		o.logger.Error("job lease acquire failed", "job", name, "error", err)
		return
	}
	if !ok {
		o.logger.Debug("job lease held elsewhere", "job", name)
		return
	}
	defer func() {
		if rerr := o.lease.Release(context.WithoutCancel(ctx), name); rerr != nil {
			o.logger.Warn("job lease release failed", "job", name, "error", rerr)
		}
	}()

	st := o.loadState(name)
	st.AttemptCount++
	st.LastRunAt = o.clock()
	st.LastStatus = StatusRunning
	st.LastError = ""
	if err := o.states.Save(st); err != nil {
		o.logger.Error("job state save failed", "job", name, "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	reg.mu.Lock()
	reg.cancel = cancel
	reg.mu.Unlock()
	defer func() {
		cancel()
		reg.mu.Lock()
		reg.cancel = nil
		reg.mu.Unlock()
	}()

	start := o.clock()
	runErr := reg.job.Run(runCtx)

	switch {
	case runErr == nil:
		st.LastStatus = StatusSuccess
	case errors.Is(runErr, context.Canceled):
		st.LastStatus = StatusCancelled
	default:
		st.LastStatus = StatusFailure
		st.LastError = runErr.Error()
		o.logger.Error("job failed", "job", name, "error", runErr)
	}
	if err := o.states.Save(st); err != nil {
		o.logger.Error("job state save failed", "job", name, "error", err)
	}
	if o.bus != nil {
		o.bus.Publish(context.WithoutCancel(ctx), events.JobCompleted, "", map[string]interface{}{
			"job":      name,
			"status":   st.LastStatus,
			"duration": o.clock().Sub(start).String(),
		})
	}
}

func (o *Orchestrator) loadState(name string) *State {
	if st, ok := o.states.Load(name); ok {
		return st
	}
	return &State{JobName: name}
}
