package cron

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Default self-healing parameters. All are configurable; see Config.
const (
	// DefaultStaleRunningThreshold is how old a running marker must be
	// before the job is presumed to have died with its process.
	DefaultStaleRunningThreshold = 45 * time.Minute
	// DefaultSelfCheckInterval is the cadence of the watchdog and
	// anti-zombie passes.
	DefaultSelfCheckInterval = 30 * time.Second
	// DefaultDeadTimerThreshold is how long past its due instant an armed
	// timer may go silent before the scheduler is presumed stuck.
	DefaultDeadTimerThreshold = 60 * time.Second
)

// AgentRunner executes one due agent-turn job. Supplied by the agent
// layer; the scheduler never knows how a turn actually runs.
type AgentRunner interface {
	RunAgentTurn(ctx context.Context, job Job, message string) (RunResult, error)
}

// Waker requests an out-of-band heartbeat. Jobs with WakeNow call it the
// moment they become due, independent of their own execution.
type Waker interface {
	RequestNow(reason string)
}

// SystemEventSink receives the text of due system-event jobs.
type SystemEventSink func(text string)

// Config holds scheduler configuration.
type Config struct {
	StorePath             string        `yaml:"store_path"`
	StaleRunningThreshold time.Duration `yaml:"stale_running_threshold"`
	SelfCheckInterval     time.Duration `yaml:"self_check_interval"`
	DeadTimerThreshold    time.Duration `yaml:"dead_timer_threshold"`
}

// defaults fills zero values with sensible defaults.
func (c *Config) defaults() {
	if c.StaleRunningThreshold <= 0 {
		c.StaleRunningThreshold = DefaultStaleRunningThreshold
	}
	if c.SelfCheckInterval <= 0 {
		c.SelfCheckInterval = DefaultSelfCheckInterval
	}
	if c.DeadTimerThreshold <= 0 {
		c.DeadTimerThreshold = DefaultDeadTimerThreshold
	}
}

// Deps are the scheduler's external collaborators.
type Deps struct {
	Store        *Store
	Runner       AgentRunner
	Waker        Waker
	SystemEvents SystemEventSink
	Events       EventSink
	Metrics      *Metrics
	Logger       *slog.Logger
}

// RunMode selects the due check for Run.
type RunMode string

// Run modes.
const (
	// RunDue executes only if the job is enabled and its due instant has
	// passed.
	RunDue RunMode = "due"
	// RunForce bypasses the due check.
	RunForce RunMode = "force"
)

// RunOutcome classifies the result of Run. Run never fails across the
// public boundary; internal failures degrade to OutcomeError.
type RunOutcome string

// Run outcomes.
const (
	OutcomeRan            RunOutcome = "ran"
	OutcomeNotDue         RunOutcome = "not-due"
	OutcomeAlreadyRunning RunOutcome = "already-running"
	OutcomeNotFound       RunOutcome = "not-found"
	OutcomeError          RunOutcome = "error"
)

// RunReport is the discriminated result of Run.
type RunReport struct {
	Outcome RunOutcome `json:"outcome"`
	Error   string     `json:"error,omitempty"`
}

// Status is the scheduler's introspection snapshot.
type Status struct {
	Enabled      bool   `json:"enabled"`
	StorePath    string `json:"store_path"`
	JobCount     int    `json:"job_count"`
	NextWakeAtMs int64  `json:"next_wake_at_ms,omitempty"`
}

// Scheduler fires due jobs exactly once per due instant and heals itself:
// the watchdog recreates a lost wake timer, and the anti-zombie pass
// re-initializes a silently dead one and recovers jobs whose running
// marker outlived its process.
//
// Every mutating entry point serializes on one mutex, so a tick, a manual
// edit, and a forced run are totally ordered and never interleave their
// reads and writes of the store.
type Scheduler struct {
	cfg    Config
	store  *Store
	runner AgentRunner
	waker  Waker
	system SystemEventSink
	sink   EventSink

	metrics *Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	// now is injectable for deterministic tests.
	now func() time.Time

	mu           sync.Mutex
	jobs         []*Job
	timer        *time.Timer
	timerDueMs   int64 // due instant the live timer is armed for; 0 = none
	timerArms    int   // live-timer transitions, for re-arm idempotence checks
	lastTickAtMs int64
	enabled      bool
	cancel       context.CancelFunc
}

// New creates a Scheduler. deps.Store must not be nil.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("cron: nil store")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg.defaults()

	return &Scheduler{
		cfg:     cfg,
		store:   deps.Store,
		runner:  deps.Runner,
		waker:   deps.Waker,
		system:  deps.SystemEvents,
		sink:    deps.Events,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		tracer:  otel.Tracer("lifeline/internal/cron"),
		now:     time.Now,
	}, nil
}

// Start loads the store, arms the wake timer, and begins the self-check
// loop.
func (s *Scheduler) Start() error {
	jobs, err := s.store.Load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.jobs = jobs
	s.enabled = true
	s.lastTickAtMs = s.nowMs()
	s.metrics.setJobCount(len(jobs))
	s.armTimerLocked()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go s.selfCheckLoop(ctx)

	s.logger.Info("cron scheduler started",
		"store", s.store.Path(),
		"jobs", len(jobs),
	)
	return nil
}

// Stop halts timers and the self-check loop. In-flight job executions on
// the timer goroutine run to completion.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerDueMs = 0
	s.enabled = false

	s.logger.Info("cron scheduler stopped")
	return nil
}

// Add inserts a job, persists, and re-arms the wake timer. On a persist
// failure the in-memory job stays authoritative and the error is
// returned.
func (s *Scheduler) Add(job Job) (Job, error) {
	job.defaults()
	if err := job.validate(); err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	if s.findLocked(job.ID) != nil {
		s.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	job.State.RunningAtMs = 0
	if job.State.NextRunAtMs == 0 {
		job.State.NextRunAtMs = s.initialRunAt(job.Schedule)
	}

	j := job
	s.jobs = append(s.jobs, &j)
	s.metrics.setJobCount(len(s.jobs))
	err := s.persistLocked()
	s.armTimerLocked()
	added := j
	s.mu.Unlock()

	s.emit(Event{JobID: added.ID, Action: ActionAdded, NextRunAtMs: added.State.NextRunAtMs})
	return added, err
}

// Update applies a partial patch, persists, and re-arms. A schedule change
// recomputes the next due instant.
func (s *Scheduler) Update(id string, patch JobPatch) (Job, error) {
	s.mu.Lock()
	j := s.findLocked(id)
	if j == nil {
		s.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	if patch.Schedule != nil {
		if err := patch.Schedule.Validate(); err != nil {
			s.mu.Unlock()
			return Job{}, err
		}
		j.Schedule = *patch.Schedule
		j.State.NextRunAtMs = s.initialRunAt(j.Schedule)
	}
	if patch.Name != nil {
		j.Name = *patch.Name
	}
	if patch.Enabled != nil {
		j.Enabled = *patch.Enabled
	}
	if patch.DeleteAfterRun != nil {
		j.DeleteAfterRun = *patch.DeleteAfterRun
	}
	if patch.SessionTarget != nil {
		j.SessionTarget = *patch.SessionTarget
	}
	if patch.WakeMode != nil {
		j.WakeMode = *patch.WakeMode
	}
	if patch.Payload != nil {
		j.Payload = *patch.Payload
	}
	if patch.Delivery != nil {
		j.Delivery = *patch.Delivery
	}
	if patch.Announce != nil {
		j.Announce = patch.Announce
	}

	err := s.persistLocked()
	s.armTimerLocked()
	updated := *j
	s.mu.Unlock()

	s.emit(Event{JobID: updated.ID, Action: ActionUpdated, NextRunAtMs: updated.State.NextRunAtMs})
	return updated, err
}

// Remove deletes a job, persists, and re-arms. Returns false for an
// unknown id.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	idx := slices.IndexFunc(s.jobs, func(j *Job) bool { return j.ID == id })
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.jobs = slices.Delete(s.jobs, idx, idx+1)
	s.metrics.setJobCount(len(s.jobs))
	if err := s.persistLocked(); err != nil {
		s.logger.Error("persist after remove failed", "job", id, "error", err)
	}
	s.armTimerLocked()
	s.mu.Unlock()

	s.emit(Event{JobID: id, Action: ActionRemoved})
	return true
}

// Run executes one job on demand. RunDue honours the enabled flag and the
// due instant; RunForce bypasses the due check. A job with its running
// marker set is never re-entered, in either mode.
func (s *Scheduler) Run(ctx context.Context, id string, mode RunMode) RunReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.findLocked(id)
	if j == nil {
		return RunReport{Outcome: OutcomeNotFound}
	}
	if j.running() {
		return RunReport{Outcome: OutcomeAlreadyRunning}
	}
	if mode != RunForce {
		if !j.Enabled || j.State.NextRunAtMs == 0 || j.State.NextRunAtMs > s.nowMs() {
			return RunReport{Outcome: OutcomeNotDue}
		}
	}

	if errText := s.executeLocked(ctx, j); errText != "" {
		return RunReport{Outcome: OutcomeError, Error: errText}
	}
	return RunReport{Outcome: OutcomeRan}
}

// Status returns the introspection snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Enabled:      s.enabled,
		StorePath:    s.store.Path(),
		JobCount:     len(s.jobs),
		NextWakeAtMs: s.timerDueMs,
	}
}

// Jobs returns copies of all jobs, sorted by id.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	slices.SortFunc(out, func(a, b Job) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Get returns a copy of one job.
func (s *Scheduler) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.findLocked(id); j != nil {
		return *j, true
	}
	return Job{}, false
}

// ArmTimer recomputes the wake timer from the current store state. Safe
// to call on every store read: re-arming with an unchanged minimum due
// instant leaves the live timer untouched.
func (s *Scheduler) ArmTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armTimerLocked()
}

// findLocked returns the job with the given id. Caller holds s.mu.
func (s *Scheduler) findLocked(id string) *Job {
	for _, j := range s.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// initialRunAt computes a job's first due instant. Unlike
// Schedule.NextRunAt, a fixed instant already in the past stays due so
// the job fires on the next tick rather than silently never.
func (s *Scheduler) initialRunAt(sched Schedule) int64 {
	if sched.Kind == ScheduleAt {
		return sched.AtMs
	}
	if next, ok := sched.NextRunAt(s.now()); ok {
		return next
	}
	return 0
}

func (s *Scheduler) nowMs() int64 {
	return s.now().UnixMilli()
}

// persistLocked rewrites the store. Caller holds s.mu.
func (s *Scheduler) persistLocked() error {
	if err := s.store.Save(s.jobs); err != nil {
		s.logger.Error("cron store write failed", "error", err)
		return err
	}
	return nil
}

func (s *Scheduler) emit(evt Event) {
	if s.sink != nil {
		s.sink(evt)
	}
}

// armTimerLocked schedules the single delayed wake for the minimum due
// instant across enabled, non-running jobs. Idempotent under no-op
// re-arm: an unchanged minimum leaves the live timer alone. Caller holds
// s.mu.
func (s *Scheduler) armTimerLocked() {
	var minDue int64
	for _, j := range s.jobs {
		if !j.Enabled || j.running() || j.State.NextRunAtMs == 0 {
			continue
		}
		if minDue == 0 || j.State.NextRunAtMs < minDue {
			minDue = j.State.NextRunAtMs
		}
	}

	if minDue == 0 {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.timerDueMs = 0
		return
	}

	if s.timer != nil && s.timerDueMs == minDue {
		return
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	delay := time.Duration(minDue-s.nowMs()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	s.timer = time.AfterFunc(delay, s.onTimer)
	s.timerDueMs = minDue
	s.timerArms++

	s.logger.Debug("wake timer armed", "due_at_ms", minDue, "in", delay)
}

// onTimer is the wake timer callback. Nothing may escape it uncaught.
func (s *Scheduler) onTimer() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cron tick panicked", "panic", r)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastTickAtMs = s.nowMs()
	s.timer = nil
	s.timerDueMs = 0

	s.runDueLocked(context.Background())
	s.armTimerLocked()
}

// runDueLocked executes every job whose due instant has passed. One job's
// failure does not stop the rest of the tick. Caller holds s.mu.
func (s *Scheduler) runDueLocked(ctx context.Context) {
	nowMs := s.nowMs()

	due := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.Enabled && !j.running() && j.State.NextRunAtMs > 0 && j.State.NextRunAtMs <= nowMs {
			due = append(due, j.ID)
		}
	}

	for _, id := range due {
		j := s.findLocked(id)
		if j == nil || j.running() {
			continue
		}
		if errText := s.executeLocked(ctx, j); errText != "" {
			s.logger.Error("job execution failed", "job", id, "error", errText)
		}
	}
}

// executeLocked runs one job end to end: wake request, running marker,
// the external runner, schedule advance, persistence, and events. Caller
// holds s.mu; the error return is the degraded internal-failure text,
// empty on success.
func (s *Scheduler) executeLocked(ctx context.Context, j *Job) string {
	startMs := s.nowMs()

	// A WakeNow job forces a heartbeat the moment it is due, whether or
	// not its own execution has started yet.
	if j.WakeMode == WakeNow && s.waker != nil {
		s.waker.RequestNow("cron:" + j.Name)
	}

	j.State.RunningAtMs = startMs
	if err := s.persistLocked(); err != nil {
		j.State.RunningAtMs = 0
		return err.Error()
	}

	s.emit(Event{JobID: j.ID, Action: ActionStarted, RunAtMs: startMs})

	ctx, span := s.tracer.Start(ctx, "cron.run", trace.WithAttributes(
		attribute.String("job.id", j.ID),
		attribute.String("job.payload", string(j.Payload.Kind)),
	))
	res := s.invoke(ctx, j)
	span.SetAttributes(attribute.String("job.status", string(res.Status)))
	span.End()

	s.metrics.recordRun(res.Status)

	endMs := s.nowMs()
	j.State.RunningAtMs = 0

	removed := s.advanceLocked(j, endMs)
	if err := s.persistLocked(); err != nil && res.Status == RunOK {
		res.Status = RunError
		res.Error = err.Error()
	}
	s.armTimerLocked()

	evt := Event{
		JobID:      j.ID,
		Action:     ActionFinished,
		RunAtMs:    startMs,
		DurationMs: endMs - startMs,
		Status:     res.Status,
		Error:      res.Error,
		Summary:    res.Summary,
		SessionID:  res.SessionID,
		SessionKey: res.SessionKey,
	}
	if !removed {
		evt.NextRunAtMs = j.State.NextRunAtMs
	}
	s.emit(evt)

	if res.Status == RunError {
		return res.Error
	}
	return ""
}

// invoke dispatches the job payload to its external collaborator.
func (s *Scheduler) invoke(ctx context.Context, j *Job) RunResult {
	switch j.Payload.Kind {
	case PayloadSystemEvent:
		if s.system == nil {
			return RunResult{Status: RunSkipped, Summary: "no system event sink configured"}
		}
		s.system(j.Payload.Text)
		return RunResult{Status: RunOK, Summary: "system event enqueued"}

	case PayloadAgentTurn:
		if s.runner == nil {
			return RunResult{Status: RunError, Error: "no agent runner configured"}
		}
		res, err := s.runner.RunAgentTurn(ctx, *j, j.Payload.Message)
		if err != nil {
			return RunResult{Status: RunError, Error: err.Error()}
		}
		return res

	default:
		return RunResult{Status: RunError, Error: fmt.Sprintf("unknown payload kind %q", j.Payload.Kind)}
	}
}

// advanceLocked moves the job's schedule past a completed run. Recurring
// jobs advance by their interval from now; one-shots are removed when
// DeleteAfterRun is set and disabled otherwise. Returns true when the job
// was removed. Caller holds s.mu.
func (s *Scheduler) advanceLocked(j *Job, nowMs int64) bool {
	switch j.Schedule.Kind {
	case ScheduleAt:
		if j.DeleteAfterRun {
			idx := slices.IndexFunc(s.jobs, func(x *Job) bool { return x.ID == j.ID })
			if idx >= 0 {
				s.jobs = slices.Delete(s.jobs, idx, idx+1)
				s.metrics.setJobCount(len(s.jobs))
			}
			return true
		}
		j.Enabled = false
		j.State.NextRunAtMs = 0
		return false

	default:
		if next, ok := j.Schedule.NextRunAt(time.UnixMilli(nowMs)); ok {
			j.State.NextRunAtMs = next
		} else {
			j.State.NextRunAtMs = 0
		}
		return false
	}
}
