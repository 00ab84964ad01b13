package cron

// EventAction identifies what happened to a job.
type EventAction string

// Event actions.
const (
	ActionAdded    EventAction = "added"
	ActionUpdated  EventAction = "updated"
	ActionRemoved  EventAction = "removed"
	ActionStarted  EventAction = "started"
	ActionFinished EventAction = "finished"
)

// Event is the scheduler's notification to the outer layers. Fields
// beyond JobID and Action are populated per action: started carries
// RunAtMs, finished adds duration, status, and the advanced schedule.
type Event struct {
	JobID       string      `json:"job_id"`
	Action      EventAction `json:"action"`
	RunAtMs     int64       `json:"run_at_ms,omitempty"`
	DurationMs  int64       `json:"duration_ms,omitempty"`
	Status      RunStatus   `json:"status,omitempty"`
	Error       string      `json:"error,omitempty"`
	Summary     string      `json:"summary,omitempty"`
	SessionID   string      `json:"session_id,omitempty"`
	SessionKey  string      `json:"session_key,omitempty"`
	NextRunAtMs int64       `json:"next_run_at_ms,omitempty"`
}

// EventSink receives scheduler events. The sink runs on the scheduler's
// goroutine and must not call back into the Scheduler.
type EventSink func(Event)

// RunStatus is the outcome class of one job execution.
type RunStatus string

// Run statuses.
const (
	RunOK      RunStatus = "ok"
	RunError   RunStatus = "error"
	RunSkipped RunStatus = "skipped"
)

// RunResult is what the external job runner reports back.
type RunResult struct {
	Status     RunStatus `json:"status"`
	Summary    string    `json:"summary,omitempty"`
	OutputText string    `json:"output_text,omitempty"`
	Error      string    `json:"error,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	SessionKey string    `json:"session_key,omitempty"`
}
