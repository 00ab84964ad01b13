// Package cron provides a self-healing job scheduler: jobs live in a flat
// JSON store, a single armed timer wakes the scheduler at the next due
// instant, and a periodic self-check recovers from a silently dead timer
// or from jobs left in a stale "running" state by a crashed process.
package cron

import (
	"errors"
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// Sentinel errors for the cron package.
var (
	ErrJobNotFound  = errors.New("cron: job not found")
	ErrDuplicateJob = errors.New("cron: duplicate job id")
	ErrBadSchedule  = errors.New("cron: invalid schedule")
)

// cronParser parses 5-field cron expressions for the cron schedule kind.
var cronParser = robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow)

// ScheduleKind discriminates the schedule variant.
type ScheduleKind string

// Supported schedule kinds.
const (
	// ScheduleEvery fires every EveryMs milliseconds, advancing from the
	// completion instant of the previous run.
	ScheduleEvery ScheduleKind = "every"
	// ScheduleAt fires once at AtMs.
	ScheduleAt ScheduleKind = "at"
	// ScheduleCron fires per a 5-field cron expression.
	ScheduleCron ScheduleKind = "cron"
)

// Schedule is the tagged schedule variant of a job.
type Schedule struct {
	Kind    ScheduleKind `json:"kind"`
	EveryMs int64        `json:"every_ms,omitempty"`
	AtMs    int64        `json:"at_ms,omitempty"`
	Expr    string       `json:"expr,omitempty"`
}

// Validate checks the schedule is internally consistent.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("%w: every_ms must be positive", ErrBadSchedule)
		}
	case ScheduleAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("%w: at_ms must be set", ErrBadSchedule)
		}
	case ScheduleCron:
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrBadSchedule, s.Expr, err)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadSchedule, s.Kind)
	}
	return nil
}

// NextRunAt computes the next due instant (unix ms) strictly from now.
// The second return is false when the schedule has no further runs
// (a one-shot whose instant already passed).
func (s Schedule) NextRunAt(now time.Time) (int64, bool) {
	switch s.Kind {
	case ScheduleEvery:
		return now.UnixMilli() + s.EveryMs, true
	case ScheduleAt:
		if s.AtMs <= now.UnixMilli() {
			return 0, false
		}
		return s.AtMs, true
	case ScheduleCron:
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return 0, false
		}
		return sched.Next(now).UnixMilli(), true
	default:
		return 0, false
	}
}

// SessionTarget selects which logical session a job runs against.
type SessionTarget string

// Session targets.
const (
	SessionMain     SessionTarget = "main"
	SessionIsolated SessionTarget = "isolated"
)

// WakeMode controls how a due job interacts with the heartbeat cycle.
type WakeMode string

// Wake modes.
const (
	// WakeNow forces an immediate heartbeat as soon as the job is due.
	WakeNow WakeMode = "now"
	// WakeNextHeartbeat piggybacks on the next periodic wake.
	WakeNextHeartbeat WakeMode = "next-heartbeat"
)

// PayloadKind discriminates what a job executes.
type PayloadKind string

// Payload kinds.
const (
	PayloadAgentTurn   PayloadKind = "agent_turn"
	PayloadSystemEvent PayloadKind = "system_event"
)

// Payload is the tagged work variant of a job.
type Payload struct {
	Kind    PayloadKind `json:"kind"`
	Message string      `json:"message,omitempty"`
	Text    string      `json:"text,omitempty"`
}

// Delivery selects how job results are surfaced.
type Delivery string

// Delivery modes.
const (
	DeliveryNone     Delivery = "none"
	DeliveryAnnounce Delivery = "announce"
)

// AnnounceTarget is the chat that DeliveryAnnounce results are sent to.
type AnnounceTarget struct {
	Channel   string `json:"channel"`
	AccountID string `json:"account_id"`
	ChatID    string `json:"chat_id"`
}

// JobState holds the mutable runtime fields of a job. RunningAtMs is the
// in-flight marker: set when execution starts, cleared on completion. Its
// presence means a run is believed in flight; its age is how a crashed
// run is detected.
type JobState struct {
	NextRunAtMs int64 `json:"next_run_at_ms,omitempty"`
	RunningAtMs int64 `json:"running_at_ms,omitempty"`
}

// Job is a persisted unit of scheduled work.
type Job struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Enabled        bool            `json:"enabled"`
	DeleteAfterRun bool            `json:"delete_after_run,omitempty"`
	Schedule       Schedule        `json:"schedule"`
	SessionTarget  SessionTarget   `json:"session_target,omitempty"`
	WakeMode       WakeMode        `json:"wake_mode,omitempty"`
	Payload        Payload         `json:"payload"`
	Delivery       Delivery        `json:"delivery,omitempty"`
	Announce       *AnnounceTarget `json:"announce,omitempty"`
	State          JobState        `json:"state"`
}

// defaults fills optional fields on a newly added job.
func (j *Job) defaults() {
	if j.Name == "" {
		j.Name = j.ID
	}
	if j.SessionTarget == "" {
		j.SessionTarget = SessionIsolated
	}
	if j.WakeMode == "" {
		j.WakeMode = WakeNextHeartbeat
	}
	if j.Delivery == "" {
		j.Delivery = DeliveryNone
	}
}

// validate checks a job is acceptable for the store.
func (j *Job) validate() error {
	if j.ID == "" {
		return errors.New("cron: job id is required")
	}
	if err := j.Schedule.Validate(); err != nil {
		return err
	}
	switch j.Payload.Kind {
	case PayloadAgentTurn, PayloadSystemEvent:
	default:
		return fmt.Errorf("cron: unknown payload kind %q", j.Payload.Kind)
	}
	if j.Delivery == DeliveryAnnounce && j.Announce == nil {
		return errors.New("cron: announce delivery requires an announce target")
	}
	return nil
}

// running reports whether an execution is believed in flight.
func (j *Job) running() bool {
	return j.State.RunningAtMs > 0
}

// JobPatch is a partial update for Update. Nil fields are left unchanged.
type JobPatch struct {
	Name           *string         `json:"name,omitempty"`
	Enabled        *bool           `json:"enabled,omitempty"`
	DeleteAfterRun *bool           `json:"delete_after_run,omitempty"`
	Schedule       *Schedule       `json:"schedule,omitempty"`
	SessionTarget  *SessionTarget  `json:"session_target,omitempty"`
	WakeMode       *WakeMode       `json:"wake_mode,omitempty"`
	Payload        *Payload        `json:"payload,omitempty"`
	Delivery       *Delivery       `json:"delivery,omitempty"`
	Announce       *AnnounceTarget `json:"announce,omitempty"`
}
