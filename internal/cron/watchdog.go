package cron

import (
	"context"
	"time"
)

// selfCheckLoop runs the watchdog and anti-zombie passes on a fixed
// cadence until ctx is cancelled.
func (s *Scheduler) selfCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SelfCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.selfCheck()
		}
	}
}

// selfCheck is one pass of the scheduler's self-healing: recreate a lost
// wake timer, re-initialize a silently dead one, and recover jobs whose
// running marker outlived its process.
func (s *Scheduler) selfCheck() {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.nowMs()

	// Watchdog: the timer handle is gone but work is still pending. Loses
	// the race against a concurrent re-arm harmlessly; armTimerLocked is a
	// no-op when a live timer already covers the minimum due instant.
	if s.timer == nil && s.hasArmableLocked() {
		s.logger.Warn("wake timer missing with jobs pending, re-arming")
		s.metrics.recordTimerRearm()
		s.armTimerLocked()
	}

	// Anti-zombie: the timer claims to be armed but its due instant passed
	// DeadTimerThreshold ago without a tick. A far-future due instant never
	// trips this, so an idle scheduler stays quiet.
	deadMs := s.cfg.DeadTimerThreshold.Milliseconds()
	if s.timerDueMs != 0 && nowMs-s.timerDueMs > deadMs && nowMs-s.lastTickAtMs > deadMs {
		s.logger.Warn("wake timer silently dead, re-initializing",
			"due_at_ms", s.timerDueMs,
			"overdue", time.Duration(nowMs-s.timerDueMs)*time.Millisecond,
		)
		s.metrics.recordTimerRearm()
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.timerDueMs = 0
		s.armTimerLocked()
	}

	s.recoverStaleLocked(nowMs)
}

// hasArmableLocked reports whether any job would arm the wake timer.
// Caller holds s.mu.
func (s *Scheduler) hasArmableLocked() bool {
	for _, j := range s.jobs {
		if j.Enabled && !j.running() && j.State.NextRunAtMs > 0 {
			return true
		}
	}
	return false
}

// recoverStaleLocked clears running markers older than the stale
// threshold. The marked process is presumed dead; the job is made
// eligible again no earlier than now so it re-runs on a normal tick
// rather than in a burst. Caller holds s.mu.
func (s *Scheduler) recoverStaleLocked(nowMs int64) {
	staleMs := s.cfg.StaleRunningThreshold.Milliseconds()

	changed := false
	for _, j := range s.jobs {
		if j.State.RunningAtMs == 0 || nowMs-j.State.RunningAtMs <= staleMs {
			continue
		}
		s.logger.Warn("recovering job with stale running marker",
			"job", j.ID,
			"running_for", time.Duration(nowMs-j.State.RunningAtMs)*time.Millisecond,
		)
		j.State.RunningAtMs = 0
		if j.State.NextRunAtMs < nowMs {
			j.State.NextRunAtMs = nowMs
		}
		s.metrics.recordStaleRecovered()
		changed = true
	}

	if changed {
		if err := s.persistLocked(); err != nil {
			s.logger.Error("persist after stale recovery failed", "error", err)
		}
		s.armTimerLocked()
	}
}
