package cron

import (
	"testing"
	"time"
)

func TestSelfCheckRecreatesLostTimer(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, Deps{})
	if _, err := s.Add(everyJob("j", time.Hour.Milliseconds())); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Simulate a lost handle: the timer is gone but a job is pending.
	s.mu.Lock()
	s.timer.Stop()
	s.timer = nil
	s.timerDueMs = 0
	s.mu.Unlock()

	s.selfCheck()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil || s.timerDueMs == 0 {
		t.Fatal("watchdog did not recreate the wake timer")
	}
}

func TestSelfCheckReinitsDeadTimer(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{DeadTimerThreshold: time.Minute}, Deps{})
	if _, err := s.Add(everyJob("j", time.Hour.Milliseconds())); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Simulate a silently dead timer: armed for an instant long past, with
	// no tick since.
	s.mu.Lock()
	s.timerDueMs = s.nowMs() - 5*time.Minute.Milliseconds()
	s.lastTickAtMs = s.nowMs() - 10*time.Minute.Milliseconds()
	oldArms := s.timerArms
	s.mu.Unlock()

	s.selfCheck()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timerArms == oldArms {
		t.Fatal("anti-zombie pass did not re-initialize the dead timer")
	}
	if s.timerDueMs <= s.nowMs() {
		t.Fatalf("re-armed due instant %d not in the future", s.timerDueMs)
	}
}

func TestSelfCheckQuietWhenIdle(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{DeadTimerThreshold: time.Minute}, Deps{})
	if _, err := s.Add(everyJob("j", time.Hour.Milliseconds())); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// A healthy timer armed for the future trips neither pass.
	s.mu.Lock()
	arms := s.timerArms
	s.lastTickAtMs = s.nowMs() - 10*time.Minute.Milliseconds()
	s.mu.Unlock()

	s.selfCheck()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timerArms != arms {
		t.Fatal("self-check touched a healthy timer")
	}
}

func TestSelfCheckRecoversStaleRunning(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, Deps{})
	if _, err := s.Add(everyJob("stale", 60_000)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(everyJob("fresh", 60_000)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	now := time.Now().UnixMilli()
	s.mu.Lock()
	s.findLocked("stale").State.RunningAtMs = now - 2*time.Hour.Milliseconds()
	s.findLocked("fresh").State.RunningAtMs = now - 5*time.Minute.Milliseconds()
	s.mu.Unlock()

	s.selfCheck()

	stale, _ := s.Get("stale")
	if stale.State.RunningAtMs != 0 {
		t.Fatal("two-hour-old running marker not cleared")
	}
	if stale.State.NextRunAtMs < now {
		t.Fatalf("recovered job due instant %d is in the past", stale.State.NextRunAtMs)
	}

	fresh, _ := s.Get("fresh")
	if fresh.State.RunningAtMs == 0 {
		t.Fatal("five-minute-old running marker cleared under the 45m threshold")
	}
}

func TestStaleRecoveryPersists(t *testing.T) {
	t.Parallel()

	store := NewStore(t.TempDir() + "/jobs.json")
	s := newTestScheduler(t, Config{}, Deps{Store: store})
	if _, err := s.Add(everyJob("stale", 60_000)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.mu.Lock()
	s.findLocked("stale").State.RunningAtMs = s.nowMs() - 2*time.Hour.Milliseconds()
	s.mu.Unlock()

	s.selfCheck()

	jobs, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(jobs) != 1 || jobs[0].State.RunningAtMs != 0 {
		t.Fatalf("recovery not persisted: %+v", jobs)
	}
}

func TestStaleThresholdConfigurable(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{StaleRunningThreshold: time.Minute}, Deps{})
	if _, err := s.Add(everyJob("j", 60_000)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.mu.Lock()
	s.findLocked("j").State.RunningAtMs = s.nowMs() - 5*time.Minute.Milliseconds()
	s.mu.Unlock()

	s.selfCheck()

	j, _ := s.Get("j")
	if j.State.RunningAtMs != 0 {
		t.Fatal("marker older than the configured threshold survived")
	}
}
