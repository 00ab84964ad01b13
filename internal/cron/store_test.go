package cron

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStoreLoadMissingFile(t *testing.T) {
	t.Parallel()

	store := NewStore(filepath.Join(t.TempDir(), "nope", "jobs.json"))
	jobs, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if jobs != nil {
		t.Fatalf("missing file loaded %d jobs, want empty", len(jobs))
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "jobs.json")
	store := NewStore(path)

	in := []*Job{
		{
			ID:       "morning",
			Name:     "morning briefing",
			Enabled:  true,
			Schedule: Schedule{Kind: ScheduleCron, Expr: "0 8 * * *"},
			Payload:  Payload{Kind: PayloadAgentTurn, Message: "brief me"},
			State:    JobState{NextRunAtMs: 1_700_000_000_000},
		},
		{
			ID:       "ping",
			Enabled:  true,
			Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
			Payload:  Payload{Kind: PayloadSystemEvent, Text: "ping"},
			State:    JobState{NextRunAtMs: 1_700_000_060_000, RunningAtMs: 1_700_000_000_500},
		},
	}
	if err := store.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("loaded %d jobs, want 2", len(out))
	}
	if out[0].ID != "morning" || out[0].Schedule.Expr != "0 8 * * *" {
		t.Fatalf("job[0] = %+v", out[0])
	}
	if out[1].State.RunningAtMs != 1_700_000_000_500 {
		t.Fatalf("running marker lost: %+v", out[1].State)
	}
}

func TestStoreRejectsNewerVersion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "jobs.json")
	if err := os.WriteFile(path, []byte(`{"version": 99, "jobs": []}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := NewStore(path).Load(); err == nil {
		t.Fatal("Load accepted a store from the future")
	}
}

func TestStoreRejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "jobs.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := NewStore(path).Load()
	if err == nil || !strings.Contains(err.Error(), "parsing store") {
		t.Fatalf("Load error = %v", err)
	}
}

func TestStoreSaveLeavesNoTempFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "jobs.json"))
	if err := store.Save(nil); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "jobs.json" {
		t.Fatalf("directory contents = %v", entries)
	}
}
