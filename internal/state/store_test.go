package state

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/codeswarm/rush/internal/errors"
)

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	run := NewRun("run-1", "graph.yaml", [][]string{{"A", "B"}, {"C"}})
	mustTransition(t, run, "A", TaskClaimed, TaskInProgress, TaskCompleted)
	run.Levels[0].Status = LevelInProgress

	if err := store.Save(run); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load("run-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.ID != run.ID || loaded.GraphPath != run.GraphPath {
		t.Errorf("identity fields lost: got (%s, %s)", loaded.ID, loaded.GraphPath)
	}
	if loaded.Levels[0].Status != LevelInProgress {
		t.Errorf("level status = %v, want in_progress", loaded.Levels[0].Status)
	}

	ts, err := loaded.Task("A")
	if err != nil {
		t.Fatal(err)
	}
	if ts.Status != TaskCompleted {
		t.Errorf("task A status = %v, want completed", ts.Status)
	}
	if ts.ClaimedAt == nil || ts.StartedAt == nil || ts.FinishedAt == nil {
		t.Error("task timestamps should survive the round trip")
	}
}

func TestStoreLoadUnknownRun(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.Load("no-such-run"); !errors.Is(err, errors.ErrRunNotFound) {
		t.Errorf("Load = %v, want ErrRunNotFound", err)
	}
}

func TestStoreLoadCorruptedRecord(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)

	tests := []struct {
		name string
		data string
	}{
		{"not json", "this is not json{{{"},
		{"wrong id", `{"id":"other","status":"running","current_level":0,"levels":[{"index":0,"task_ids":[],"status":"not_started","gate_passed":false}],"tasks":{}}`},
		{"unknown status", `{"id":"run-x","status":"exploded","current_level":0,"levels":[{"index":0,"task_ids":[],"status":"not_started","gate_passed":false}],"tasks":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(root, "run-x")
			if err := os.MkdirAll(dir, 0755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(dir, "run.json"), []byte(tt.data), 0644); err != nil {
				t.Fatal(err)
			}

			if _, err := store.Load("run-x"); !errors.Is(err, errors.ErrStateCorrupted) {
				t.Errorf("Load = %v, want ErrStateCorrupted", err)
			}

			// The record must survive untouched for the operator to inspect.
			data, err := os.ReadFile(filepath.Join(dir, "run.json"))
			if err != nil || string(data) != tt.data {
				t.Error("a corrupted record must never be reset or rewritten")
			}
		})
	}
}

func TestStoreSaveIsAtomic(t *testing.T) {
	store := NewStore(t.TempDir())
	run := NewRun("run-1", "g.yaml", [][]string{{"A"}})

	if err := store.Save(run); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// No temp file may linger after a successful save.
	entries, err := os.ReadDir(store.RunDir("run-1"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file %q left behind after save", e.Name())
		}
	}

	// Saving again overwrites cleanly.
	run.Status = RunPaused
	if err := store.Save(run); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	loaded, err := store.Load("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != RunPaused {
		t.Errorf("Status = %v, want paused", loaded.Status)
	}
}

func TestStoreList(t *testing.T) {
	store := NewStore(t.TempDir())

	ids, err := store.List()
	if err != nil {
		t.Fatalf("List on empty store: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("List = %v, want empty", ids)
	}

	for _, id := range []string{"run-b", "run-a", "run-c"} {
		if err := store.Save(NewRun(id, "g.yaml", [][]string{{"A"}})); err != nil {
			t.Fatal(err)
		}
	}

	// A stray directory with no record must not be listed.
	if err := os.MkdirAll(filepath.Join(store.Root(), "not-a-run"), 0755); err != nil {
		t.Fatal(err)
	}

	ids, err = store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"run-a", "run-b", "run-c"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("List = %v, want %v", ids, want)
	}
}
