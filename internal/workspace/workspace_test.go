package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/codeswarm/rush/internal/errors"
	"github.com/codeswarm/rush/internal/logging"
)

// writeFiles creates files under root from a map of relative path to content.
func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestManager(t *testing.T, files map[string]string) (*Manager, string) {
	t.Helper()
	shared := t.TempDir()
	writeFiles(t, shared, files)
	m := NewManager(shared, filepath.Join(t.TempDir(), "sandboxes"), logging.NopLogger())
	return m, shared
}

func TestSeedCopiesSharedWorkspace(t *testing.T) {
	m, _ := newTestManager(t, map[string]string{
		"a.go":          "package a",
		"pkg/b/b.go":    "package b",
		".git/HEAD":     "ref: refs/heads/main",
		".rush/ignored": "bookkeeping",
	})

	dir, err := m.Seed("task-1")
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}

	for _, rel := range []string{"a.go", "pkg/b/b.go"} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Errorf("seeded sandbox missing %s: %v", rel, err)
		}
	}
	for _, rel := range []string{".git/HEAD", ".rush/ignored"} {
		if _, err := os.Stat(filepath.Join(dir, rel)); !os.IsNotExist(err) {
			t.Errorf("%s should not be seeded into the sandbox", rel)
		}
	}
}

func TestChangesDetectsAllKinds(t *testing.T) {
	m, _ := newTestManager(t, map[string]string{
		"keep.go":  "unchanged",
		"mod.go":   "original",
		"gone.go":  "to be deleted",
		"nested/x": "also unchanged",
	})

	dir, err := m.Seed("task-1")
	if err != nil {
		t.Fatal(err)
	}

	writeFiles(t, dir, map[string]string{
		"mod.go": "rewritten",
		"new.go": "created",
	})
	if err := os.Remove(filepath.Join(dir, "gone.go")); err != nil {
		t.Fatal(err)
	}

	changes, err := m.Changes("task-1")
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}

	want := map[string]ChangeKind{
		"gone.go": ChangeDeleted,
		"mod.go":  ChangeModified,
		"new.go":  ChangeCreated,
	}
	if len(changes) != len(want) {
		t.Fatalf("Changes = %v, want %d entries", changes, len(want))
	}
	for _, c := range changes {
		if want[c.Path] != c.Kind {
			t.Errorf("change %s = %s, want %s", c.Path, c.Kind, want[c.Path])
		}
	}

	// Diff output must be path-sorted for deterministic reports.
	for i := 1; i < len(changes); i++ {
		if changes[i-1].Path >= changes[i].Path {
			t.Errorf("changes not sorted: %q before %q", changes[i-1].Path, changes[i].Path)
		}
	}
}

func TestChangesWithoutSeedFails(t *testing.T) {
	m, _ := newTestManager(t, nil)
	if _, err := m.Changes("never-seeded"); !errors.Is(err, errors.ErrStateCorrupted) {
		t.Errorf("Changes on an unseeded task = %v, want ErrStateCorrupted", err)
	}
}

func TestReseedDiscardsPreviousAttempt(t *testing.T) {
	m, shared := newTestManager(t, map[string]string{"a.go": "v1"})

	dir, err := m.Seed("task-1")
	if err != nil {
		t.Fatal(err)
	}
	writeFiles(t, dir, map[string]string{"leftover.go": "failed attempt debris"})

	// Shared workspace moved on (an earlier level merged).
	writeFiles(t, shared, map[string]string{"a.go": "v2"})

	dir, err = m.Seed("task-1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "leftover.go")); !os.IsNotExist(err) {
		t.Error("reseed should discard the previous sandbox")
	}
	data, err := os.ReadFile(filepath.Join(dir, "a.go"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" {
		t.Errorf("reseeded a.go = %q, want v2 (current shared workspace)", data)
	}

	changes, err := m.Changes("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 0 {
		t.Errorf("fresh reseed should diff clean, got %v", changes)
	}
}
