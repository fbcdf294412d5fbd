package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/codeswarm/rush/internal/errors"
)

const recordFileName = "run.json"

// Store persists run records under a root directory, one subdirectory per
// run: {root}/{run-id}/run.json. Writes are atomic (write a temp file, then
// rename) and every read/write holds a flock(2) lock on the run directory
// for cross-process safety.
type Store struct {
	root string
}

// NewStore creates a Store rooted at dir, typically ".rush/runs". The root
// is created on first Save.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// RunDir returns the directory holding the given run's record, logs, and
// control files.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

// Save writes the run record atomically under the run directory's lock.
// The record's UpdatedAt is not touched here: transitions stamp it.
func (s *Store) Save(run *Run) error {
	if run == nil || run.ID == "" {
		return errors.Wrap(errors.ErrInvalidInput, "cannot save a run without an id")
	}

	dir := s.RunDir(run.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.NewStoreError("create run directory", err).WithRunID(run.ID).WithPath(dir)
	}

	fl := NewFileLock(dir)
	if err := fl.Lock(); err != nil {
		return errors.NewStoreError("acquire lock", err).WithRunID(run.ID).WithPath(dir)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return errors.NewStoreError("marshal run record", err).WithRunID(run.ID)
	}

	target := filepath.Join(dir, recordFileName)
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.NewStoreError("write temp file", err).WithRunID(run.ID).WithPath(tmp)
	}

	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return errors.NewStoreError("rename temp file", err).WithRunID(run.ID).WithPath(target)
	}

	return nil
}

// Load reads and validates a run record. Returns ErrRunNotFound when no
// record exists for the ID, and ErrStateCorrupted when a record exists but
// cannot be decoded or fails structural validation. A corrupted record is
// never reset: the operator decides what to do with it.
func (s *Store) Load(runID string) (*Run, error) {
	if runID == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "empty run id")
	}

	dir := s.RunDir(runID)
	target := filepath.Join(dir, recordFileName)

	if _, err := os.Stat(target); os.IsNotExist(err) {
		return nil, errors.Wrapf(errors.ErrRunNotFound, "run %q", runID)
	}

	fl := NewFileLock(dir)
	if err := fl.Lock(); err != nil {
		return nil, errors.NewStoreError("acquire lock", err).WithRunID(runID).WithPath(dir)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := os.ReadFile(target)
	if err != nil {
		return nil, errors.NewStoreError("read run record", err).WithRunID(runID).WithPath(target)
	}

	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, errors.Wrapf(errors.ErrStateCorrupted, "run %q: decode record: %v", runID, err)
	}
	if run.Tasks == nil {
		run.Tasks = make(map[string]*TaskState)
	}
	if err := run.Validate(); err != nil {
		return nil, errors.Wrapf(err, "run %q", runID)
	}
	if run.ID != runID {
		return nil, errors.Wrapf(errors.ErrStateCorrupted,
			"run %q: record claims id %q", runID, run.ID)
	}

	return &run, nil
}

// List returns the IDs of all runs with a record under the root, sorted
// ascending. A missing root means no runs yet.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewStoreError("read store root", err).WithPath(s.root)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		record := filepath.Join(s.root, e.Name(), recordFileName)
		if _, err := os.Stat(record); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
