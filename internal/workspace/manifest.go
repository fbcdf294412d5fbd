package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/codeswarm/rush/internal/errors"
)

// skipDirs are directory names never included in manifests, sandbox seeds,
// or merges. The run's own bookkeeping and VCS metadata are not task work.
var skipDirs = map[string]bool{
	".git":  true,
	".rush": true,
}

// Manifest maps workspace-relative file paths to SHA-256 content digests.
// A manifest is the baseline recorded at sandbox seed time; diffing the
// sandbox against it yields exactly what the worker changed.
type Manifest map[string]string

// Snapshot walks root and hashes every regular file, skipping VCS and run
// bookkeeping directories.
func Snapshot(root string) (Manifest, error) {
	m := make(Manifest)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		m[rel] = sum
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "snapshot %s", root)
	}
	return m, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChangeKind classifies one difference between a sandbox and its baseline.
type ChangeKind string

const (
	// ChangeModified means the file existed at seed time and its content
	// differs.
	ChangeModified ChangeKind = "modified"
	// ChangeCreated means the file did not exist at seed time.
	ChangeCreated ChangeKind = "created"
	// ChangeDeleted means the file existed at seed time and is gone.
	ChangeDeleted ChangeKind = "deleted"
)

// Change is one file-level difference, with a workspace-relative path.
type Change struct {
	Path string
	Kind ChangeKind
}

// Diff compares a current manifest against the baseline and returns the
// changes sorted by path, so violation reports and merges are deterministic.
func Diff(baseline, current Manifest) []Change {
	var changes []Change

	for path, sum := range current {
		base, existed := baseline[path]
		switch {
		case !existed:
			changes = append(changes, Change{Path: path, Kind: ChangeCreated})
		case base != sum:
			changes = append(changes, Change{Path: path, Kind: ChangeModified})
		}
	}
	for path := range baseline {
		if _, still := current[path]; !still {
			changes = append(changes, Change{Path: path, Kind: ChangeDeleted})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}
