// Package control carries operator requests to a running orchestrator.
//
// The CLI and the orchestrator are separate processes. A pause or force-stop
// is written as a small JSON request file inside the run directory; the
// orchestrator watches the directory (fsnotify, with a polling fallback for
// filesystems that drop events) and observes requests at its next safe
// boundary. Files survive crashes, so a pause requested moments before a
// crash is still honored on resume.
package control

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/codeswarm/rush/internal/errors"
)

// Kind identifies a control request type.
type Kind string

const (
	// KindPause asks the orchestrator to stop dispatching new workers,
	// let in-flight workers finish, persist, and exit paused.
	KindPause Kind = "pause"
	// KindStop asks the orchestrator to kill in-flight workers and mark
	// the run force_stopped. Terminal.
	KindStop Kind = "force_stop"
)

// fileName maps a request kind to its file inside the run directory.
func (k Kind) fileName() string {
	return "control-" + string(k) + ".request"
}

// Request is one operator request.
type Request struct {
	Kind        Kind      `json:"kind"`
	Note        string    `json:"note,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Write places a request file in the run directory, atomically. Writing the
// same kind twice overwrites: the latest note wins.
func Write(runDir string, req Request) error {
	if req.Kind != KindPause && req.Kind != KindStop {
		return errors.Wrapf(errors.ErrInvalidInput, "unknown control request kind %q", req.Kind)
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal control request")
	}

	target := filepath.Join(runDir, req.Kind.fileName())
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "write control request")
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "rename control request")
	}
	return nil
}

// Check reads any pending request in the run directory. Force-stop takes
// precedence over pause when both are pending. Returns nil when nothing is
// pending.
func Check(runDir string) (*Request, error) {
	for _, kind := range []Kind{KindStop, KindPause} {
		data, err := os.ReadFile(filepath.Join(runDir, kind.fileName()))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "read %s request", kind)
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			// A garbled request file still means the operator asked
			// for something; the kind comes from the file name.
			req = Request{Kind: kind}
		}
		req.Kind = kind
		return &req, nil
	}
	return nil, nil
}

// Clear removes a request file once the orchestrator has acted on it.
// Clearing an absent request is a no-op.
func Clear(runDir string, kind Kind) error {
	err := os.Remove(filepath.Join(runDir, kind.fileName()))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "clear %s request", kind)
	}
	return nil
}
