package gate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/codeswarm/rush/internal/errors"
	"github.com/codeswarm/rush/internal/logging"
)

func TestRunAllCommandsPass(t *testing.T) {
	r := NewRunner(t.TempDir(), logging.NopLogger())

	err := r.Run(context.Background(), 0, []string{"true", "exit 0"})
	if err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestRunNoCommandsPassesTrivially(t *testing.T) {
	r := NewRunner(t.TempDir(), logging.NopLogger())
	if err := r.Run(context.Background(), 0, nil); err != nil {
		t.Errorf("Run with no gates = %v, want nil", err)
	}
}

func TestRunShortCircuitsOnFailure(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(dir, logging.NopLogger())

	marker := filepath.Join(dir, "second-ran")
	err := r.Run(context.Background(), 2, []string{
		"echo broken >&2; exit 1",
		"touch " + marker,
	})

	if !errors.Is(err, errors.ErrGateFailed) {
		t.Fatalf("Run = %v, want ErrGateFailed", err)
	}
	if _, statErr := os.Stat(marker); !os.IsNotExist(statErr) {
		t.Error("second command ran despite short-circuit")
	}

	var gateErr *errors.GateError
	if !errors.As(err, &gateErr) {
		t.Fatal("error should be a *GateError")
	}
	if gateErr.LevelIndex != 2 {
		t.Errorf("LevelIndex = %d, want 2", gateErr.LevelIndex)
	}
	if !strings.Contains(gateErr.Output, "broken") {
		t.Errorf("Output = %q, want captured stderr", gateErr.Output)
	}
}

func TestRunAllAggregatesFailures(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(dir, logging.NopLogger())
	r.RunAll = true

	marker := filepath.Join(dir, "last-ran")
	err := r.Run(context.Background(), 0, []string{
		"exit 1",
		"exit 2",
		"touch " + marker,
	})

	if !errors.Is(err, errors.ErrGateFailed) {
		t.Fatalf("Run = %v, want ErrGateFailed", err)
	}
	if _, statErr := os.Stat(marker); statErr != nil {
		t.Error("RunAll should keep running after failures")
	}
}

func TestRunExecutesInWorkspaceDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "present.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	r := NewRunner(dir, logging.NopLogger())

	if err := r.Run(context.Background(), 0, []string{"test -f present.txt"}); err != nil {
		t.Errorf("gate should see workspace files: %v", err)
	}
}
