// Package errors provides centralized error definitions and error handling
// utilities for the rush codebase. It defines domain-specific errors,
// error constructors with context wrapping, and classification helpers.
//
// # Error Types
//
// Domain-specific errors represent failures from specific subsystems:
//   - GraphError: structural problems in the task graph (cycles, dangling deps)
//   - OwnershipError: a task touched a file outside its declared ownership
//   - WorkerError: worker spawn, timeout, and lifecycle failures
//   - GateError: quality gate command failures
//   - StoreError: durable run-record load/save failures
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewGraphError("planning failed", errors.ErrCyclicDependency).
//		WithCycle([]string{"a", "b", "a"})
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrCyclicDependency) { ... }
//
//	var gateErr *errors.GateError
//	if errors.As(err, &gateErr) { ... }
//
// # Exit Codes
//
// ExitCode maps an error to the CLI contract: 0 success, 1 operational
// failure (something ran and failed), 2 invalid invocation or configuration
// (nothing ran).
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Graph-structural sentinel errors. These are fatal before any dispatch:
// they indicate a defect in the input graph and are never auto-recovered.
var (
	// ErrCyclicDependency indicates the dependency relation contains a cycle.
	ErrCyclicDependency = New("cyclic dependency detected")
	// ErrDanglingDependency indicates a task references an unknown dependency.
	ErrDanglingDependency = New("dangling dependency reference")
	// ErrOwnershipViolation indicates a file is owned or touched by more than
	// one task, or a task modified a file outside its declared ownership.
	ErrOwnershipViolation = New("file ownership violation")
)

// Worker-related sentinel errors.
var (
	// ErrSpawnFailed indicates a worker could not be started after retries.
	ErrSpawnFailed = New("worker spawn failed")
	// ErrWorkerTimeout indicates a worker exceeded its configured timeout.
	ErrWorkerTimeout = New("worker timed out")
	// ErrWorkerKilled indicates a worker was forcibly terminated.
	ErrWorkerKilled = New("worker killed")
)

// Run and gate sentinel errors.
var (
	// ErrGateFailed indicates a quality gate command returned non-zero.
	ErrGateFailed = New("quality gate failed")
	// ErrRunNotFound indicates no persisted run record exists for the ID.
	ErrRunNotFound = New("run not found")
	// ErrStateCorrupted indicates the persisted run record is unreadable or
	// inconsistent. This is fatal to resume and requires operator intervention.
	ErrStateCorrupted = New("run state corrupted")
	// ErrRunTerminal indicates an operation was requested on a completed or
	// force-stopped run.
	ErrRunTerminal = New("run already terminal")
	// ErrTrackerUnavailable indicates the external tracking service could not
	// be reached. Callers fall back to the local store and reconcile later.
	ErrTrackerUnavailable = New("tracker unavailable")
)

// General sentinel errors.
var (
	// ErrInvalidInput indicates input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrTaskNotFound indicates a task ID is not present in the graph.
	ErrTaskNotFound = New("task not found")
)

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// baseError provides common functionality for all typed errors.
type baseError struct {
	message   string
	cause     error
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error { return e.cause }

// Is checks the wrapped cause so sentinel matching works through typed errors.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// IsRetryable reports whether the error represents a transient condition.
func (e *baseError) IsRetryable() bool { return e.retryable }

// GraphError represents structural problems in the input task graph.
//
// Example:
//
//	err := errors.NewGraphError("cycle detected", errors.ErrCyclicDependency).
//		WithCycle([]string{"task-a", "task-b", "task-a"})
type GraphError struct {
	baseError
	TaskID string
	Cycle  []string
}

// NewGraphError creates a new GraphError.
func NewGraphError(message string, cause error) *GraphError {
	return &GraphError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithTaskID adds the offending task to the error context.
func (e *GraphError) WithTaskID(id string) *GraphError {
	e.TaskID = id
	return e
}

// WithCycle records the task IDs forming the dependency cycle.
func (e *GraphError) WithCycle(cycle []string) *GraphError {
	e.Cycle = cycle
	return e
}

// Error returns the formatted error message.
func (e *GraphError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if len(e.Cycle) > 0 {
		parts = append(parts, fmt.Sprintf("cycle=%s", strings.Join(e.Cycle, " -> ")))
	}

	prefix := "graph error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("graph error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *GraphError) Is(target error) bool {
	if _, ok := target.(*GraphError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// OwnershipError reports a violation of the disjoint file-ownership
// invariant: either two tasks declare the same file, or a worker modified a
// file outside its task's declared set.
//
// Example:
//
//	err := errors.NewOwnershipError("undeclared file modified").
//		WithTaskID("task-3").WithFile("internal/api/server.go")
type OwnershipError struct {
	baseError
	TaskID string
	File   string
	// OtherTaskID is set when two tasks declare overlapping ownership.
	OtherTaskID string
}

// NewOwnershipError creates a new OwnershipError wrapping ErrOwnershipViolation.
func NewOwnershipError(message string) *OwnershipError {
	return &OwnershipError{
		baseError: baseError{message: message, cause: ErrOwnershipViolation},
	}
}

// WithTaskID adds the offending task to the error context.
func (e *OwnershipError) WithTaskID(id string) *OwnershipError {
	e.TaskID = id
	return e
}

// WithFile adds the contested file path to the error context.
func (e *OwnershipError) WithFile(path string) *OwnershipError {
	e.File = path
	return e
}

// WithOtherTaskID adds the second claimant when ownership sets overlap.
func (e *OwnershipError) WithOtherTaskID(id string) *OwnershipError {
	e.OtherTaskID = id
	return e
}

// Error returns the formatted error message.
func (e *OwnershipError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.OtherTaskID != "" {
		parts = append(parts, fmt.Sprintf("other=%s", e.OtherTaskID))
	}
	if e.File != "" {
		parts = append(parts, fmt.Sprintf("file=%s", e.File))
	}

	prefix := "ownership error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("ownership error [%s]", strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *OwnershipError) Is(target error) bool {
	if _, ok := target.(*OwnershipError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// WorkerError represents worker spawn and lifecycle failures.
//
// Example:
//
//	err := errors.NewWorkerError("spawn failed", errors.ErrSpawnFailed).
//		WithWorkerID("w-81f2").WithTaskID("task-2").WithRetryable(true)
type WorkerError struct {
	baseError
	WorkerID string
	TaskID   string
}

// NewWorkerError creates a new WorkerError.
func NewWorkerError(message string, cause error) *WorkerError {
	return &WorkerError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithWorkerID adds the worker identifier to the error context.
func (e *WorkerError) WithWorkerID(id string) *WorkerError {
	e.WorkerID = id
	return e
}

// WithTaskID adds the bound task to the error context.
func (e *WorkerError) WithTaskID(id string) *WorkerError {
	e.TaskID = id
	return e
}

// WithRetryable marks the error as transient.
func (e *WorkerError) WithRetryable(r bool) *WorkerError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *WorkerError) Error() string {
	var parts []string
	if e.WorkerID != "" {
		parts = append(parts, fmt.Sprintf("worker=%s", e.WorkerID))
	}
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}

	prefix := "worker error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("worker error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *WorkerError) Is(target error) bool {
	if _, ok := target.(*WorkerError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// GateError represents a quality gate command failure. Gate failures halt
// level advancement but lose no completed work: the run stays resumable and
// gates can be re-invoked after a fix.
type GateError struct {
	baseError
	LevelIndex int
	Command    string
	Output     string
}

// NewGateError creates a new GateError wrapping ErrGateFailed.
func NewGateError(message string) *GateError {
	return &GateError{
		baseError:  baseError{message: message, cause: ErrGateFailed},
		LevelIndex: -1,
	}
}

// WithLevel adds the level index to the error context.
func (e *GateError) WithLevel(idx int) *GateError {
	e.LevelIndex = idx
	return e
}

// WithCommand adds the failing command to the error context.
func (e *GateError) WithCommand(cmd string) *GateError {
	e.Command = cmd
	return e
}

// WithOutput adds captured command output to the error context.
func (e *GateError) WithOutput(out string) *GateError {
	e.Output = out
	return e
}

// Error returns the formatted error message.
func (e *GateError) Error() string {
	var parts []string
	if e.LevelIndex >= 0 {
		parts = append(parts, fmt.Sprintf("level=%d", e.LevelIndex))
	}
	if e.Command != "" {
		parts = append(parts, fmt.Sprintf("command=%q", e.Command))
	}

	prefix := "gate error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("gate error [%s]", strings.Join(parts, ", "))
	}

	msg := fmt.Sprintf("%s: %s", prefix, e.message)
	if e.Output != "" {
		msg = fmt.Sprintf("%s\ngate output: %s", msg, e.Output)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *GateError) Is(target error) bool {
	if _, ok := target.(*GateError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StoreError represents durable state store failures.
type StoreError struct {
	baseError
	RunID string
	Path  string
}

// NewStoreError creates a new StoreError.
func NewStoreError(message string, cause error) *StoreError {
	return &StoreError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithRunID adds the run identifier to the error context.
func (e *StoreError) WithRunID(id string) *StoreError {
	e.RunID = id
	return e
}

// WithPath adds the record path to the error context.
func (e *StoreError) WithPath(path string) *StoreError {
	e.Path = path
	return e
}

// Error returns the formatted error message.
func (e *StoreError) Error() string {
	var parts []string
	if e.RunID != "" {
		parts = append(parts, fmt.Sprintf("run=%s", e.RunID))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}

	prefix := "store error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("store error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *StoreError) Is(target error) bool {
	if _, ok := target.(*StoreError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that exceeded its deadline.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError wrapping ErrWorkerTimeout.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:   operation,
			cause:     ErrWorkerTimeout,
			retryable: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// retryable is implemented by errors that know whether a retry may succeed.
type retryable interface {
	IsRetryable() bool
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r retryable
	if As(err, &r) {
		return r.IsRetryable()
	}
	return Is(err, ErrWorkerTimeout) || Is(err, ErrTrackerUnavailable)
}

// IsFatal returns true if the error must stop the run: graph-structural and
// ownership errors indicate a defect in the input and are never auto-recovered.
func IsFatal(err error) bool {
	return Is(err, ErrCyclicDependency) ||
		Is(err, ErrDanglingDependency) ||
		Is(err, ErrOwnershipViolation) ||
		Is(err, ErrStateCorrupted)
}

// Exit codes for the CLI contract.
const (
	// ExitOK means the command succeeded.
	ExitOK = 0
	// ExitFailure means the command ran and something failed operationally
	// (a gate failed, a task failed, a level halted).
	ExitFailure = 1
	// ExitUsage means the invocation or configuration was invalid and
	// nothing ran (bad graph, unknown run ID, bad flags).
	ExitUsage = 2
)

// ExitCode maps an error to the CLI exit code contract. Invalid input,
// unknown runs, and structural graph defects mean nothing ran (2); anything
// else that surfaces as an error ran and failed (1).
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if Is(err, ErrInvalidInput) ||
		Is(err, ErrRunNotFound) ||
		Is(err, ErrTaskNotFound) ||
		Is(err, ErrCyclicDependency) ||
		Is(err, ErrDanglingDependency) ||
		Is(err, ErrStateCorrupted) {
		return ExitUsage
	}
	return ExitFailure
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
