package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "run.max_parallel")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidWorkerModes returns the list of valid worker modes
func ValidWorkerModes() []string {
	return []string{"process", "container"}
}

// ValidTrackerProviders returns the list of valid tracker providers
func ValidTrackerProviders() []string {
	return []string{"memory"}
}

// Validate checks the Config for invalid values and returns all validation
// errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateRun()...)
	errors = append(errors, c.validateWorker()...)
	errors = append(errors, c.validateTracker()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateRun validates the RunConfig
func (c *Config) validateRun() []ValidationError {
	var errors []ValidationError

	if c.Run.MaxParallel < 1 {
		errors = append(errors, ValidationError{
			Field:   "run.max_parallel",
			Value:   c.Run.MaxParallel,
			Message: "must be at least 1",
		})
	}
	if c.Run.MaxTaskRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "run.max_task_retries",
			Value:   c.Run.MaxTaskRetries,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateWorker validates the WorkerConfig
func (c *Config) validateWorker() []ValidationError {
	var errors []ValidationError

	if c.Worker.Mode != "" && !slices.Contains(ValidWorkerModes(), c.Worker.Mode) {
		errors = append(errors, ValidationError{
			Field:   "worker.mode",
			Value:   c.Worker.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidWorkerModes(), ", ")),
		})
	}
	if c.Worker.Mode == "container" && c.Worker.Image == "" {
		errors = append(errors, ValidationError{
			Field:   "worker.image",
			Value:   c.Worker.Image,
			Message: "required when worker.mode is container",
		})
	}
	if c.Worker.TimeoutMinutes < 1 {
		errors = append(errors, ValidationError{
			Field:   "worker.timeout_minutes",
			Value:   c.Worker.TimeoutMinutes,
			Message: "must be at least 1",
		})
	}
	if c.Worker.SpawnMaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "worker.spawn_max_attempts",
			Value:   c.Worker.SpawnMaxAttempts,
			Message: "must be at least 1",
		})
	}
	if c.Worker.SpawnBackoffMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "worker.spawn_backoff_ms",
			Value:   c.Worker.SpawnBackoffMs,
			Message: "must be non-negative",
		})
	}
	if c.Worker.SpawnBackoffMaxMs < c.Worker.SpawnBackoffMs {
		errors = append(errors, ValidationError{
			Field:   "worker.spawn_backoff_max_ms",
			Value:   c.Worker.SpawnBackoffMaxMs,
			Message: "must be at least worker.spawn_backoff_ms",
		})
	}

	return errors
}

// validateTracker validates the TrackerConfig
func (c *Config) validateTracker() []ValidationError {
	var errors []ValidationError

	if c.Tracker.Provider != "" && !slices.Contains(ValidTrackerProviders(), c.Tracker.Provider) {
		errors = append(errors, ValidationError{
			Field:   "tracker.provider",
			Value:   c.Tracker.Provider,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidTrackerProviders(), ", ")),
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
