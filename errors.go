package inspectwandb

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Sentinel errors for the hook lifecycle.
// These errors can be used with errors.Is() for error checking.
var (
	// ErrWandbNotInitialized indicates that no wandb entity/project could be resolved.
	// The user has to run the backend tool's init step (or export WANDB_ENTITY and
	// WANDB_PROJECT) before the integrations can be used.
	ErrWandbNotInitialized = errors.New("wandb settings file not found; run `wandb init` to set up a project")

	// ErrInvalidScoreShape indicates a sequence score whose length is not exactly one.
	ErrInvalidScoreShape = errors.New("sequence score cannot be passed to weave")

	// ErrProtocolViolation indicates an event arrived without the state its
	// predecessor should have opened, e.g. a SampleEnd with no matching SampleStart.
	ErrProtocolViolation = errors.New("hook protocol violation")

	// ErrAlreadyInitialized indicates a lifecycle object was initialized twice.
	ErrAlreadyInitialized = errors.New("already initialized")

	// ErrNotInitialized indicates a lifecycle object was used before initialization.
	ErrNotInitialized = errors.New("not initialized")

	// ErrLoggerFinalized indicates a prediction was logged after the evaluation finished.
	ErrLoggerFinalized = errors.New("evaluation logger already finalized")
)

// Error kinds categorize errors by their type.
const (
	// KindConfiguration represents settings resolution failures. Fatal.
	KindConfiguration = "configuration"

	// KindValidation represents malformed input such as an invalid score shape.
	KindValidation = "validation"

	// KindProtocol represents harness/hook desynchronization.
	KindProtocol = "protocol"

	// KindBackend represents failures talking to the tracer or tracker backends.
	KindBackend = "backend"

	// KindInternal represents internal errors.
	KindInternal = "internal"
)

// Error is a structured error type that wraps underlying errors with
// additional context about the operation that failed and the category of error.
//
// Error implements the error interface and supports error unwrapping,
// making it compatible with errors.Is() and errors.As().
//
// Example usage:
//
//	err := &Error{
//		Op:   "weave.Hooks.OnSampleEnd",
//		Kind: KindProtocol,
//		Err:  ErrProtocolViolation,
//	}
type Error struct {
	// Op is the operation that failed (e.g., "config.Loader.Load").
	Op string

	// Kind categorizes the error (e.g., KindConfiguration, KindProtocol).
	Kind string

	// Err is the underlying error that caused this error.
	Err error

	// Context provides additional context about the error (optional).
	// This can include eval ids, sample ids, or other debugging information.
	Context map[string]any
}

// Error implements the error interface, returning a formatted error message
// that includes the operation, kind, and underlying error.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("inspect-wandb: %s: %s", e.Op, e.Kind)
	}

	if len(e.Context) > 0 {
		return fmt.Sprintf("inspect-wandb: %s (%s): %v [context: %+v]", e.Op, e.Kind, e.Err, e.Context)
	}

	return fmt.Sprintf("inspect-wandb: %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error, allowing errors.Is() and errors.As()
// to work correctly with wrapped errors.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error matching for Error, allowing comparison based on
// the underlying error or the Error itself.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	// Match if Kind matches and Op is empty or equal in target
	if t, ok := target.(*Error); ok {
		if t.Kind != "" && e.Kind == t.Kind {
			if t.Op == "" || e.Op == t.Op {
				return true
			}
		}
	}

	return errors.Is(e.Err, target)
}

// WithContext returns a new Error with the provided context added.
func (e *Error) WithContext(ctx map[string]any) *Error {
	newErr := *e
	newErr.Context = make(map[string]any, len(e.Context)+len(ctx))
	for k, v := range e.Context {
		newErr.Context[k] = v
	}
	for k, v := range ctx {
		newErr.Context[k] = v
	}
	return &newErr
}

// NewConfigurationError creates a new Error with KindConfiguration.
func NewConfigurationError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindConfiguration, Err: err}
}

// NewValidationError creates a new Error with KindValidation.
func NewValidationError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindValidation, Err: err}
}

// NewProtocolError creates a new Error with KindProtocol.
func NewProtocolError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindProtocol, Err: err}
}

// NewBackendError creates a new Error with KindBackend.
func NewBackendError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindBackend, Err: err}
}

// NewInternalError creates a new Error with KindInternal.
func NewInternalError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindInternal, Err: err}
}

// EvaluationError records a failure reported by the harness itself. It is attached to an
// evaluation's finalization so the backend marks the evaluation failed; hooks never
// return it to the harness.
type EvaluationError struct {
	Message string
	Detail  string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, e.Detail)
}

// CloseWithLog attempts to close the provided resource and logs any error
// at warning level. This is intended for use in defer statements to ensure
// cleanup errors are not silently ignored.
//
// If logger is nil, slog.Default() is used.
func CloseWithLog(closer io.Closer, logger *slog.Logger, name string) {
	if closer == nil {
		return
	}

	if logger == nil {
		logger = slog.Default()
	}

	if err := closer.Close(); err != nil {
		logger.Warn("failed to close resource",
			"resource", name,
			"error", err)
	}
}
