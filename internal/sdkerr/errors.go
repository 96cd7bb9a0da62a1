package sdkerr

// ============================================================================
// licensekit Error Definitions
// Purpose: Error kinds raised by the typed core on top of the Engine
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrNotInitialized indicates the Engine has not been initialized (or was cleaned up)
	ErrNotInitialized = errors.New("licensekit: engine not initialized")

	// ErrNotFound indicates an entity or variable lookup by id/name failed
	ErrNotFound = errors.New("licensekit: not found")

	// ErrTypeMismatch indicates a value kind does not match the variable's type tag
	ErrTypeMismatch = errors.New("licensekit: type mismatch")

	// ErrNotReadable indicates the variable lacks the read attribute
	ErrNotReadable = errors.New("licensekit: variable not readable")

	// ErrNotWritable indicates the variable lacks the write attribute
	ErrNotWritable = errors.New("licensekit: variable not writable")

	// ErrInvalidValue indicates the Engine reports the variable's value as invalid
	ErrInvalidValue = errors.New("licensekit: invalid value")

	// ErrUnsupportedType indicates a type tag outside the closed set
	ErrUnsupportedType = errors.New("licensekit: unsupported type")

	// ErrMarshalFailure indicates the Engine rejected a typed get/set
	ErrMarshalFailure = errors.New("licensekit: marshal failure")

	// ErrActionRejected indicates the target license does not accept the action
	ErrActionRejected = errors.New("licensekit: action rejected by license")

	// ErrActionCreationFailed indicates the Engine refused to materialize an action
	ErrActionCreationFailed = errors.New("licensekit: action creation failed")

	// ErrInvalidLicenseParams indicates a license's parameters describe no usable scenario
	ErrInvalidLicenseParams = errors.New("licensekit: invalid license parameters")

	// ErrNotDefined indicates a field that does not apply to the current scenario
	ErrNotDefined = errors.New("licensekit: not defined")

	// ErrNeverAccessed indicates a period license that has never been accessed
	ErrNeverAccessed = errors.New("licensekit: never accessed")

	// ErrUnknownModel indicates a license model id with no registered inspector
	ErrUnknownModel = errors.New("licensekit: unknown license model")

	// ErrRateLimited indicates a client-side activation attempt was throttled
	ErrRateLimited = errors.New("licensekit: rate limited")

	// ErrAccessDenied indicates the engine refused to begin an entity access session
	ErrAccessDenied = errors.New("licensekit: entity access denied")

	// ErrClosed indicates an operation on a closed object
	ErrClosed = errors.New("licensekit: already closed")
)

// EngineError carries the Engine's last error after a primitive reported failure.
type EngineError struct {
	Op      string // Engine primitive that failed
	Code    int    // Engine last error code
	Message string // Engine last error message
	Kind    error  // Sentinel kind, may be nil
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("licensekit: engine %s failed (code=%d)", e.Op, e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Kind != nil {
		msg += " [" + e.Kind.Error() + "]"
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Kind
}

// LastError is the subset of the Engine needed to build an EngineError.
type LastError interface {
	LastErrorCode() int
	LastErrorMessage() string
}

// FromEngine builds an EngineError for op from the Engine's last error state.
func FromEngine(src LastError, op string, kind error) error {
	return &EngineError{
		Op:      op,
		Code:    src.LastErrorCode(),
		Message: src.LastErrorMessage(),
		Kind:    kind,
	}
}
