package pqvolume

import (
	"errors"
	"fmt"
)

// Error types represent different categories of errors

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// BlockError reports a failure sealing or opening a single data block.
// The rest of the volume is unaffected.
type BlockError struct {
	Operation string // "read" or "write"
	Path      string // Volume path, if known
	Index     uint64 // Block index
	Err       error  // Underlying error
}

func (e *BlockError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s error: %s (block %d): %v", e.Operation, e.Path, e.Index, e.Err)
	}
	return fmt.Sprintf("%s error: block %d: %v", e.Operation, e.Index, e.Err)
}

func (e *BlockError) Unwrap() error {
	return e.Err
}

// IOError represents a storage I/O error. The underlying error is kept
// unchanged and is never retried by the engine.
type IOError struct {
	Operation string // "read", "write", "sync", "open", "close", etc.
	Path      string // Volume path
	Offset    int64  // Device offset, if applicable
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" && e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %v", e.Operation, e.Path, e.Offset, e.Err)
	} else if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("io error: %s: %v", e.Operation, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrIO) match any storage failure.
func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// CorruptionError represents a header or metadata integrity failure
type CorruptionError struct {
	Path    string // Volume path
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("corruption error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents a passphrase that failed to unwrap the
// master key
type AuthenticationError struct {
	Path    string // Volume path
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *AuthenticationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("authentication error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("authentication error: %s", e.Message)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// StateError reports an operation attempted in a state that does not
// allow it
type StateError struct {
	Operation string
	State     State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s: volume is %s", e.Operation, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// InsufficientSpaceError is returned when no free run of outer blocks is
// large enough for a hidden volume
type InsufficientSpaceError struct {
	Requested uint64 // Blocks needed
	Largest   uint64 // Largest free run found
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient space: need %d contiguous free blocks, largest free run is %d",
		e.Requested, e.Largest)
}

func (e *InsufficientSpaceError) Unwrap() error {
	return ErrInsufficientSpace
}

// EraseError reports a secure erase that did not complete
type EraseError struct {
	Path           string
	PassesComplete int
	Err            error
}

func (e *EraseError) Error() string {
	return fmt.Sprintf("secure erase of %s incomplete after %d passes: %v", e.Path, e.PassesComplete, e.Err)
}

func (e *EraseError) Unwrap() []error {
	return []error{ErrEraseIncomplete, e.Err}
}

// Sentinel errors
var (
	ErrHeaderCorrupt      = errors.New("volume header corrupt")
	ErrWrongPassphrase    = errors.New("wrong passphrase")
	ErrTagMismatch        = errors.New("authentication tag mismatch - block may be corrupted or tampered")
	ErrVersionUnsupported = errors.New("unsupported volume format version")
	ErrInsufficientSpace  = errors.New("insufficient free space")
	ErrIO                 = errors.New("storage i/o failure")
	ErrInvalidState       = errors.New("invalid volume state")
	ErrBlockOutOfRange    = errors.New("block index out of range")
	ErrBlockReserved      = errors.New("block is reserved")
	ErrEraseIncomplete    = errors.New("secure erase did not complete")
	ErrIntegrityMismatch  = errors.New("volume integrity check failed")
	ErrUnsupportedCipher  = errors.New("unsupported cipher suite")
	ErrUnsupportedKDF     = errors.New("unsupported key derivation function")
	ErrVolumeTooSmall     = errors.New("volume size too small")
	ErrInvalidKey         = errors.New("invalid key")
	ErrNilConfig          = errors.New("config cannot be nil")
	ErrNilBuffer          = errors.New("buffer cannot be nil")
	ErrEmptyPassphrase    = errors.New("passphrase cannot be empty")
	ErrSnapshotNotFound   = errors.New("snapshot not found")
)

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, path string, offset int64, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    offset,
		Err:       err,
	}
}

// NewCorruptionError creates a new corruption error
func NewCorruptionError(path, message string, err error) error {
	return &CorruptionError{
		Path:    path,
		Message: message,
		Err:     err,
	}
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(path string) error {
	return &AuthenticationError{
		Path:    path,
		Message: ErrWrongPassphrase.Error(),
		Err:     ErrWrongPassphrase,
	}
}

// versionError matches both ErrHeaderCorrupt and ErrVersionUnsupported.
type versionError struct {
	version uint32
}

func (e *versionError) Error() string {
	return fmt.Sprintf("%v: version %d", ErrVersionUnsupported, e.version)
}

func (e *versionError) Unwrap() []error {
	return []error{ErrVersionUnsupported, ErrHeaderCorrupt}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsBlockError checks if an error is a block error
func IsBlockError(err error) bool {
	var be *BlockError
	return errors.As(err, &be)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsAuthenticationError checks if an error is an authentication error
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsStateError checks if an error is a state error
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
