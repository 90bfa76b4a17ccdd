package errors

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for storage operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeInvalidConfig   ErrorCode = 1001
	ErrCodeAlreadyExists   ErrorCode = 1002
	ErrCodeNotFound        ErrorCode = 1003

	// Durability errors
	ErrCodeQuorumNotMet     ErrorCode = 2000
	ErrCodeNotEnoughChunks  ErrorCode = 2001
	ErrCodeChecksumMismatch ErrorCode = 2002
	ErrCodeCorruptedData    ErrorCode = 2003

	// Server errors
	ErrCodeInternal       ErrorCode = 3000
	ErrCodeIO             ErrorCode = 3001
	ErrCodeOutOfMemory    ErrorCode = 3002
	ErrCodeMatrixSingular ErrorCode = 3003
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:               "ok",
	ErrCodeInvalidArgument:  "invalid_argument",
	ErrCodeInvalidConfig:    "invalid_config",
	ErrCodeAlreadyExists:    "already_exists",
	ErrCodeNotFound:         "not_found",
	ErrCodeQuorumNotMet:     "quorum_not_met",
	ErrCodeNotEnoughChunks:  "not_enough_chunks",
	ErrCodeChecksumMismatch: "checksum_mismatch",
	ErrCodeCorruptedData:    "corrupted_data",
	ErrCodeInternal:         "internal",
	ErrCodeIO:               "io",
	ErrCodeOutOfMemory:      "out_of_memory",
	ErrCodeMatrixSingular:   "matrix_singular",
}

// String returns the snake_case name of the code, used as a metric label
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// Sentinel errors for errors.Is comparisons. Matching is by code only.
var (
	ErrInvalidArgument  = &StorageError{Code: ErrCodeInvalidArgument, Message: "invalid argument"}
	ErrInvalidConfig    = &StorageError{Code: ErrCodeInvalidConfig, Message: "invalid configuration"}
	ErrAlreadyExists    = &StorageError{Code: ErrCodeAlreadyExists, Message: "already exists"}
	ErrNotFound         = &StorageError{Code: ErrCodeNotFound, Message: "not found"}
	ErrQuorumNotMet     = &StorageError{Code: ErrCodeQuorumNotMet, Message: "quorum not met"}
	ErrNotEnoughChunks  = &StorageError{Code: ErrCodeNotEnoughChunks, Message: "not enough chunks"}
	ErrChecksumMismatch = &StorageError{Code: ErrCodeChecksumMismatch, Message: "checksum mismatch"}
	ErrMatrixSingular   = &StorageError{Code: ErrCodeMatrixSingular, Message: "matrix is singular"}
	ErrIO               = &StorageError{Code: ErrCodeIO, Message: "i/o error"}
)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a StorageError carrying the same code
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	grpcCode := e.toGRPCCode()
	return status.New(grpcCode, e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeInvalidConfig:
		return codes.InvalidArgument
	case ErrCodeAlreadyExists:
		return codes.AlreadyExists
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeQuorumNotMet:
		// Temporarily unavailable until healed, not data loss.
		return codes.Unavailable
	case ErrCodeOutOfMemory:
		return codes.ResourceExhausted
	case ErrCodeNotEnoughChunks, ErrCodeChecksumMismatch, ErrCodeCorruptedData:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func InvalidConfig(message string) *StorageError {
	return NewStorageError(ErrCodeInvalidConfig, message, nil)
}

func AlreadyExists(message string) *StorageError {
	return NewStorageError(ErrCodeAlreadyExists, message, nil)
}

func NotFound(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeNotFound, message, cause)
}

func IO(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeIO, message, cause)
}

func QuorumNotMet(operation string, successes, required int) *StorageError {
	return NewStorageError(ErrCodeQuorumNotMet, fmt.Sprintf("%s: quorum not met: %d/%d", operation, successes, required), nil).
		WithDetail("operation", operation).
		WithDetail("successes", successes).
		WithDetail("required", required)
}

func NotEnoughChunks(available, required int) *StorageError {
	return NewStorageError(ErrCodeNotEnoughChunks, fmt.Sprintf("not enough chunks: %d available, %d required", available, required), nil).
		WithDetail("available", available).
		WithDetail("required", required)
}

func ChecksumMismatch(chunkIndex int, disk string) *StorageError {
	return NewStorageError(ErrCodeChecksumMismatch, fmt.Sprintf("checksum mismatch for chunk %d on %s", chunkIndex, disk), nil).
		WithDetail("chunk_index", chunkIndex).
		WithDetail("disk", disk)
}

func MatrixSingular(message string) *StorageError {
	return NewStorageError(ErrCodeMatrixSingular, message, nil)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

// IsStorageError checks if an error is a StorageError
func IsStorageError(err error) bool {
	_, ok := err.(*StorageError)
	return ok
}

// GetCode extracts the error code from an error, looking through wrapped errors
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	for e := err; e != nil; {
		if se, ok := e.(*StorageError); ok {
			return se.Code
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}
