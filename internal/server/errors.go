package server

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/devrev/buckets/internal/errors"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// HTTPStatus maps a storage error to an HTTP status code through its gRPC
// status. A quorum failure caused by a missing object is a 404. Errors that
// are not storage errors are internal.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if stderrors.Is(err, errors.ErrNotFound) {
		return http.StatusNotFound
	}
	var se *errors.StorageError
	if !stderrors.As(err, &se) {
		return http.StatusInternalServerError
	}

	switch se.ToGRPCStatus().Code() {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusInsufficientStorage
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeStorageError writes err with the status and code it maps to
func writeStorageError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.GetCode(err)
	if stderrors.Is(err, errors.ErrNotFound) {
		code = errors.ErrCodeNotFound
	}
	writeError(w, r, HTTPStatus(err), code.String(), err.Error())
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   msg,
		RequestID: r.Header.Get("X-Request-ID"),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
