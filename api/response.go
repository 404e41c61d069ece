package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tsawler/repviz/faults"
)

// Response is the standard response wrapper for API endpoints.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error is the machine-readable failure reason of a response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := Response{
		Success: status >= 200 && status < 300,
		Data:    data,
	}
	// headers are already sent; nothing useful can be done on failure
	_ = json.NewEncoder(w).Encode(response)
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Success: false,
		Error:   &Error{Code: code, Message: message},
	})
}

// WriteFault writes err with the status its code maps to.
func WriteFault(w http.ResponseWriter, err error) {
	code := faults.CodeOf(err)
	message := err.Error()
	var fe *faults.Error
	if errors.As(err, &fe) {
		message = fe.Message
		if fe.Cause != nil {
			message += ": " + fe.Cause.Error()
		}
	}
	WriteError(w, StatusFor(err), code, message)
}

// StatusFor maps an error's code to an HTTP status. Absence is 404,
// undefined metrics are 422 and bad input is 400.
func StatusFor(err error) int {
	switch faults.CodeOf(err) {
	case faults.CodeMissingRepresentation, faults.CodeArtifactNotFound:
		return http.StatusNotFound
	case faults.CodeDegenerateVariance, faults.CodeShapeMismatch:
		return http.StatusUnprocessableEntity
	case faults.CodeInvalidArgument, faults.CodeConfigInvalid:
		return http.StatusBadRequest
	case faults.CodeInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
