package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"attacklens/internal/faults"
	"attacklens/internal/logging"
)

// errorBody is the error half of the response envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// envelope is the uniform JSON response shape: {success, data} on success,
// {success, error} on failure.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.APIError("encoding response: %v", err)
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, envelope{Success: false, Error: &errorBody{Code: code, Message: message, Details: details}})
}

// writeFault maps a classified error onto the envelope and an HTTP status.
func writeFault(w http.ResponseWriter, err error) {
	kind := faults.KindOf(err)
	message := err.Error()
	var fe *faults.Error
	if errors.As(err, &fe) {
		message = fe.Message
	}
	writeError(w, statusFor(kind), string(kind), message, nil)
}

// statusFor maps error kinds onto status codes: validation 400, timeouts 408,
// rate limiting 429, upstream trouble 503, everything else 500.
func statusFor(kind faults.Kind) int {
	switch kind {
	case faults.KindInvalidURL, faults.KindUnsupportedFormat, faults.KindOversizedDocument,
		faults.KindInvalidWorkflowDefinition, faults.KindSchemaMismatch, faults.KindMalformedCatalog:
		return http.StatusBadRequest
	case faults.KindFetchTimeout, faults.KindTimedOut, faults.KindTaskTimedOut:
		return http.StatusRequestTimeout
	case faults.KindRateLimited:
		return http.StatusTooManyRequests
	case faults.KindUpstreamServerError, faults.KindConnectionReset, faults.KindDNSFailure, faults.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
