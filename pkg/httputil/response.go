package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/observability"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error     string   `json:"error"`
	Code      string   `json:"code"`
	Hints     []string `json:"hints,omitempty"`
	Retryable bool     `json:"retryable"`
	RequestID string   `json:"request_id,omitempty"`
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// WriteError maps a domain error to its status, code and hints. Internal
// errors are logged and their message is not exposed.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	resp := ErrorResponse{
		Error:     err.Error(),
		Code:      errs.Code(err),
		Hints:     errs.Hints(err),
		Retryable: errs.Retryable(err),
		RequestID: observability.GetRequestID(r.Context()),
	}

	logger := observability.FromContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"status": status,
		"code":   resp.Code,
		"path":   r.URL.Path,
	})
	if status >= http.StatusInternalServerError && !resp.Retryable {
		logger.Error("request failed")
		if resp.Code == errs.CodeInternal {
			resp.Error = "internal server error"
		}
	} else {
		logger.Debug("request rejected")
	}

	if resp.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	WriteJSON(w, status, resp)
}

// WriteBadRequest writes a validation error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, errs.CodeValidation, message)
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, "unauthorized", message)
}

// WriteTooManyRequests writes a rate limit error (429)
func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusTooManyRequests, "rate_limited", message)
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
