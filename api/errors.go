package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// errorCodes is ordered from most to least specific.
var errorCodes = []struct {
	code   string
	status int
	err    error
}{
	{"record_not_found", http.StatusNotFound, interfaces.ErrRecordNotFound},
	{"key_not_found", http.StatusNotFound, interfaces.ErrKeyNotFound},
	{"invalid_record_id", http.StatusBadRequest, interfaces.ErrInvalidRecordID},
	{"stale_generation", http.StatusConflict, interfaces.ErrStaleGeneration},
	{"version_conflict", http.StatusConflict, interfaces.ErrVersionConflict},
	{"unauthorized_write", http.StatusForbidden, interfaces.ErrUnauthorizedWrite},
	{"authentication_failed", http.StatusUnauthorized, interfaces.ErrAuthenticationFailed},
	{"backend_unavailable", http.StatusServiceUnavailable, interfaces.ErrBackendUnavailable},
	{"network", http.StatusServiceUnavailable, interfaces.ErrNetwork},
	{"configuration", http.StatusBadRequest, interfaces.ErrConfiguration},
}

// WriteError maps err onto a status code and writes it as an ErrorResponse.
func WriteError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		status, code = reqErr.StatusCode, "bad_request"
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			status, code = c.status, c.code
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error(), Code: code})
}

// DecodeError turns an error response back into an error wrapping the
// matching sentinel, so errors.Is works across the wire.
func DecodeError(status int, body []byte) error {
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Code == "" {
		if status >= 500 {
			return fmt.Errorf("%w: server returned %d: %s", interfaces.ErrNetwork, status, string(body))
		}
		return fmt.Errorf("server returned %d: %s", status, string(body))
	}
	for _, c := range errorCodes {
		if c.code == resp.Code {
			return fmt.Errorf("%w (remote: %s)", c.err, resp.Error)
		}
	}
	if status >= 500 {
		return fmt.Errorf("%w: server returned %d: %s", interfaces.ErrNetwork, status, resp.Error)
	}
	return fmt.Errorf("server returned %d: %s", status, resp.Error)
}

// RequestError marks a malformed request.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// BadRequest wraps err as a 400 RequestError.
func BadRequest(err error) error {
	return &RequestError{StatusCode: http.StatusBadRequest, Err: err}
}
