// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. All messages are plain ASCII - no
// user-controlled input is interpolated, so string concat is safe here.
package auth

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logError(r, "failed to encode response", "error", err)
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"message":"` + message + `"}`))
}

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	writeMessage(w, http.StatusInternalServerError, "internal server error")
}

// BadRequest returns a 400 JSON response with the given message.
// Use for client input validation failures.
func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeMessage(w, http.StatusBadRequest, message)
}

// Unauthorized returns a 401 JSON response with a generic message.
// Use for authentication failures. Keep message generic to prevent user enumeration.
func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	writeMessage(w, http.StatusUnauthorized, message)
}

// Forbidden returns a 403 JSON response with a generic message.
// Intentionally vague, avoids leaking which validation stage failed.
func Forbidden(w http.ResponseWriter) {
	writeMessage(w, http.StatusForbidden, "forbidden")
}

// NotFound returns a 404 JSON response.
func NotFound(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusNotFound, message)
}

// Conflict returns a 409 JSON response.
// Used when the request needs a calendar connection the user doesn't have.
func Conflict(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusConflict, message)
}

// TooManyRequests returns a 429 JSON response with a Retry-After header.
func TooManyRequests(w http.ResponseWriter, retryAfterSeconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	writeMessage(w, http.StatusTooManyRequests, "too many requests")
}

// BadGateway returns a 502 JSON response for failed calls to the calendar provider.
func BadGateway(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusBadGateway, message)
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusOK, message)
}
