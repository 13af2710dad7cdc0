// Package apierr provides the error envelope for the Kairos HTTP API.
//
// Every error response uses the same JSON shape:
//
//	{
//	  "ok":       false,
//	  "error":    "human-readable description",
//	  "code":     "MACHINE_READABLE_CODE",
//	  "status":   400
//	}
//
// Clients branch on "code" and show "error" to humans.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/denizumutdereli/kairos/pkg/core"
)

// Error codes. Renaming one is a breaking change.
const (
	// General
	CodeBadRequest       = "BAD_REQUEST"
	CodeInvalidJSON      = "INVALID_JSON"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeNotFound         = "NOT_FOUND"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeUnavailable      = "UNAVAILABLE"
	CodeTimeout          = "TIMEOUT"

	// Turn domain
	CodeInvalidContent  = "INVALID_CONTENT"
	CodeContentTooLarge = "CONTENT_TOO_LARGE"
	CodeUnknownFamily   = "UNKNOWN_FAMILY"
	CodeInvalidScope    = "INVALID_SCOPE"
)

// Response is the standard error envelope returned to API clients.
type Response struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Code   string `json:"code"`
	Status int    `json:"status"`
}

// Write serialises an error Response with the given status.
func Write(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{
		OK:     false,
		Error:  message,
		Code:   code,
		Status: status,
	})
}

// BadRequest writes a 400 response with the given code and message.
func BadRequest(w http.ResponseWriter, code, msg string) {
	Write(w, http.StatusBadRequest, code, msg)
}

// NotFound writes a 404 response.
func NotFound(w http.ResponseWriter, code, msg string) {
	Write(w, http.StatusNotFound, code, msg)
}

// MethodNotAllowed writes a 405 response.
func MethodNotAllowed(w http.ResponseWriter) {
	Write(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
}

// Unauthorized writes a 401 response.
func Unauthorized(w http.ResponseWriter, msg string) {
	Write(w, http.StatusUnauthorized, CodeUnauthorized, msg)
}

// TooManyRequests writes a 429 response.
func TooManyRequests(w http.ResponseWriter, msg string) {
	if msg == "" {
		msg = "too many requests"
	}
	Write(w, http.StatusTooManyRequests, CodeRateLimited, msg)
}

// Internal writes a 500 response.
func Internal(w http.ResponseWriter, msg string) {
	Write(w, http.StatusInternalServerError, CodeInternalError, msg)
}

// InvalidJSON writes a 400 response for malformed request bodies.
func InvalidJSON(w http.ResponseWriter) {
	BadRequest(w, CodeInvalidJSON, "invalid JSON in request body")
}

// PayloadTooLarge writes a 413 response when the body exceeds configured bounds.
func PayloadTooLarge(w http.ResponseWriter, msg string) {
	if msg == "" {
		msg = "payload too large"
	}
	Write(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, msg)
}

// FromError maps a domain error to a status and code and writes it.
func FromError(w http.ResponseWriter, err error) {
	status, code := Classify(err)
	Write(w, status, code, err.Error())
}

// Classify maps a domain error to an HTTP status and error code.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrContentTooLarge):
		return http.StatusRequestEntityTooLarge, CodeContentTooLarge
	case errors.Is(err, core.ErrInvalidContent):
		return http.StatusBadRequest, CodeInvalidContent
	case errors.Is(err, core.ErrUnknownFamily):
		return http.StatusNotFound, CodeUnknownFamily
	case errors.Is(err, core.ErrWorkerStopped):
		return http.StatusServiceUnavailable, CodeUnavailable
	case errors.Is(err, core.ErrLLMTimeout):
		return http.StatusGatewayTimeout, CodeTimeout
	default:
		return http.StatusInternalServerError, CodeInternalError
	}
}
