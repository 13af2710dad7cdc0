package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/denizumutdereli/kairos/pkg/core"
)

// ---------------------------------------------------------------------------
// Helper
// ---------------------------------------------------------------------------

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return resp
}

// ---------------------------------------------------------------------------
// Write
// ---------------------------------------------------------------------------

func TestWrite_SetsContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, http.StatusBadRequest, CodeBadRequest, "test")

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got %q", ct)
	}
}

func TestWrite_BodyStructure(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, http.StatusBadRequest, CodeInvalidJSON, "bad json")

	resp := decodeResponse(t, rec)

	if resp.OK {
		t.Error("ok field should be false")
	}
	if resp.Error != "bad json" {
		t.Errorf("expected error 'bad json', got %q", resp.Error)
	}
	if resp.Code != CodeInvalidJSON {
		t.Errorf("expected code %q, got %q", CodeInvalidJSON, resp.Code)
	}
	if resp.Status != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.Status)
	}
}

// ---------------------------------------------------------------------------
// Convenience shortcuts
// ---------------------------------------------------------------------------

func TestShortcuts(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter)
		status int
		code   string
	}{
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, CodeBadRequest, "x") }, 400, CodeBadRequest},
		{"not found", func(w http.ResponseWriter) { NotFound(w, CodeUnknownFamily, "x") }, 404, CodeUnknownFamily},
		{"method", MethodNotAllowed, 405, CodeMethodNotAllowed},
		{"unauthorized", func(w http.ResponseWriter) { Unauthorized(w, "x") }, 401, CodeUnauthorized},
		{"rate", func(w http.ResponseWriter) { TooManyRequests(w, "") }, 429, CodeRateLimited},
		{"internal", func(w http.ResponseWriter) { Internal(w, "x") }, 500, CodeInternalError},
		{"json", InvalidJSON, 400, CodeInvalidJSON},
		{"too large", func(w http.ResponseWriter) { PayloadTooLarge(w, "") }, 413, CodePayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
			if resp := decodeResponse(t, rec); resp.Code != tt.code {
				t.Errorf("expected code %q, got %q", tt.code, resp.Code)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Domain errors
// ---------------------------------------------------------------------------

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{core.ErrInvalidContent, 400, CodeInvalidContent},
		{fmt.Errorf("turn: %w", core.ErrContentTooLarge), 413, CodeContentTooLarge},
		{core.ErrUnknownFamily, 404, CodeUnknownFamily},
		{core.ErrWorkerStopped, 503, CodeUnavailable},
		{core.ErrLLMTimeout, 504, CodeTimeout},
		{errors.New("disk on fire"), 500, CodeInternalError},
	}
	for _, tt := range tests {
		status, code := Classify(tt.err)
		if status != tt.status || code != tt.code {
			t.Errorf("Classify(%v) = %d %s, want %d %s", tt.err, status, code, tt.status, tt.code)
		}
	}
}

func TestFromErrorUsesMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	FromError(rec, core.ErrInvalidContent)

	resp := decodeResponse(t, rec)
	if resp.Error != core.ErrInvalidContent.Error() {
		t.Errorf("unexpected error message: %q", resp.Error)
	}
}

func TestCodesAreUnique(t *testing.T) {
	codes := []string{
		CodeBadRequest, CodeInvalidJSON, CodePayloadTooLarge, CodeMethodNotAllowed,
		CodeNotFound, CodeInternalError, CodeUnauthorized, CodeRateLimited,
		CodeUnavailable, CodeTimeout, CodeInvalidContent, CodeContentTooLarge,
		CodeUnknownFamily, CodeInvalidScope,
	}

	seen := make(map[string]bool, len(codes))
	for _, c := range codes {
		if seen[c] {
			t.Errorf("duplicate error code: %q", c)
		}
		seen[c] = true
	}
}
