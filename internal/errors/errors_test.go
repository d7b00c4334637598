package errors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithDetailsDoesNotMutateBase(t *testing.T) {
	e := ErrNotFound.WithDetails("no index.html under root")

	if e.Details != "no index.html under root" {
		t.Errorf("Details = %q", e.Details)
	}
	if ErrNotFound.Details != "" {
		t.Error("WithDetails mutated the shared sentinel")
	}
}

func TestWithRequestIDEmptyKeepsSentinel(t *testing.T) {
	if got := ErrForbidden.WithRequestID(""); got != ErrForbidden {
		t.Error("empty request ID should return the receiver unchanged")
	}
}

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name string
		err  *GatewayError
		code int
	}{
		{"forbidden", ErrForbidden, http.StatusForbidden},
		{"not found", ErrNotFound, http.StatusNotFound},
		{"method", ErrMethodNotAllowed, http.StatusMethodNotAllowed},
		{"bad gateway", ErrBadGateway, http.StatusBadGateway},
		{"internal", ErrInternalServer, http.StatusInternalServerError},
		{"detailed", ErrBadGateway.WithDetails("dial tcp: refused"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tt.err.WriteJSON(rr)

			if rr.Code != tt.code {
				t.Errorf("status = %d, want %d", rr.Code, tt.code)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}

			var body GatewayError
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Code != tt.code || body.Message != tt.err.Message || body.Details != tt.err.Details {
				t.Errorf("body = %+v, want %+v", body, tt.err)
			}
		})
	}
}

func TestRespondUsesRequestIDHeader(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Header().Set("X-Request-ID", "req-42")

	Respond(rr, ErrNotFound)

	var body GatewayError
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RequestID != "req-42" {
		t.Errorf("request_id = %q, want req-42", body.RequestID)
	}
}
