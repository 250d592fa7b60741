package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"validation", Validation("kind", "unknown job kind"), ErrValidation},
		{"not found", NotFound("job", "j-1"), ErrNotFound},
		{"conflicting job", ConflictingJob("s-1"), ErrConflict},
		{"invalid state", InvalidState("j-1", "completed", "cancel"), ErrInvalidState},
		{"remote rejected", RemoteRejected("compute.submit", "bad config"), ErrRemoteRejected},
		{"transient", Transient("compute.poll", errors.New("connection refused")), ErrTransient},
		{"timeout", Timeout("poller.watchdog", "job exceeded absolute timeout"), ErrTimeout},
		{"storage unavailable", StorageUnavailable("store.create", errors.New("pool closed")), ErrStorageUnavailable},
		{"internal", Internal("notify.publish", errors.New("boom")), ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false, want true", tt.err, tt.sentinel)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	err := ConflictingJob("momentum-7")
	want := "strategy momentum-7 already has an active job"
	if err.Error() != want {
		t.Errorf("ConflictingJob message = %q, want %q", err.Error(), want)
	}

	err = InvalidState("j-9", "completed", "cancel")
	want = "job j-9 is completed, cannot cancel"
	if err.Error() != want {
		t.Errorf("InvalidState message = %q, want %q", err.Error(), want)
	}
}

func TestErrorWrapping(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: i/o timeout")
	err := Transient("compute.poll", cause)

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to unwrap to *Error")
	}
	if appErr.Op != "compute.poll" {
		t.Errorf("Op = %q, want %q", appErr.Op, "compute.poll")
	}
	if appErr.Cause != cause {
		t.Errorf("Cause = %v, want %v", appErr.Cause, cause)
	}

	// Wrapping with fmt should preserve classification
	wrapped := fmt.Errorf("launch job: %w", err)
	if !errors.Is(wrapped, ErrTransient) {
		t.Error("wrapped error lost transient classification")
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("config", "required"), http.StatusBadRequest},
		{"not found", NotFound("job", "x"), http.StatusNotFound},
		{"conflict", ConflictingJob("s-1"), http.StatusConflict},
		{"invalid state", InvalidState("j", "failed", "cancel"), http.StatusConflict},
		{"remote rejected", RemoteRejected("compute.submit", "nope"), http.StatusUnprocessableEntity},
		{"transient", Transient("compute.submit", errors.New("x")), http.StatusServiceUnavailable},
		{"storage", StorageUnavailable("store.get", errors.New("x")), http.StatusServiceUnavailable},
		{"timeout", Timeout("poll", "x"), http.StatusGatewayTimeout},
		{"unknown", errors.New("mystery"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
