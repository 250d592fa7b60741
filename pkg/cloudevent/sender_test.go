package cloudevent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSend(t *testing.T) {
	t.Parallel()

	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	event := New("tradejobs.job.progress", "tradejobs", "j-1", "j-1-1", map[string]any{"progress": 42.0})
	sender := NewSender(time.Second)

	if err := sender.Send(context.Background(), srv.URL, event, "secret"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if ct := gotHeaders.Get("Content-Type"); ct != "application/cloudevents+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if typ := gotHeaders.Get("Ce-Type"); typ != "tradejobs.job.progress" {
		t.Errorf("Ce-Type = %q", typ)
	}
	sig := gotHeaders.Get("X-Signature-256")
	if len(sig) != len("sha256=")+64 {
		t.Errorf("X-Signature-256 = %q, want sha256= prefix plus 64 hex chars", sig)
	}
}

func TestSend_NoSignatureWithoutKey(t *testing.T) {
	t.Parallel()

	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature-256")
	}))
	defer srv.Close()

	event := New("tradejobs.job.terminal", "tradejobs", "j-1", "j-1-2", nil)
	if err := NewSender(time.Second).Send(context.Background(), srv.URL, event, ""); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotSig != "" {
		t.Errorf("unexpected signature header %q", gotSig)
	}
}

func TestSend_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	event := New("tradejobs.job.terminal", "tradejobs", "j-1", "j-1-3", nil)
	err := NewSender(time.Second).Send(context.Background(), srv.URL, event, "")

	he, ok := err.(*HTTPError)
	if !ok {
		t.Fatalf("expected *HTTPError, got %T (%v)", err, err)
	}
	if he.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", he.StatusCode)
	}
}

func TestIsClientError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"400", &HTTPError{StatusCode: 400}, true},
		{"404", &HTTPError{StatusCode: 404}, true},
		{"500", &HTTPError{StatusCode: 500}, false},
		{"non-HTTP", context.DeadlineExceeded, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsClientError(tt.err); got != tt.want {
				t.Errorf("IsClientError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestGenerateSignature_Deterministic(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"progress":42}`)
	a := generateSignature(payload, "key")
	b := generateSignature(payload, "key")
	c := generateSignature(payload, "other")

	if a != b {
		t.Error("signature should be deterministic for the same key")
	}
	if a == c {
		t.Error("different keys should produce different signatures")
	}
}
