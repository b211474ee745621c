package httpkit

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestNewClientInjectsUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client := NewClient()
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if !strings.HasPrefix(got, "huginn/") {
		t.Errorf("User-Agent = %q, want huginn/ prefix", got)
	}
}

func TestWithUserAgentOverride(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client := NewClient(WithUserAgent("custom/1.0"))
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if got != "custom/1.0" {
		t.Errorf("User-Agent = %q, want custom/1.0", got)
	}
}

func TestUserAgentDoesNotOverrideExplicitHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client := NewClient()
	req, _ := http.NewRequest("GET", srv.URL, nil)
	req.Header.Set("User-Agent", "caller-set")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if got != "caller-set" {
		t.Errorf("User-Agent = %q, want caller-set", got)
	}
}

// flakyTransport fails with err for the first failures calls.
type flakyTransport struct {
	failures int32
	calls    atomic.Int32
	err      error
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
		Request:    req,
	}, nil
}

func TestRetryTransportRetriesConnectionRefused(t *testing.T) {
	inner := &flakyTransport{
		failures: 2,
		err:      &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED},
	}
	rt := &retryTransport{base: inner, count: 3, delay: time.Millisecond}

	req, _ := http.NewRequest("GET", "http://example.invalid/", nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	DrainAndClose(resp.Body, 64)

	if got := inner.calls.Load(); got != 3 {
		t.Errorf("transport calls = %d, want 3 (2 failures + 1 success)", got)
	}
}

func TestRetryTransportGivesUpAfterCount(t *testing.T) {
	inner := &flakyTransport{
		failures: 100,
		err:      &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED},
	}
	rt := &retryTransport{base: inner, count: 2, delay: time.Millisecond}

	req, _ := http.NewRequest("GET", "http://example.invalid/", nil)
	_, err := rt.RoundTrip(req)
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if got := inner.calls.Load(); got != 3 {
		t.Errorf("transport calls = %d, want 3 (initial + 2 retries)", got)
	}
}

func TestRetryTransportDoesNotRetryConnectionReset(t *testing.T) {
	inner := &flakyTransport{
		failures: 100,
		err:      &net.OpError{Op: "read", Err: syscall.ECONNRESET},
	}
	rt := &retryTransport{base: inner, count: 3, delay: time.Millisecond}

	req, _ := http.NewRequest("GET", "http://example.invalid/", nil)
	_, err := rt.RoundTrip(req)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := inner.calls.Load(); got != 1 {
		t.Errorf("transport calls = %d, want 1 (no retry on reset)", got)
	}
}

func TestRetryTransportSkipsUnrewindableBody(t *testing.T) {
	inner := &flakyTransport{
		failures: 100,
		err:      &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED},
	}
	rt := &retryTransport{base: inner, count: 3, delay: time.Millisecond}

	req, _ := http.NewRequest("POST", "http://example.invalid/", nil)
	req.Body = io.NopCloser(bytes.NewReader([]byte("payload")))
	req.GetBody = nil

	_, err := rt.RoundTrip(req)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := inner.calls.Load(); got != 1 {
		t.Errorf("transport calls = %d, want 1 (body cannot rewind)", got)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"refused", syscall.ECONNREFUSED, true},
		{"host unreachable", syscall.EHOSTUNREACH, true},
		{"net unreachable wrapped", &net.OpError{Op: "dial", Err: syscall.ENETUNREACH}, true},
		{"reset", syscall.ECONNRESET, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := isRetryableError(tt.err); got != tt.want {
			t.Errorf("%s: isRetryableError = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestReadErrorBody(t *testing.T) {
	body := io.NopCloser(strings.NewReader("service exploded"))
	if got := ReadErrorBody(body, 512); got != "service exploded" {
		t.Errorf("ReadErrorBody = %q", got)
	}
	if got := ReadErrorBody(nil, 512); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q, want empty", got)
	}

	long := io.NopCloser(strings.NewReader(strings.Repeat("x", 100)))
	if got := ReadErrorBody(long, 10); len(got) != 10 {
		t.Errorf("truncated length = %d, want 10", len(got))
	}
}
