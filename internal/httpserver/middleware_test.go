package httpserver

import (
	"net/http"
	"strings"
	"testing"
)

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, defaultTestConfig(), newFakeSampler(), nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if generated := resp.Header.Get(RequestIDHeader); len(generated) != 36 {
		t.Fatalf("expected generated uuid request id, got %q", generated)
	}

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(RequestIDHeader, "probe-42")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(RequestIDHeader); got != "probe-42" {
		t.Fatalf("expected incoming request id to be echoed, got %q", got)
	}
}

func TestRequestIDRejectsUnsafeValues(t *testing.T) {
	t.Parallel()

	for _, incoming := range []string{"has space", strings.Repeat("x", maxRequestIDLen+1), "café"} {
		req, err := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set(RequestIDHeader, incoming)
		if got := requestID(req); got == incoming {
			t.Fatalf("expected %q to be replaced", incoming)
		}
	}
}
