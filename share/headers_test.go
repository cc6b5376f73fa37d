package olshare

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFlattenAndApplyHeaders(t *testing.T) {
	h := http.Header{}
	h.Add("Accept", "text/html")
	h.Add("Accept", "application/json")
	h.Set("Connection", "keep-alive")
	h.Set("Content-Length", "12")
	h.Set("X-Custom", "1")

	m := flattenHeaders(h, skipContentLength)
	if m["accept"] != "text/html, application/json" {
		t.Errorf("accept = %q", m["accept"])
	}
	if _, ok := m["connection"]; ok {
		t.Error("hop-by-hop header kept")
	}
	if _, ok := m["content-length"]; ok {
		t.Error("skipped header kept")
	}
	if headerValue(m, "X-CUSTOM") != "1" {
		t.Error("headerValue is not case-insensitive")
	}

	out := http.Header{}
	applyHeaders(out, map[string]string{"host": "a", "x-one": "1", "transfer-encoding": "chunked"}, skipHostAndLength)
	if out.Get("X-One") != "1" || out.Get("Host") != "" || out.Get("Transfer-Encoding") != "" {
		t.Errorf("applied = %v", out)
	}
}

func TestForwardedHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "http://abc.example.com/x", nil)
	r.RemoteAddr = "203.0.113.5:4444"
	r.Header.Set("X-Forwarded-For", "10.0.0.1")
	r.Header.Set("Sec-WebSocket-Key", "k")
	h := forwardedHeaders(r)
	if h["host"] != "abc.example.com" || h["x-forwarded-host"] != "abc.example.com" {
		t.Errorf("host headers = %q %q", h["host"], h["x-forwarded-host"])
	}
	if h["x-forwarded-proto"] != "http" {
		t.Errorf("proto = %q", h["x-forwarded-proto"])
	}
	if h["x-forwarded-for"] != "10.0.0.1, 203.0.113.5" {
		t.Errorf("for = %q", h["x-forwarded-for"])
	}
	if _, ok := h["sec-websocket-key"]; ok {
		t.Error("handshake header forwarded")
	}
	if _, ok := h["x-real-ip"]; ok {
		t.Errorf("x-real-ip = %q for a private forwarded chain", h["x-real-ip"])
	}
}

func TestForwardedForPeerAddress(t *testing.T) {
	tests := []struct {
		remote, prior, wantFor, wantReal string
	}{
		{"203.0.113.5:4444", "", "203.0.113.5", "203.0.113.5"},
		{"[2001:db8::1]:443", "", "2001:db8::1", "2001:db8::1"},
		{"198.51.100.7:80", "192.0.2.44", "192.0.2.44, 198.51.100.7", "192.0.2.44"},
		{"pipe", "", "pipe", "pipe"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "http://abc.example.com/", nil)
		r.RemoteAddr = tt.remote
		if tt.prior != "" {
			r.Header.Set("X-Forwarded-For", tt.prior)
		}
		h := forwardedHeaders(r)
		if h["x-forwarded-for"] != tt.wantFor {
			t.Errorf("%s: x-forwarded-for = %q, want %q", tt.remote, h["x-forwarded-for"], tt.wantFor)
		}
		if h["x-real-ip"] != tt.wantReal {
			t.Errorf("%s: x-real-ip = %q, want %q", tt.remote, h["x-real-ip"], tt.wantReal)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 200},
		{ErrClientUnavailable, 503},
		{ErrTimeout, 504},
		{ErrClientDisconnected, 504},
		{ErrTunnelNotFound, 404},
		{ErrInvalidRequest, 400},
		{ErrLocalConnect, 502},
		{fmt.Errorf("wrapped: %w", ErrTimeout), 504},
		{errors.New("other"), 500},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}

	w := httptest.NewRecorder()
	httpError(w, fmt.Errorf("session x: %w", ErrClientDisconnected))
	if w.Code != 504 || w.Body.String() != "Client disconnected\n" {
		t.Errorf("httpError wrote %d %q", w.Code, w.Body.String())
	}
}

func TestURLPath(t *testing.T) {
	for in, want := range map[string]string{
		"http://a.example.com/app.js?v=1": "/app.js",
		"https://a.example.com":           "/",
		"/x/y#frag":                       "/x/y",
	} {
		if got := urlPath(in); got != want {
			t.Errorf("urlPath(%q) = %q, want %q", in, got, want)
		}
	}
}
