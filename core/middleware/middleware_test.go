package middleware

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/searchktools/startline/core/http"
)

// TestLoggerLogsStatus 测试日志中间件
func TestLoggerLogsStatus(t *testing.T) {
	var buf bytes.Buffer
	hook := Logger(zerolog.New(&buf))

	req := &http.Request{Method: "GET", Path: "/ping"}
	hook(req, http.NewResponse().Text("pong", 200))
	hook(&http.Request{Method: "GET", Path: "/nope"}, http.NewResponse().Text("", 404))

	out := buf.String()
	for _, want := range []string{`"path":"/ping"`, `"method":"GET"`, `"status":200`, `"path":"/nope"`, `"status":404`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in log, got %s", want, out)
		}
	}
}

// TestCORSPreflight 测试 CORS 预检
func TestCORSPreflight(t *testing.T) {
	mw := CORS("*")

	resp := mw(&http.Request{Method: "OPTIONS", Path: "/users"})
	if resp == nil {
		t.Fatal("Expected preflight response")
	}
	if resp.Status != 204 {
		t.Errorf("Expected status 204, got %d", resp.Status)
	}
	if resp.Headers.Get(http.HeaderAllowOrigin) != "*" {
		t.Errorf("Expected allow-origin *, got %q", resp.Headers.Get(http.HeaderAllowOrigin))
	}

	if resp := mw(&http.Request{Method: "GET", Path: "/users"}); resp != nil {
		t.Errorf("GET should pass through, got %+v", resp)
	}
}

// TestRateLimiter 测试限流
func TestRateLimiter(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	mw := rateLimiter(2, func() time.Time { return clock })
	req := &http.Request{Method: "GET", Path: "/"}

	for i := 0; i < 2; i++ {
		if resp := mw(req); resp != nil {
			t.Fatalf("Request %d should pass, got status %d", i, resp.Status)
		}
	}

	resp := mw(req)
	if resp == nil || resp.Status != 429 {
		t.Fatalf("Expected 429 once tokens are spent, got %+v", resp)
	}
	if string(resp.Body) != `{"error":"Too many requests"}` {
		t.Errorf("Unexpected body %s", resp.Body)
	}

	clock = clock.Add(time.Second)
	if resp := mw(req); resp != nil {
		t.Errorf("Tokens should refill after a second, got status %d", resp.Status)
	}
}

// TestMaxBody 测试请求体大小限制
func TestMaxBody(t *testing.T) {
	mw := MaxBody(4)

	if resp := mw(&http.Request{Body: []byte("1234")}); resp != nil {
		t.Errorf("Body at the limit should pass, got status %d", resp.Status)
	}

	resp := mw(&http.Request{Body: []byte("12345")})
	if resp == nil || resp.Status != 413 {
		t.Fatalf("Expected 413, got %+v", resp)
	}
	if resp.Headers.Get(http.HeaderContentType) != "application/json" {
		t.Errorf("Expected JSON error body, got %q", resp.Headers.Get(http.HeaderContentType))
	}
}
