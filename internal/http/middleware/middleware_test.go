package middleware

import (
	"bytes"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthProtectsOnlyAPIRoutes(t *testing.T) {
	handler := RequestID(Auth("secret-token")(okHandler()))

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "webhook without token", path: "/webhooks/sms/twilio", want: http.StatusOK},
		{name: "api without token", path: "/v1/sms", want: http.StatusUnauthorized},
		{name: "api wrong token", path: "/v1/sms", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "api right token", path: "/v1/sms", header: "Bearer secret-token", want: http.StatusOK},
	}
	for _, tc := range cases {
		request := httptest.NewRequest(http.MethodPost, tc.path, nil)
		if tc.header != "" {
			request.Header.Set("Authorization", tc.header)
		}
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		if recorder.Code != tc.want {
			t.Fatalf("%s: expected status %d, got %d", tc.name, tc.want, recorder.Code)
		}
		if tc.want == http.StatusUnauthorized && !strings.Contains(recorder.Body.String(), `"code":"unauthorized"`) {
			t.Fatalf("%s: expected error envelope, got %s", tc.name, recorder.Body.String())
		}
	}
}

func TestRateLimitPerClient(t *testing.T) {
	handler := RateLimit(RateLimitConfig{RPS: 0.001, Burst: 1, TrustProxy: true})(okHandler())

	send := func(forwardedFor string) int {
		request := httptest.NewRequest(http.MethodPost, "/v1/sms", nil)
		request.Header.Set("X-Forwarded-For", forwardedFor)
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		return recorder.Code
	}

	if code := send("203.0.113.1"); code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", code)
	}
	if code := send("203.0.113.1, 10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected second request limited, got %d", code)
	}
	if code := send("203.0.113.2"); code != http.StatusOK {
		t.Fatalf("expected other client allowed, got %d", code)
	}
}

func TestRateLimitSkipsExemptPaths(t *testing.T) {
	handler := RateLimit(RateLimitConfig{
		RPS:            0.001,
		Burst:          1,
		ExemptPrefixes: []string{"/webhooks/"},
	})(okHandler())

	send := func(path string) int {
		request := httptest.NewRequest(http.MethodPost, path, nil)
		request.RemoteAddr = "54.172.60.1:443"
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		return recorder.Code
	}

	for i := 0; i < 5; i++ {
		if code := send("/webhooks/sms/twilio"); code != http.StatusOK {
			t.Fatalf("expected webhook %d from shared carrier address allowed, got %d", i, code)
		}
	}
	if code := send("/v1/sms"); code != http.StatusOK {
		t.Fatalf("expected first api request allowed, got %d", code)
	}
	if code := send("/v1/sms"); code != http.StatusTooManyRequests {
		t.Fatalf("expected second api request limited, got %d", code)
	}
}

func TestRequestIDReplacesOversizedHeader(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	request.Header.Set("X-Request-Id", strings.Repeat("x", 500))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if len(seen) != 36 {
		t.Fatalf("expected generated uuid, got %q", seen)
	}
	if recorder.Header().Get("X-Request-Id") != seen {
		t.Fatalf("expected response header to echo request id")
	}
}

func TestTraceLogsStatus(t *testing.T) {
	var buf bytes.Buffer
	handler := RequestID(Trace(log.New(&buf, "", 0))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))

	request := httptest.NewRequest(http.MethodPost, "/v1/sms", nil)
	request.Header.Set("X-Request-Id", "req-1")
	handler.ServeHTTP(httptest.NewRecorder(), request)

	line := buf.String()
	if !strings.Contains(line, "request_id=req-1") || !strings.Contains(line, "status=202") {
		t.Fatalf("unexpected trace line %q", line)
	}
}
