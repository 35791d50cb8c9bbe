package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/abickford/relay_hook/internal/config"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		length   int
		expected string
	}{
		{
			name:     "string shorter than limit",
			input:    "hello",
			length:   10,
			expected: "hello",
		},
		{
			name:     "string equal to limit",
			input:    "hello",
			length:   5,
			expected: "hello",
		},
		{
			name:     "string longer than limit",
			input:    "hello world",
			length:   5,
			expected: "hello...",
		},
		{
			name:     "empty string",
			input:    "",
			length:   5,
			expected: "",
		},
		{
			name:     "zero length limit",
			input:    "hello",
			length:   0,
			expected: "...",
		},
		{
			name:     "very long string",
			input:    "this is a very long string that should be truncated",
			length:   10,
			expected: "this is a ...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := truncate(tt.input, tt.length)
			if result != tt.expected {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.length, result, tt.expected)
			}
		})
	}
}

func TestHealthzHandler(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("healthz handler status = %d, want %d", w.Code, http.StatusOK)
	}

	expected := `{"ok":true}`
	if w.Body.String() != expected {
		t.Errorf("healthz handler body = %q, want %q", w.Body.String(), expected)
	}
}

func TestHandleNotify(t *testing.T) {
	cfg := config.FromEnv()

	taskBody := `{"id":"task-1","status":{"state":"completed"}}`

	tests := []struct {
		name                 string
		body                 string
		headers              map[string]string
		cfgOverrides         config.FakeCallback
		expectedStatus       int
		expectedBodyContains string
	}{
		{
			name:                 "successful delivery",
			body:                 taskBody,
			headers:              map[string]string{},
			cfgOverrides:         config.FakeCallback{FailFirstN: 0, Token: ""},
			expectedStatus:       http.StatusOK,
			expectedBodyContains: "ok",
		},
		{
			name:                 "non-task body still acknowledged",
			body:                 `{"anything":"goes"}`,
			headers:              map[string]string{},
			cfgOverrides:         config.FakeCallback{FailFirstN: 0, Token: ""},
			expectedStatus:       http.StatusOK,
			expectedBodyContains: "ok",
		},
		{
			name:                 "fail first delivery",
			body:                 taskBody,
			headers:              map[string]string{},
			cfgOverrides:         config.FakeCallback{FailFirstN: 1, Token: ""},
			expectedStatus:       http.StatusInternalServerError,
			expectedBodyContains: "temporary failure",
		},
		{
			name:                 "missing token with token configured",
			body:                 taskBody,
			headers:              map[string]string{},
			cfgOverrides:         config.FakeCallback{FailFirstN: 0, Token: "expected-token"},
			expectedStatus:       http.StatusUnauthorized,
			expectedBodyContains: "invalid notification token",
		},
		{
			name: "wrong token",
			body: taskBody,
			headers: map[string]string{
				"X-A2A-Notification-Token": "some-other-token",
			},
			cfgOverrides:         config.FakeCallback{FailFirstN: 0, Token: "expected-token"},
			expectedStatus:       http.StatusUnauthorized,
			expectedBodyContains: "invalid notification token",
		},
		{
			name: "matching token",
			body: taskBody,
			headers: map[string]string{
				"X-A2A-Notification-Token": "expected-token",
			},
			cfgOverrides:         config.FakeCallback{FailFirstN: 0, Token: "expected-token"},
			expectedStatus:       http.StatusOK,
			expectedBodyContains: "ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Reset delivery counter
			reqCount.Store(0)

			testCfg := cfg
			testCfg.FakeCallback = tt.cfgOverrides
			testCfg.NSQ = cfg.NSQ // Default NSQ config carries the token header name

			req := httptest.NewRequest("POST", "/notify", strings.NewReader(tt.body))
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()

			handleNotify(w, req, testCfg)

			if w.Code != tt.expectedStatus {
				t.Errorf("handleNotify() status = %d, want %d", w.Code, tt.expectedStatus)
			}
			if !strings.Contains(w.Body.String(), tt.expectedBodyContains) {
				t.Errorf("handleNotify() body = %q, want to contain %q", w.Body.String(), tt.expectedBodyContains)
			}
		})
	}
}

func TestHandleNotifyFailFirstNThenRecovers(t *testing.T) {
	cfg := config.FromEnv()
	cfg.FakeCallback = config.FakeCallback{FailFirstN: 2, Token: ""}

	reqCount.Store(0)

	for i := 1; i <= 3; i++ {
		req := httptest.NewRequest("POST", "/notify", strings.NewReader(`{"id":"task-1","status":{"state":"failed"}}`))
		w := httptest.NewRecorder()

		handleNotify(w, req, cfg)

		wantStatus := http.StatusInternalServerError
		if i > 2 {
			wantStatus = http.StatusOK
		}
		if w.Code != wantStatus {
			t.Fatalf("delivery %d status = %d, want %d", i, w.Code, wantStatus)
		}
	}
}
