package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		service            string
		queuePing          func() error
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name:               "healthy with nil pool and no queue",
			service:            "proxy",
			queuePing:          nil,
			expectedStatusCode: http.StatusOK,
			expectedStatus: Status{
				OK:       true,
				Service:  "proxy",
				Message:  "ok",
				Database: true,
				Queue:    true,
			},
		},
		{
			name:               "healthy with working queue",
			service:            "webhook-receiver",
			queuePing:          func() error { return nil },
			expectedStatusCode: http.StatusOK,
			expectedStatus: Status{
				OK:       true,
				Service:  "webhook-receiver",
				Message:  "ok",
				Database: true,
				Queue:    true,
			},
		},
		{
			name:               "unhealthy with queue ping failure",
			service:            "webhook-receiver",
			queuePing:          func() error { return errors.New("nsqd unreachable") },
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus: Status{
				OK:       false,
				Service:  "webhook-receiver",
				Message:  "queue ping failed",
				Database: true,
				Queue:    false,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := HTTPHandler(tt.service, nil, tt.queuePing)

			// Create test request
			req := httptest.NewRequest("GET", "/healthz", nil)
			w := httptest.NewRecorder()

			// Execute handler
			handler(w, req)

			// Check status code
			if w.Code != tt.expectedStatusCode {
				t.Errorf("HTTPHandler() status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}

			// Check content type
			contentType := w.Header().Get("Content-Type")
			if contentType != "application/json" {
				t.Errorf("HTTPHandler() Content-Type = %q, want %q", contentType, "application/json")
			}

			// Parse response body
			var status Status
			err := json.Unmarshal(w.Body.Bytes(), &status)
			if err != nil {
				t.Errorf("HTTPHandler() response JSON parse error: %v", err)
			}

			// Verify response fields
			if status.OK != tt.expectedStatus.OK {
				t.Errorf("HTTPHandler() Status.OK = %v, want %v", status.OK, tt.expectedStatus.OK)
			}
			if status.Service != tt.expectedStatus.Service {
				t.Errorf("HTTPHandler() Status.Service = %q, want %q", status.Service, tt.expectedStatus.Service)
			}
			if status.Message != tt.expectedStatus.Message {
				t.Errorf("HTTPHandler() Status.Message = %q, want %q", status.Message, tt.expectedStatus.Message)
			}
			if status.Database != tt.expectedStatus.Database {
				t.Errorf("HTTPHandler() Status.Database = %v, want %v", status.Database, tt.expectedStatus.Database)
			}
			if status.Queue != tt.expectedStatus.Queue {
				t.Errorf("HTTPHandler() Status.Queue = %v, want %v", status.Queue, tt.expectedStatus.Queue)
			}
		})
	}
}

func TestHTTPHandler_NilPool(t *testing.T) {
	handler := HTTPHandler("proxy", nil, nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("HTTPHandler(nil) status code = %d, want %d", w.Code, http.StatusOK)
	}

	var status Status
	err := json.Unmarshal(w.Body.Bytes(), &status)
	if err != nil {
		t.Errorf("HTTPHandler(nil) JSON parse error: %v", err)
	}

	if !status.OK {
		t.Errorf("HTTPHandler(nil) Status.OK = false, want true")
	}
	if status.Message != "ok" {
		t.Errorf("HTTPHandler(nil) Status.Message = %q, want %q", status.Message, "ok")
	}
	if !status.Database {
		t.Errorf("HTTPHandler(nil) Status.Database = false, want true")
	}
}

func TestHTTPHandler_RequestContext(t *testing.T) {
	tests := []struct {
		name           string
		contextTimeout time.Duration
		expectTimeout  bool
	}{
		{
			name:           "normal request context",
			contextTimeout: 5 * time.Second,
			expectTimeout:  false,
		},
		{
			name:           "cancelled request context",
			contextTimeout: 1 * time.Millisecond,
			expectTimeout:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := HTTPHandler("proxy", nil, nil) // Use nil pool to avoid actual database calls

			ctx, cancel := context.WithTimeout(context.Background(), tt.contextTimeout)
			if tt.expectTimeout {
				// Cancel immediately for timeout test
				time.Sleep(2 * time.Millisecond)
				cancel()
			} else {
				defer cancel()
			}

			req := httptest.NewRequest("GET", "/healthz", nil).WithContext(ctx)
			w := httptest.NewRecorder()

			handler(w, req)

			// With nil pool, handler should always succeed regardless of context
			if w.Code != http.StatusOK {
				t.Errorf("HTTPHandler() with context status code = %d, want %d", w.Code, http.StatusOK)
			}
		})
	}
}

func TestStatusJSONOmitempty(t *testing.T) {
	tests := []struct {
		name           string
		status         Status
		expectMessage  bool
		expectDatabase bool
	}{
		{
			name: "all fields populated",
			status: Status{
				OK:       true,
				Service:  "notifier",
				Message:  "healthy",
				Database: true,
				Queue:    true,
			},
			expectMessage:  true,
			expectDatabase: true,
		},
		{
			name: "empty message should be omitted",
			status: Status{
				OK:       true,
				Database: true,
			},
			expectMessage:  false,
			expectDatabase: true,
		},
		{
			name: "false database should be omitted",
			status: Status{
				OK:      true,
				Message: "ok",
			},
			expectMessage:  true,
			expectDatabase: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jsonData, err := json.Marshal(tt.status)
			if err != nil {
				t.Errorf("Status JSON marshal error: %v", err)
			}

			jsonStr := string(jsonData)

			// Check if message field is present/absent as expected
			hasMessage := len(tt.status.Message) > 0
			if tt.expectMessage && !hasMessage {
				t.Errorf("Expected message field in JSON but status.Message is empty")
			}

			// Check if database field is present/absent as expected
			hasDatabase := tt.status.Database
			if tt.expectDatabase && !hasDatabase {
				t.Errorf("Expected database field in JSON but status.Database is false")
			}

			t.Logf("JSON output: %s", jsonStr)
		})
	}
}
