// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware_AuditableEndpoints(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		path           string
		pathValues     map[string]string
		userID         string
		expectedAction Action
		shouldAudit    bool
	}{
		{
			name:           "process start",
			method:         "POST",
			path:           "/expense_approval",
			userID:         "test-user",
			expectedAction: ActionProcessStart,
			shouldAudit:    true,
		},
		{
			name:           "process resume",
			method:         "PUT",
			path:           "/abc-123/resume",
			pathValues:     map[string]string{"id": "abc-123"},
			userID:         "test-user",
			expectedAction: ActionProcessResume,
			shouldAudit:    true,
		},
		{
			name:           "process callback",
			method:         "POST",
			path:           "/abc-123/callback/tok",
			pathValues:     map[string]string{"id": "abc-123"},
			userID:         "test-user",
			expectedAction: ActionProcessCallback,
			shouldAudit:    true,
		},
		{
			name:           "process abort",
			method:         "PUT",
			path:           "/abc-123/abort",
			pathValues:     map[string]string{"id": "abc-123"},
			userID:         "test-user",
			expectedAction: ActionProcessAbort,
			shouldAudit:    true,
		},
		{
			name:           "process delete",
			method:         "DELETE",
			path:           "/abc-123",
			pathValues:     map[string]string{"id": "abc-123"},
			userID:         "test-user",
			expectedAction: ActionProcessDelete,
			shouldAudit:    true,
		},
		{
			name:           "resume all",
			method:         "PUT",
			path:           "/resume-all",
			userID:         "test-user",
			expectedAction: ActionProcessResumeAll,
			shouldAudit:    true,
		},
		{
			name:           "settings update",
			method:         "PUT",
			path:           "/settings/status",
			userID:         "test-user",
			expectedAction: ActionSettingsUpdate,
			shouldAudit:    true,
		},

		// GET endpoints should NOT be audited
		{
			name:        "status counts",
			method:      "GET",
			path:        "/status-counts",
			userID:      "test-user",
			shouldAudit: false,
		},
		{
			name:        "process list",
			method:      "GET",
			path:        "/",
			userID:      "test-user",
			shouldAudit: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logBuf bytes.Buffer
			logger := NewLogger(&logBuf)

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			middleware := Middleware(logger, nil)
			wrappedHandler := middleware(handler)

			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.userID != "" {
				req.Header.Set("X-Conductor-User", tt.userID)
			}
			for k, v := range tt.pathValues {
				req.SetPathValue(k, v)
			}

			w := httptest.NewRecorder()
			wrappedHandler.ServeHTTP(w, req)

			logContent := logBuf.String()
			if tt.shouldAudit {
				if logContent == "" {
					t.Errorf("expected audit log for %s %s, got none", tt.method, tt.path)
					return
				}

				var entry Entry
				if err := json.Unmarshal([]byte(logContent), &entry); err != nil {
					t.Fatalf("failed to parse audit log: %v", err)
				}

				if entry.UserID != tt.userID {
					t.Errorf("expected userID %q, got %q", tt.userID, entry.UserID)
				}
				if entry.Action != tt.expectedAction {
					t.Errorf("expected action %q, got %q", tt.expectedAction, entry.Action)
				}
				if entry.Resource != tt.path {
					t.Errorf("expected resource %q, got %q", tt.path, entry.Resource)
				}
				if entry.Result != ResultSuccess {
					t.Errorf("expected result %q, got %q", ResultSuccess, entry.Result)
				}
			} else {
				if logContent != "" {
					t.Errorf("expected no audit log for %s %s, got: %s", tt.method, tt.path, logContent)
				}
			}
		})
	}
}

func TestMiddleware_TrustedProxies(t *testing.T) {
	tests := []struct {
		name           string
		remoteAddr     string
		xff            string
		trustedProxies []string
		expectedIP     string
	}{
		{
			name:           "direct connection",
			remoteAddr:     "192.168.1.100:12345",
			xff:            "",
			trustedProxies: nil,
			expectedIP:     "192.168.1.100",
		},
		{
			name:           "untrusted proxy with xff",
			remoteAddr:     "10.0.0.1:54321",
			xff:            "203.0.113.5",
			trustedProxies: []string{"10.0.0.2"}, // Different IP
			expectedIP:     "10.0.0.1",           // Should use direct IP
		},
		{
			name:           "trusted proxy with xff",
			remoteAddr:     "10.0.0.1:54321",
			xff:            "203.0.113.5, 10.0.0.2",
			trustedProxies: []string{"10.0.0.1"},
			expectedIP:     "203.0.113.5", // Should use first IP in XFF
		},
		{
			name:           "trusted proxy with multiple xff ips",
			remoteAddr:     "10.0.0.1:54321",
			xff:            "203.0.113.5, 198.51.100.10, 10.0.0.2",
			trustedProxies: []string{"10.0.0.1"},
			expectedIP:     "203.0.113.5", // Should use first IP
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logBuf bytes.Buffer
			logger := NewLogger(&logBuf)

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			middleware := Middleware(logger, tt.trustedProxies)
			wrappedHandler := middleware(handler)

			req := httptest.NewRequest("POST", "/expense_approval", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			req.Header.Set("X-Conductor-User", "test-user")

			w := httptest.NewRecorder()
			wrappedHandler.ServeHTTP(w, req)

			var entry Entry
			if err := json.Unmarshal(logBuf.Bytes(), &entry); err != nil {
				t.Fatalf("failed to parse audit log: %v", err)
			}

			if entry.IPAddress != tt.expectedIP {
				t.Errorf("expected IP %q, got %q", tt.expectedIP, entry.IPAddress)
			}
		})
	}
}

func TestMiddleware_StatusCodeMapping(t *testing.T) {
	tests := []struct {
		name           string
		statusCode     int
		expectedResult Result
	}{
		{
			name:           "success 200",
			statusCode:     http.StatusOK,
			expectedResult: ResultSuccess,
		},
		{
			name:           "success 201",
			statusCode:     http.StatusCreated,
			expectedResult: ResultSuccess,
		},
		{
			name:           "unauthorized",
			statusCode:     http.StatusUnauthorized,
			expectedResult: ResultUnauthorized,
		},
		{
			name:           "forbidden",
			statusCode:     http.StatusForbidden,
			expectedResult: ResultForbidden,
		},
		{
			name:           "not found",
			statusCode:     http.StatusNotFound,
			expectedResult: ResultNotFound,
		},
		{
			name:           "server error",
			statusCode:     http.StatusInternalServerError,
			expectedResult: ResultError,
		},
		{
			name:           "bad request",
			statusCode:     http.StatusBadRequest,
			expectedResult: ResultError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logBuf bytes.Buffer
			logger := NewLogger(&logBuf)

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			})

			middleware := Middleware(logger, nil)
			wrappedHandler := middleware(handler)

			req := httptest.NewRequest("POST", "/expense_approval", nil)
			req.Header.Set("X-Conductor-User", "test-user")

			w := httptest.NewRecorder()
			wrappedHandler.ServeHTTP(w, req)

			var entry Entry
			if err := json.Unmarshal(logBuf.Bytes(), &entry); err != nil {
				t.Fatalf("failed to parse audit log: %v", err)
			}

			if entry.Result != tt.expectedResult {
				t.Errorf("expected result %q, got %q", tt.expectedResult, entry.Result)
			}
		})
	}
}

func TestMiddleware_AnonymousUser(t *testing.T) {
	var logBuf bytes.Buffer
	logger := NewLogger(&logBuf)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	middleware := Middleware(logger, nil)
	wrappedHandler := middleware(handler)

	req := httptest.NewRequest("POST", "/expense_approval", nil)

	w := httptest.NewRecorder()
	wrappedHandler.ServeHTTP(w, req)

	var entry Entry
	if err := json.Unmarshal(logBuf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse audit log: %v", err)
	}

	if entry.UserID != "anonymous" {
		t.Errorf("expected userID %q, got %q", "anonymous", entry.UserID)
	}
}
