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
	"net/http"
	"strings"
)

// Middleware creates an HTTP middleware that logs mutating process-API
// access. The trustedProxies parameter specifies IP addresses from which
// X-Forwarded-For headers are trusted.
func Middleware(logger *Logger, trustedProxies []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ipAddress := extractIPAddress(r, trustedProxies)

			// Wrap response writer to capture status code
			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			// Call next handler; this is what makes r.PathValue("id")
			// available below, since ServeMux only populates it once a
			// route pattern matches during dispatch.
			next.ServeHTTP(wrapped, r)

			action := determineAction(r.Method, r.URL.Path)
			if action == "" {
				return
			}

			entry := Entry{
				UserID:    extractUserID(r),
				Action:    action,
				Resource:  r.URL.Path,
				ProcessID: r.PathValue("id"),
				Result:    determineResult(wrapped.statusCode),
				IPAddress: ipAddress,
				UserAgent: r.UserAgent(),
			}

			// Log error (ignore logging errors to avoid cascading failures)
			_ = logger.Log(entry)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// extractUserID reads the user identity the process API trusts: the
// X-Conductor-User header (see httpapi.userFromRequest). Anonymous
// requests are logged under "anonymous" rather than dropped, since an
// unauthenticated mutation is itself audit-worthy.
func extractUserID(r *http.Request) string {
	if name := r.Header.Get("X-Conductor-User"); name != "" {
		return name
	}
	return "anonymous"
}

// extractIPAddress gets the client IP address from the request.
// The trustedProxies parameter specifies IPs from which X-Forwarded-For is trusted.
func extractIPAddress(r *http.Request, trustedProxies []string) string {
	// Get the direct connection IP (strip port if present)
	remoteIP := r.RemoteAddr
	if idx := strings.LastIndex(remoteIP, ":"); idx != -1 {
		remoteIP = remoteIP[:idx]
	}

	// Check if this request comes from a trusted proxy
	isTrusted := false
	for _, proxy := range trustedProxies {
		if proxy == remoteIP {
			isTrusted = true
			break
		}
	}

	// Only trust X-Forwarded-For if the direct connection is from a trusted proxy
	if isTrusted {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Take the first IP in the list (the original client)
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				return strings.TrimSpace(parts[0])
			}
		}

		// Check X-Real-IP header as fallback
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	// Return the direct connection IP
	return remoteIP
}

// determineAction maps HTTP method and path to an audit action, mirroring
// the process-API route table (A5). Only mutating verbs are audited.
func determineAction(method, path string) Action {
	if method != "POST" && method != "PUT" && method != "DELETE" {
		return ""
	}

	switch {
	case path == "/resume-all":
		return ActionProcessResumeAll
	case path == "/settings/status":
		return ActionSettingsUpdate
	case strings.HasSuffix(path, "/resume"):
		return ActionProcessResume
	case strings.HasSuffix(path, "/abort"):
		return ActionProcessAbort
	case strings.Contains(path, "/callback/"):
		return ActionProcessCallback
	case method == "DELETE":
		return ActionProcessDelete
	case method == "POST":
		return ActionProcessStart
	default:
		return ""
	}
}

// determineResult maps HTTP status code to audit result
func determineResult(statusCode int) Result {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ResultSuccess
	case statusCode == http.StatusUnauthorized:
		return ResultUnauthorized
	case statusCode == http.StatusForbidden:
		return ResultForbidden
	case statusCode == http.StatusNotFound:
		return ResultNotFound
	default:
		return ResultError
	}
}
