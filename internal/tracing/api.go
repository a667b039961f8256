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

package tracing

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tombee/conductor/internal/tracing/storage"
	"github.com/tombee/conductor/pkg/observability"
)

// TracesHandler exposes the spans a Store has retained over HTTP, so an
// operator can look up why a particular process run behaved the way it
// did without a separate tracing backend.
type TracesHandler struct {
	store *storage.SQLiteStore
}

// NewTracesHandler builds a TracesHandler over store.
func NewTracesHandler(store *storage.SQLiteStore) *TracesHandler {
	return &TracesHandler{store: store}
}

// RegisterRoutes mounts the trace-retrieval routes on mux.
func (h *TracesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/traces", h.ListTraces)
	mux.HandleFunc("GET /v1/traces/{id}", h.GetTrace)
	mux.HandleFunc("GET /v1/traces/{id}/spans", h.GetTraceSpans)
	mux.HandleFunc("GET /v1/processes/{id}/trace", h.GetProcessTrace)
}

// ListTraces handles GET /v1/traces?since=&until=&status=.
func (h *TracesHandler) ListTraces(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()
	filter := storage.TraceFilter{Limit: 100}

	if since := query.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
		filter.Since = &t
	}
	if until := query.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			http.Error(w, "invalid until parameter", http.StatusBadRequest)
			return
		}
		filter.Until = &t
	}
	if status := query.Get("status"); status != "" {
		var statusCode observability.StatusCode
		switch status {
		case "ok":
			statusCode = observability.StatusCodeOK
		case "error":
			statusCode = observability.StatusCodeError
		default:
			statusCode = observability.StatusCodeUnset
		}
		filter.Status = &statusCode
	}

	traces, err := h.store.ListTraces(ctx, filter)
	if err != nil {
		http.Error(w, "failed to list traces", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"traces": traces,
		"count":  len(traces),
	})
}

// GetTrace handles GET /v1/traces/{id}.
func (h *TracesHandler) GetTrace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := r.PathValue("id")
	if traceID == "" {
		http.Error(w, "trace ID is required", http.StatusBadRequest)
		return
	}

	spans, err := h.store.GetTraceSpans(ctx, traceID)
	if err != nil {
		http.Error(w, "failed to get trace", http.StatusInternalServerError)
		return
	}
	if len(spans) == 0 {
		http.Error(w, "trace not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"trace_id":   traceID,
		"spans":      spans,
		"span_count": len(spans),
	})
}

// GetTraceSpans handles GET /v1/traces/{id}/spans.
func (h *TracesHandler) GetTraceSpans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := r.PathValue("id")
	if traceID == "" {
		http.Error(w, "trace ID is required", http.StatusBadRequest)
		return
	}

	spans, err := h.store.GetTraceSpans(ctx, traceID)
	if err != nil {
		http.Error(w, "failed to get spans", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"trace_id": traceID,
		"spans":    spans,
		"count":    len(spans),
	})
}

// GetProcessTrace handles GET /v1/processes/{id}/trace, linking a process
// run back to the trace spans collected while it executed. The store finds
// the trace by a span whose "run_id" attribute equals the process ID; no
// instrumentation in this repository sets that attribute.
func (h *TracesHandler) GetProcessTrace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	processID := r.PathValue("id")
	if processID == "" {
		http.Error(w, "process ID is required", http.StatusBadRequest)
		return
	}

	traceID, err := h.store.GetTraceByRunID(ctx, processID)
	if err != nil {
		http.Error(w, "failed to get trace for process", http.StatusInternalServerError)
		return
	}
	if traceID == "" {
		http.Error(w, "no trace found for process", http.StatusNotFound)
		return
	}

	spans, err := h.store.GetTraceSpans(ctx, traceID)
	if err != nil {
		http.Error(w, "failed to get trace", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"process_id": processID,
		"trace_id":   traceID,
		"spans":      spans,
		"span_count": len(spans),
	})
}
