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

// Package httpapi is the HTTP transport (A5): a net/http mux that
// routes the process API table onto an *engine.Engine, plus a
// websocket upgrade endpoint relaying change-bus events.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tombee/conductor/internal/controller/auth"
	"github.com/tombee/conductor/internal/controller/middleware"
	"github.com/tombee/conductor/internal/tracing/audit"
	"github.com/tombee/conductor/pkg/engine"
	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// Handler is the process-API mux. It holds no state of its own beyond
// what it needs to dispatch: the engine, auth, rate limiting, and logging.
type Handler struct {
	Engine         *engine.Engine
	Auth           *auth.BearerAuthenticator
	AuthToken      string
	AuthEnabled    bool
	RateLimiter    *auth.RateLimiter
	Logger         *slog.Logger
	CORS           middleware.CORSConfig
	AuditLogger    *audit.Logger
	TrustedProxies []string
}

// NewMux builds the complete http.Handler: CORS, then auth with per-token
// rate limiting, then audit logging (when an AuditLogger is set), then
// route dispatch.
func NewMux(h *Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status-counts", h.handleStatusCounts)
	mux.HandleFunc("GET /settings/status", h.handleGetSettingsStatus)
	mux.HandleFunc("PUT /settings/status", h.handleSetSettingsStatus)
	mux.HandleFunc("PUT /resume-all", h.handleResumeAll)
	mux.HandleFunc("GET /", h.handleList)
	mux.HandleFunc("POST /{workflow_key}", h.handleStart)
	mux.HandleFunc("PUT /{id}/resume", h.handleResume)
	mux.HandleFunc("POST /{id}/callback/{token}", h.handleCallback)
	mux.HandleFunc("POST /{id}/callback/{token}/progress", h.handleCallbackProgress)
	mux.HandleFunc("PUT /{id}/abort", h.handleAbort)
	mux.HandleFunc("DELETE /{id}", h.handleDelete)
	mux.HandleFunc("GET /ws", h.handleWebsocket)

	var out http.Handler = mux
	if h.AuditLogger != nil {
		out = audit.Middleware(h.AuditLogger, h.TrustedProxies)(out)
	}
	out = h.authenticate(out)
	out = middleware.CORS(h.CORS)(out)
	return out
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.AuthEnabled {
			next.ServeHTTP(w, r)
			return
		}
		token, err := h.Auth.ExtractBearerToken(r)
		if err != nil || !h.Auth.VerifyToken(token, h.AuthToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if h.RateLimiter != nil && !h.RateLimiter.Allow(token) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps a pkg/errors typed error onto the status code
// table spec.md §6/§7 assigns it.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case isType[*conductorerrors.WorkflowUnknownError](err), isType[*conductorerrors.NotFoundError](err):
		writeError(w, http.StatusNotFound, err.Error())
	case isType[*conductorerrors.ForbiddenError](err):
		writeError(w, http.StatusForbidden, err.Error())
	case isType[*conductorerrors.EngineLockedError](err), isType[*conductorerrors.ResumeAllInProgressError](err), isType[*conductorerrors.BrokerUnavailableError](err), isType[*conductorerrors.LockBackendError](err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case isType[*conductorerrors.FormInvalidError](err), isType[*conductorerrors.RangeInvalidError](err), isType[*conductorerrors.FilterInvalidError](err):
		writeError(w, http.StatusBadRequest, err.Error())
	case isType[*conductorerrors.BadStatusError](err):
		writeError(w, http.StatusConflict, err.Error())
	case isType[*conductorerrors.TokenMismatchError](err):
		writeError(w, http.StatusNotFound, err.Error())
	case isType[*conductorerrors.NotTaskError](err):
		writeError(w, http.StatusBadRequest, err.Error())
	case isType[*conductorerrors.DatabaseError](err):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func isType[T error](err error) bool {
	var target T
	return conductorerrors.As(err, &target)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	workflowKey := r.PathValue("workflow_key")
	var inputs []map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&inputs)
	}
	merged := map[string]any{}
	for _, in := range inputs {
		for k, v := range in {
			merged[k] = v
		}
	}
	id, err := h.Engine.StartProcess(r.Context(), workflowKey, merged, userFromRequest(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid process id")
		return
	}
	var inputs map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&inputs)
	}
	if err := h.Engine.ResumeProcess(r.Context(), id, inputs, userFromRequest(r)); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid process id")
		return
	}
	token := r.PathValue("token")
	var payload map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}
	if err := h.Engine.ContinueAwaitingProcess(r.Context(), id, token, payload); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCallbackProgress(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid process id")
		return
	}
	token := r.PathValue("token")
	var payload map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}
	if err := h.Engine.UpdateAwaitingProcessProgress(r.Context(), id, token, payload); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleAbort(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid process id")
		return
	}
	if err := h.Engine.AbortProcess(r.Context(), id, userFromRequest(r)); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid process id")
		return
	}
	if err := h.Engine.DeleteProcess(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleResumeAll(w http.ResponseWriter, r *http.Request) {
	_, total, err := h.Engine.Runtime.Store.ListProcesses(r.Context(), engine.ProcessFilter{})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	all, _, err := h.Engine.Runtime.Store.ListProcesses(r.Context(), engine.ProcessFilter{RangeEnd: total})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	ids := make([]uuid.UUID, len(all))
	for i, p := range all {
		ids[i] = p.ID
	}
	ran, err := h.Engine.AsyncResumeProcesses(r.Context(), ids, userFromRequest(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !ran {
		writeError(w, http.StatusConflict, "resume-all already in progress")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": len(ids)})
}

func (h *Handler) handleStatusCounts(w http.ResponseWriter, r *http.Request) {
	all, total, err := h.Engine.Runtime.Store.ListProcesses(r.Context(), engine.ProcessFilter{})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	all, _, err = h.Engine.Runtime.Store.ListProcesses(r.Context(), engine.ProcessFilter{RangeEnd: total})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	processCounts := map[string]int{}
	taskCounts := map[string]int{}
	for _, p := range all {
		processCounts[string(p.LastStatus)]++
		if p.IsTask {
			taskCounts[string(p.LastStatus)]++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"process_counts": processCounts,
		"task_counts":    taskCounts,
	})
}

func (h *Handler) handleGetSettingsStatus(w http.ResponseWriter, r *http.Request) {
	settings, err := h.Engine.Runtime.Store.GetSettings(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	_, running, err := h.Engine.Runtime.Store.ListProcesses(r.Context(), engine.ProcessFilter{
		Predicates: map[string]string{"last_status": "Running"},
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"global_lock":       settings.GlobalLock,
		"running_processes": running,
		"global_status":     settings.Project(),
	})
}

func (h *Handler) handleSetSettingsStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GlobalLock bool `json:"global_lock"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if err := h.Engine.MarshallProcesses(r.Context(), body.GlobalLock); err != nil {
		writeEngineError(w, err)
		return
	}
	settings, err := h.Engine.Runtime.Store.GetSettings(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"global_status": settings.Project()})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, total, err := h.Engine.Runtime.Store.ListProcesses(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	etag := engine.ListETag(rows)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	start := filter.RangeStart
	end := start + len(rows)
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Range", "processes "+strconv.Itoa(start)+"-"+strconv.Itoa(end)+"/"+strconv.Itoa(total))
	writeJSON(w, http.StatusOK, rows)
}

func parseListQuery(r *http.Request) (engine.ProcessFilter, error) {
	q := r.URL.Query()
	filter := engine.ProcessFilter{Predicates: map[string]string{}}

	if rangeParam := q.Get("range"); rangeParam != "" {
		parts := strings.SplitN(rangeParam, ",", 2)
		if len(parts) != 2 {
			return filter, &conductorerrors.RangeInvalidError{Raw: rangeParam}
		}
		start, err1 := strconv.Atoi(parts[0])
		end, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || start < 0 || end < start {
			return filter, &conductorerrors.RangeInvalidError{Raw: rangeParam}
		}
		filter.RangeStart, filter.RangeEnd = start, end
	}

	if sortParam := q.Get("sort"); sortParam != "" {
		parts := strings.SplitN(sortParam, ",", 2)
		filter.SortField = parts[0]
		if len(parts) == 2 {
			filter.SortDescending = strings.EqualFold(parts[1], "desc")
		}
	}

	if filterParam := q.Get("filter"); filterParam != "" {
		parts := strings.Split(filterParam, ",")
		if len(parts)%2 != 0 {
			return filter, &conductorerrors.FilterInvalidError{Raw: filterParam, Reason: "expects field,value pairs"}
		}
		for i := 0; i < len(parts); i += 2 {
			filter.Predicates[parts[i]] = parts[i+1]
		}
	}

	return filter, nil
}

func userFromRequest(r *http.Request) *engine.User {
	name := r.Header.Get("X-Conductor-User")
	if name == "" {
		return nil
	}
	return &engine.User{Name: name}
}
