package callbackapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/c360studio/momentum/dispatch"
	"github.com/c360studio/momentum/storage"
)

// maxRequestBody limits callback bodies.
const maxRequestBody = 1 << 20 // 1MB

// RegisterHTTPHandlers mounts the callback endpoints on the mux. The
// task-scoped endpoints require the X-Passphrase header; the workflow
// callback relies on executor trust.
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc("POST "+prefix+"/api/tasks/{id}/complete", c.withAuth(c.handleTaskComplete))
	mux.HandleFunc("POST "+prefix+"/api/tasks/{id}/error", c.withAuth(c.handleTaskError))
	mux.HandleFunc("POST "+prefix+"/workflow-callback", c.handleWorkflowCallback)
	mux.HandleFunc("GET "+prefix+"/api/queue", c.withAuth(c.handleQueueList))
}

func (c *Component) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Passphrase")
		if subtle.ConstantTimeCompare([]byte(got), []byte(c.passphrase)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid passphrase")
			return
		}
		next(w, r)
	}
}

// completeRequest is the task-complete callback body.
type completeRequest struct {
	Notes      string `json:"notes,omitempty"`
	Output     string `json:"output,omitempty"`
	Executor   string `json:"executor,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

func (c *Component) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !c.decodeBody(w, r, &req) {
		return
	}

	success := true
	env := &dispatch.CallbackEnvelope{
		TaskID:     r.PathValue("id"),
		Success:    &success,
		Notes:      req.Notes,
		Output:     req.Output,
		Executor:   req.Executor,
		DurationMS: req.DurationMS,
	}
	c.reconcile(w, r, env, SourceComplete)
}

// errorRequest is the task-error callback body.
type errorRequest struct {
	Error      string `json:"error,omitempty"`
	Executor   string `json:"executor,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Quarantine bool   `json:"quarantine,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
}

func (c *Component) handleTaskError(w http.ResponseWriter, r *http.Request) {
	var req errorRequest
	if !c.decodeBody(w, r, &req) {
		return
	}

	success := false
	env := &dispatch.CallbackEnvelope{
		TaskID:     r.PathValue("id"),
		Success:    &success,
		Error:      req.Error,
		Executor:   req.Executor,
		DurationMS: req.DurationMS,
		Quarantine: req.Quarantine,
		RetryCount: req.RetryCount,
	}
	c.reconcile(w, r, env, SourceError)
}

func (c *Component) handleWorkflowCallback(w http.ResponseWriter, r *http.Request) {
	var env dispatch.CallbackEnvelope
	if !c.decodeBody(w, r, &env) {
		return
	}
	c.reconcile(w, r, &env, SourceWorkflow)
}

// handleQueueList returns the live queue entries for inspection.
func (c *Component) handleQueueList(w http.ResponseWriter, r *http.Request) {
	entries, err := c.queue.ListLive(r.Context(), c.tenantID)
	if err != nil {
		c.logger.Error("list live entries failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list queue failed")
		return
	}
	if entries == nil {
		entries = []*storage.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (c *Component) reconcile(w http.ResponseWriter, r *http.Request, env *dispatch.CallbackEnvelope, source string) {
	c.updateLastRequest()

	result, err := c.reconciler.Reconcile(r.Context(), c.tenantID, env, source)
	if err != nil {
		c.writeReconcileError(w, env, err)
		return
	}

	c.callbacksHandled.Add(1)
	writeJSON(w, http.StatusOK, result)
}

func (c *Component) writeReconcileError(w http.ResponseWriter, env *dispatch.CallbackEnvelope, err error) {
	c.callbacksFailed.Add(1)

	var validation *ValidationError
	var auth *AuthError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Msg)
	case errors.As(err, &auth):
		writeError(w, http.StatusUnauthorized, auth.Msg)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		c.logger.Error("reconcile failed",
			"task_id", env.TaskID,
			"error", err)
		writeError(w, http.StatusInternalServerError, "reconcile failed")
	}
}

func (c *Component) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response is already partially written; nothing to recover.
		_ = err
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
