package taskdispatcher

import (
	"encoding/json"
	"io"
	"net/http"
)

// maxRequestBody limits dispatch request bodies.
const maxRequestBody = 1 << 20 // 1MB

// RegisterHTTPHandlers mounts the on-demand dispatch endpoint on the mux.
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc("POST "+prefix+"/api/dispatch/ready", c.handleDispatchReady)
}

// handleDispatchReady runs one dispatch batch on demand.
func (c *Component) handleDispatchReady(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	switch req.ExecutorType {
	case "", "ai", "human", "human-ai":
	default:
		writeError(w, http.StatusBadRequest, "executor_type must be ai, human, or human-ai")
		return
	}

	result, err := c.DispatchReady(r.Context(), &req)
	if err != nil {
		c.logger.Error("on-demand dispatch failed", "error", err)
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
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
