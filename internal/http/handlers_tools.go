package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	applog "genspese/internal/log"
	"genspese/internal/tools"
)

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if s.tools == nil {
		writeError(w, http.StatusServiceUnavailable, "tools not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"tools": s.tools.Names()})
}

// handleCallTool runs one tool. Domain failures are reported in the body
// with status 200, matching what the agent expects from a tool response.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	if s.tools == nil {
		writeError(w, http.StatusServiceUnavailable, "tools not available")
		return
	}
	name := r.PathValue("name")
	logger := applog.FromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxToolBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "request body must be JSON")
		return
	}

	resp, err := s.tools.Call(r.Context(), name, json.RawMessage(body))
	if err != nil {
		if errors.Is(err, tools.ErrUnknownTool) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.countToolCall(true)
		logger.ErrorContext(r.Context(), "Tool call failed",
			applog.NewFields().WithTool(name).WithOperation(applog.OpCall).WithError(err).ToSlice()...)
		writeError(w, http.StatusInternalServerError, "tool call failed")
		return
	}
	_, failed := resp.(tools.ErrorResponse)
	s.countToolCall(failed)
	writeJSON(w, http.StatusOK, resp)
}
