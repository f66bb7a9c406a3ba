package http

import (
	"encoding/json"
	"io"
	"net/http"

	applog "genspese/internal/log"
	"genspese/internal/surface"
)

func (s *Server) handleSurfaceSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Server) handleGetSurface(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	slot, err := surface.ParseSlot(r.PathValue("slot"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if slot == surface.Categories {
		writeJSON(w, http.StatusOK, s.registry.Snapshot().Categories)
		return
	}
	content, ok := s.registry.Get(slot)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *Server) handleSetSurface(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	slot, err := surface.ParseSlot(r.PathValue("slot"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	content, ok := readContent(w, r)
	if !ok {
		return
	}
	if err := s.registry.Set(slot, content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	applog.FromContext(r.Context()).DebugContext(r.Context(), "Surface updated",
		applog.NewFields().WithSlot(string(slot)).WithOperation(applog.OpPublish).ToSlice()...)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearSurface(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	slot, err := surface.ParseSlot(r.PathValue("slot"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.registry.Clear(slot)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetDialog(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	content, ok := readContent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": s.registry.SetDialog(content)})
}

func (s *Server) handleSetCategorySlot(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	content, ok := readContent(w, r)
	if !ok {
		return
	}
	s.registry.SetCategorySlot(r.PathValue("subId"), content)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearCategorySlot(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	s.registry.ClearCategorySlot(r.PathValue("subId"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearCategorySlots(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	s.registry.ClearAllCategorySlots()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearAllSurfaces(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	s.registry.ClearAll()
	applog.FromContext(r.Context()).InfoContext(r.Context(), "All surfaces cleared", applog.FieldOperation, applog.OpClear)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requireRegistry(w http.ResponseWriter) bool {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "surfaces not available")
		return false
	}
	return true
}

// readContent reads a JSON body. An empty body means empty content.
func readContent(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSurfaceBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	if len(body) > 0 && !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "surface content must be JSON")
		return nil, false
	}
	return json.RawMessage(body), true
}
