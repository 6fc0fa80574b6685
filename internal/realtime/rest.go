package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"zimage-bridge/internal/generation"
	"zimage-bridge/internal/protocol"
	"zimage-bridge/internal/watcher"
)

const maxHistoryLimit = 500

type startWatchRequest struct {
	Directory string `json:"directory"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) handleGetWatch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.watchStatus())
}

func (s *Server) handleStartWatch(w http.ResponseWriter, r *http.Request) {
	var req startWatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}

	if req.Directory == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "directory is required")
		return
	}

	err := s.fileWatch.Start(req.Directory)
	s.broadcastWatchStatus()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, watcher.ErrDirectoryNotFound) || errors.Is(err, watcher.ErrNotDirectory) {
			status = http.StatusBadRequest
		}
		writeError(w, status, protocol.ErrWatchDirInvalid, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, s.watchStatus())
}

func (s *Server) handleStopWatch(w http.ResponseWriter, r *http.Request) {
	s.fileWatch.Stop()
	s.broadcastWatchStatus()
	writeJSON(w, http.StatusOK, s.watchStatus())
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.listModels()
	if err != nil {
		writeError(w, http.StatusInternalServerError, protocol.ErrModelsFailed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, protocol.ModelsPayload{Models: models})
}

func (s *Server) handleStartGeneration(w http.ResponseWriter, r *http.Request) {
	var opts generation.Options
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidOptions, "invalid request body: "+err.Error())
		return
	}

	sess, err := s.startGeneration(opts)
	if err != nil {
		code := generationErrorCode(err)
		status := http.StatusInternalServerError
		switch {
		case code == protocol.ErrInvalidOptions:
			status = http.StatusBadRequest
		case errors.Is(err, generation.ErrExecutableNotConfigured):
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "", "generation history is disabled")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "limit must be a non-negative integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list generation history", "error", err)
		writeError(w, http.StatusInternalServerError, "", "failed to read generation history")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCurrentGeneration(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ctrl.Active()
	if !ok {
		writeError(w, http.StatusNotFound, "", "no generation running")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleKillGeneration(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.ctrl.Active(); !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
		return
	}

	if err := s.ctrl.Kill(); err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminating"})
}
