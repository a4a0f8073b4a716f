package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmarsh/gaffer/internal/batch"
	"github.com/dmarsh/gaffer/internal/ledger"
	"github.com/dmarsh/gaffer/internal/supervisor"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:           "ok",
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		WorkersLoaded:    len(s.registry.All()),
		ActiveDispatches: s.dispatcher.Active(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleDispatch handles POST /v1/dispatch. With ?sync=true the request
// blocks until the dispatch resolves.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Worker == "" {
		s.writeError(w, http.StatusBadRequest, "worker is required")
		return
	}
	if req.Items == nil {
		s.writeError(w, http.StatusBadRequest, "items is required (may be empty)")
		return
	}

	worker, ok := s.registry.Get(req.Worker)
	if !ok {
		s.writeError(w, http.StatusNotFound, "worker not found")
		return
	}

	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "timeout must be a positive duration string")
			return
		}
		if d > s.config.MaxTimeout {
			d = s.config.MaxTimeout
		}
		timeout = d
	}

	// The dispatch must not die with the HTTP request; workers run to
	// completion regardless of client disconnects.
	handle, err := s.dispatcher.Dispatch(context.WithoutCancel(r.Context()), worker, req.Items, timeout)
	if err != nil {
		var launchErr *supervisor.LaunchError
		if errors.As(err, &launchErr) {
			s.writeError(w, http.StatusBadGateway, launchErr.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if r.URL.Query().Get("sync") != "true" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(DispatchResponse{
			DispatchID: handle.ID(),
			Worker:     worker.Name,
			Status:     string(batch.StatusRunning),
		})
		return
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), s.config.MaxSyncWait)
	defer cancel()

	records, err := handle.Wait(waitCtx)
	resp := SyncDispatchResponse{
		DispatchID: handle.ID(),
		Worker:     worker.Name,
	}
	switch {
	case err == nil:
		resp.Status = string(batch.StatusCompleted)
		resp.Records = records
	default:
		var failure *supervisor.WorkerFailure
		if errors.As(err, &failure) {
			resp.Status = string(failure.Status())
			resp.Error = failure.Error()
			resp.Reason = string(failure.Reason)
		} else {
			// Client deadline hit before the dispatch resolved; it keeps
			// running in the background.
			resp.Status = string(batch.StatusRunning)
			resp.Error = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleGetDispatch handles GET /v1/dispatches/{dispatchID}.
func (s *Server) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	dispatchID := chi.URLParam(r, "dispatchID")

	entry, err := s.store.Get(r.Context(), dispatchID)
	if err != nil {
		if errors.Is(err, ledger.ErrDispatchNotFound) {
			s.writeError(w, http.StatusNotFound, "dispatch not found")
			return
		}
		s.logger.Error("failed to load dispatch", "dispatch_id", dispatchID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load dispatch")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(entryToResponse(entry))
}

// handleListDispatches handles GET /v1/dispatches?limit=N.
func (s *Server) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	entries, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list dispatches", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list dispatches")
		return
	}

	out := make([]DispatchStatusResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entryToResponse(entry))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

// handleListWorkers handles GET /v1/workers.
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.registry.All()

	out := make([]WorkerInfo, 0, len(workers))
	for _, worker := range workers {
		info := WorkerInfo{
			Name:        worker.Name,
			Version:     worker.Version,
			Description: worker.Description,
		}
		if worker.Timeout > 0 {
			info.Timeout = worker.Timeout.String()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

func entryToResponse(entry *ledger.Entry) DispatchStatusResponse {
	return DispatchStatusResponse{
		DispatchID:  entry.ID,
		Worker:      entry.Worker,
		Status:      string(entry.Status),
		ItemCount:   entry.ItemCount,
		Records:     entry.Records,
		CreatedAt:   entry.CreatedAt,
		CompletedAt: entry.CompletedAt,
		Error:       entry.LastError,
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
