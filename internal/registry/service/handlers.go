package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chirino/meshkeeper-sub000/internal/events"
	"github.com/chirino/meshkeeper-sub000/internal/registry"
	"github.com/chirino/meshkeeper-sub000/internal/registry/sqltree"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Subscribers:   s.tree.Hub().Subscribers(),
	})
}

// handleCreateSession handles POST /v1/sessions.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TTLMS <= 0 {
		s.writeError(w, http.StatusBadRequest, "ttl_ms must be positive")
		return
	}

	sess, err := s.tree.CreateSession(r.Context(), req.Owner, time.Duration(req.TTLMS)*time.Millisecond)
	if err != nil {
		s.writeTreeError(w, err)
		return
	}
	s.logger.Info("session opened", "session", sess.ID, "owner", req.Owner, "ttl_ms", req.TTLMS)
	respondJSON(w, http.StatusCreated, SessionResponse{ID: sess.ID, TTLMS: req.TTLMS})
}

// handleTouchSession handles PUT /v1/sessions/{id}, the session heartbeat.
func (s *Server) handleTouchSession(w http.ResponseWriter, r *http.Request) {
	if err := s.tree.TouchSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeTreeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCloseSession handles DELETE /v1/sessions/{id}.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.tree.CloseSession(r.Context(), id); err != nil {
		s.writeTreeError(w, err)
		return
	}
	s.logger.Info("session closed", "session", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleAddNode handles POST /v1/nodes.
func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req AddNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	actual, err := s.tree.AddData(r.Context(), req.Session, req.Path, req.Sequential, req.Data)
	if err != nil {
		s.writeTreeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, NodeResponse{Path: actual, Data: req.Data, HasData: true})
}

// handleGetNode handles GET /v1/nodes?path=.
func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	data, err := s.tree.GetData(r.Context(), path)
	if err != nil {
		s.writeTreeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, NodeResponse{Path: path, Data: data, HasData: data != nil})
}

// handleRemoveNode handles DELETE /v1/nodes?path=&recursive=.
func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recursive, _ := strconv.ParseBool(q.Get("recursive"))
	if err := s.tree.Remove(r.Context(), q.Get("path"), recursive); err != nil {
		s.writeTreeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleChildren handles GET /v1/children?path=&since=&wait=.
//
// With since >= 0 and a wait, the request is held until the child version of
// path differs from since or the wait elapses, then the current listing is
// returned. since=-1 (the default) returns immediately.
func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("path")

	since := int64(-1)
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be an integer")
			return
		}
		since = n
	}
	var wait time.Duration
	if v := q.Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.writeError(w, http.StatusBadRequest, "wait must be a duration")
			return
		}
		wait = min(d, s.config.MaxWait)
	}

	// Subscribe before the first read so a change between read and wait is seen.
	ch, cancel := s.tree.Hub().Subscribe(64)
	defer cancel()

	ctx := r.Context()
	names, version, err := s.tree.Children(ctx, path)
	if err != nil {
		s.writeTreeError(w, err)
		return
	}
	if since < 0 || version != since || wait == 0 {
		respondJSON(w, http.StatusOK, ChildrenResponse{Path: path, Children: names, Version: version})
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			names, version, err = s.tree.Children(ctx, path)
			if err != nil {
				s.writeTreeError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, ChildrenResponse{Path: path, Children: names, Version: version})
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != events.ChildrenChanged || ev.Path() != path {
				continue
			}
			names, version, err = s.tree.Children(ctx, path)
			if err != nil {
				s.writeTreeError(w, err)
				return
			}
			if version != since {
				respondJSON(w, http.StatusOK, ChildrenResponse{Path: path, Children: names, Version: version})
				return
			}
		}
	}
}

// handleAddWatch handles POST /v1/watches.
func (s *Server) handleAddWatch(w http.ResponseWriter, r *http.Request) {
	var req WatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.tree.AddWatch(r.Context(), req.Session, req.Path); err != nil {
		s.writeTreeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRemoveWatch handles DELETE /v1/watches?session=&path=.
func (s *Server) handleRemoveWatch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := s.tree.RemoveWatch(r.Context(), q.Get("session"), q.Get("path")); err != nil {
		s.writeTreeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeTreeError maps tree errors to status codes and wire codes.
func (s *Server) writeTreeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidPath):
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidPath})
	case errors.Is(err, registry.ErrAlreadyExists):
		respondJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: CodeAlreadyExists})
	case errors.Is(err, registry.ErrNotEmpty):
		respondJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: CodeNotEmpty})
	case errors.Is(err, sqltree.ErrSessionNotFound):
		respondJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: CodeSessionNotFound})
	default:
		s.logger.Error("registry operation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
