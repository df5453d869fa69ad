package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"xbee-topology/internal/store"
	"xbee-topology/internal/topology"
	"xbee-topology/internal/xbee"
	"xbee-topology/internal/zdo"
)

func (s *Server) handleAPIListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.db.ListNodes()
	if err != nil {
		s.logger.Error("list nodes", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

type addNodeRequest struct {
	Addr64 string `json:"addr64"`
	Addr16 uint16 `json:"addr16"`
}

func (s *Server) handleAPIAddNode(w http.ResponseWriter, r *http.Request) {
	var req addNodeRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	a64, err := xbee.ParseAddr64(req.Addr64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid addr64"})
		return
	}

	if err := s.svc.AddNode(a64.String(), req.Addr16); err != nil {
		s.logger.Error("add node", "err", err, "addr64", a64.String())
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "addr64": a64.String()})
}

func (s *Server) handleAPIGetNode(w http.ResponseWriter, r *http.Request) {
	addr64 := normalizeAddr64(r.PathValue("addr64"))
	node, err := s.db.GetNode(addr64)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "node not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleAPIDeleteNode(w http.ResponseWriter, r *http.Request) {
	addr64 := normalizeAddr64(r.PathValue("addr64"))
	if err := s.db.DeleteNode(addr64); err != nil {
		s.logger.Error("delete node", "err", err, "addr64", addr64)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if err := s.db.DeleteRoutes(addr64); err != nil {
		s.logger.Error("delete routes", "err", err, "addr64", addr64)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIGetRoutes(w http.ResponseWriter, r *http.Request) {
	addr64 := normalizeAddr64(r.PathValue("addr64"))
	routes, err := s.db.GetRoutes(addr64)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "routes not found"})
			return
		}
		s.logger.Error("get routes", "err", err, "addr64", addr64)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, routes)
}

func (s *Server) handleAPIListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.db.ListRoutes()
	if err != nil {
		s.logger.Error("list routes", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, routes)
}

type scanNodeResponse struct {
	Node   *store.NodeRecord  `json:"node"`
	Routes *store.RouteRecord `json:"routes"`
}

func (s *Server) handleAPIScanNode(w http.ResponseWriter, r *http.Request) {
	addr64 := r.PathValue("addr64")
	if _, err := xbee.ParseAddr64(addr64); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid addr64"})
		return
	}

	node, routes, err := s.svc.ScanNode(r.Context(), addr64)
	if err != nil {
		var se *zdo.StatusError
		if errors.As(err, &se) {
			s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Error("scan node", "err", err, "addr64", addr64)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, scanNodeResponse{Node: node, Routes: routes})
}

func (s *Server) handleAPIScanAll(w http.ResponseWriter, r *http.Request) {
	// A full scan can take minutes on a large network. Kick it off in the
	// background and report progress over the WebSocket event stream.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	started := make(chan error, 1)
	go func() {
		defer cancel()
		err := s.svc.ScanAll(ctx)
		started <- err
		if err != nil && !errors.Is(err, topology.ErrScanInProgress) {
			s.logger.Error("scan all", "err", err)
		}
	}()

	select {
	case err := <-started:
		if errors.Is(err, topology.ErrScanInProgress) {
			s.writeJSON(w, http.StatusConflict, map[string]string{"error": "scan already in progress"})
			return
		}
	case <-time.After(50 * time.Millisecond):
		// Scan is still running.
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "scanning"})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

// normalizeAddr64 canonicalizes a 64-bit address path segment so lookups
// accept lower-case hex. Invalid input is returned unchanged and will
// miss the store.
func normalizeAddr64(s string) string {
	a, err := xbee.ParseAddr64(s)
	if err != nil {
		return s
	}
	return a.String()
}
