package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/bc-dunia/snmpwatch/internal/manager"
	"github.com/bc-dunia/snmpwatch/internal/mib"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 1000
	reachabilityEvents  = 50
)

// snapshotOf returns the latest snapshot of src, or a placeholder listing
// every target as not yet polled.
func snapshotOf(src SnapshotSource) *manager.Snapshot {
	snap, err := src.LatestSnapshot()
	if err == nil && snap != nil {
		return snap
	}
	pending := &manager.Snapshot{Engines: make(map[string]*manager.EngineSnapshot)}
	for _, t := range src.Targets() {
		pending.Engines[t.EngineID] = &manager.EngineSnapshot{
			EngineID: t.EngineID,
			Host:     t.Host,
			Port:     t.Port,
			Health:   manager.HealthUnknown,
			Error:    "not_polled",
			Values:   map[string]manager.Reading{},
		}
	}
	return pending
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, snapshotOf(s.cfg.Engines).Engines)
}

func (s *Server) handleEngine(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, ok := snapshotOf(s.cfg.Engines).Engine(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, ErrorCodeNotFound, "engine not found: "+id)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, manager.Summarize(snapshotOf(s.cfg.Engines)))
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	if s.cfg.System == nil {
		s.writeError(w, http.StatusNotFound, ErrorCodeNotConfigured, "system agent is not configured")
		return
	}
	s.writeJSON(w, http.StatusOK, snapshotOf(s.cfg.System).Engines)
}

// handlePoll runs one cycle and answers with the snapshot it produced.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Poller == nil {
		s.writeError(w, http.StatusNotFound, ErrorCodeNotConfigured, "on-demand polling is not configured")
		return
	}
	snap, err := s.cfg.Poller.PollOnce(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, ErrorCodeInternal, "poll failed: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, snap.Engines)
}

func (s *Server) handleReachability(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Reachability == nil {
		s.writeError(w, http.StatusNotFound, ErrorCodeNotConfigured, "reachability tracking is not configured")
		return
	}
	s.writeJSON(w, http.StatusOK, &ReachabilityResponse{
		Engines: s.cfg.Reachability.All(),
		Events:  s.cfg.Reachability.RecentEvents(reachabilityEvents),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(&HealthResponse{
		Status:    "healthy",
		Service:   s.cfg.Service,
		State:     s.cfg.Engines.State().String(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Transcript == nil {
		s.writeError(w, http.StatusNotFound, ErrorCodeNotConfigured, "transcript is not configured")
		return
	}
	q := r.URL.Query()
	limit := defaultMessageLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, ErrorCodeInvalidParameter, "limit must be a positive integer")
			return
		}
		limit = min(n, maxMessageLimit)
	}

	engineID := q.Get("engine")
	resp := &MessagesResponse{
		EngineID: engineID,
		Capacity: s.cfg.Transcript.Capacity(),
		Entries:  s.cfg.Transcript.Recent(engineID, limit),
	}
	if engineID != "" {
		resp.Total = s.cfg.Transcript.Len(engineID)
		resp.Dropped = s.cfg.Transcript.Dropped(engineID)
	} else {
		for _, id := range s.cfg.Transcript.Engines() {
			resp.Total += s.cfg.Transcript.Len(id)
			resp.Dropped += s.cfg.Transcript.Dropped(id)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMIB(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix != "" && !mib.ValidOID(prefix) {
		s.writeError(w, http.StatusBadRequest, ErrorCodeInvalidParameter, "invalid OID prefix: "+prefix)
		return
	}
	entries := s.cfg.Registry.Subtree(prefix)
	if entries == nil {
		entries = []mib.Entry{}
	}
	s.writeJSON(w, http.StatusOK, &MIBResponse{Prefix: prefix, Count: len(entries), Entries: entries})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		s.writeError(w, http.StatusServiceUnavailable, ErrorCodeNotConfigured, "metrics are not configured")
		return
	}
	s.cfg.Metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, ErrorCodeNotFound, "no route for "+r.URL.Path)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(&Response{Success: true, Data: data, Timestamp: time.Now().UTC()}); err != nil {
		s.log.Logger().Warn("api_encode_failed", "error", err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{Success: false, Error: message, ErrorCode: code})
}
