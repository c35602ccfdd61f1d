package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bc-dunia/snmpwatch/internal/transcript"
)

const (
	sseHeartbeatInterval = 15 * time.Second
	sseReplayLimit       = 1000
	sseSubscriberBuffer  = 256
)

// handleStream sends transcript entries as server-sent events. A client that
// reconnects with Last-Event-ID (or ?since=) first receives what the ring
// still holds after that sequence number.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Transcript == nil {
		s.writeError(w, http.StatusNotFound, ErrorCodeNotConfigured, "transcript is not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, ErrorCodeStreamUnsupported, "Streaming not supported")
		return
	}

	engineID := r.URL.Query().Get("engine")
	cursor, replay, err := streamCursor(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, ErrorCodeInvalidParameter, err.Error())
		return
	}

	// Subscribe before replaying so nothing recorded in between is missed.
	// Live entries that were also replayed are skipped by sequence number.
	sub, err := s.cfg.Transcript.Subscribe(engineID, sseSubscriberBuffer)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, ErrorCodeInternal, err.Error())
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var replayed map[uint64]struct{}
	if replay {
		entries := s.cfg.Transcript.Since(cursor, engineID, sseReplayLimit)
		replayed = make(map[uint64]struct{}, len(entries))
		for _, e := range entries {
			if s.writeEvent(w, e) != nil {
				return
			}
			replayed[e.Seq] = struct{}{}
		}
		flusher.Flush()
	}

	ctx := r.Context()
	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ":keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			// Engines append independently, so a merged stream is ordered
			// per engine only and sequence numbers may arrive out of order.
			if alreadySent(replayed, e.Seq) {
				continue
			}
			if s.writeEvent(w, e) != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// streamCursor reads the resume point. Last-Event-ID wins over ?since.
func streamCursor(r *http.Request) (uint64, bool, error) {
	raw := r.Header.Get("Last-Event-ID")
	name := "Last-Event-ID"
	if raw == "" {
		raw = r.URL.Query().Get("since")
		name = "since"
	}
	if raw == "" {
		return 0, false, nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%s must be a sequence number", name)
	}
	return seq, true, nil
}

// alreadySent reports whether seq went out during replay. Each sequence
// number is delivered live at most once, so the entry is forgotten on a hit.
func alreadySent(replayed map[uint64]struct{}, seq uint64) bool {
	if _, ok := replayed[seq]; !ok {
		return false
	}
	delete(replayed, seq)
	return true
}

// writeEvent writes one entry as an SSE frame. An entry that cannot be
// encoded is logged and skipped; only write errors end the stream.
func (s *Server) writeEvent(w http.ResponseWriter, e transcript.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		s.log.LogStreamEncodeError(e.EngineID, e.Seq, err)
		return nil
	}
	_, err = fmt.Fprintf(w, "event: transcript\nid: %d\ndata: %s\n\n", e.Seq, data)
	return err
}
