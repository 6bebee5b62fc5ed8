package apihttp

import (
	"encoding/json"
	"net/http"
)

// historyStream pushes the sensor's history as server-sent events: the
// current buffer first, then a fresh snapshot after every update. A slow
// client only receives the newest snapshot.
func (s *Server) historyStream(w http.ResponseWriter, r *http.Request) {
	id, def, ok := s.sensorDef(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	updates := make(chan struct{}, 1)
	unsubscribe := s.monitor.History().Observe(id, def.Remote, func([]float64) {
		select {
		case updates <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	writeEvent := func() bool {
		payload, err := json.Marshal(s.historyView(id, def))
		if err != nil {
			return false
		}
		_, _ = w.Write([]byte("event: history\ndata: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
		return true
	}
	if !writeEvent() {
		return
	}

	done := r.Context().Done()
	for {
		select {
		case <-updates:
			if !writeEvent() {
				return
			}
		case <-done:
			return
		}
	}
}
