package apihttp

import (
	"context"
	"errors"
	"net/http"

	"minifarm-monitor/internal/actuation"
	"minifarm-monitor/internal/audit"
)

func (s *Server) command(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	remote := r.PathValue("remote")
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.commander.Command(r.Context(), id, remote, req.Value)
	switch {
	case err == nil:
	case errors.Is(err, actuation.ErrUnknownDevice), errors.Is(err, actuation.ErrUnknownActuator):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, actuation.ErrInvalidCommand):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, actuation.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "request cancelled", http.StatusGatewayTimeout)
		return
	default:
		s.internalError(w, r, http.StatusBadGateway, err)
		return
	}

	status := http.StatusOK
	if res.Pending() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
	s.logAudit(r, audit.ActionActuatorCommand, id, remote, map[string]any{
		"value":      req.Value,
		"mode":       res.Mode,
		"status":     res.Status,
		"request_id": res.RequestID,
	})
}

// listActuations returns the in-memory results of each actuator, or the
// durable command log when from/to are given.
func (s *Server) listActuations(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	query := r.URL.Query()
	if query.Get("from") == "" && query.Get("to") == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"mode":    s.commander.Mode(),
			"busy":    s.tracker.Busy(id),
			"results": s.tracker.Results(id),
		})
		return
	}
	if s.commandLog == nil {
		http.Error(w, "command log not configured", http.StatusServiceUnavailable)
		return
	}
	from, to, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	list, err := s.commandLog.ListByDevice(r.Context(), id, from, to)
	if err != nil {
		s.internalError(w, r, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []actuation.Result{}
	}
	writeJSON(w, http.StatusOK, list)
}
