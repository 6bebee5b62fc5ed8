package apihttp

import (
	"net/http"
	"strconv"
	"time"

	"minifarm-monitor/internal/actuation"
	"minifarm-monitor/internal/audit"
	"minifarm-monitor/internal/monitor"
	resources "minifarm-monitor/internal/resources/domain"
)

type liveView struct {
	monitor.Snapshot
	Active        bool               `json:"active"`
	SensorLoops   int                `json:"sensor_loops"`
	ActuatorLoops int                `json:"actuator_loops"`
	Busy          []string           `json:"busy"`
	Commands      []actuation.Result `json:"commands"`
	Alert         *monitor.Alert     `json:"alert"`
}

type historyView struct {
	DeviceID   string        `json:"device_id"`
	Remote     string        `json:"remote"`
	Canonical  string        `json:"canonical"`
	IntervalMs int64         `json:"interval_ms"`
	Capacity   int           `json:"capacity"`
	Values     []float64     `json:"values"`
	Stats      monitor.Stats `json:"stats"`
}

func (s *Server) live(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.monitor.Tree(id); !ok {
		http.Error(w, "device not monitored", http.StatusNotFound)
		return
	}
	sensors, actuators := s.monitor.Loops(id)
	view := liveView{
		Snapshot:      s.monitor.Cache().Snapshot(id),
		Active:        s.monitor.IsActive(id),
		SensorLoops:   sensors,
		ActuatorLoops: actuators,
		Busy:          s.tracker.Busy(id),
		Commands:      s.tracker.Results(id),
	}
	if alert, ok := s.monitor.Alerts().Pending(id); ok {
		view.Alert = &alert
	}
	writeJSON(w, http.StatusOK, view)
}

// sensorDef resolves a sensor of a monitored device or writes a 404.
func (s *Server) sensorDef(w http.ResponseWriter, r *http.Request) (string, resources.SensorDef, bool) {
	id := r.PathValue("id")
	remote := r.PathValue("remote")
	tree, ok := s.monitor.Tree(id)
	if !ok {
		http.Error(w, "device not monitored", http.StatusNotFound)
		return "", resources.SensorDef{}, false
	}
	for _, def := range tree.Sensors {
		if def.Remote == remote {
			return id, def, true
		}
	}
	http.Error(w, "unknown sensor", http.StatusNotFound)
	return "", resources.SensorDef{}, false
}

func (s *Server) historyView(deviceID string, def resources.SensorDef) historyView {
	values := s.monitor.History().History(deviceID, def.Remote)
	if values == nil {
		values = []float64{}
	}
	return historyView{
		DeviceID:   deviceID,
		Remote:     def.Remote,
		Canonical:  def.Canonical,
		IntervalMs: def.Interval.Milliseconds(),
		Capacity:   s.monitor.History().Capacity(def.Interval),
		Values:     values,
		Stats:      monitor.StatsOf(values),
	}
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	id, def, ok := s.sensorDef(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.historyView(id, def))
}

func (s *Server) backfill(w http.ResponseWriter, r *http.Request) {
	id, def, ok := s.sensorDef(w, r)
	if !ok {
		return
	}
	points := s.backfillPoints
	if value := r.URL.Query().Get("points"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			http.Error(w, "points must be a positive integer", http.StatusBadRequest)
			return
		}
		points = parsed
	}
	if _, err := s.monitor.Backfill(r.Context(), id, def.Remote, points); err != nil {
		s.internalError(w, r, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, s.historyView(id, def))
}

func (s *Server) listSamples(w http.ResponseWriter, r *http.Request) {
	if s.samples == nil {
		http.Error(w, "sample log not configured", http.StatusServiceUnavailable)
		return
	}
	from, to, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	list, err := s.samples.List(r.Context(), r.PathValue("id"), r.PathValue("remote"), from, to)
	if err != nil {
		s.internalError(w, r, http.StatusInternalServerError, err)
		return
	}
	type sampleView struct {
		Value float64   `json:"value"`
		At    time.Time `json:"at"`
	}
	views := make([]sampleView, 0, len(list))
	for _, sample := range list {
		views = append(views, sampleView{Value: sample.Value, At: sample.At})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) alert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Alert *monitor.Alert `json:"alert"`
	}
	if alert, ok := s.monitor.Alerts().Pending(r.PathValue("id")); ok {
		body.Alert = &alert
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) dismissAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dismissed := s.monitor.Alerts().Dismiss(id)
	writeJSON(w, http.StatusOK, map[string]bool{"dismissed": dismissed})
	if dismissed {
		s.logAudit(r, audit.ActionAlertDismiss, id, "", nil)
	}
}
