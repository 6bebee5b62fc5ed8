package apihttp

import (
	"net/http"

	"minifarm-monitor/internal/export"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (s *Server) buildReport(w http.ResponseWriter, r *http.Request) (export.Report, bool) {
	id := r.PathValue("id")
	tree, ok := s.monitor.Tree(id)
	if !ok {
		http.Error(w, "device not monitored", http.StatusNotFound)
		return export.Report{}, false
	}
	report := export.Report{
		DeviceID:    id,
		GeneratedAt: s.now().UTC(),
		Live:        s.monitor.Cache().Snapshot(id),
		Actuations:  s.tracker.Results(id),
	}
	for _, def := range tree.Sensors {
		values := s.monitor.History().History(id, def.Remote)
		report.Sensors = append(report.Sensors, export.SensorSeries{
			Remote:    def.Remote,
			Canonical: def.Canonical,
			Values:    values,
			Stats:     s.monitor.History().Stats(id, def.Remote),
		})
	}
	if alert, ok := s.monitor.Alerts().Pending(id); ok {
		report.Alert = &alert
	}
	return report, true
}

func (s *Server) exportXLSX(w http.ResponseWriter, r *http.Request) {
	report, ok := s.buildReport(w, r)
	if !ok {
		return
	}
	data, err := export.BuildXLSX(report)
	if err != nil {
		s.internalError(w, r, http.StatusInternalServerError, err)
		return
	}
	attachment(w, xlsxContentType, report.DeviceID+".xlsx")
	_, _ = w.Write(data)
}

func (s *Server) exportPDF(w http.ResponseWriter, r *http.Request) {
	report, ok := s.buildReport(w, r)
	if !ok {
		return
	}
	data, err := export.BuildPDF(report)
	if err != nil {
		s.internalError(w, r, http.StatusInternalServerError, err)
		return
	}
	attachment(w, "application/pdf", report.DeviceID+".pdf")
	_, _ = w.Write(data)
}
