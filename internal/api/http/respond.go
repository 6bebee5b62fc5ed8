package apihttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"minifarm-monitor/internal/audit"
	"minifarm-monitor/internal/auth"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeBody(r *http.Request, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.New("read body error")
	}
	defer r.Body.Close()
	if err := json.Unmarshal(body, out); err != nil {
		return errors.New("invalid json")
	}
	return nil
}

// parseRange reads the from/to RFC3339 query pair.
func parseRange(r *http.Request) (time.Time, time.Time, error) {
	fromValue := r.URL.Query().Get("from")
	toValue := r.URL.Query().Get("to")
	if fromValue == "" || toValue == "" {
		return time.Time{}, time.Time{}, errors.New("from/to required")
	}
	from, err := time.Parse(timeLayout, fromValue)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("from must be RFC3339")
	}
	to, err := time.Parse(timeLayout, toValue)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("to must be RFC3339")
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, errors.New("to must be after from")
	}
	return from, to, nil
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.logger.Printf("api %s %s failed: err=%v", r.Method, r.URL.Path, err)
	http.Error(w, http.StatusText(status), status)
}

func (s *Server) logAudit(r *http.Request, action, deviceID, target string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	var raw json.RawMessage
	if len(meta) > 0 {
		raw, _ = json.Marshal(meta)
	}
	err := s.audit.Log(r.Context(), audit.Entry{
		Actor:     auth.SubjectFromContext(r.Context()),
		Role:      string(auth.RoleFromContext(r.Context())),
		Action:    action,
		DeviceID:  deviceID,
		Target:    target,
		Metadata:  raw,
		IP:        audit.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		s.logger.Printf("api audit failed: action=%s device=%s err=%v", action, deviceID, err)
	}
}

func attachment(w http.ResponseWriter, contentType, filename string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
}
