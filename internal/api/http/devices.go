package apihttp

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"minifarm-monitor/internal/audit"
	devices "minifarm-monitor/internal/devices/domain"
	"minifarm-monitor/internal/onem2m"
	resources "minifarm-monitor/internal/resources/domain"
)

const registryLookupLimit = 8

type deviceView struct {
	ID           string    `json:"device_id"`
	RegisteredAt time.Time `json:"registered_at"`
	Active       bool      `json:"active"`
	Sensors      int       `json:"sensor_loops"`
	Actuators    int       `json:"actuator_loops"`
}

type resourceView struct {
	Remote     string `json:"remote"`
	Canonical  string `json:"canonical"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
}

type treeView struct {
	DeviceID  string         `json:"device_id"`
	Sensors   []resourceView `json:"sensors"`
	Actuators []resourceView `json:"actuators"`
	Inference []resourceView `json:"inference"`
}

type definitionView struct {
	Category string `json:"category"`
	resourceView
}

func newTreeView(deviceID string, tree resources.Tree) treeView {
	view := treeView{
		DeviceID:  deviceID,
		Sensors:   make([]resourceView, 0, len(tree.Sensors)),
		Actuators: make([]resourceView, 0, len(tree.Actuators)),
		Inference: make([]resourceView, 0, len(tree.Inference)),
	}
	for _, def := range tree.Sensors {
		view.Sensors = append(view.Sensors, resourceView{Remote: def.Remote, Canonical: def.Canonical, IntervalMs: def.Interval.Milliseconds()})
	}
	for _, def := range tree.Actuators {
		view.Actuators = append(view.Actuators, resourceView{Remote: def.Remote, Canonical: def.Canonical})
	}
	for _, def := range tree.Inference {
		view.Inference = append(view.Inference, resourceView{Remote: def.Remote, Canonical: def.Canonical})
	}
	return view
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	list, err := s.devices.List(r.Context())
	if err != nil {
		s.internalError(w, r, http.StatusInternalServerError, err)
		return
	}
	views := make([]deviceView, 0, len(list))
	for _, d := range list {
		sensors, actuators := s.monitor.Loops(d.ID)
		views = append(views, deviceView{
			ID:           d.ID,
			RegisteredAt: d.RegisteredAt,
			Active:       s.monitor.IsActive(d.ID),
			Sensors:      sensors,
			Actuators:    actuators,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	device, err := s.devices.Add(r.Context(), req.DeviceID)
	if errors.Is(err, devices.ErrInvalidDeviceID) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.internalError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, device)
	s.logAudit(r, audit.ActionDeviceRegister, device.ID, "", nil)
}

func (s *Server) removeDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.monitor.Stop(id)
	s.monitor.Cache().Forget(id)
	s.monitor.History().Forget(id)
	s.monitor.Alerts().Dismiss(id)

	removed, err := s.devices.Remove(r.Context(), id)
	if err != nil {
		s.internalError(w, r, http.StatusInternalServerError, err)
		return
	}
	if !removed {
		http.Error(w, "device not registered", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	s.logAudit(r, audit.ActionDeviceRemove, id, "", nil)
}

// registryDevices lists the AEs on the CSE with their location labels.
// A device whose AE cannot be read is listed without details.
func (s *Server) registryDevices(w http.ResponseWriter, r *http.Request) {
	ids, err := s.registry.ListDevices(r.Context())
	if err != nil {
		s.internalError(w, r, http.StatusBadGateway, err)
		return
	}
	var (
		mu  sync.Mutex
		out = make([]onem2m.Device, 0, len(ids))
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(registryLookupLimit)
	for _, id := range ids {
		g.Go(func() error {
			device, err := s.registry.Device(ctx, id)
			if err != nil {
				device = onem2m.Device{ID: id}
			}
			mu.Lock()
			out = append(out, device)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tree, err := s.reconciler.Reconcile(r.Context(), id)
	if errors.Is(err, resources.ErrNoResources) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, r, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, newTreeView(id, tree))
	s.logAudit(r, audit.ActionDeviceReconcile, id, "", map[string]any{
		"sensors":   len(tree.Sensors),
		"actuators": len(tree.Actuators),
		"inference": len(tree.Inference),
	})
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.monitor.Pause(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tree, err := s.reconciler.Resume(r.Context(), id)
	if errors.Is(err, resources.ErrNoResources) {
		http.Error(w, "device has no stored resources; reconcile first", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, newTreeView(id, tree))
}

func (s *Server) listDefinitions(w http.ResponseWriter, r *http.Request) {
	var category resources.Category
	if value := r.URL.Query().Get("category"); value != "" {
		parsed, ok := resources.ParseCategory(value)
		if !ok {
			http.Error(w, "unknown category", http.StatusBadRequest)
			return
		}
		category = parsed
	}
	defs, err := s.definitions.List(r.Context(), r.PathValue("id"), category)
	if err != nil {
		s.internalError(w, r, http.StatusInternalServerError, err)
		return
	}
	views := make([]definitionView, 0, len(defs))
	for _, def := range defs {
		views = append(views, definitionView{
			Category: string(def.Category),
			resourceView: resourceView{
				Remote:     def.Remote,
				Canonical:  def.Canonical,
				IntervalMs: def.Interval.Milliseconds(),
			},
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// provision creates containers on the CSE, then re-reconciles a device
// that is being monitored so its loops pick them up.
func (s *Server) provision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Category string   `json:"category"`
		Names    []string `json:"names"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	category, ok := resources.ParseCategory(req.Category)
	if !ok {
		http.Error(w, "unknown category", http.StatusBadRequest)
		return
	}
	names := make([]string, 0, len(req.Names))
	for _, name := range req.Names {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		http.Error(w, "names required", http.StatusBadRequest)
		return
	}
	if err := s.registry.Provision(r.Context(), id, category.Segment(), names); err != nil {
		s.internalError(w, r, http.StatusBadGateway, err)
		return
	}
	if s.monitor.IsActive(id) {
		if _, err := s.reconciler.Reconcile(r.Context(), id); err != nil {
			s.logger.Printf("api provision reconcile failed: device=%s err=%v", id, err)
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"device_id": id, "category": category, "names": names})
	s.logAudit(r, audit.ActionDeviceProvision, id, string(category), map[string]any{"names": names})
}
