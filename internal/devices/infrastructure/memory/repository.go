package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	devices "minifarm-monitor/internal/devices/domain"
)

// Repository keeps registered devices in process memory.
type Repository struct {
	mu      sync.Mutex
	devices map[string]devices.Device
	now     func() time.Time
}

// NewRepository constructs an empty repository.
func NewRepository() *Repository {
	return &Repository{devices: make(map[string]devices.Device), now: time.Now}
}

func (r *Repository) Add(_ context.Context, id string) (devices.Device, error) {
	id, err := devices.NormalizeID(id)
	if err != nil {
		return devices.Device{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.devices[id]; ok {
		return existing, nil
	}
	device := devices.Device{ID: id, RegisteredAt: r.now().UTC()}
	r.devices[id] = device
	return device, nil
}

func (r *Repository) Remove(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; !ok {
		return false, nil
	}
	delete(r.devices, id)
	return true, nil
}

// List returns devices ordered by id.
func (r *Repository) List(context.Context) ([]devices.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]devices.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Repository) Clear(context.Context) error {
	r.mu.Lock()
	r.devices = make(map[string]devices.Device)
	r.mu.Unlock()
	return nil
}
