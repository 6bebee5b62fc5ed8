package monitor

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	resources "minifarm-monitor/internal/resources/domain"
)

const (
	// DefaultWindow is the time span each history buffer aims to cover.
	DefaultWindow = 20 * time.Minute

	minCapacity = 10
	maxCapacity = 240
)

// Stats summarizes a history buffer. Defined is false for an empty
// buffer, in which case the fields hold NaN.
type Stats struct {
	Mean    float64 `json:"mean"`
	Max     float64 `json:"max"`
	Min     float64 `json:"min"`
	Defined bool    `json:"defined"`
}

// MarshalJSON renders undefined stats as nulls; JSON has no NaN.
func (s Stats) MarshalJSON() ([]byte, error) {
	if !s.Defined {
		return []byte(`{"mean":null,"max":null,"min":null,"defined":false}`), nil
	}
	type plain Stats
	return json.Marshal(plain(s))
}

type seriesKey struct {
	device string
	remote string
}

type series struct {
	interval  time.Duration
	values    []float64
	observers map[uint64]func([]float64)
	// notify serializes observer delivery so updates arrive in order.
	notify sync.Mutex
}

// HistoryManager keeps a bounded FIFO of numeric samples per sensor.
type HistoryManager struct {
	window time.Duration

	mu     sync.Mutex
	series map[seriesKey]*series
	nextID uint64
}

// NewHistoryManager constructs a manager; window <= 0 uses DefaultWindow.
func NewHistoryManager(window time.Duration) *HistoryManager {
	if window <= 0 {
		window = DefaultWindow
	}
	return &HistoryManager{window: window, series: make(map[seriesKey]*series)}
}

// Capacity returns clamp(ceil(window/interval), 10, 240).
func (h *HistoryManager) Capacity(interval time.Duration) int {
	if interval <= 0 {
		interval = resources.DefaultSensorInterval
	}
	n := int64(h.window / interval)
	if h.window%interval != 0 {
		n++
	}
	if n < minCapacity {
		return minCapacity
	}
	if n > maxCapacity {
		return maxCapacity
	}
	return int(n)
}

// RegisterInterval records the polling interval of a sensor and trims the
// buffer if its capacity shrank.
func (h *HistoryManager) RegisterInterval(deviceID, remote string, interval time.Duration) {
	h.mu.Lock()
	s := h.seriesLocked(deviceID, remote)
	s.interval = interval
	s.values = trimOldest(s.values, h.Capacity(interval))
	h.mu.Unlock()
}

// Record appends a sample, evicting the oldest beyond capacity.
func (h *HistoryManager) Record(deviceID, remote string, value float64) {
	h.mu.Lock()
	s := h.seriesLocked(deviceID, remote)
	s.values = trimOldest(append(s.values, value), h.Capacity(s.interval))
	h.publishLocked(s)
}

// Replace swaps the whole buffer, keeping the newest values that fit.
func (h *HistoryManager) Replace(deviceID, remote string, values []float64) {
	h.mu.Lock()
	s := h.seriesLocked(deviceID, remote)
	s.values = trimOldest(append([]float64(nil), values...), h.Capacity(s.interval))
	h.publishLocked(s)
}

// History returns a copy of the buffer, oldest first.
func (h *HistoryManager) History(deviceID, remote string) []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.series[seriesKey{deviceID, remote}]
	if !ok {
		return nil
	}
	return append([]float64(nil), s.values...)
}

// Observe registers fn to receive a snapshot after every update. fn must
// not record into the same series. The returned func unregisters it.
func (h *HistoryManager) Observe(deviceID, remote string, fn func([]float64)) func() {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	s := h.seriesLocked(deviceID, remote)
	h.nextID++
	id := h.nextID
	s.observers[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(s.observers, id)
			h.mu.Unlock()
		})
	}
}

// Stats computes mean, max and min of the buffer.
func (h *HistoryManager) Stats(deviceID, remote string) Stats {
	return StatsOf(h.History(deviceID, remote))
}

// Forget drops every series of a device.
func (h *HistoryManager) Forget(deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.series {
		if key.device == deviceID {
			delete(h.series, key)
		}
	}
}

func (h *HistoryManager) seriesLocked(deviceID, remote string) *series {
	key := seriesKey{deviceID, remote}
	s, ok := h.series[key]
	if !ok {
		s = &series{observers: make(map[uint64]func([]float64))}
		h.series[key] = s
	}
	return s
}

// publishLocked releases h.mu and delivers the new snapshot.
func (h *HistoryManager) publishLocked(s *series) {
	if len(s.observers) == 0 {
		h.mu.Unlock()
		return
	}
	snapshot := append([]float64(nil), s.values...)
	observers := make([]func([]float64), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.notify.Lock()
	h.mu.Unlock()
	defer s.notify.Unlock()
	for _, fn := range observers {
		fn(snapshot)
	}
}

func trimOldest(values []float64, capacity int) []float64 {
	if len(values) <= capacity {
		return values
	}
	return append([]float64(nil), values[len(values)-capacity:]...)
}

// StatsOf computes summary statistics of values.
func StatsOf(values []float64) Stats {
	if len(values) == 0 {
		nan := math.NaN()
		return Stats{Mean: nan, Max: nan, Min: nan}
	}
	sum, maxV, minV := 0.0, values[0], values[0]
	for _, v := range values {
		sum += v
		if v > maxV {
			maxV = v
		}
		if v < minV {
			minV = v
		}
	}
	return Stats{Mean: sum / float64(len(values)), Max: maxV, Min: minV, Defined: true}
}
