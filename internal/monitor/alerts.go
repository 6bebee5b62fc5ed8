package monitor

import (
	"strings"
	"sync"
	"time"
)

const unhealthyPrefix = "unhealthy_"

// Alert is a pending plant health alert.
type Alert struct {
	DeviceID   string    `json:"device_id"`
	Species    string    `json:"species"`
	Labels     []string  `json:"labels"`
	DetectedAt time.Time `json:"detected_at"`
}

// AlertBoard tracks at most one pending health alert per device.
// A new detection overwrites the pending one; Dismiss clears it.
type AlertBoard struct {
	mu     sync.Mutex
	alerts map[string]Alert
	now    func() time.Time
}

// NewAlertBoard constructs an empty board.
func NewAlertBoard() *AlertBoard {
	return &AlertBoard{alerts: make(map[string]Alert), now: time.Now}
}

// Observe scans labels for the first "unhealthy_<species>" entry.
func (b *AlertBoard) Observe(deviceID string, labels []string) (Alert, bool) {
	species, ok := unhealthySpecies(labels)
	if !ok {
		return Alert{}, false
	}
	alert := Alert{
		DeviceID:   deviceID,
		Species:    species,
		Labels:     append([]string(nil), labels...),
		DetectedAt: b.now().UTC(),
	}
	b.mu.Lock()
	b.alerts[deviceID] = alert
	b.mu.Unlock()
	return alert, true
}

// Pending returns the alert awaiting acknowledgement, if any.
func (b *AlertBoard) Pending(deviceID string) (Alert, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	alert, ok := b.alerts[deviceID]
	return alert, ok
}

// Dismiss clears the pending alert. It reports whether one was pending.
func (b *AlertBoard) Dismiss(deviceID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.alerts[deviceID]
	delete(b.alerts, deviceID)
	return ok
}

func unhealthySpecies(labels []string) (string, bool) {
	for _, label := range labels {
		label = strings.TrimSpace(label)
		if len(label) <= len(unhealthyPrefix) {
			continue
		}
		if strings.EqualFold(label[:len(unhealthyPrefix)], unhealthyPrefix) {
			return label[len(unhealthyPrefix):], true
		}
	}
	return "", false
}
