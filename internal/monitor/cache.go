package monitor

import (
	"sync"
	"time"
)

// InferenceResult is the latest label set produced by an inference resource.
type InferenceResult struct {
	Timestamp string   `json:"timestamp,omitempty"`
	Labels    []string `json:"labels"`
}

// Snapshot is a copy of a device's live values.
type Snapshot struct {
	DeviceID   string                     `json:"device_id"`
	Sensors    map[string]float64         `json:"sensors"`
	SensorText map[string]string          `json:"sensor_text"`
	Actuators  map[string]string          `json:"actuators"`
	Inference  map[string]InferenceResult `json:"inference"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

type deviceValues struct {
	sensors    map[string]float64
	sensorText map[string]string
	actuators  map[string]string
	inference  map[string]InferenceResult
	updatedAt  time.Time
}

// LiveCache holds the last observed value of every resource, last write wins.
type LiveCache struct {
	mu      sync.RWMutex
	devices map[string]*deviceValues
	now     func() time.Time
}

// NewLiveCache constructs an empty cache.
func NewLiveCache() *LiveCache {
	return &LiveCache{devices: make(map[string]*deviceValues), now: time.Now}
}

func (c *LiveCache) deviceLocked(deviceID string) *deviceValues {
	d, ok := c.devices[deviceID]
	if !ok {
		d = &deviceValues{
			sensors:    make(map[string]float64),
			sensorText: make(map[string]string),
			actuators:  make(map[string]string),
			inference:  make(map[string]InferenceResult),
		}
		c.devices[deviceID] = d
	}
	d.updatedAt = c.now().UTC()
	return d
}

// SetSensor stores a numeric sensor value.
func (c *LiveCache) SetSensor(deviceID, remote string, value float64) {
	c.mu.Lock()
	d := c.deviceLocked(deviceID)
	d.sensors[remote] = value
	delete(d.sensorText, remote)
	c.mu.Unlock()
}

// SetSensorText stores a sensor value that is not numeric.
func (c *LiveCache) SetSensorText(deviceID, remote, value string) {
	c.mu.Lock()
	d := c.deviceLocked(deviceID)
	d.sensorText[remote] = value
	delete(d.sensors, remote)
	c.mu.Unlock()
}

// SetActuator stores the observed actuator state.
func (c *LiveCache) SetActuator(deviceID, remote, value string) {
	c.mu.Lock()
	c.deviceLocked(deviceID).actuators[remote] = value
	c.mu.Unlock()
}

// SetInference stores an inference result.
func (c *LiveCache) SetInference(deviceID, remote string, result InferenceResult) {
	result.Labels = append([]string(nil), result.Labels...)
	c.mu.Lock()
	c.deviceLocked(deviceID).inference[remote] = result
	c.mu.Unlock()
}

// Sensor returns the numeric value of a sensor.
func (c *LiveCache) Sensor(deviceID, remote string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[deviceID]
	if !ok {
		return 0, false
	}
	v, ok := d.sensors[remote]
	return v, ok
}

// Actuator returns the observed actuator state.
func (c *LiveCache) Actuator(deviceID, remote string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[deviceID]
	if !ok {
		return "", false
	}
	v, ok := d.actuators[remote]
	return v, ok
}

// Snapshot copies every live value of a device.
func (c *LiveCache) Snapshot(deviceID string) Snapshot {
	snap := Snapshot{
		DeviceID:   deviceID,
		Sensors:    map[string]float64{},
		SensorText: map[string]string{},
		Actuators:  map[string]string{},
		Inference:  map[string]InferenceResult{},
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[deviceID]
	if !ok {
		return snap
	}
	for k, v := range d.sensors {
		snap.Sensors[k] = v
	}
	for k, v := range d.sensorText {
		snap.SensorText[k] = v
	}
	for k, v := range d.actuators {
		snap.Actuators[k] = v
	}
	for k, v := range d.inference {
		v.Labels = append([]string(nil), v.Labels...)
		snap.Inference[k] = v
	}
	snap.UpdatedAt = d.updatedAt
	return snap
}

// Forget drops a device's live values.
func (c *LiveCache) Forget(deviceID string) {
	c.mu.Lock()
	delete(c.devices, deviceID)
	c.mu.Unlock()
}
