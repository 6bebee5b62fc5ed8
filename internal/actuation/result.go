package actuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"minifarm-monitor/internal/observability/metrics"
)

const (
	StatusSent    = "sent"
	StatusAcked   = "acked"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"

	ModeHTTP = "http"
	ModeMQTT = "mqtt"
)

var (
	// ErrBusy is returned when the actuator already has a command in flight.
	ErrBusy = errors.New("actuation: actuator busy")
	// ErrUnknownDevice is returned for commands to devices without a tree.
	ErrUnknownDevice = errors.New("actuation: unknown device")
	// ErrUnknownActuator is returned when the tree has no such actuator.
	ErrUnknownActuator = errors.New("actuation: unknown actuator")
	// ErrInvalidCommand wraps malformed command arguments.
	ErrInvalidCommand = errors.New("actuation: invalid command")
)

// Result describes the latest command issued to one actuator.
type Result struct {
	RequestID   string
	DeviceID    string
	Remote      string
	Value       string
	Mode        string
	Status      string
	OK          bool
	Total       time.Duration
	HTTP        time.Duration
	Observed    time.Duration
	FinalValue  string
	ResultCode  int
	Error       string
	IssuedAt    time.Time
	CompletedAt time.Time
}

// Pending reports whether the command is still awaiting resolution.
func (r Result) Pending() bool {
	return r.Status == StatusSent
}

// MarshalJSON renders durations in milliseconds.
func (r Result) MarshalJSON() ([]byte, error) {
	type view struct {
		RequestID   string     `json:"request_id"`
		DeviceID    string     `json:"device_id"`
		Remote      string     `json:"remote"`
		Value       string     `json:"value"`
		Mode        string     `json:"mode"`
		Status      string     `json:"status"`
		OK          bool       `json:"ok"`
		TotalMs     int64      `json:"total_ms"`
		HTTPMs      int64      `json:"http_ms"`
		ObservedMs  int64      `json:"observed_ms"`
		FinalValue  string     `json:"final_value,omitempty"`
		ResultCode  int        `json:"result_code,omitempty"`
		Error       string     `json:"error,omitempty"`
		IssuedAt    time.Time  `json:"issued_at"`
		CompletedAt *time.Time `json:"completed_at,omitempty"`
	}
	v := view{
		RequestID:  r.RequestID,
		DeviceID:   r.DeviceID,
		Remote:     r.Remote,
		Value:      r.Value,
		Mode:       r.Mode,
		Status:     r.Status,
		OK:         r.OK,
		TotalMs:    r.Total.Milliseconds(),
		HTTPMs:     r.HTTP.Milliseconds(),
		ObservedMs: r.Observed.Milliseconds(),
		FinalValue: r.FinalValue,
		ResultCode: r.ResultCode,
		Error:      r.Error,
		IssuedAt:   r.IssuedAt,
	}
	if !r.CompletedAt.IsZero() {
		completed := r.CompletedAt
		v.CompletedAt = &completed
	}
	return json.Marshal(v)
}

// Commander issues a value to an actuator.
type Commander interface {
	Command(ctx context.Context, deviceID, remote, value string) (Result, error)
	Mode() string
}

// CommandLog persists resolved commands.
type CommandLog interface {
	Record(ctx context.Context, result Result) error
}

// Monitor is the slice of the polling scheduler commands feed back into.
type Monitor interface {
	RefreshActuator(ctx context.Context, deviceID, remote string) error
	IsActive(deviceID string) bool
}

// PathFunc builds the registry path of a container.
type PathFunc func(deviceID, segment, remote string) string

type actuatorKey struct {
	device string
	remote string
}

// Tracker holds the busy set and the latest result per actuator.
type Tracker struct {
	mu      sync.Mutex
	busy    map[actuatorKey]struct{}
	results map[actuatorKey]Result

	log    CommandLog
	logger *log.Logger
}

// NewTracker constructs a Tracker. commandLog may be nil.
func NewTracker(commandLog CommandLog, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{
		busy:    make(map[actuatorKey]struct{}),
		results: make(map[actuatorKey]Result),
		log:     commandLog,
		logger:  logger,
	}
}

func (t *Tracker) acquire(deviceID, remote string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := actuatorKey{deviceID, remote}
	if _, ok := t.busy[key]; ok {
		return false
	}
	t.busy[key] = struct{}{}
	return true
}

func (t *Tracker) release(deviceID, remote string) {
	t.mu.Lock()
	delete(t.busy, actuatorKey{deviceID, remote})
	t.mu.Unlock()
}

// IsBusy reports whether remote has an unresolved command.
func (t *Tracker) IsBusy(deviceID, remote string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.busy[actuatorKey{deviceID, remote}]
	return ok
}

// Busy lists the busy actuators of a device, sorted.
func (t *Tracker) Busy(deviceID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for key := range t.busy {
		if key.device == deviceID {
			out = append(out, key.remote)
		}
	}
	sort.Strings(out)
	return out
}

// Latest returns the last result of one actuator.
func (t *Tracker) Latest(deviceID, remote string) (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	res, ok := t.results[actuatorKey{deviceID, remote}]
	return res, ok
}

// Results lists the last result of every actuator of a device by remote.
func (t *Tracker) Results(deviceID string) []Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Result
	for key, res := range t.results {
		if key.device == deviceID {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remote < out[j].Remote })
	return out
}

func (t *Tracker) put(res Result) {
	t.mu.Lock()
	t.results[actuatorKey{res.DeviceID, res.Remote}] = res
	t.mu.Unlock()
}

// begin stores and logs a freshly issued command.
func (t *Tracker) begin(ctx context.Context, res Result) {
	t.put(res)
	t.record(ctx, res)
}

// complete stores a terminal result, counts it and writes the command log.
func (t *Tracker) complete(ctx context.Context, res Result) {
	t.put(res)
	metrics.ObserveCommandResult(res.Mode, res.Status, res.Total)
	t.logger.Printf("actuation %s: device=%s remote=%s value=%s request=%s total=%s",
		res.Status, res.DeviceID, res.Remote, res.Value, res.RequestID, res.Total)
	t.record(ctx, res)
}

func (t *Tracker) record(ctx context.Context, res Result) {
	if t.log == nil {
		return
	}
	if err := t.log.Record(ctx, res); err != nil {
		t.logger.Printf("actuation log write failed: request=%s status=%s err=%v", res.RequestID, res.Status, err)
	}
}

func validateCommand(deviceID, remote, value string) error {
	if strings.TrimSpace(deviceID) == "" {
		return fmt.Errorf("%w: device id required", ErrInvalidCommand)
	}
	if strings.TrimSpace(remote) == "" {
		return fmt.Errorf("%w: remote required", ErrInvalidCommand)
	}
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: value required", ErrInvalidCommand)
	}
	return nil
}

func normalize(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}
