package actuation

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"minifarm-monitor/internal/observability/metrics"
)

const (
	defaultSyncTimeout  = 4 * time.Second
	defaultPollInterval = 150 * time.Millisecond
	actuatorSegment     = "Actuators"
)

// Registry is the HTTP registry surface of the synchronous path.
type Registry interface {
	CreateContentInstance(ctx context.Context, path, content string) error
	StateTag(ctx context.Context, path string) (int, bool, error)
	Latest(ctx context.Context, path string) (string, error)
}

// SyncCoordinator writes a value and polls until the actuator reports it.
type SyncCoordinator struct {
	registry Registry
	path     PathFunc
	tracker  *Tracker
	monitor  Monitor
	logger   *log.Logger

	timeout      time.Duration
	pollInterval time.Duration
	now          func() time.Time
	newID        func() string
}

// SyncOption configures a SyncCoordinator.
type SyncOption func(*SyncCoordinator)

// WithTimeout overrides the confirmation deadline.
func WithTimeout(timeout time.Duration) SyncOption {
	return func(c *SyncCoordinator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithPollInterval overrides the confirmation poll period.
func WithPollInterval(interval time.Duration) SyncOption {
	return func(c *SyncCoordinator) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithSyncLogger sets the logger.
func WithSyncLogger(logger *log.Logger) SyncOption {
	return func(c *SyncCoordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewSyncCoordinator constructs the HTTP command path. monitor may be nil.
func NewSyncCoordinator(registry Registry, path PathFunc, tracker *Tracker, monitor Monitor, opts ...SyncOption) (*SyncCoordinator, error) {
	if registry == nil || path == nil || tracker == nil {
		return nil, errors.New("actuation: nil dependency")
	}
	c := &SyncCoordinator{
		registry:     registry,
		path:         path,
		tracker:      tracker,
		monitor:      monitor,
		logger:       log.Default(),
		timeout:      defaultSyncTimeout,
		pollInterval: defaultPollInterval,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Mode returns ModeHTTP.
func (c *SyncCoordinator) Mode() string { return ModeHTTP }

// Command writes value and waits for the actuator to report it. Failed
// writes and deadlines are terminal results, not errors.
func (c *SyncCoordinator) Command(ctx context.Context, deviceID, remote, value string) (Result, error) {
	if err := validateCommand(deviceID, remote, value); err != nil {
		return Result{}, err
	}
	if !c.tracker.acquire(deviceID, remote) {
		return Result{}, ErrBusy
	}
	defer c.tracker.release(deviceID, remote)
	metrics.IncCommandIssued(ModeHTTP)

	start := c.now()
	res := Result{
		RequestID: c.newID(),
		DeviceID:  deviceID,
		Remote:    remote,
		Value:     value,
		Mode:      ModeHTTP,
		Status:    StatusSent,
		IssuedAt:  start.UTC(),
	}
	c.tracker.begin(ctx, res)
	path := c.path(deviceID, actuatorSegment, remote)

	if err := c.registry.CreateContentInstance(ctx, path, value); err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		res.HTTP = c.now().Sub(start)
		res.Total = res.HTTP
		res.CompletedAt = c.now().UTC()
		c.tracker.complete(ctx, res)
		return res, nil
	}
	res.HTTP = c.now().Sub(start)

	matched, observed, err := c.awaitValue(ctx, path, normalize(value), start.Add(c.timeout))
	res.FinalValue = observed
	res.Observed = c.now().Sub(start)
	res.Total = res.Observed
	res.CompletedAt = c.now().UTC()
	switch {
	case matched:
		res.Status, res.OK = StatusAcked, true
	case err != nil:
		res.Status = StatusFailed
		res.Error = err.Error()
	default:
		res.Status = StatusTimeout
		res.Error = "value not confirmed before deadline"
	}
	c.tracker.complete(ctx, res)

	if c.monitor != nil && ctx.Err() == nil {
		if err := c.monitor.RefreshActuator(ctx, deviceID, remote); err != nil {
			c.logger.Printf("actuation refresh failed: device=%s remote=%s err=%v", deviceID, remote, err)
		}
	}
	return res, err
}

// awaitValue polls until the normalized latest value equals target. It
// returns the caller's context error when that context ends first.
func (c *SyncCoordinator) awaitValue(ctx context.Context, path, target string, deadline time.Time) (bool, string, error) {
	pollCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var (
		observed string
		fetched  bool
		lastTag  int
		tagKnown bool
	)
	for {
		st, available, err := c.registry.StateTag(pollCtx, path)
		if err != nil {
			available = false
		}
		if !fetched || !available || !tagKnown || st != lastTag {
			value, err := c.registry.Latest(pollCtx, path)
			if err == nil {
				observed, fetched = strings.TrimSpace(value), true
				if available {
					lastTag, tagKnown = st, true
				}
				if normalize(value) == target {
					return true, observed, nil
				}
			}
		}
		select {
		case <-pollCtx.Done():
			if err := ctx.Err(); err != nil {
				return false, observed, err
			}
			return false, observed, nil
		case <-ticker.C:
		}
	}
}
