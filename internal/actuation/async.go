package actuation

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"minifarm-monitor/internal/mqttadapter"
	"minifarm-monitor/internal/observability/metrics"
	resources "minifarm-monitor/internal/resources/domain"
)

// Publisher is the MQTT surface of the asynchronous path.
type Publisher interface {
	PublishCreateContentInstance(ctx context.Context, to, content, requestID string) error
	PublishCreateSubscription(ctx context.Context, to string) (string, error)
}

type pendingCommand struct {
	result  Result
	started time.Time
}

// AsyncCoordinator publishes commands and resolves them from correlated
// responses. Pending commands are global and outlive device stops.
type AsyncCoordinator struct {
	publisher Publisher
	path      PathFunc
	tracker   *Tracker
	monitor   Monitor
	logger    *log.Logger
	now       func() time.Time
	newID     func() string

	mu      sync.Mutex
	pending map[string]pendingCommand
}

// NewAsyncCoordinator constructs the MQTT command path. monitor may be nil.
func NewAsyncCoordinator(publisher Publisher, path PathFunc, tracker *Tracker, monitor Monitor, logger *log.Logger) (*AsyncCoordinator, error) {
	if publisher == nil || path == nil || tracker == nil {
		return nil, errors.New("actuation: nil dependency")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &AsyncCoordinator{
		publisher: publisher,
		path:      path,
		tracker:   tracker,
		monitor:   monitor,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
		pending:   make(map[string]pendingCommand),
	}, nil
}

// Mode returns ModeMQTT.
func (c *AsyncCoordinator) Mode() string { return ModeMQTT }

// Command publishes a create request and returns the sent result. The
// actuator stays busy until HandleResponse or ExpirePending resolves it.
func (c *AsyncCoordinator) Command(ctx context.Context, deviceID, remote, value string) (Result, error) {
	if err := validateCommand(deviceID, remote, value); err != nil {
		return Result{}, err
	}
	if !c.tracker.acquire(deviceID, remote) {
		return Result{}, ErrBusy
	}
	metrics.IncCommandIssued(ModeMQTT)

	start := c.now()
	res := Result{
		RequestID: c.newID(),
		DeviceID:  deviceID,
		Remote:    remote,
		Value:     value,
		Mode:      ModeMQTT,
		Status:    StatusSent,
		IssuedAt:  start.UTC(),
	}
	c.tracker.begin(ctx, res)
	c.mu.Lock()
	c.pending[res.RequestID] = pendingCommand{result: res, started: start}
	metrics.SetPendingCommands(len(c.pending))
	c.mu.Unlock()

	err := c.publisher.PublishCreateContentInstance(ctx, c.path(deviceID, actuatorSegment, remote), value, res.RequestID)
	if err == nil {
		return res, nil
	}
	if _, ok := c.take(res.RequestID); !ok {
		// Resolved by a response that raced the publish error.
		return res, nil
	}
	res.Status = StatusFailed
	res.Error = err.Error()
	res.Total = c.now().Sub(start)
	res.CompletedAt = c.now().UTC()
	c.tracker.release(deviceID, remote)
	c.tracker.complete(ctx, res)
	return res, nil
}

// HandleResponse resolves the pending command with the response's
// correlation id. Unknown ids are ignored.
func (c *AsyncCoordinator) HandleResponse(ctx context.Context, evt mqttadapter.ResponseReceived) error {
	if evt.IsSubscription() {
		if evt.Success() || evt.ResultCode == mqttadapter.RSCAlreadyExists {
			c.logger.Printf("actuation subscription ok: request=%s rsc=%d", evt.RequestID, evt.ResultCode)
		} else {
			c.logger.Printf("actuation subscription rejected: request=%s rsc=%d", evt.RequestID, evt.ResultCode)
		}
		return nil
	}
	entry, ok := c.take(evt.RequestID)
	if !ok {
		return nil
	}
	res := entry.result
	res.Total = c.now().Sub(entry.started)
	res.ResultCode = evt.ResultCode
	res.CompletedAt = c.now().UTC()
	if evt.Success() {
		res.Status, res.OK = StatusAcked, true
	} else {
		res.Status = StatusFailed
	}
	c.tracker.release(res.DeviceID, res.Remote)
	c.tracker.complete(ctx, res)

	if c.monitor == nil || !c.monitor.IsActive(res.DeviceID) {
		return nil
	}
	if err := c.monitor.RefreshActuator(ctx, res.DeviceID, res.Remote); err != nil {
		c.logger.Printf("actuation refresh failed: device=%s remote=%s err=%v", res.DeviceID, res.Remote, err)
	}
	return nil
}

// Subscribe requests notifications for every resource container of tree.
// It returns the subscription correlation ids that were published.
func (c *AsyncCoordinator) Subscribe(ctx context.Context, deviceID string, tree resources.Tree) ([]string, error) {
	var targets []string
	for _, def := range tree.Definitions(deviceID) {
		targets = append(targets, c.path(deviceID, def.Category.Segment(), def.Remote))
	}
	var (
		ids  []string
		errs []error
	)
	for _, target := range targets {
		rqi, err := c.publisher.PublishCreateSubscription(ctx, target)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, rqi)
	}
	return ids, errors.Join(errs...)
}

// ExpirePending marks commands issued before cutoff as timed out and
// clears their busy flag.
func (c *AsyncCoordinator) ExpirePending(ctx context.Context, cutoff time.Time) int {
	c.mu.Lock()
	var expired []pendingCommand
	for id, entry := range c.pending {
		if entry.started.Before(cutoff) {
			expired = append(expired, entry)
			delete(c.pending, id)
		}
	}
	metrics.SetPendingCommands(len(c.pending))
	c.mu.Unlock()

	for _, entry := range expired {
		res := entry.result
		res.Status = StatusTimeout
		res.Error = "no response before expiry"
		res.Total = c.now().Sub(entry.started)
		res.CompletedAt = c.now().UTC()
		c.tracker.release(res.DeviceID, res.Remote)
		c.tracker.complete(ctx, res)
	}
	return len(expired)
}

// Pending returns the number of unresolved commands.
func (c *AsyncCoordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *AsyncCoordinator) take(requestID string) (pendingCommand, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
		metrics.SetPendingCommands(len(c.pending))
	}
	return entry, ok
}
