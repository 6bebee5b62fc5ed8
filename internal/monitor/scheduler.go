package monitor

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"minifarm-monitor/internal/observability/metrics"
	"minifarm-monitor/internal/onem2m"
	resources "minifarm-monitor/internal/resources/domain"
)

const (
	defaultActuatorInterval = time.Second

	kindSensor    = "sensor"
	kindActuator  = "actuator"
	kindInference = "inference"
)

var (
	// ErrUnknownDevice is returned when a device was never started.
	ErrUnknownDevice = errors.New("monitor: unknown device")
	// ErrStopped is returned after StopAll.
	ErrStopped = errors.New("monitor: scheduler stopped")
)

// Source reads container state from the registry.
type Source interface {
	StateTag(ctx context.Context, path string) (int, bool, error)
	Latest(ctx context.Context, path string) (string, error)
	LatestInstance(ctx context.Context, path string) (onem2m.Instance, error)
	History(ctx context.Context, path string, limit int) ([]string, error)
}

// PathFunc builds the registry path of a container.
type PathFunc func(deviceID, segment, remote string) string

// Sample is one numeric sensor reading.
type Sample struct {
	DeviceID string
	Remote   string
	Value    float64
	At       time.Time
}

// SampleRecorder persists sensor readings. Failures never stop polling.
type SampleRecorder interface {
	RecordSample(ctx context.Context, sample Sample) error
}

type generation struct {
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	sensors   atomic.Int32
	actuators atomic.Int32
}

type deviceState struct {
	tree resources.Tree
	gen  *generation
}

// Scheduler owns the polling loops of every monitored device. Each Start
// replaces the device's previous generation of loops.
type Scheduler struct {
	source   Source
	path     PathFunc
	cache    *LiveCache
	history  *HistoryManager
	alerts   *AlertBoard
	samples  SampleRecorder
	notifier AlertNotifier
	logger   *log.Logger

	actuatorInterval  time.Duration
	inferenceInterval time.Duration
	sensorIntervals   map[string]time.Duration
	refreshLimit      int
	now               func() time.Time

	root       context.Context
	cancelRoot context.CancelFunc

	mu      sync.Mutex
	devices map[string]*deviceState
	stopped bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSampleRecorder enables the durable sample log.
func WithSampleRecorder(recorder SampleRecorder) Option {
	return func(s *Scheduler) {
		s.samples = recorder
	}
}

// AlertNotifier is told about every newly raised health alert.
type AlertNotifier interface {
	NotifyAlert(ctx context.Context, alert Alert)
}

// WithAlertNotifier forwards raised alerts to notifier.
func WithAlertNotifier(notifier AlertNotifier) Option {
	return func(s *Scheduler) {
		s.notifier = notifier
	}
}

// WithActuatorInterval overrides the actuator polling period.
func WithActuatorInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.actuatorInterval = interval
		}
	}
}

// WithInferenceInterval enables inference polling. Zero leaves inference
// to pushed notifications only.
func WithInferenceInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.inferenceInterval = interval
		}
	}
}

// WithSensorIntervals overrides default sensor intervals by canonical name.
func WithSensorIntervals(overrides map[string]time.Duration) Option {
	return func(s *Scheduler) {
		s.sensorIntervals = overrides
	}
}

// WithRefreshLimit bounds concurrent reads of a forced refresh.
func WithRefreshLimit(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.refreshLimit = n
		}
	}
}

// NewScheduler constructs a Scheduler.
func NewScheduler(source Source, path PathFunc, cache *LiveCache, history *HistoryManager, alerts *AlertBoard, opts ...Option) (*Scheduler, error) {
	if source == nil {
		return nil, errors.New("monitor: nil source")
	}
	if path == nil {
		return nil, errors.New("monitor: nil path func")
	}
	if cache == nil || history == nil || alerts == nil {
		return nil, errors.New("monitor: nil state store")
	}
	s := &Scheduler{
		source:           source,
		path:             path,
		cache:            cache,
		history:          history,
		alerts:           alerts,
		logger:           log.Default(),
		actuatorInterval: defaultActuatorInterval,
		refreshLimit:     8,
		now:              time.Now,
		devices:          make(map[string]*deviceState),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.root, s.cancelRoot = context.WithCancel(context.Background())
	return s, nil
}

// Cache returns the live value cache.
func (s *Scheduler) Cache() *LiveCache { return s.cache }

// History returns the history manager.
func (s *Scheduler) History() *HistoryManager { return s.history }

// Alerts returns the health alert board.
func (s *Scheduler) Alerts() *AlertBoard { return s.alerts }

// Start launches one loop per sensor and actuator of tree. Loops of a
// previous Start for the same device are cancelled and awaited first.
func (s *Scheduler) Start(deviceID string, tree resources.Tree) error {
	if deviceID == "" {
		return errors.New("monitor: empty device id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	state, ok := s.devices[deviceID]
	if !ok {
		state = &deviceState{}
		s.devices[deviceID] = state
	}
	stopGeneration(state.gen)
	state.tree = tree
	state.gen = s.launch(deviceID, tree)
	s.logger.Printf("monitor started: device=%s sensors=%d actuators=%d inference=%d",
		deviceID, len(tree.Sensors), len(tree.Actuators), len(tree.Inference))
	return nil
}

// Pause cancels the loops but keeps the tree for Resume.
func (s *Scheduler) Pause(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.devices[deviceID]
	if !ok || state.gen == nil {
		return
	}
	stopGeneration(state.gen)
	state.gen = nil
	s.logger.Printf("monitor paused: device=%s", deviceID)
}

// Resume restarts the loops of a paused device from its last tree.
func (s *Scheduler) Resume(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	state, ok := s.devices[deviceID]
	if !ok {
		return ErrUnknownDevice
	}
	if state.gen != nil {
		return nil
	}
	state.gen = s.launch(deviceID, state.tree)
	s.logger.Printf("monitor resumed: device=%s", deviceID)
	return nil
}

// Stop cancels the loops of a device and forgets its tree.
func (s *Scheduler) Stop(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.devices[deviceID]
	if !ok {
		return
	}
	stopGeneration(state.gen)
	delete(s.devices, deviceID)
	s.logger.Printf("monitor stopped: device=%s", deviceID)
}

// StopAll stops every device and rejects further starts.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.cancelRoot()
	for deviceID, state := range s.devices {
		stopGeneration(state.gen)
		delete(s.devices, deviceID)
	}
}

// Loops reports the running sensor and actuator loops of a device.
func (s *Scheduler) Loops(deviceID string) (sensors, actuators int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.devices[deviceID]
	if !ok || state.gen == nil {
		return 0, 0
	}
	return int(state.gen.sensors.Load()), int(state.gen.actuators.Load())
}

// IsActive reports whether the device has running loops.
func (s *Scheduler) IsActive(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.devices[deviceID]
	return ok && state.gen != nil
}

// ActiveDevices lists devices with running loops, sorted.
func (s *Scheduler) ActiveDevices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.devices))
	for id, state := range s.devices {
		if state.gen != nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Tree returns the tree the device was last started with.
func (s *Scheduler) Tree(deviceID string) (resources.Tree, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.devices[deviceID]
	if !ok {
		return resources.Tree{}, false
	}
	return state.tree, true
}

// launch must be called with s.mu held.
func (s *Scheduler) launch(deviceID string, tree resources.Tree) *generation {
	ctx, cancel := context.WithCancel(s.root)
	gen := &generation{cancel: cancel}
	for _, def := range tree.Sensors {
		interval := def.Interval
		if interval <= 0 {
			interval = resources.IntervalFor(def.Canonical, s.sensorIntervals)
		}
		s.history.RegisterInterval(deviceID, def.Remote, interval)
		gen.sensors.Add(1)
		gen.wg.Add(1)
		go s.sensorLoop(ctx, gen, deviceID, def.Remote, interval)
	}
	for _, def := range tree.Actuators {
		gen.actuators.Add(1)
		gen.wg.Add(1)
		go s.actuatorLoop(ctx, gen, deviceID, def.Remote)
	}
	if s.inferenceInterval > 0 {
		for _, def := range tree.Inference {
			gen.wg.Add(1)
			go s.inferenceLoop(ctx, gen, deviceID, def.Remote)
		}
	}
	return gen
}

func stopGeneration(gen *generation) {
	if gen == nil {
		return
	}
	gen.cancel()
	gen.wg.Wait()
}

func (s *Scheduler) sensorLoop(ctx context.Context, gen *generation, deviceID, remote string, interval time.Duration) {
	defer gen.wg.Done()
	defer gen.sensors.Add(-1)
	metrics.LoopStarted(kindSensor)
	defer metrics.LoopStopped(kindSensor)

	path := s.path(deviceID, resources.CategorySensor.Segment(), remote)
	tag := stateTag{}
	s.pollSensor(ctx, deviceID, remote, path, &tag)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollSensor(ctx, deviceID, remote, path, &tag)
		}
	}
}

// stateTag is the last state tag a sensor loop fetched content for.
type stateTag struct {
	value int
	known bool
}

func (s *Scheduler) pollSensor(ctx context.Context, deviceID, remote, path string, last *stateTag) {
	start := s.now()
	st, available, err := s.source.StateTag(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		available = false
	}
	if available && last.known && last.value == st {
		metrics.ObservePoll(kindSensor, metrics.ResultSkipped, 0)
		return
	}
	value, err := s.source.Latest(ctx, path)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		metrics.ObservePoll(kindSensor, metrics.ResultError, s.now().Sub(start))
		s.logger.Printf("monitor sensor poll failed: device=%s remote=%s err=%v", deviceID, remote, err)
		return
	}
	if available {
		last.value, last.known = st, true
	}
	s.applySensor(ctx, deviceID, remote, value, true)
	metrics.ObservePoll(kindSensor, metrics.ResultSuccess, s.now().Sub(start))
}

func (s *Scheduler) actuatorLoop(ctx context.Context, gen *generation, deviceID, remote string) {
	defer gen.wg.Done()
	defer gen.actuators.Add(-1)
	metrics.LoopStarted(kindActuator)
	defer metrics.LoopStopped(kindActuator)

	s.pollActuator(ctx, deviceID, remote)

	ticker := time.NewTicker(s.actuatorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollActuator(ctx, deviceID, remote)
		}
	}
}

func (s *Scheduler) pollActuator(ctx context.Context, deviceID, remote string) {
	start := s.now()
	value, err := s.source.Latest(ctx, s.path(deviceID, resources.CategoryActuator.Segment(), remote))
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		metrics.ObservePoll(kindActuator, metrics.ResultError, s.now().Sub(start))
		s.logger.Printf("monitor actuator poll failed: device=%s remote=%s err=%v", deviceID, remote, err)
		return
	}
	s.cache.SetActuator(deviceID, remote, strings.TrimSpace(value))
	metrics.ObservePoll(kindActuator, metrics.ResultSuccess, s.now().Sub(start))
}

func (s *Scheduler) inferenceLoop(ctx context.Context, gen *generation, deviceID, remote string) {
	defer gen.wg.Done()
	metrics.LoopStarted(kindInference)
	defer metrics.LoopStopped(kindInference)

	ticker := time.NewTicker(s.inferenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := s.now()
			err := s.refreshInference(ctx, deviceID, remote)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				metrics.ObservePoll(kindInference, metrics.ResultError, s.now().Sub(start))
				s.logger.Printf("monitor inference poll failed: device=%s remote=%s err=%v", deviceID, remote, err)
				continue
			}
			metrics.ObservePoll(kindInference, metrics.ResultSuccess, s.now().Sub(start))
		}
	}
}

// applySensor stores a sensor reading. Numeric values also feed history
// and the sample log when withHistory is set.
func (s *Scheduler) applySensor(ctx context.Context, deviceID, remote, raw string, withHistory bool) {
	value, ok := onem2m.ParseNumber(raw)
	if !ok {
		s.cache.SetSensorText(deviceID, remote, strings.TrimSpace(raw))
		return
	}
	s.cache.SetSensor(deviceID, remote, value)
	if !withHistory {
		return
	}
	s.history.Record(deviceID, remote, value)
	s.recordSample(ctx, Sample{DeviceID: deviceID, Remote: remote, Value: value, At: s.now().UTC()})
}

func (s *Scheduler) recordSample(ctx context.Context, sample Sample) {
	if s.samples == nil {
		return
	}
	if err := s.samples.RecordSample(ctx, sample); err != nil {
		metrics.IncSampleWriteError()
		s.logger.Printf("monitor sample write failed: device=%s remote=%s err=%v", sample.DeviceID, sample.Remote, err)
	}
}

// applyInference stores labels and raises a health alert when remote is a
// health resource.
func (s *Scheduler) applyInference(ctx context.Context, deviceID, remote string, result InferenceResult) {
	s.cache.SetInference(deviceID, remote, result)
	if !resources.IsHealth(remote) {
		return
	}
	if alert, ok := s.alerts.Observe(deviceID, result.Labels); ok {
		s.logger.Printf("monitor health alert: device=%s species=%s", deviceID, alert.Species)
		if s.notifier != nil {
			s.notifier.NotifyAlert(ctx, alert)
		}
	}
}

// inferenceResult extracts labels from lbl[0], falling back to the content.
func inferenceResult(inst onem2m.Instance) (InferenceResult, bool) {
	if len(inst.Labels) > 0 {
		if payload, err := onem2m.ParseLabelPayload(inst.Labels[0]); err == nil {
			return InferenceResult{Timestamp: payload.Timestamp, Labels: payload.Labels}, true
		}
	}
	if payload, err := onem2m.ParseLabelPayload(inst.Content); err == nil {
		return InferenceResult{Timestamp: payload.Timestamp, Labels: payload.Labels}, true
	}
	if len(inst.Labels) > 0 {
		return InferenceResult{Labels: inst.Labels}, true
	}
	content := strings.TrimSpace(inst.Content)
	if content == "" {
		return InferenceResult{}, false
	}
	return InferenceResult{Labels: []string{content}}, true
}
