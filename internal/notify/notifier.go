package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"minifarm-monitor/internal/monitor"
)

const (
	EventRaised    = "raised"
	EventEscalated = "escalated"
)

// PendingReader reports the alert still awaiting acknowledgement.
type PendingReader interface {
	Pending(deviceID string) (monitor.Alert, bool)
}

// Clock provides time for dedupe bookkeeping.
type Clock interface {
	Now() time.Time
}

// DashboardURLFunc links an alert to a page showing the device.
type DashboardURLFunc func(alert monitor.Alert) string

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier sends plant health alerts through a channel. An alert that is
// still pending after the escalation delay is sent again as escalated.
type Notifier struct {
	channel        Channel
	template       *Template
	pending        PendingReader
	escalation     time.Duration
	cooldown       time.Duration
	dedupeWindow   time.Duration
	requestTimeout time.Duration
	dashboard      DashboardURLFunc
	clock          Clock
	logger         *log.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	sent   map[string]sendRecord
}

// Option configures the notifier.
type Option func(*Notifier)

// WithEscalation resends alerts left undismissed for after. It needs a
// pending reader to tell whether the alert was dismissed.
func WithEscalation(after time.Duration, pending PendingReader) Option {
	return func(n *Notifier) {
		if after > 0 && pending != nil {
			n.escalation = after
			n.pending = pending
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same device and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithRequestTimeout bounds each delivery.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithDashboardURL injects a dashboard link resolver.
func WithDashboardURL(fn DashboardURLFunc) Option {
	return func(n *Notifier) {
		if fn != nil {
			n.dashboard = fn
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithLogger overrides the notifier logger.
func WithLogger(logger *log.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNotifier constructs an alert notifier. A nil template uses DefaultTemplate.
func NewNotifier(channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if channel == nil {
		return nil, errors.New("alert notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		channel:        channel,
		template:       template,
		requestTimeout: 5 * time.Second,
		clock:          systemClock{},
		logger:         log.Default(),
		timers:         make(map[string]*time.Timer),
		sent:           make(map[string]sendRecord),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// NotifyAlert sends a newly raised alert and arms its escalation timer.
func (n *Notifier) NotifyAlert(ctx context.Context, alert monitor.Alert) {
	if n == nil {
		return
	}
	n.dispatch(ctx, EventRaised, alert)
	n.scheduleEscalation(alert)
}

// Close stops all pending escalation timers.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	timers := n.timers
	n.timers = make(map[string]*time.Timer)
	n.mu.Unlock()
	for _, timer := range timers {
		timer.Stop()
	}
}

func (n *Notifier) dispatch(ctx context.Context, event string, alert monitor.Alert) {
	dashboard := ""
	if n.dashboard != nil {
		dashboard = n.dashboard(alert)
	}
	content, err := n.template.Render(buildTemplateData(event, alert, dashboard))
	if err != nil {
		n.logger.Printf("alert notify render failed: device=%s err=%v", alert.DeviceID, err)
		return
	}
	if !n.shouldSend(alert.DeviceID, event, content) {
		return
	}
	if n.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()
	}
	if err := n.channel.Send(ctx, content); err != nil {
		n.logger.Printf("alert notify failed: device=%s event=%s err=%v", alert.DeviceID, event, err)
		return
	}
	n.markSent(alert.DeviceID, event, content)
}

func (n *Notifier) scheduleEscalation(alert monitor.Alert) {
	if n.escalation <= 0 || alert.DeviceID == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.timers[alert.DeviceID]; ok {
		existing.Stop()
	}
	n.timers[alert.DeviceID] = time.AfterFunc(n.escalation, func() {
		n.runEscalation(alert)
	})
}

func (n *Notifier) runEscalation(alert monitor.Alert) {
	n.mu.Lock()
	delete(n.timers, alert.DeviceID)
	n.mu.Unlock()

	current, ok := n.pending.Pending(alert.DeviceID)
	if !ok || !current.DetectedAt.Equal(alert.DetectedAt) {
		return
	}
	n.dispatch(context.Background(), EventEscalated, current)
}

func buildTemplateData(event string, alert monitor.Alert, dashboard string) TemplateData {
	return TemplateData{
		DeviceID:     alert.DeviceID,
		Species:      alert.Species,
		Labels:       strings.Join(alert.Labels, ", "),
		DetectedAt:   alert.DetectedAt.UTC().Format(time.RFC3339),
		Suggestion:   suggestionFor(event),
		DashboardURL: dashboard,
		Event:        event,
		EventLabel:   eventLabel(event),
	}
}

func eventLabel(event string) string {
	switch event {
	case EventRaised:
		return "Alert"
	case EventEscalated:
		return "Alert Escalated"
	default:
		return event
	}
}

func suggestionFor(event string) string {
	if event == EventEscalated {
		return "The alert is still open. Inspect the plants on site and dismiss once handled."
	}
	return "Check the affected plants and adjust irrigation or climate if needed."
}

func (n *Notifier) shouldSend(deviceID, event, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	now := n.clock.Now().UTC()
	n.mu.Lock()
	record, ok := n.sent[notificationKey(deviceID, event)]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hashContent(content) && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(deviceID, event, content string) {
	n.mu.Lock()
	n.sent[notificationKey(deviceID, event)] = sendRecord{
		at:   n.clock.Now().UTC(),
		hash: hashContent(content),
	}
	n.mu.Unlock()
}

func notificationKey(deviceID, event string) string {
	return deviceID + "|" + event
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
