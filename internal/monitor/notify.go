package monitor

import (
	"context"
	"sort"
	"strings"

	"minifarm-monitor/internal/mqttadapter"
	"minifarm-monitor/internal/observability/metrics"
	"minifarm-monitor/internal/onem2m"
	resources "minifarm-monitor/internal/resources/domain"
)

// HandleNotification routes a pushed content instance into the caches.
// Unroutable notifications are counted and dropped.
func (s *Scheduler) HandleNotification(ctx context.Context, evt mqttadapter.NotificationReceived) error {
	deviceID, category, remote, ok := s.route(evt)
	if !ok {
		metrics.IncNotification("unrouted")
		return nil
	}
	switch category {
	case resources.CategorySensor:
		if !evt.HasContent {
			metrics.IncNotification("empty")
			return nil
		}
		s.applySensor(ctx, deviceID, remote, evt.Content, true)
	case resources.CategoryActuator:
		if !evt.HasContent {
			metrics.IncNotification("empty")
			return nil
		}
		s.cache.SetActuator(deviceID, remote, strings.TrimSpace(evt.Content))
	case resources.CategoryInference:
		result := InferenceResult{Timestamp: evt.Timestamp, Labels: evt.Labels}
		if len(result.Labels) == 0 {
			parsed, ok := inferenceResult(onem2m.Instance{Content: evt.Content})
			if !ok {
				metrics.IncNotification("empty")
				return nil
			}
			result = parsed
		}
		s.applyInference(ctx, deviceID, remote, result)
	}
	metrics.IncNotification("routed")
	return nil
}

// route resolves the notified resource from its path, or by searching the
// trees of active devices when the path has no category segment.
func (s *Scheduler) route(evt mqttadapter.NotificationReceived) (string, resources.Category, string, bool) {
	ref := evt.Ref
	if ref.Remote == "" {
		return "", "", "", false
	}
	if ref.DeviceID != "" && ref.Segment != "" {
		category, ok := resources.ParseCategory(ref.Segment)
		if !ok {
			return "", "", "", false
		}
		return ref.DeviceID, category, ref.Remote, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.devices))
	for id, state := range s.devices {
		if state.gen != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if category, ok := s.devices[id].tree.CategoryOf(ref.Remote); ok {
			return id, category, ref.Remote, true
		}
	}
	return "", "", "", false
}
