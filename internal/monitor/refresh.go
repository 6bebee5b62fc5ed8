package monitor

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sync/errgroup"

	"minifarm-monitor/internal/onem2m"
	resources "minifarm-monitor/internal/resources/domain"
)

// DefaultBackfillPoints is the number of instances Backfill fetches when
// the caller does not specify one.
const DefaultBackfillPoints = 12

// ForceRefreshOnce reads every resource of tree once, in parallel. Numeric
// sensor values update the live cache and history. Per-resource failures
// are logged.
func (s *Scheduler) ForceRefreshOnce(ctx context.Context, deviceID string, tree resources.Tree) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.refreshLimit)
	for _, def := range tree.Sensors {
		remote := def.Remote
		g.Go(func() error {
			s.logRefresh(deviceID, remote, s.readSensor(gctx, deviceID, remote, true))
			return nil
		})
	}
	for _, def := range tree.Actuators {
		remote := def.Remote
		g.Go(func() error {
			s.logRefresh(deviceID, remote, s.RefreshActuator(gctx, deviceID, remote))
			return nil
		})
	}
	for _, def := range tree.Inference {
		remote := def.Remote
		g.Go(func() error {
			s.logRefresh(deviceID, remote, s.refreshInference(gctx, deviceID, remote))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Scheduler) logRefresh(deviceID, remote string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Printf("monitor refresh failed: device=%s remote=%s err=%v", deviceID, remote, err)
	}
}

// RefreshSensor reads one sensor into the live cache without touching history.
func (s *Scheduler) RefreshSensor(ctx context.Context, deviceID, remote string) error {
	return s.readSensor(ctx, deviceID, remote, false)
}

func (s *Scheduler) readSensor(ctx context.Context, deviceID, remote string, withHistory bool) error {
	value, err := s.source.Latest(ctx, s.path(deviceID, resources.CategorySensor.Segment(), remote))
	if err != nil {
		return err
	}
	s.applySensor(ctx, deviceID, remote, value, withHistory)
	return nil
}

// RefreshActuator reads the current state of one actuator.
func (s *Scheduler) RefreshActuator(ctx context.Context, deviceID, remote string) error {
	value, err := s.source.Latest(ctx, s.path(deviceID, resources.CategoryActuator.Segment(), remote))
	if err != nil {
		return err
	}
	s.cache.SetActuator(deviceID, remote, strings.TrimSpace(value))
	return nil
}

func (s *Scheduler) refreshInference(ctx context.Context, deviceID, remote string) error {
	inst, err := s.source.LatestInstance(ctx, s.path(deviceID, resources.CategoryInference.Segment(), remote))
	if err != nil {
		return err
	}
	result, ok := inferenceResult(inst)
	if !ok {
		return nil
	}
	s.applyInference(ctx, deviceID, remote, result)
	return nil
}

// Backfill seeds a sensor's history from the registry: up to points recent
// instances plus the latest one, numeric values only, oldest first. The
// latest value is dropped when it repeats the last historical one.
func (s *Scheduler) Backfill(ctx context.Context, deviceID, remote string, points int) ([]float64, error) {
	if points <= 0 {
		points = DefaultBackfillPoints
	}
	path := s.path(deviceID, resources.CategorySensor.Segment(), remote)
	raw, err := s.source.History(ctx, path, points)
	if err != nil {
		return nil, err
	}
	latest, err := s.source.Latest(ctx, path)
	switch {
	case err == nil:
		if len(raw) == 0 || strings.TrimSpace(raw[len(raw)-1]) != strings.TrimSpace(latest) {
			raw = append(raw, latest)
		}
	case errors.Is(err, onem2m.ErrNoContent), errors.Is(err, onem2m.ErrNotFound):
	default:
		return nil, err
	}

	values := make([]float64, 0, len(raw))
	for _, item := range raw {
		if v, ok := onem2m.ParseNumber(item); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return nil, nil
	}
	s.history.Replace(deviceID, remote, values)
	s.cache.SetSensor(deviceID, remote, values[len(values)-1])
	return s.history.History(deviceID, remote), nil
}
