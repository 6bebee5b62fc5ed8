package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"minifarm-monitor/internal/onem2m"
	resources "minifarm-monitor/internal/resources/domain"
)

// Discoverer lists child resource URIs below a registry path.
type Discoverer interface {
	Discover(ctx context.Context, path string, ty int) ([]string, error)
}

// CategoryPathFunc builds the registry path of a device category.
type CategoryPathFunc func(deviceID, segment string) string

// Fetcher discovers the resource tree of a device.
type Fetcher struct {
	client    Discoverer
	path      CategoryPathFunc
	intervals map[string]time.Duration
	logger    *log.Logger
}

// NewFetcher constructs a Fetcher. intervals overrides sensor defaults by
// canonical name and may be nil.
func NewFetcher(client Discoverer, path CategoryPathFunc, intervals map[string]time.Duration, logger *log.Logger) (*Fetcher, error) {
	if client == nil {
		return nil, errors.New("fetcher: nil client")
	}
	if path == nil {
		return nil, errors.New("fetcher: nil path func")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Fetcher{client: client, path: path, intervals: intervals, logger: logger}, nil
}

// Fetch builds a fresh tree. A category that fails to load is logged and
// treated as empty; Fetch fails only when every category failed, or with
// resources.ErrNoResources when the registry answered with nothing.
func (f *Fetcher) Fetch(ctx context.Context, deviceID string) (resources.Tree, error) {
	if deviceID == "" {
		return resources.Tree{}, errors.New("fetcher: empty device id")
	}
	var (
		tree     resources.Tree
		failures int
		lastErr  error
	)
	for _, category := range resources.Categories() {
		names, err := f.discover(ctx, deviceID, category.Segment())
		if err != nil {
			failures++
			lastErr = err
			f.logger.Printf("fetcher discovery failed: device=%s category=%s err=%v", deviceID, category, err)
			continue
		}
		for _, remote := range names {
			canonical := resources.Canonical(remote)
			switch category {
			case resources.CategorySensor:
				tree.Sensors = append(tree.Sensors, resources.SensorDef{
					Canonical: canonical,
					Remote:    remote,
					Interval:  resources.IntervalFor(canonical, f.intervals),
				})
			case resources.CategoryActuator:
				tree.Actuators = append(tree.Actuators, resources.ActuatorDef{Canonical: canonical, Remote: remote})
			case resources.CategoryInference:
				tree.Inference = append(tree.Inference, resources.InferenceDef{Canonical: canonical, Remote: remote})
			}
		}
	}
	if failures == len(resources.Categories()) {
		return resources.Tree{}, fmt.Errorf("fetcher: registry unreachable for %s: %w", deviceID, lastErr)
	}
	if tree.Empty() {
		return resources.Tree{}, resources.ErrNoResources
	}
	return tree, nil
}

// discover lists leaf names of one category: content instances first,
// containers when the registry exposes none.
func (f *Fetcher) discover(ctx context.Context, deviceID, segment string) ([]string, error) {
	path := f.path(deviceID, segment)
	uris, err := f.client.Discover(ctx, path, onem2m.TypeContentInstance)
	if errors.Is(err, onem2m.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if names := onem2m.ChildNames(uris, segment); len(names) > 0 {
		return names, nil
	}
	uris, err = f.client.Discover(ctx, path, onem2m.TypeContainer)
	if errors.Is(err, onem2m.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return onem2m.ChildNames(uris, segment), nil
}
