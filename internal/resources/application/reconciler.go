package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"minifarm-monitor/internal/observability/metrics"
	resources "minifarm-monitor/internal/resources/domain"
)

// TreeFetcher discovers a device's resource tree.
type TreeFetcher interface {
	Fetch(ctx context.Context, deviceID string) (resources.Tree, error)
}

// Monitor is the polling scheduler as seen by reconciliation.
type Monitor interface {
	Start(deviceID string, tree resources.Tree) error
	Resume(deviceID string) error
	Tree(deviceID string) (resources.Tree, bool)
	ForceRefreshOnce(ctx context.Context, deviceID string, tree resources.Tree) error
}

// Subscriber requests pushed notifications for a tree's containers.
type Subscriber interface {
	Subscribe(ctx context.Context, deviceID string, tree resources.Tree) ([]string, error)
}

// Reconciler runs fetch, replace, restart and refresh for a device.
type Reconciler struct {
	fetcher    TreeFetcher
	store      *DefinitionStore
	monitor    Monitor
	subscriber Subscriber
	logger     *log.Logger
	now        func() time.Time
}

// NewReconciler constructs a Reconciler. subscriber may be nil.
func NewReconciler(fetcher TreeFetcher, store *DefinitionStore, monitor Monitor, subscriber Subscriber, logger *log.Logger) (*Reconciler, error) {
	if fetcher == nil || store == nil || monitor == nil {
		return nil, errors.New("reconciler: nil dependency")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{
		fetcher:    fetcher,
		store:      store,
		monitor:    monitor,
		subscriber: subscriber,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Reconcile discovers the device, replaces its stored definitions and
// restarts its loops. When discovery or persistence fails the running
// loops are left untouched.
func (r *Reconciler) Reconcile(ctx context.Context, deviceID string) (resources.Tree, error) {
	start := r.now()
	tree, err := r.fetcher.Fetch(ctx, deviceID)
	if err != nil {
		metrics.ObserveReconcile(metrics.ResultError, r.now().Sub(start))
		return resources.Tree{}, err
	}
	if err := r.store.Replace(ctx, deviceID, tree.Definitions(deviceID)); err != nil {
		metrics.ObserveReconcile(metrics.ResultError, r.now().Sub(start))
		return resources.Tree{}, fmt.Errorf("reconciler: persist %s: %w", deviceID, err)
	}
	if err := r.activate(ctx, deviceID, tree); err != nil {
		metrics.ObserveReconcile(metrics.ResultError, r.now().Sub(start))
		return resources.Tree{}, err
	}
	metrics.ObserveReconcile(metrics.ResultSuccess, r.now().Sub(start))
	r.logger.Printf("reconciled device=%s sensors=%d actuators=%d inference=%d",
		deviceID, len(tree.Sensors), len(tree.Actuators), len(tree.Inference))
	return tree, nil
}

// Resume restarts a paused device, or starts it from the stored
// definitions when this process has not monitored it yet.
func (r *Reconciler) Resume(ctx context.Context, deviceID string) (resources.Tree, error) {
	if tree, ok := r.monitor.Tree(deviceID); ok {
		if err := r.monitor.Resume(deviceID); err != nil {
			return resources.Tree{}, err
		}
		r.refresh(ctx, deviceID, tree)
		return tree, nil
	}
	tree, err := r.store.Tree(ctx, deviceID)
	if err != nil {
		return resources.Tree{}, err
	}
	if tree.Empty() {
		return resources.Tree{}, resources.ErrNoResources
	}
	if err := r.activate(ctx, deviceID, tree); err != nil {
		return resources.Tree{}, err
	}
	return tree, nil
}

func (r *Reconciler) activate(ctx context.Context, deviceID string, tree resources.Tree) error {
	if err := r.monitor.Start(deviceID, tree); err != nil {
		return err
	}
	if r.subscriber != nil {
		if _, err := r.subscriber.Subscribe(ctx, deviceID, tree); err != nil {
			r.logger.Printf("reconciler subscribe failed: device=%s err=%v", deviceID, err)
		}
	}
	r.refresh(ctx, deviceID, tree)
	return nil
}

func (r *Reconciler) refresh(ctx context.Context, deviceID string, tree resources.Tree) {
	if err := r.monitor.ForceRefreshOnce(ctx, deviceID, tree); err != nil {
		r.logger.Printf("reconciler refresh failed: device=%s err=%v", deviceID, err)
	}
}
