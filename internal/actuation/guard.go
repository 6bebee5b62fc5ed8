package actuation

import (
	"context"

	resources "minifarm-monitor/internal/resources/domain"
)

// TreeLookup resolves the tree a device is monitored with.
type TreeLookup interface {
	Tree(deviceID string) (resources.Tree, bool)
}

// Guard rejects commands that do not target an actuator of a monitored
// device before they reach the registry.
type Guard struct {
	next  Commander
	trees TreeLookup
}

// NewGuard wraps next.
func NewGuard(next Commander, trees TreeLookup) *Guard {
	return &Guard{next: next, trees: trees}
}

// Mode reports the wrapped commander's mode.
func (g *Guard) Mode() string { return g.next.Mode() }

// Command forwards to the wrapped commander when remote is a known actuator.
func (g *Guard) Command(ctx context.Context, deviceID, remote, value string) (Result, error) {
	if err := validateCommand(deviceID, remote, value); err != nil {
		return Result{}, err
	}
	tree, ok := g.trees.Tree(deviceID)
	if !ok {
		return Result{}, ErrUnknownDevice
	}
	if category, found := tree.CategoryOf(remote); !found || category != resources.CategoryActuator {
		return Result{}, ErrUnknownActuator
	}
	return g.next.Command(ctx, deviceID, remote, value)
}
