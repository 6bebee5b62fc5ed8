package resources

import (
	"context"
	"errors"
	"time"
)

// Category groups resources under a device.
type Category string

const (
	CategorySensor    Category = "sensor"
	CategoryActuator  Category = "actuator"
	CategoryInference Category = "inference"
)

// ErrNoResources is returned when discovery found nothing for a device.
var ErrNoResources = errors.New("resources: no resources discovered")

// Segment returns the registry path segment for the category.
func (c Category) Segment() string {
	switch c {
	case CategorySensor:
		return "Sensors"
	case CategoryActuator:
		return "Actuators"
	case CategoryInference:
		return "Inference"
	default:
		return ""
	}
}

// ParseCategory accepts both the stored name and the registry segment.
func ParseCategory(value string) (Category, bool) {
	switch value {
	case "sensor", "Sensors", "sensors":
		return CategorySensor, true
	case "actuator", "Actuators", "actuators":
		return CategoryActuator, true
	case "inference", "Inference":
		return CategoryInference, true
	default:
		return "", false
	}
}

// Categories lists every category in discovery order.
func Categories() []Category {
	return []Category{CategorySensor, CategoryActuator, CategoryInference}
}

// SensorDef is a polled numeric resource.
type SensorDef struct {
	Canonical string
	Remote    string
	Interval  time.Duration
}

// ActuatorDef is a writable resource.
type ActuatorDef struct {
	Canonical string
	Remote    string
}

// InferenceDef is a label-producing resource.
type InferenceDef struct {
	Canonical string
	Remote    string
}

// Tree is the discovered resource layout of one device.
// A Tree is built once per discovery and never mutated afterwards.
type Tree struct {
	Sensors   []SensorDef
	Actuators []ActuatorDef
	Inference []InferenceDef
}

// Empty reports whether the tree holds no resources.
func (t Tree) Empty() bool {
	return len(t.Sensors) == 0 && len(t.Actuators) == 0 && len(t.Inference) == 0
}

// CategoryOf finds which category holds remote.
func (t Tree) CategoryOf(remote string) (Category, bool) {
	for _, s := range t.Sensors {
		if s.Remote == remote {
			return CategorySensor, true
		}
	}
	for _, a := range t.Actuators {
		if a.Remote == remote {
			return CategoryActuator, true
		}
	}
	for _, i := range t.Inference {
		if i.Remote == remote {
			return CategoryInference, true
		}
	}
	return "", false
}

// Definitions flattens the tree into persistable records.
func (t Tree) Definitions(deviceID string) []Definition {
	defs := make([]Definition, 0, len(t.Sensors)+len(t.Actuators)+len(t.Inference))
	for _, s := range t.Sensors {
		defs = append(defs, Definition{DeviceID: deviceID, Remote: s.Remote, Canonical: s.Canonical, Category: CategorySensor, Interval: s.Interval})
	}
	for _, a := range t.Actuators {
		defs = append(defs, Definition{DeviceID: deviceID, Remote: a.Remote, Canonical: a.Canonical, Category: CategoryActuator})
	}
	for _, i := range t.Inference {
		defs = append(defs, Definition{DeviceID: deviceID, Remote: i.Remote, Canonical: i.Canonical, Category: CategoryInference})
	}
	return defs
}

// TreeFromDefinitions rebuilds a tree from stored records.
func TreeFromDefinitions(defs []Definition) Tree {
	var tree Tree
	for _, d := range defs {
		switch d.Category {
		case CategorySensor:
			interval := d.Interval
			if interval <= 0 {
				interval = IntervalFor(d.Canonical, nil)
			}
			tree.Sensors = append(tree.Sensors, SensorDef{Canonical: d.Canonical, Remote: d.Remote, Interval: interval})
		case CategoryActuator:
			tree.Actuators = append(tree.Actuators, ActuatorDef{Canonical: d.Canonical, Remote: d.Remote})
		case CategoryInference:
			tree.Inference = append(tree.Inference, InferenceDef{Canonical: d.Canonical, Remote: d.Remote})
		}
	}
	return tree
}

// Definition is the persisted form of one discovered resource.
type Definition struct {
	DeviceID  string
	Remote    string
	Canonical string
	Category  Category
	Interval  time.Duration
}

// Validate checks definition invariants.
func (d Definition) Validate() error {
	if d.DeviceID == "" {
		return errors.New("resource definition: empty device id")
	}
	if d.Remote == "" {
		return errors.New("resource definition: empty remote")
	}
	if d.Canonical == "" {
		return errors.New("resource definition: empty canonical")
	}
	if d.Category.Segment() == "" {
		return errors.New("resource definition: invalid category")
	}
	if d.Interval < 0 {
		return errors.New("resource definition: negative interval")
	}
	return nil
}

// DefinitionRepository persists the definitions of each device.
// Replace must be atomic: readers see either the old or the new set.
type DefinitionRepository interface {
	Replace(ctx context.Context, deviceID string, defs []Definition) error
	List(ctx context.Context, deviceID string, category Category) ([]Definition, error)
}
