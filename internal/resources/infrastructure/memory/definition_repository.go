package memory

import (
	"context"
	"errors"
	"sync"

	resources "minifarm-monitor/internal/resources/domain"
)

// DefinitionRepository keeps definitions in process memory.
type DefinitionRepository struct {
	mu      sync.RWMutex
	devices map[string][]resources.Definition
}

// NewDefinitionRepository constructs an empty repository.
func NewDefinitionRepository() *DefinitionRepository {
	return &DefinitionRepository{devices: make(map[string][]resources.Definition)}
}

// Replace swaps the device's definition set.
func (r *DefinitionRepository) Replace(_ context.Context, deviceID string, defs []resources.Definition) error {
	if deviceID == "" {
		return errors.New("definition repo: empty device id")
	}
	next := make([]resources.Definition, 0, len(defs))
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return err
		}
		if def.DeviceID != deviceID {
			return errors.New("definition repo: definition for another device")
		}
		next = append(next, def)
	}
	r.mu.Lock()
	r.devices[deviceID] = next
	r.mu.Unlock()
	return nil
}

// List returns a copy of the device's definitions, optionally filtered.
func (r *DefinitionRepository) List(_ context.Context, deviceID string, category resources.Category) ([]resources.Definition, error) {
	if deviceID == "" {
		return nil, errors.New("definition repo: empty device id")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []resources.Definition
	for _, def := range r.devices[deviceID] {
		if category == "" || def.Category == category {
			out = append(out, def)
		}
	}
	return out, nil
}
