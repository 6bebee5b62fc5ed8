package application

import (
	"context"
	"errors"
	"sync"

	resources "minifarm-monitor/internal/resources/domain"
)

type watcher struct {
	deviceID string
	category resources.Category
	ch       chan []resources.Definition
}

// DefinitionStore persists definitions and pushes every committed set to
// observers.
type DefinitionStore struct {
	repo resources.DefinitionRepository

	// commit orders writes with observer registration so a set committed
	// while an observer is reading its first snapshot still reaches it.
	commit sync.Mutex

	mu       sync.Mutex
	watchers map[uint64]*watcher
	nextID   uint64
}

// NewDefinitionStore constructs a store over repo.
func NewDefinitionStore(repo resources.DefinitionRepository) (*DefinitionStore, error) {
	if repo == nil {
		return nil, errors.New("definition store: nil repository")
	}
	return &DefinitionStore{repo: repo, watchers: make(map[uint64]*watcher)}, nil
}

// Replace stores the device's new definition set. Observers are only
// notified after a successful write.
func (s *DefinitionStore) Replace(ctx context.Context, deviceID string, defs []resources.Definition) error {
	s.commit.Lock()
	defer s.commit.Unlock()
	if err := s.repo.Replace(ctx, deviceID, defs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watchers {
		if w.deviceID != deviceID {
			continue
		}
		deliver(w.ch, filter(defs, w.category))
	}
	return nil
}

// List returns the stored definitions of a device.
func (s *DefinitionStore) List(ctx context.Context, deviceID string, category resources.Category) ([]resources.Definition, error) {
	return s.repo.List(ctx, deviceID, category)
}

// Tree rebuilds the last reconciled tree of a device.
func (s *DefinitionStore) Tree(ctx context.Context, deviceID string) (resources.Tree, error) {
	defs, err := s.repo.List(ctx, deviceID, "")
	if err != nil {
		return resources.Tree{}, err
	}
	return resources.TreeFromDefinitions(defs), nil
}

// Observe emits the current set, then every replaced set, until ctx ends.
// A slow reader only sees the latest set.
func (s *DefinitionStore) Observe(ctx context.Context, deviceID string, category resources.Category) (<-chan []resources.Definition, error) {
	s.commit.Lock()
	current, err := s.repo.List(ctx, deviceID, category)
	if err != nil {
		s.commit.Unlock()
		return nil, err
	}
	w := &watcher{deviceID: deviceID, category: category, ch: make(chan []resources.Definition, 1)}
	w.ch <- current

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = w
	s.mu.Unlock()
	s.commit.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		close(w.ch)
		s.mu.Unlock()
	}()
	return w.ch, nil
}

// deliver replaces any unread set with the newest one.
func deliver(ch chan []resources.Definition, defs []resources.Definition) {
	select {
	case <-ch:
	default:
	}
	ch <- defs
}

func filter(defs []resources.Definition, category resources.Category) []resources.Definition {
	out := make([]resources.Definition, 0, len(defs))
	for _, def := range defs {
		if category == "" || def.Category == category {
			out = append(out, def)
		}
	}
	return out
}
