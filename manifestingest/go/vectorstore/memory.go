package vectorstore

import (
	"context"
	"sync"

	"go.moonmind.dev/infra/jobqueue/go/types"
)

// Memory is an in-process Store for tests.
type Memory struct {
	mtx         sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	spec   CollectionSpec
	points map[string]Point
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{collections: map[string]*memCollection{}}
}

// EnsureCollection implements Store.
func (m *Memory) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if c, ok := m.collections[spec.Name]; ok {
		if c.spec.Dimension != spec.Dimension || c.spec.Distance != spec.Distance {
			return types.KindErrorf(types.ErrorKindValidation, "collection %q exists with dimension=%d distance=%s, manifest wants dimension=%d distance=%s",
				spec.Name, c.spec.Dimension, c.spec.Distance, spec.Dimension, spec.Distance)
		}
		return nil
	}
	m.collections[spec.Name] = &memCollection{
		spec:   spec,
		points: map[string]Point{},
	}
	return nil
}

func (m *Memory) collection(name string) (*memCollection, error) {
	c, ok := m.collections[name]
	if !ok {
		return nil, types.KindErrorf(types.ErrorKindValidation, "no such collection %q", name)
	}
	return c, nil
}

// Upsert implements Store.
func (m *Memory) Upsert(ctx context.Context, collection string, points []Point) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	c, err := m.collection(collection)
	if err != nil {
		return err
	}
	for _, p := range points {
		if len(p.Vector) != c.spec.Dimension {
			return types.KindErrorf(types.ErrorKindValidation, "point %s has dimension %d, collection %q wants %d", p.Id, len(p.Vector), collection, c.spec.Dimension)
		}
	}
	for _, p := range points {
		c.points[p.Id] = p.Copy()
	}
	return nil
}

// DeleteByFilter implements Store.
func (m *Memory) DeleteByFilter(ctx context.Context, collection string, match map[string]string) (int, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	c, err := m.collection(collection)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for id, p := range c.points {
		ok := true
		for k, v := range match {
			if p.Payload[k] != v {
				ok = false
				break
			}
		}
		if ok {
			delete(c.points, id)
			deleted++
		}
	}
	return deleted, nil
}

// Count implements Store.
func (m *Memory) Count(ctx context.Context, collection string) (int, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	c, err := m.collection(collection)
	if err != nil {
		return 0, err
	}
	return len(c.points), nil
}

// Get returns the stored point, for tests.
func (m *Memory) Get(collection, id string) (Point, bool) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return Point{}, false
	}
	p, ok := c.points[id]
	return p, ok
}

var _ Store = (*Memory)(nil)
