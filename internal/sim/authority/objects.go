package authority

import (
	"statecast.dev/internal/protocol"
)

// Lifecycle is the authority-side object state machine. Destroyed is
// terminal; destroyed objects are retained for a few ticks so their
// tombstone reaches every relevant client, then purged.
type Lifecycle uint8

const (
	LifecycleInitializing Lifecycle = iota
	LifecycleActive
	LifecyclePendingDestroy
	LifecycleDestroyed
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleInitializing:
		return "initializing"
	case LifecycleActive:
		return "active"
	case LifecyclePendingDestroy:
		return "pending_destroy"
	case LifecycleDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// ObjectInstance is one authority-owned object.
type ObjectInstance struct {
	ID      uint64
	ClassID uint32
	Name    string
	Owner   string // client identity; empty for server-owned objects
	State   Lifecycle

	CreatedTick   uint64
	DestroyedTick uint64
}

func (o *ObjectInstance) Alive() bool {
	return o != nil && o.State != LifecycleDestroyed
}

// ObjectRegistry holds every live (and recently destroyed) object.
// Accessed only from the authority loop; no locking.
type ObjectRegistry struct {
	objects map[uint64]*ObjectInstance
	version uint64
}

func NewObjectRegistry() *ObjectRegistry {
	return &ObjectRegistry{objects: map[uint64]*ObjectInstance{}}
}

func (r *ObjectRegistry) Get(id uint64) *ObjectInstance { return r.objects[id] }

func (r *ObjectRegistry) Len() int { return len(r.objects) }

// Version increments on any membership change; relevancy caches key
// their rebuilds off it.
func (r *ObjectRegistry) Version() uint64 { return r.version }

func (r *ObjectRegistry) Add(o *ObjectInstance) error {
	if o == nil || o.ID == 0 {
		return protocol.Errorf(protocol.ErrValidationFailed, "object id 0 is reserved")
	}
	if _, ok := r.objects[o.ID]; ok {
		return protocol.Errorf(protocol.ErrAlreadyExists, "object %d already registered", o.ID)
	}
	r.objects[o.ID] = o
	r.version++
	return nil
}

// MarkDestroyed transitions an object to Destroyed at the given tick.
func (r *ObjectRegistry) MarkDestroyed(id uint64, tick uint64) error {
	o := r.objects[id]
	if o == nil {
		return protocol.Errorf(protocol.ErrNotFound, "object %d not found", id)
	}
	if o.State == LifecycleDestroyed {
		return protocol.Errorf(protocol.ErrNotFound, "object %d already destroyed", id)
	}
	o.State = LifecycleDestroyed
	o.DestroyedTick = tick
	r.version++
	return nil
}

// PurgeTombstones removes objects destroyed more than retain ticks ago
// and returns the purged ids.
func (r *ObjectRegistry) PurgeTombstones(tick uint64, retain uint64) []uint64 {
	var purged []uint64
	for id, o := range r.objects {
		if o.State != LifecycleDestroyed {
			continue
		}
		if tick-o.DestroyedTick >= retain {
			delete(r.objects, id)
			purged = append(purged, id)
		}
	}
	if len(purged) > 0 {
		r.version++
	}
	return purged
}

// Each iterates live and tombstoned objects in unspecified order.
func (r *ObjectRegistry) Each(fn func(*ObjectInstance)) {
	for _, o := range r.objects {
		fn(o)
	}
}
