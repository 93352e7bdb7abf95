// Package mirror holds a client's partial, possibly stale copy of
// authority state, plus the reconciliation that migrates optimistic
// local creations onto authority-assigned identifiers.
package mirror

import (
	"sync"

	"statecast.dev/internal/objectid"
	"statecast.dev/internal/protocol"
)

// Entry is one mirrored object. Snapshot state until proven otherwise:
// the authority may have moved on since this was applied.
type Entry struct {
	ObjectID uint64
	ClassID  uint32
	Owner    string

	Properties map[string]protocol.PropertyValue

	// NeedsIDRemap marks an optimistic local creation still keyed by
	// its temporary id.
	NeedsIDRemap bool
}

// RemapCallback is invoked exactly once per successful remap, never for
// failed creations.
type RemapCallback func(tempID, serverID uint64)

// Mirror is accessed from multiple call sites (engine thread, network
// receive); every operation is one short critical section. Remap and
// destroy mutate the same map under the same lock, so they can never
// race.
type Mirror struct {
	mu      sync.Mutex
	objects map[uint64]*Entry
	staged  map[uint64]map[string]protocol.PropertyValue

	remapCallbacks []RemapCallback
}

func New() *Mirror {
	return &Mirror{
		objects: map[uint64]*Entry{},
		staged:  map[uint64]map[string]protocol.PropertyValue{},
	}
}

// OnObjectIDRemapped registers a callback for successful remaps.
func (m *Mirror) OnObjectIDRemapped(fn RemapCallback) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.remapCallbacks = append(m.remapCallbacks, fn)
	m.mu.Unlock()
}

// CreateLocal registers an optimistic local creation and returns its
// temporary id. The initial properties are speculative until the
// authority confirms.
func (m *Mirror) CreateLocal(classID uint32, owner string, props map[string]protocol.PropertyValue) uint64 {
	tempID := objectid.NewTemp()
	e := &Entry{
		ObjectID:     tempID,
		ClassID:      classID,
		Owner:        owner,
		Properties:   map[string]protocol.PropertyValue{},
		NeedsIDRemap: true,
	}
	for k, v := range props {
		e.Properties[k] = v
	}
	m.mu.Lock()
	m.objects[tempID] = e
	m.mu.Unlock()
	return tempID
}

// TrackObject registers a mirror entry for an object the host learned
// about out-of-band. Staged properties for the id are not consumed;
// call TransferCachedProperties for that.
func (m *Mirror) TrackObject(objectID uint64, classID uint32, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[objectID]; ok {
		return protocol.Errorf(protocol.ErrAlreadyExists, "object %d already mirrored", objectID)
	}
	m.objects[objectID] = &Entry{
		ObjectID:     objectID,
		ClassID:      classID,
		Owner:        owner,
		Properties:   map[string]protocol.PropertyValue{},
		NeedsIDRemap: objectid.IsTemp(objectID),
	}
	return nil
}

// ApplySnapshot folds one authoritative object snapshot into the
// mirror. Properties for objects the mirror has never seen are staged
// until the owning object shows up. Idempotent under redelivery.
func (m *Mirror) ApplySnapshot(snap protocol.ObjectSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Destroyed {
		delete(m.objects, snap.ObjectID)
		delete(m.staged, snap.ObjectID)
		return
	}

	e := m.objects[snap.ObjectID]
	if e == nil {
		if !snap.IsNew {
			// Delta for an object we don't hold yet: stage it.
			m.stageLocked(snap.ObjectID, snap.Properties)
			return
		}
		e = &Entry{
			ObjectID:   snap.ObjectID,
			ClassID:    snap.ClassID,
			Owner:      snap.Owner,
			Properties: map[string]protocol.PropertyValue{},
		}
		m.objects[snap.ObjectID] = e
		// Early-arrived properties first; the snapshot's own values win.
		for k, v := range m.staged[snap.ObjectID] {
			e.Properties[k] = v
		}
		delete(m.staged, snap.ObjectID)
	}
	if snap.ClassID != 0 {
		e.ClassID = snap.ClassID
	}
	if snap.Owner != "" {
		e.Owner = snap.Owner
	}
	for k, v := range snap.Properties {
		e.Properties[k] = v
	}
}

func (m *Mirror) stageLocked(objectID uint64, props map[string]protocol.PropertyValue) {
	if len(props) == 0 {
		return
	}
	cache := m.staged[objectID]
	if cache == nil {
		cache = map[string]protocol.PropertyValue{}
		m.staged[objectID] = cache
	}
	for k, v := range props {
		cache[k] = v
	}
}

// CachePropertyValue stages a single property for an object that may
// not exist in the mirror yet.
func (m *Mirror) CachePropertyValue(objectID uint64, name string, value protocol.PropertyValue) {
	m.mu.Lock()
	m.stageLocked(objectID, map[string]protocol.PropertyValue{name: value})
	m.mu.Unlock()
}

// TransferCachedProperties merges the staging cache for objectID into
// its mirror entry and clears the cache. The entry must exist.
func (m *Mirror) TransferCachedProperties(objectID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.objects[objectID]
	if e == nil {
		return protocol.Errorf(protocol.ErrNotFound, "object %d not mirrored", objectID)
	}
	for k, v := range m.staged[objectID] {
		e.Properties[k] = v
	}
	delete(m.staged, objectID)
	return nil
}

// Remap atomically re-keys a confirmed optimistic creation from its
// temporary id to the authority-assigned id. Server state that raced
// ahead of the confirmation under the assigned id, whether staged or
// already materialized, wins over speculative values. A second remap
// of the same pair fails with NotFound; it can never duplicate the
// entry.
func (m *Mirror) Remap(tempID, serverID uint64) error {
	m.mu.Lock()
	e := m.objects[tempID]
	if e == nil {
		m.mu.Unlock()
		return protocol.Errorf(protocol.ErrNotFound, "temp id %d not mirrored", tempID)
	}
	delete(m.objects, tempID)

	// Anything staged under the temp id is still speculative.
	for k, v := range m.staged[tempID] {
		e.Properties[k] = v
	}
	delete(m.staged, tempID)

	if materialized := m.objects[serverID]; materialized != nil {
		// An authoritative snapshot for the assigned id landed before
		// the confirmation. Keep it; speculative values only fill gaps
		// the authority never mentioned.
		for k, v := range e.Properties {
			if _, ok := materialized.Properties[k]; !ok {
				materialized.Properties[k] = v
			}
		}
		e = materialized
	} else {
		e.ObjectID = serverID
		m.objects[serverID] = e
	}
	e.NeedsIDRemap = false

	// Server properties that arrived early under the real id take
	// precedence over everything speculative.
	for k, v := range m.staged[serverID] {
		e.Properties[k] = v
	}
	delete(m.staged, serverID)

	callbacks := append([]RemapCallback(nil), m.remapCallbacks...)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(tempID, serverID)
	}
	return nil
}

// DiscardFailedCreate drops a rejected optimistic creation and its
// staged properties. No remap callback fires.
func (m *Mirror) DiscardFailedCreate(tempID uint64) {
	m.mu.Lock()
	delete(m.objects, tempID)
	delete(m.staged, tempID)
	m.mu.Unlock()
}

// Destroy removes an object from the mirror. The return value reports
// whether the destruction was resolved entirely client-side: an object
// still pending remap was never known to the authority, so no round
// trip is needed.
func (m *Mirror) Destroy(objectID uint64) (localOnly bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.objects[objectID]
	if e == nil {
		return false, protocol.Errorf(protocol.ErrNotFound, "object %d not mirrored", objectID)
	}
	delete(m.objects, objectID)
	delete(m.staged, objectID)
	return e.NeedsIDRemap, nil
}

// Get returns a copy of the entry.
func (m *Mirror) Get(objectID uint64) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.objects[objectID]
	if e == nil {
		return Entry{}, false
	}
	out := *e
	out.Properties = make(map[string]protocol.PropertyValue, len(e.Properties))
	for k, v := range e.Properties {
		out.Properties[k] = v
	}
	return out, true
}

// Property returns one mirrored property value.
func (m *Mirror) Property(objectID uint64, name string) (protocol.PropertyValue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.objects[objectID]
	if e == nil {
		return protocol.PropertyValue{}, false
	}
	v, ok := e.Properties[name]
	return v, ok
}

// Len reports the number of mirrored objects.
func (m *Mirror) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// StagedLen reports the number of staged properties for an object.
func (m *Mirror) StagedLen(objectID uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.staged[objectID])
}
