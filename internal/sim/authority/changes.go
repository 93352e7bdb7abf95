package authority

// PendingChange is one queued property replication entry. The queue is
// consumed and cleared every scheduler tick; nothing survives a flush.
type PendingChange struct {
	Tick         uint64
	HighPriority bool
}

// TickDelta is the result of a flush: everything that happened since
// the previous tick, already deduplicated.
type TickDelta struct {
	Created   map[uint64]struct{}
	Changed   map[uint64]map[string]PendingChange
	Destroyed map[uint64]struct{}
}

func (d TickDelta) Empty() bool {
	return len(d.Created) == 0 && len(d.Changed) == 0 && len(d.Destroyed) == 0
}

// ChangeTracker records per-tick mutations. Accessed only from the
// authority loop.
type ChangeTracker struct {
	created   map[uint64]struct{}
	changed   map[uint64]map[string]PendingChange
	destroyed map[uint64]struct{}
}

func NewChangeTracker() *ChangeTracker {
	t := &ChangeTracker{}
	t.reset()
	return t
}

func (t *ChangeTracker) reset() {
	t.created = map[uint64]struct{}{}
	t.changed = map[uint64]map[string]PendingChange{}
	t.destroyed = map[uint64]struct{}{}
}

func (t *ChangeTracker) RecordNew(objectID uint64) {
	t.created[objectID] = struct{}{}
}

func (t *ChangeTracker) RecordChange(objectID uint64, property string, tick uint64, highPriority bool) {
	m := t.changed[objectID]
	if m == nil {
		m = map[string]PendingChange{}
		t.changed[objectID] = m
	}
	prev, ok := m[property]
	m[property] = PendingChange{Tick: tick, HighPriority: highPriority || (ok && prev.HighPriority)}
}

// RecordDestroyed discards any pending changes for the object. An
// object created and destroyed within the same tick vanishes without a
// tombstone: no client ever learned of it.
func (t *ChangeTracker) RecordDestroyed(objectID uint64) {
	delete(t.changed, objectID)
	if _, createdThisTick := t.created[objectID]; createdThisTick {
		delete(t.created, objectID)
		return
	}
	t.destroyed[objectID] = struct{}{}
}

// Pending reports whether the object has any queued work this tick.
func (t *ChangeTracker) Pending(objectID uint64) bool {
	if _, ok := t.created[objectID]; ok {
		return true
	}
	if _, ok := t.destroyed[objectID]; ok {
		return true
	}
	return len(t.changed[objectID]) > 0
}

// Flush hands the accumulated delta to the scheduler and starts a fresh
// tick.
func (t *ChangeTracker) Flush() TickDelta {
	d := TickDelta{Created: t.created, Changed: t.changed, Destroyed: t.destroyed}
	t.reset()
	return d
}
