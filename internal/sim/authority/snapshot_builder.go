package authority

import (
	"sort"

	"statecast.dev/internal/protocol"
)

// SnapshotBuilder combines the tick delta with a client's relevant set
// and the class schemas to produce per-client object snapshots.
//
// New objects get a self-sufficient full snapshot (is_new=true);
// changed objects get a bandwidth-minimal delta and are omitted when
// the filtered delta is empty; destroyed objects get a tombstone.
type SnapshotBuilder struct {
	objects *ObjectRegistry
	props   *PropertyStore
}

func NewSnapshotBuilder(objects *ObjectRegistry, props *PropertyStore) *SnapshotBuilder {
	return &SnapshotBuilder{objects: objects, props: props}
}

// BuildForClient returns the snapshots a client should receive this
// tick. seesAll implements the fail-open policy for clients absent from
// the relevancy cache.
func (b *SnapshotBuilder) BuildForClient(clientID string, delta TickDelta, relevant map[uint64]struct{}, seesAll bool) []protocol.ObjectSnapshot {
	isRelevant := func(id uint64) bool {
		if seesAll {
			return true
		}
		_, ok := relevant[id]
		return ok
	}

	var out []protocol.ObjectSnapshot

	for id := range delta.Created {
		if !isRelevant(id) {
			continue
		}
		o := b.objects.Get(id)
		if !o.Alive() {
			continue
		}
		out = append(out, b.fullSnapshot(o, clientID))
	}

	for id, changedProps := range delta.Changed {
		if _, createdToo := delta.Created[id]; createdToo {
			continue // already covered by the full snapshot
		}
		if !isRelevant(id) {
			continue
		}
		o := b.objects.Get(id)
		if !o.Alive() {
			continue
		}
		snap, ok := b.deltaSnapshot(o, clientID, changedProps)
		if ok {
			out = append(out, snap)
		}
	}

	for id := range delta.Destroyed {
		if !isRelevant(id) {
			continue
		}
		o := b.objects.Get(id)
		if o == nil {
			continue
		}
		out = append(out, protocol.ObjectSnapshot{
			ObjectID:  o.ID,
			ClassID:   o.ClassID,
			Owner:     o.Owner,
			Destroyed: true,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID < out[j].ObjectID })
	return out
}

// BuildFullFor returns full snapshots for every live relevant object,
// used to resync a freshly subscribed client.
func (b *SnapshotBuilder) BuildFullFor(clientID string, relevant map[uint64]struct{}, seesAll bool) []protocol.ObjectSnapshot {
	var out []protocol.ObjectSnapshot
	b.objects.Each(func(o *ObjectInstance) {
		if !o.Alive() {
			return
		}
		if !seesAll {
			if _, ok := relevant[o.ID]; !ok {
				return
			}
		}
		out = append(out, b.fullSnapshot(o, clientID))
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID < out[j].ObjectID })
	return out
}

func (b *SnapshotBuilder) fullSnapshot(o *ObjectInstance, clientID string) protocol.ObjectSnapshot {
	snap := protocol.ObjectSnapshot{
		ObjectID: o.ID,
		ClassID:  o.ClassID,
		Owner:    o.Owner,
		IsNew:    true,
	}
	c := b.props.Class(o.ClassID)
	values := b.props.Values(o.ID)
	if c == nil || len(values) == 0 {
		return snap
	}
	props := map[string]protocol.PropertyValue{}
	for _, def := range c.ReplicatedProperties() {
		if !visibleTo(def, o, clientID) {
			continue
		}
		if v, ok := values[def.Name]; ok {
			props[def.Name] = v
		}
	}
	if len(props) > 0 {
		snap.Properties = props
	}
	return snap
}

func (b *SnapshotBuilder) deltaSnapshot(o *ObjectInstance, clientID string, changed map[string]PendingChange) (protocol.ObjectSnapshot, bool) {
	c := b.props.Class(o.ClassID)
	if c == nil {
		return protocol.ObjectSnapshot{}, false
	}
	values := b.props.Values(o.ID)
	props := map[string]protocol.PropertyValue{}

	for name := range changed {
		def, ok := c.Property(name)
		if !ok || !def.Replicated {
			continue
		}
		if def.Condition == CondInitial {
			continue // full snapshots only
		}
		if !visibleTo(def, o, clientID) {
			continue
		}
		if v, ok := values[name]; ok {
			props[name] = v
		}
	}

	// CondAlways properties ride along on every snapshot, changed or not.
	for _, def := range c.ReplicatedProperties() {
		if def.Condition != CondAlways {
			continue
		}
		if _, done := props[def.Name]; done {
			continue
		}
		if !visibleTo(def, o, clientID) {
			continue
		}
		if v, ok := values[def.Name]; ok {
			props[def.Name] = v
		}
	}

	if len(props) == 0 {
		return protocol.ObjectSnapshot{}, false
	}
	return protocol.ObjectSnapshot{
		ObjectID:   o.ID,
		ClassID:    o.ClassID,
		Owner:      o.Owner,
		Properties: props,
	}, true
}

// visibleTo applies the per-property condition filter for one client.
func visibleTo(def PropertyDefinition, o *ObjectInstance, clientID string) bool {
	switch def.Condition {
	case CondServerOnly:
		return false
	case CondOwnerOnly:
		return o.Owner != "" && o.Owner == clientID
	}
	return true
}
