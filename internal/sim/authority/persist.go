package authority

import (
	"encoding/json"
	"fmt"
	"sort"

	"statecast.dev/internal/objectid"
	"statecast.dev/internal/persistence/snapshot"
	"statecast.dev/internal/protocol"
)

// BuildStateSnapshot captures the full replication state for the
// off-thread snapshot writer. Output ordering is stable so snapshots of
// identical state are byte-identical.
func (a *Authority) BuildStateSnapshot() snapshot.StateV1 {
	snap := snapshot.StateV1{
		Header: snapshot.Header{
			Version:  1,
			ServerID: a.cfg.ID,
			Tick:     a.tick.Load(),
		},
		TickRateHz:         a.cfg.Tuning.TickRateHz,
		SnapshotEveryTicks: a.cfg.Tuning.SnapshotEveryTicks,
		TombstoneTicks:     a.cfg.Tuning.TombstoneTicks,
	}

	a.props.EachClass(func(c *ClassDefinition) {
		cv := snapshot.ClassV1{ID: c.ID, Name: c.Name}
		for _, d := range c.Properties() {
			cv.Properties = append(cv.Properties, snapshot.PropertyV1{
				Name:       d.Name,
				Type:       string(d.Type),
				Replicated: d.Replicated,
				Condition:  uint8(d.Condition),
				ReadOnly:   d.ReadOnly,
				Flags:      d.Flags,
			})
		}
		sort.Slice(cv.Properties, func(i, j int) bool { return cv.Properties[i].Name < cv.Properties[j].Name })
		snap.Classes = append(snap.Classes, cv)
	})
	sort.Slice(snap.Classes, func(i, j int) bool { return snap.Classes[i].ID < snap.Classes[j].ID })

	var maxID uint64
	a.objects.Each(func(o *ObjectInstance) {
		if o.State == LifecycleDestroyed {
			return // tombstones do not survive a restart
		}
		if o.ID > maxID {
			maxID = o.ID
		}
		ov := snapshot.ObjectV1{
			ID:          o.ID,
			ClassID:     o.ClassID,
			Name:        o.Name,
			Owner:       o.Owner,
			State:       uint8(o.State),
			CreatedTick: o.CreatedTick,
		}
		if values := a.props.Values(o.ID); len(values) > 0 {
			ov.Properties = map[string][]byte{}
			for name, v := range values {
				b, err := json.Marshal(v)
				if err != nil {
					continue
				}
				ov.Properties[name] = b
			}
		}
		if pos, ok := a.spatial.PositionOf(o.ID); ok {
			ov.Position = [3]float64{pos.X, pos.Y, pos.Z}
			ov.HasPosition = true
		}
		snap.Objects = append(snap.Objects, ov)
	})
	sort.Slice(snap.Objects, func(i, j int) bool { return snap.Objects[i].ID < snap.Objects[j].ID })
	snap.Counters.NextObject = maxID

	a.relevancy.EachSetting(func(id uint64, rs RelevancySettings) {
		snap.Relevancy = append(snap.Relevancy, snapshot.RelevancyV1{
			ObjectID:    id,
			Level:       uint8(rs.Level),
			Frequency:   uint8(rs.Frequency),
			Priority:    rs.Priority,
			MaxDistance: rs.MaxDistance,
		})
	})
	sort.Slice(snap.Relevancy, func(i, j int) bool { return snap.Relevancy[i].ObjectID < snap.Relevancy[j].ObjectID })

	a.relevancy.EachZone(func(id uint64, zone uint32) {
		snap.Zones = append(snap.Zones, snapshot.ZoneV1{ObjectID: id, Zone: zone})
	})
	sort.Slice(snap.Zones, func(i, j int) bool {
		if snap.Zones[i].ObjectID != snap.Zones[j].ObjectID {
			return snap.Zones[i].ObjectID < snap.Zones[j].ObjectID
		}
		return snap.Zones[i].Zone < snap.Zones[j].Zone
	})

	return snap
}

// RestoreStateSnapshot loads a persisted state into a fresh Authority.
// It must run before the loop starts and before any mutation.
func (a *Authority) RestoreStateSnapshot(snap snapshot.StateV1) error {
	if a.objects.Len() != 0 {
		return protocol.Errorf(protocol.ErrValidationFailed, "restore requires an empty authority")
	}

	for _, cv := range snap.Classes {
		if err := a.props.RegisterClass(cv.ID, cv.Name); err != nil {
			return err
		}
		for _, pv := range cv.Properties {
			def := PropertyDefinition{
				Name:       pv.Name,
				Type:       protocol.PropertyType(pv.Type),
				Replicated: pv.Replicated,
				Condition:  ReplicationCondition(pv.Condition),
				ReadOnly:   pv.ReadOnly,
				Flags:      pv.Flags,
			}
			if err := a.props.RegisterProperty(cv.ID, def); err != nil {
				return err
			}
		}
	}

	for _, ov := range snap.Objects {
		o := &ObjectInstance{
			ID:          ov.ID,
			ClassID:     ov.ClassID,
			Name:        ov.Name,
			Owner:       ov.Owner,
			State:       Lifecycle(ov.State),
			CreatedTick: ov.CreatedTick,
		}
		if err := a.objects.Add(o); err != nil {
			return err
		}
		for name, raw := range ov.Properties {
			var v protocol.PropertyValue
			if err := json.Unmarshal(raw, &v); err != nil {
				return protocol.Errorf(protocol.ErrSerialization, "object %d property %q: %v", ov.ID, name, err)
			}
			if err := a.props.Set(o, name, v, true); err != nil {
				return fmt.Errorf("object %d property %q: %w", ov.ID, name, err)
			}
		}
		if ov.HasPosition {
			a.spatial.Upsert(ov.ID, protocol.Vector{X: ov.Position[0], Y: ov.Position[1], Z: ov.Position[2]})
		}
	}

	for _, rv := range snap.Relevancy {
		a.relevancy.Set(rv.ObjectID, RelevancySettings{
			Level:       RelevancyLevel(rv.Level),
			Frequency:   UpdateFrequency(rv.Frequency),
			Priority:    rv.Priority,
			MaxDistance: rv.MaxDistance,
		})
	}
	for _, zv := range snap.Zones {
		a.relevancy.AddToZone(zv.ObjectID, zv.Zone)
	}

	if snap.Counters.NextObject > 0 && !objectid.IsTemp(snap.Counters.NextObject) {
		a.alloc.Seed(snap.Counters.NextObject)
	}
	a.tick.Store(snap.Header.Tick)
	return nil
}
