package authority

import (
	"testing"

	"statecast.dev/internal/protocol"
	"statecast.dev/internal/sim/tuning"
)

func TestStateSnapshot_RoundTrip(t *testing.T) {
	a := newTestAuthority(t)

	o1, err := a.CreateObject(1, "hero", "c1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = a.ActivateObject(o1.ID)
	_ = a.SetProperty(o1.ID, "Health", protocol.Int32Value(42), "")
	_ = a.SetProperty(o1.ID, "Location", protocol.VectorValue(protocol.Vector{X: 10, Y: 20, Z: 30}), "")
	_ = a.SetRelevancy(o1.ID, RelevancySettings{Level: LevelDistanceBased, Frequency: FreqMedium, Priority: 5, MaxDistance: 123})
	_ = a.AddObjectToZone(o1.ID, 7)

	o2, err := a.CreateObject(1, "gone", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = a.ActivateObject(o2.ID)
	_ = a.DestroyObject(o2.ID, "")

	for i := 0; i < 5; i++ {
		a.Step()
	}

	snap := a.BuildStateSnapshot()
	if snap.Header.ServerID != "test" || snap.Header.Tick != a.CurrentTick() {
		t.Fatalf("header wrong: %+v", snap.Header)
	}
	if len(snap.Objects) != 1 {
		t.Fatalf("tombstones must not survive a restart, got %d objects", len(snap.Objects))
	}
	// The counter tracks the highest surviving id.
	if snap.Counters.NextObject != o1.ID {
		t.Fatalf("counter = %d", snap.Counters.NextObject)
	}

	b := New(Config{ID: "test", Tuning: tuning.Default()})
	if err := b.RestoreStateSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	ro := b.objects.Get(o1.ID)
	if ro == nil || ro.State != LifecycleActive || ro.Owner != "c1" || ro.Name != "hero" {
		t.Fatalf("restored object wrong: %+v", ro)
	}
	if v, ok := b.props.Get(o1.ID, "Health"); !ok || v.Type != protocol.PropInt32 || v.Int != 42 {
		t.Fatalf("restored Health wrong: %+v", v)
	}
	if pos, ok := b.spatial.PositionOf(o1.ID); !ok || pos.Y != 20 {
		t.Fatalf("restored position wrong: %+v", pos)
	}
	rs, ok := b.relevancy.Get(o1.ID)
	if !ok || rs.Level != LevelDistanceBased || rs.Frequency != FreqMedium || rs.Priority != 5 || rs.MaxDistance != 123 {
		t.Fatalf("restored relevancy wrong: %+v", rs)
	}
	if _, ok := b.relevancy.Zones(o1.ID)[7]; !ok {
		t.Fatalf("zone membership lost")
	}
	if b.CurrentTick() != snap.Header.Tick {
		t.Fatalf("tick not restored")
	}

	// New objects must not collide with restored ids.
	o3, err := b.CreateObject(1, "fresh", "")
	if err != nil {
		t.Fatalf("create after restore: %v", err)
	}
	if o3.ID <= o1.ID {
		t.Fatalf("allocator not reseeded: new id %d", o3.ID)
	}

	// Restore refuses to run on a populated authority.
	if err := b.RestoreStateSnapshot(snap); protocol.CodeOf(err) != protocol.ErrValidationFailed {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestStateSnapshot_StableOrdering(t *testing.T) {
	build := func() *Authority {
		a := newTestAuthority(t)
		for i := 0; i < 3; i++ {
			o, err := a.CreateObject(1, "", "")
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			_ = a.ActivateObject(o.ID)
			_ = a.SetRelevancy(o.ID, RelevancySettings{Level: LevelSameZone})
			_ = a.AddObjectToZone(o.ID, uint32(10-i))
			_ = a.AddObjectToZone(o.ID, uint32(20+i))
		}
		return a
	}

	s1 := build().BuildStateSnapshot()
	s2 := build().BuildStateSnapshot()

	if len(s1.Objects) != 3 || len(s1.Zones) != 6 {
		t.Fatalf("unexpected shape: %d objects, %d zones", len(s1.Objects), len(s1.Zones))
	}
	for i := range s1.Objects {
		if s1.Objects[i].ID != s2.Objects[i].ID {
			t.Fatalf("object ordering unstable at %d", i)
		}
	}
	for i := range s1.Zones {
		if s1.Zones[i] != s2.Zones[i] {
			t.Fatalf("zone ordering unstable at %d: %+v vs %+v", i, s1.Zones[i], s2.Zones[i])
		}
	}
	for i := 1; i < len(s1.Zones); i++ {
		prev, cur := s1.Zones[i-1], s1.Zones[i]
		if cur.ObjectID < prev.ObjectID || (cur.ObjectID == prev.ObjectID && cur.Zone < prev.Zone) {
			t.Fatalf("zones not sorted at %d", i)
		}
	}
}
