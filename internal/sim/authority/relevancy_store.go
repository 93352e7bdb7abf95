package authority

import (
	"statecast.dev/internal/protocol"
)

// RelevancyLevel decides whether a client sees an object at all.
type RelevancyLevel uint8

const (
	LevelAlwaysRelevant RelevancyLevel = iota
	LevelOwnerOnly
	LevelDistanceBased
	LevelSameZone
	LevelCustom
	LevelNeverRelevant
)

func (l RelevancyLevel) String() string {
	switch l {
	case LevelAlwaysRelevant:
		return "always_relevant"
	case LevelOwnerOnly:
		return "owner_only"
	case LevelDistanceBased:
		return "distance_based"
	case LevelSameZone:
		return "same_zone"
	case LevelCustom:
		return "custom"
	case LevelNeverRelevant:
		return "never_relevant"
	}
	return "unknown"
}

// UpdateFrequency gates how often a relevant object is rescanned.
type UpdateFrequency uint8

const (
	FreqHigh   UpdateFrequency = iota // every tick
	FreqMedium                        // every 2nd tick
	FreqLow                           // every 4th tick
	FreqOnDemand                      // never automatically
)

func (f UpdateFrequency) String() string {
	switch f {
	case FreqHigh:
		return "high"
	case FreqMedium:
		return "medium"
	case FreqLow:
		return "low"
	case FreqOnDemand:
		return "on_demand"
	}
	return "unknown"
}

// RelevancySettings is the per-object relevancy policy row. Objects
// with no row fall back to the fail-open defaults in Config.
type RelevancySettings struct {
	Level       RelevancyLevel
	Frequency   UpdateFrequency
	Priority    int32
	MaxDistance float64 // 0 means "use the tuned default"
}

// GlobalZone is joined by every client on connect.
const GlobalZone uint32 = 0

// RelevancyStore holds settings rows and object zone memberships.
// Accessed only from the authority loop.
type RelevancyStore struct {
	settings map[uint64]RelevancySettings
	zones    map[uint64]map[uint32]struct{} // object -> zones
	version  uint64
}

func NewRelevancyStore() *RelevancyStore {
	return &RelevancyStore{
		settings: map[uint64]RelevancySettings{},
		zones:    map[uint64]map[uint32]struct{}{},
	}
}

// Version increments on any row change; the engine rebuilds its
// evaluation cache when it moves.
func (s *RelevancyStore) Version() uint64 { return s.version }

func (s *RelevancyStore) Set(objectID uint64, rs RelevancySettings) {
	s.settings[objectID] = rs
	s.version++
}

func (s *RelevancyStore) Get(objectID uint64) (RelevancySettings, bool) {
	rs, ok := s.settings[objectID]
	return rs, ok
}

func (s *RelevancyStore) AddToZone(objectID uint64, zone uint32) {
	m := s.zones[objectID]
	if m == nil {
		m = map[uint32]struct{}{}
		s.zones[objectID] = m
	}
	if _, ok := m[zone]; ok {
		return
	}
	m[zone] = struct{}{}
	s.version++
}

func (s *RelevancyStore) RemoveFromZone(objectID uint64, zone uint32) error {
	m := s.zones[objectID]
	if m == nil {
		return protocol.Errorf(protocol.ErrNotFound, "object %d has no zone memberships", objectID)
	}
	if _, ok := m[zone]; !ok {
		return protocol.Errorf(protocol.ErrNotFound, "object %d not in zone %d", objectID, zone)
	}
	delete(m, zone)
	if len(m) == 0 {
		delete(s.zones, objectID)
	}
	s.version++
	return nil
}

// Zones returns the object's zone set (not a copy).
func (s *RelevancyStore) Zones(objectID uint64) map[uint32]struct{} { return s.zones[objectID] }

// Drop removes all rows of a purged object.
func (s *RelevancyStore) Drop(objectID uint64) {
	_, hadSettings := s.settings[objectID]
	_, hadZones := s.zones[objectID]
	delete(s.settings, objectID)
	delete(s.zones, objectID)
	if hadSettings || hadZones {
		s.version++
	}
}

// EachSetting iterates the settings rows in unspecified order.
func (s *RelevancyStore) EachSetting(fn func(objectID uint64, rs RelevancySettings)) {
	for id, rs := range s.settings {
		fn(id, rs)
	}
}

// EachZone iterates every (object, zone) membership pair.
func (s *RelevancyStore) EachZone(fn func(objectID uint64, zone uint32)) {
	for id, zones := range s.zones {
		for z := range zones {
			fn(id, z)
		}
	}
}

// zonesIntersect reports whether the two sets share a member. Iterates
// the smaller set: both are typically tiny.
func zonesIntersect(a, b map[uint32]struct{}) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	if len(b) < len(a) {
		a, b = b, a
	}
	for z := range a {
		if _, ok := b[z]; ok {
			return true
		}
	}
	return false
}
