package authority

import (
	"statecast.dev/internal/sim/tuning"
)

// ClientView is the per-client input to a relevancy refresh: the
// client's zone memberships, its viewpoint object, and any explicit
// on-demand requests made since the last tick.
type ClientView struct {
	ID         string
	Zones      map[uint32]struct{}
	ViewObject uint64 // object whose cached position is the client's viewpoint; 0 = none
	OnDemand   map[uint64]struct{}
}

// CustomPredicate resolves LevelCustom objects. Returning true keeps
// the fail-open default.
type CustomPredicate func(clientID string, objectID uint64) bool

type evalEntry struct {
	id          uint64
	owner       string
	settings    RelevancySettings
	hasSettings bool
	zones       map[uint32]struct{}
}

// RelevancyEngine computes, per client, the set of currently relevant
// objects. Each refresh replaces the per-client cache wholesale; there
// is no incremental diffing. Accessed only from the authority loop.
type RelevancyEngine struct {
	cfg     tuning.Relevancy
	store   *RelevancyStore
	objects *ObjectRegistry
	spatial *SpatialIndex

	custom CustomPredicate

	tick  uint64
	cache map[string]map[uint64]struct{}

	// Flattened evaluation list, rebuilt only when the settings or
	// object registry versions move. The refresh itself must stay
	// O(clients x objects) map work, not O(n^2) scans.
	eval      []evalEntry
	evalStore uint64
	evalObj   uint64
	evalInit  bool
}

func NewRelevancyEngine(cfg tuning.Relevancy, store *RelevancyStore, objects *ObjectRegistry, spatial *SpatialIndex) *RelevancyEngine {
	return &RelevancyEngine{
		cfg:     cfg,
		store:   store,
		objects: objects,
		spatial: spatial,
		cache:   map[string]map[uint64]struct{}{},
	}
}

// SetCustomPredicate installs the resolver for LevelCustom objects.
func (e *RelevancyEngine) SetCustomPredicate(fn CustomPredicate) { e.custom = fn }

// Tick returns the engine's internal tick counter.
func (e *RelevancyEngine) Tick() uint64 { return e.tick }

// Refresh advances the internal tick and recomputes every client's
// relevant set from scratch.
func (e *RelevancyEngine) Refresh(clients []ClientView) {
	e.tick++
	e.reloadIfDirty()

	next := make(map[string]map[uint64]struct{}, len(clients))
	for _, c := range clients {
		set := make(map[uint64]struct{})
		for i := range e.eval {
			ent := &e.eval[i]
			if !e.passesFrequency(ent, c) {
				continue
			}
			if e.relevantTo(ent, c) {
				set[ent.id] = struct{}{}
			}
		}
		next[c.ID] = set
	}
	e.cache = next
}

// RelevantFor returns the cached set for a client. ok is false when the
// client is absent from the cache; per the fail-open policy the caller
// then treats every object as relevant.
func (e *RelevancyEngine) RelevantFor(clientID string) (map[uint64]struct{}, bool) {
	set, ok := e.cache[clientID]
	return set, ok
}

// DropClient forgets a disconnected client's cache entry.
func (e *RelevancyEngine) DropClient(clientID string) { delete(e.cache, clientID) }

func (e *RelevancyEngine) reloadIfDirty() {
	if e.evalInit && e.evalStore == e.store.Version() && e.evalObj == e.objects.Version() {
		return
	}
	e.eval = e.eval[:0]
	e.objects.Each(func(o *ObjectInstance) {
		rs, ok := e.store.Get(o.ID)
		e.eval = append(e.eval, evalEntry{
			id:          o.ID,
			owner:       o.Owner,
			settings:    rs,
			hasSettings: ok,
			zones:       e.store.Zones(o.ID),
		})
	})
	e.evalStore = e.store.Version()
	e.evalObj = e.objects.Version()
	e.evalInit = true
}

func (e *RelevancyEngine) passesFrequency(ent *evalEntry, c ClientView) bool {
	freq := FreqHigh
	if ent.hasSettings {
		freq = ent.settings.Frequency
	}
	switch freq {
	case FreqHigh:
		return true
	case FreqMedium:
		n := e.cfg.MediumEveryTicks
		if n <= 1 {
			return true
		}
		return e.tick%uint64(n) == 0
	case FreqLow:
		n := e.cfg.LowEveryTicks
		if n <= 1 {
			return true
		}
		return e.tick%uint64(n) == 0
	case FreqOnDemand:
		_, requested := c.OnDemand[ent.id]
		return requested
	}
	return true
}

func (e *RelevancyEngine) relevantTo(ent *evalEntry, c ClientView) bool {
	if !ent.hasSettings {
		// Fail-open: objects with no settings row default to always
		// relevant unless the deployment opted out.
		return e.cfg.MissingSettingsRelevant
	}
	switch ent.settings.Level {
	case LevelAlwaysRelevant:
		return true
	case LevelNeverRelevant:
		return false
	case LevelOwnerOnly:
		return ent.owner != "" && ent.owner == c.ID
	case LevelSameZone:
		return zonesIntersect(c.Zones, ent.zones)
	case LevelDistanceBased:
		maxDist := ent.settings.MaxDistance
		if maxDist <= 0 {
			maxDist = e.cfg.DefaultMaxDistance
		}
		if c.ViewObject == 0 {
			return true // no viewpoint yet: degrade permissively
		}
		d, ok := e.spatial.DistSqBetween(c.ViewObject, ent.id)
		if !ok {
			return true // position not cached: degrade permissively
		}
		return d <= maxDist*maxDist
	case LevelCustom:
		if e.custom == nil {
			return true
		}
		return e.custom(c.ID, ent.id)
	}
	return true
}
