package authority

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"statecast.dev/internal/objectid"
	"statecast.dev/internal/persistence/snapshot"
	"statecast.dev/internal/protocol"
	"statecast.dev/internal/sim/tuning"
)

// Well-known table names for the table_update feed.
const (
	TableObjects   = "objects"
	TableRelevancy = "relevancy_settings"
	TableZones     = "zones"
)

// PropLocation is the conventional replicated position property. Writes
// to it also update the spatial index so distance relevancy stays
// O(1) per lookup.
const PropLocation = "Location"

type Config struct {
	ID     string
	Tuning tuning.Tuning
}

// ConnectRequest registers a client session that receives snapshot and
// table_update frames on Out.
type ConnectRequest struct {
	ClientID string
	Name     string
	Out      chan []byte
	Resp     chan ConnectResponse
}

type ConnectResponse struct {
	Params protocol.ServerParams
}

// CommandEnvelope carries one decoded client message into the loop.
// Exactly one field is non-nil.
type CommandEnvelope struct {
	ClientID  string
	Spawn     *protocol.SpawnMsg
	Update    *protocol.UpdateMsg
	Destroy   *protocol.DestroyMsg
	Subscribe *protocol.SubscribeMsg
}

type clientState struct {
	id   string
	name string
	out  chan []byte

	zones      map[uint32]struct{}
	viewObject uint64
	tables     map[string]struct{}
	onDemand   map[uint64]struct{}
	resync     bool
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

type TickLogEntry struct {
	Tick      uint64 `json:"tick"`
	Objects   int    `json:"objects"`
	Clients   int    `json:"clients"`
	Snapshots int    `json:"snapshots"`
	Digest    string `json:"digest"`
}

type AuditEntry struct {
	Tick     uint64 `json:"tick"`
	Actor    string `json:"actor"`
	Action   string `json:"action"` // e.g. "SPAWN", "DESTROY", "UPDATE_DENIED"
	ObjectID uint64 `json:"object_id,omitempty"`
	ClassID  uint32 `json:"class_id,omitempty"`
	Code     string `json:"code,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Authority is the single process holding ground-truth object and
// property state. All state must be accessed only from the authority
// loop goroutine; each scheduler tick is one unit of work and is never
// re-entered.
type Authority struct {
	cfg Config

	tick atomic.Uint64

	alloc     *objectid.Allocator
	objects   *ObjectRegistry
	props     *PropertyStore
	relevancy *RelevancyStore
	spatial   *SpatialIndex
	changes   *ChangeTracker
	engine    *RelevancyEngine
	builder   *SnapshotBuilder

	clients map[string]*clientState

	// Spawn-time relevancy defaults from the class registry config.
	classDefaults map[uint32]RelevancySettings

	// table_update rows queued since the last tick, per table.
	tableOps map[string][]protocol.TableOperation

	inbox      chan CommandEnvelope
	connect    chan ConnectRequest
	disconnect chan string
	stop       chan struct{}

	// Optional sinks (may be nil). Snapshot writing is off-thread.
	tickLogger   TickLogger
	auditLogger  AuditLogger
	snapshotSink chan<- snapshot.StateV1
}

func New(cfg Config) *Authority {
	if cfg.Tuning.TickRateHz <= 0 {
		cfg.Tuning = tuning.Default()
	}
	objects := NewObjectRegistry()
	props := NewPropertyStore()
	rel := NewRelevancyStore()
	spatial := NewSpatialIndex(cfg.Tuning.Relevancy.SpatialCellSize)
	a := &Authority{
		cfg:           cfg,
		alloc:         objectid.NewAllocator(),
		objects:       objects,
		props:         props,
		relevancy:     rel,
		spatial:       spatial,
		changes:       NewChangeTracker(),
		engine:        NewRelevancyEngine(cfg.Tuning.Relevancy, rel, objects, spatial),
		builder:       NewSnapshotBuilder(objects, props),
		clients:       map[string]*clientState{},
		classDefaults: map[uint32]RelevancySettings{},
		tableOps:      map[string][]protocol.TableOperation{},
		inbox:         make(chan CommandEnvelope, 1024),
		connect:       make(chan ConnectRequest, 64),
		disconnect:    make(chan string, 64),
		stop:          make(chan struct{}),
	}
	return a
}

func (a *Authority) SetTickLogger(l TickLogger)                  { a.tickLogger = l }
func (a *Authority) SetAuditLogger(l AuditLogger)                { a.auditLogger = l }
func (a *Authority) SetSnapshotSink(ch chan<- snapshot.StateV1)  { a.snapshotSink = ch }
func (a *Authority) SetCustomPredicate(fn CustomPredicate)       { a.engine.SetCustomPredicate(fn) }

func (a *Authority) Inbox() chan<- CommandEnvelope { return a.inbox }
func (a *Authority) Connect() chan<- ConnectRequest { return a.connect }
func (a *Authority) Disconnect() chan<- string      { return a.disconnect }

func (a *Authority) CurrentTick() uint64 { return a.tick.Load() }

func (a *Authority) ServerParams() protocol.ServerParams {
	r := a.cfg.Tuning.Relevancy
	return protocol.ServerParams{
		TickRateHz:       a.cfg.Tuning.TickRateHz,
		MediumEveryTicks: r.MediumEveryTicks,
		LowEveryTicks:    r.LowEveryTicks,
		DefaultMaxDist:   r.DefaultMaxDistance,
	}
}

// Run drives the loop: queued commands apply between ticks, the
// scheduler step fires on the ticker.
func (a *Authority) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(a.cfg.Tuning.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stop:
			return nil
		case req := <-a.connect:
			a.handleConnect(req)
		case id := <-a.disconnect:
			a.DisconnectClient(id)
		case env := <-a.inbox:
			a.applyCommand(env)
		case <-ticker.C:
			a.Step()
		}
	}
}

func (a *Authority) Stop() { close(a.stop) }

func (a *Authority) handleConnect(req ConnectRequest) {
	a.ConnectClient(req.ClientID, req.Name, req.Out)
	if req.Resp != nil {
		req.Resp <- ConnectResponse{Params: a.ServerParams()}
	}
}

// ConnectClient registers a session. Every client joins the global zone
// and starts with a pending full resync of its relevant set.
func (a *Authority) ConnectClient(id, name string, out chan []byte) *clientState {
	if old := a.clients[id]; old != nil && old.out != nil && old.out != out {
		close(old.out)
	}
	c := &clientState{
		id:       id,
		name:     name,
		out:      out,
		zones:    map[uint32]struct{}{GlobalZone: {}},
		tables:   map[string]struct{}{TableObjects: {}},
		onDemand: map[uint64]struct{}{},
		resync:   true,
	}
	a.clients[id] = c
	return c
}

func (a *Authority) DisconnectClient(id string) {
	c := a.clients[id]
	if c == nil {
		return
	}
	delete(a.clients, id)
	a.engine.DropClient(id)
	if c.out != nil {
		close(c.out)
	}
}

func (a *Authority) AddClientToZone(clientID string, zone uint32) error {
	c := a.clients[clientID]
	if c == nil {
		return protocol.Errorf(protocol.ErrNotFound, "client %s not connected", clientID)
	}
	c.zones[zone] = struct{}{}
	return nil
}

func (a *Authority) RemoveClientFromZone(clientID string, zone uint32) error {
	c := a.clients[clientID]
	if c == nil {
		return protocol.Errorf(protocol.ErrNotFound, "client %s not connected", clientID)
	}
	delete(c.zones, zone)
	return nil
}

// SetClientViewObject picks the object whose cached position is the
// client's viewpoint for distance relevancy.
func (a *Authority) SetClientViewObject(clientID string, objectID uint64) error {
	c := a.clients[clientID]
	if c == nil {
		return protocol.Errorf(protocol.ErrNotFound, "client %s not connected", clientID)
	}
	c.viewObject = objectID
	return nil
}

// RequestOnDemand marks an OnDemand-frequency object for inclusion in
// the client's next refresh. Consumed after one tick.
func (a *Authority) RequestOnDemand(clientID string, objectID uint64) error {
	c := a.clients[clientID]
	if c == nil {
		return protocol.Errorf(protocol.ErrNotFound, "client %s not connected", clientID)
	}
	c.onDemand[objectID] = struct{}{}
	return nil
}

// RegisterClass and RegisterProperty delegate to the property store.
func (a *Authority) RegisterClass(id uint32, name string) error {
	return a.props.RegisterClass(id, name)
}

func (a *Authority) RegisterProperty(classID uint32, def PropertyDefinition) error {
	return a.props.RegisterProperty(classID, def)
}

// CreateObject allocates an authority id and registers the object in
// Initializing state. The creation is queued for replication.
func (a *Authority) CreateObject(classID uint32, name, owner string) (*ObjectInstance, error) {
	if a.props.Class(classID) == nil {
		return nil, protocol.Errorf(protocol.ErrNotFound, "class %d not registered", classID)
	}
	o := &ObjectInstance{
		ID:          a.alloc.Next(),
		ClassID:     classID,
		Name:        name,
		Owner:       owner,
		State:       LifecycleInitializing,
		CreatedTick: a.tick.Load(),
	}
	if err := a.objects.Add(o); err != nil {
		return nil, err
	}
	a.changes.RecordNew(o.ID)
	return o, nil
}

// ActivateObject moves an object out of Initializing once its initial
// properties are in place.
func (a *Authority) ActivateObject(id uint64) error {
	o := a.objects.Get(id)
	if o == nil || o.State == LifecycleDestroyed {
		return protocol.Errorf(protocol.ErrNotFound, "object %d not found", id)
	}
	o.State = LifecycleActive
	return nil
}

// SetProperty validates and applies one property write. writer is the
// requesting client identity; empty means the authority itself. A
// failed write leaves every registry untouched.
func (a *Authority) SetProperty(objectID uint64, name string, value protocol.PropertyValue, writer string) error {
	o := a.objects.Get(objectID)
	if o == nil || o.State == LifecycleDestroyed {
		return protocol.Errorf(protocol.ErrNotFound, "object %d not found", objectID)
	}
	if writer != "" && o.Owner != writer {
		return protocol.Errorf(protocol.ErrPermissionDenied, "client %s does not own object %d", writer, objectID)
	}
	if err := a.props.Set(o, name, value, writer == ""); err != nil {
		return err
	}
	a.changes.RecordChange(objectID, name, a.tick.Load(), false)
	a.cachePosition(objectID, name, value)
	return nil
}

// cachePosition mirrors transform-bearing writes into the spatial index.
func (a *Authority) cachePosition(objectID uint64, name string, value protocol.PropertyValue) {
	if name != PropLocation {
		return
	}
	switch value.Type {
	case protocol.PropVector:
		a.spatial.Upsert(objectID, value.Vector)
	case protocol.PropTransform:
		a.spatial.Upsert(objectID, value.Transform.Position)
	}
}

// DestroyObject marks an object destroyed and discards its pending
// changes. requester semantics match SetProperty.
func (a *Authority) DestroyObject(objectID uint64, requester string) error {
	o := a.objects.Get(objectID)
	if o == nil || o.State == LifecycleDestroyed {
		return protocol.Errorf(protocol.ErrNotFound, "object %d not found", objectID)
	}
	if requester != "" && o.Owner != requester {
		return protocol.Errorf(protocol.ErrPermissionDenied, "client %s does not own object %d", requester, objectID)
	}
	if err := a.objects.MarkDestroyed(objectID, a.tick.Load()); err != nil {
		return err
	}
	a.changes.RecordDestroyed(objectID)
	a.audit(AuditEntry{Tick: a.tick.Load(), Actor: requester, Action: "DESTROY", ObjectID: objectID, ClassID: o.ClassID})
	return nil
}

// SetRelevancy installs the object's relevancy policy row and queues a
// table_update for subscribers.
func (a *Authority) SetRelevancy(objectID uint64, rs RelevancySettings) error {
	o := a.objects.Get(objectID)
	if o == nil || o.State == LifecycleDestroyed {
		return protocol.Errorf(protocol.ErrNotFound, "object %d not found", objectID)
	}
	_, existed := a.relevancy.Get(objectID)
	a.relevancy.Set(objectID, rs)
	op := "insert"
	if existed {
		op = "update"
	}
	a.queueTableOp(TableRelevancy, op, map[string]any{
		"object_id":    objectID,
		"level":        rs.Level.String(),
		"frequency":    rs.Frequency.String(),
		"priority":     rs.Priority,
		"max_distance": rs.MaxDistance,
	})
	return nil
}

func (a *Authority) AddObjectToZone(objectID uint64, zone uint32) error {
	o := a.objects.Get(objectID)
	if o == nil || o.State == LifecycleDestroyed {
		return protocol.Errorf(protocol.ErrNotFound, "object %d not found", objectID)
	}
	a.relevancy.AddToZone(objectID, zone)
	a.queueTableOp(TableZones, "insert", map[string]any{"object_id": objectID, "zone": zone})
	return nil
}

func (a *Authority) RemoveObjectFromZone(objectID uint64, zone uint32) error {
	if err := a.relevancy.RemoveFromZone(objectID, zone); err != nil {
		return err
	}
	a.queueTableOp(TableZones, "delete", map[string]any{"object_id": objectID, "zone": zone})
	return nil
}

func (a *Authority) queueTableOp(table, op string, row map[string]any) {
	enc := make(map[string]json.RawMessage, len(row))
	for k, v := range row {
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		enc[k] = b
	}
	a.tableOps[table] = append(a.tableOps[table], protocol.TableOperation{Op: op, Row: enc})
}

func (a *Authority) clientViews() []ClientView {
	views := make([]ClientView, 0, len(a.clients))
	for _, c := range a.clients {
		views = append(views, ClientView{
			ID:         c.id,
			Zones:      c.zones,
			ViewObject: c.viewObject,
			OnDemand:   c.onDemand,
		})
	}
	return views
}

// Step is one scheduler tick: flush the change tracker, purge expired
// tombstones, refresh the relevancy cache, then build and push one
// snapshot frame per client. External drivers (ticker, tests) decide
// when it runs; it must never be re-entered.
func (a *Authority) Step() {
	tick := a.tick.Add(1)

	delta := a.changes.Flush()

	retain := uint64(a.cfg.Tuning.TombstoneTicks)
	if retain == 0 {
		retain = 1
	}
	for _, id := range a.objects.PurgeTombstones(tick, retain) {
		a.props.Drop(id)
		a.relevancy.Drop(id)
		a.spatial.Remove(id)
	}

	a.engine.Refresh(a.clientViews())

	snapshots := 0
	for _, c := range a.clients {
		relevant, ok := a.engine.RelevantFor(c.id)
		seesAll := !ok && a.cfg.Tuning.Relevancy.MissingClientSeesAll

		var objs []protocol.ObjectSnapshot
		if c.resync {
			objs = a.builder.BuildFullFor(c.id, relevant, seesAll)
			c.resync = false
		} else {
			objs = a.builder.BuildForClient(c.id, delta, relevant, seesAll)
		}

		// On-demand requests are good for exactly one refresh.
		for id := range c.onDemand {
			delete(c.onDemand, id)
		}

		if len(objs) == 0 || c.out == nil {
			continue
		}
		msg := protocol.SnapshotMsg{
			Type:            protocol.TypeSnapshot,
			ProtocolVersion: protocol.Version,
			Tick:            tick,
			Objects:         objs,
		}
		b, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if trySend(c.out, b) {
			snapshots++
		}
	}

	a.flushTableOps()

	if a.tickLogger != nil {
		_ = a.tickLogger.WriteTick(TickLogEntry{
			Tick:      tick,
			Objects:   a.objects.Len(),
			Clients:   len(a.clients),
			Snapshots: snapshots,
			Digest:    a.digest(tick),
		})
	}

	if a.snapshotSink != nil && a.cfg.Tuning.SnapshotEveryTicks > 0 && tick%uint64(a.cfg.Tuning.SnapshotEveryTicks) == 0 {
		select {
		case a.snapshotSink <- a.BuildStateSnapshot():
		default:
			// Writer is behind; skip rather than stall the tick.
		}
	}
}

func (a *Authority) flushTableOps() {
	if len(a.tableOps) == 0 {
		return
	}
	for table, ops := range a.tableOps {
		msg := protocol.TableUpdateMsg{
			Type:       protocol.TypeTableUpdate,
			Table:      table,
			Operations: ops,
		}
		b, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		for _, c := range a.clients {
			if c.out == nil {
				continue
			}
			if _, subscribed := c.tables[table]; !subscribed {
				continue
			}
			_ = trySend(c.out, b)
		}
	}
	a.tableOps = map[string][]protocol.TableOperation{}
}

// digest is a stable fingerprint of object lifecycle state, written to
// the tick log for divergence checks.
func (a *Authority) digest(tick uint64) string {
	ids := make([]uint64, 0, a.objects.Len())
	a.objects.Each(func(o *ObjectInstance) { ids = append(ids, o.ID) })
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	h := sha256.New()
	fmt.Fprintf(h, "tick=%d\n", tick)
	for _, id := range ids {
		o := a.objects.Get(id)
		fmt.Fprintf(h, "%d:%d:%s:%s\n", o.ID, o.ClassID, o.Owner, o.State)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (a *Authority) audit(e AuditEntry) {
	if a.auditLogger != nil {
		_ = a.auditLogger.WriteAudit(e)
	}
}

func trySend(ch chan []byte, b []byte) bool {
	select {
	case ch <- b:
		return true
	default:
		return false
	}
}
