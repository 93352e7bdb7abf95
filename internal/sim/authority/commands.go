package authority

import (
	"encoding/json"

	"statecast.dev/internal/protocol"
)

func (a *Authority) applyCommand(env CommandEnvelope) {
	switch {
	case env.Spawn != nil:
		a.handleSpawn(env.ClientID, env.Spawn)
	case env.Update != nil:
		a.handleUpdate(env.ClientID, env.Update)
	case env.Destroy != nil:
		a.handleDestroy(env.ClientID, env.Destroy)
	case env.Subscribe != nil:
		a.handleSubscribe(env.ClientID, env.Subscribe)
	}
}

// handleSpawn confirms or rejects an optimistic client creation. The
// whole spawn is one unit: every initial property is validated before
// the object exists, so a rejected spawn leaves no trace.
func (a *Authority) handleSpawn(clientID string, msg *protocol.SpawnMsg) {
	tick := a.tick.Load()
	reject := func(code, reason string) {
		a.audit(AuditEntry{Tick: tick, Actor: clientID, Action: "SPAWN_DENIED", ClassID: msg.ClassID, Code: code, Reason: reason})
		a.sendSpawnResult(clientID, protocol.SpawnResultMsg{
			Type:            protocol.TypeSpawnResult,
			ProtocolVersion: protocol.Version,
			TempID:          msg.TempID,
			ObjectID:        0,
			Error:           reason,
			Code:            code,
		})
	}

	class := a.props.Class(msg.ClassID)
	if class == nil {
		reject(protocol.ErrNotFound, "unknown class")
		return
	}

	// Decode and validate the initial properties up front.
	type initial struct {
		name  string
		value protocol.PropertyValue
	}
	probe := &ObjectInstance{ClassID: msg.ClassID}
	decoded := make([]initial, 0, len(msg.InitialProps))
	for _, p := range msg.InitialProps {
		var v protocol.PropertyValue
		if err := json.Unmarshal([]byte(p.Value), &v); err != nil {
			reject(protocol.CodeOf(err), "initial property "+p.Name+": undecodable value")
			return
		}
		if err := a.props.Check(probe, p.Name, v, true); err != nil {
			reject(protocol.CodeOf(err), "initial property "+p.Name+": rejected")
			return
		}
		decoded = append(decoded, initial{name: p.Name, value: v})
	}

	o, err := a.CreateObject(msg.ClassID, msg.ActorName, clientID)
	if err != nil {
		reject(protocol.CodeOf(err), err.Error())
		return
	}

	for _, p := range decoded {
		_ = a.props.Set(o, p.name, p.value, true)
		a.changes.RecordChange(o.ID, p.name, tick, false)
		a.cachePosition(o.ID, p.name, p.value)
	}

	pos := protocol.Vector{X: float64(msg.Position[0]), Y: float64(msg.Position[1]), Z: float64(msg.Position[2])}
	a.spatial.Upsert(o.ID, pos)
	if def, ok := class.Property(PropLocation); ok && def.Type == protocol.PropVector {
		if _, set := a.props.Get(o.ID, PropLocation); !set {
			_ = a.props.Set(o, PropLocation, protocol.VectorValue(pos), true)
			a.changes.RecordChange(o.ID, PropLocation, tick, false)
		}
	}

	_ = a.ActivateObject(o.ID)
	if rs, ok := a.classDefaults[o.ClassID]; ok {
		_ = a.SetRelevancy(o.ID, rs)
	}
	a.audit(AuditEntry{Tick: tick, Actor: clientID, Action: "SPAWN", ObjectID: o.ID, ClassID: o.ClassID})

	a.sendSpawnResult(clientID, protocol.SpawnResultMsg{
		Type:            protocol.TypeSpawnResult,
		ProtocolVersion: protocol.Version,
		TempID:          msg.TempID,
		ObjectID:        o.ID,
	})
}

func (a *Authority) sendSpawnResult(clientID string, msg protocol.SpawnResultMsg) {
	c := a.clients[clientID]
	if c == nil || c.out == nil {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = trySend(c.out, b)
}

// handleUpdate applies an owner's property writes as one unit: all
// writes are checked first, so a failing property means nothing is
// applied. A successful update carrying a prediction sequence is
// acknowledged back to the owner.
func (a *Authority) handleUpdate(clientID string, msg *protocol.UpdateMsg) {
	tick := a.tick.Load()
	deny := func(code, reason string) {
		a.audit(AuditEntry{Tick: tick, Actor: clientID, Action: "UPDATE_DENIED", ObjectID: msg.ObjectID, Code: code, Reason: reason})
	}

	o := a.objects.Get(msg.ObjectID)
	if o == nil || o.State == LifecycleDestroyed {
		deny(protocol.ErrNotFound, "object not found")
		return
	}
	if o.Owner != clientID {
		deny(protocol.ErrPermissionDenied, "not the owner")
		return
	}

	for name, v := range msg.Properties {
		if err := a.props.Check(o, name, v, false); err != nil {
			deny(protocol.CodeOf(err), err.Error())
			return
		}
	}
	for name, v := range msg.Properties {
		_ = a.props.Set(o, name, v, false)
		a.changes.RecordChange(o.ID, name, tick, false)
		a.cachePosition(o.ID, name, v)
	}

	if msg.Sequence != 0 {
		a.sendAck(clientID, msg.ObjectID, msg.Sequence)
	}
}

func (a *Authority) sendAck(clientID string, objectID uint64, seq uint32) {
	c := a.clients[clientID]
	if c == nil || c.out == nil {
		return
	}
	b, err := json.Marshal(protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		ObjectID:        objectID,
		Sequence:        seq,
	})
	if err != nil {
		return
	}
	_ = trySend(c.out, b)
}

func (a *Authority) handleDestroy(clientID string, msg *protocol.DestroyMsg) {
	if err := a.DestroyObject(msg.ObjectID, clientID); err != nil {
		a.audit(AuditEntry{
			Tick:     a.tick.Load(),
			Actor:    clientID,
			Action:   "DESTROY_DENIED",
			ObjectID: msg.ObjectID,
			Code:     protocol.CodeOf(err),
			Reason:   err.Error(),
		})
	}
}

// handleSubscribe toggles table_update subscriptions. Re-subscribing to
// the objects table triggers a full resync of the relevant set.
func (a *Authority) handleSubscribe(clientID string, msg *protocol.SubscribeMsg) {
	c := a.clients[clientID]
	if c == nil || msg.Table == "" {
		return
	}
	switch msg.Type {
	case protocol.TypeSubscribe:
		c.tables[msg.Table] = struct{}{}
		if msg.Table == TableObjects {
			c.resync = true
		}
	case protocol.TypeUnsubscribe:
		delete(c.tables, msg.Table)
	}
}
