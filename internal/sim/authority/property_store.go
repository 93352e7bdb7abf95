package authority

import (
	"statecast.dev/internal/protocol"
)

// ReplicationCondition controls when a replicated property is included
// in a snapshot.
type ReplicationCondition uint8

const (
	CondOnChange ReplicationCondition = iota // default: replicate when dirty
	CondAlways                               // replicate in every snapshot
	CondInitial                              // full snapshots only, never in deltas
	CondOwnerOnly                            // replicate only to the owning client
	CondServerOnly                           // never leaves the authority
	CondCustom                               // deferred to a registered predicate
)

func (c ReplicationCondition) String() string {
	switch c {
	case CondOnChange:
		return "on_change"
	case CondAlways:
		return "always"
	case CondInitial:
		return "initial"
	case CondOwnerOnly:
		return "owner_only"
	case CondServerOnly:
		return "server_only"
	case CondCustom:
		return "custom"
	}
	return "unknown"
}

// PropertyDefinition is the per-(class, name) schema entry.
type PropertyDefinition struct {
	Name       string
	Type       protocol.PropertyType
	Replicated bool
	Condition  ReplicationCondition
	ReadOnly   bool // writable only by the authority itself
	Flags      uint32
}

// ClassDefinition groups the property definitions of one class.
type ClassDefinition struct {
	ID   uint32
	Name string

	props map[string]PropertyDefinition
}

func (c *ClassDefinition) Property(name string) (PropertyDefinition, bool) {
	d, ok := c.props[name]
	return d, ok
}

// ReplicatedProperties returns the replicated definitions in unspecified
// order.
func (c *ClassDefinition) ReplicatedProperties() []PropertyDefinition {
	out := make([]PropertyDefinition, 0, len(c.props))
	for _, d := range c.props {
		if d.Replicated {
			out = append(out, d)
		}
	}
	return out
}

// PropertyStore holds class schemas and per-object property values.
// Accessed only from the authority loop.
type PropertyStore struct {
	classes map[uint32]*ClassDefinition
	values  map[uint64]map[string]protocol.PropertyValue
}

func NewPropertyStore() *PropertyStore {
	return &PropertyStore{
		classes: map[uint32]*ClassDefinition{},
		values:  map[uint64]map[string]protocol.PropertyValue{},
	}
}

func (s *PropertyStore) RegisterClass(id uint32, name string) error {
	if _, ok := s.classes[id]; ok {
		return protocol.Errorf(protocol.ErrAlreadyExists, "class %d already registered", id)
	}
	s.classes[id] = &ClassDefinition{ID: id, Name: name, props: map[string]PropertyDefinition{}}
	return nil
}

func (s *PropertyStore) RegisterProperty(classID uint32, def PropertyDefinition) error {
	c := s.classes[classID]
	if c == nil {
		return protocol.Errorf(protocol.ErrNotFound, "class %d not registered", classID)
	}
	if def.Name == "" {
		return protocol.Errorf(protocol.ErrValidationFailed, "property name must not be empty")
	}
	if _, ok := c.props[def.Name]; ok {
		return protocol.Errorf(protocol.ErrAlreadyExists, "class %d property %q already registered", classID, def.Name)
	}
	c.props[def.Name] = def
	return nil
}

func (s *PropertyStore) Class(id uint32) *ClassDefinition { return s.classes[id] }

// Check validates a write against the class schema without applying
// it. Callers applying several writes as one unit Check them all first
// so a late failure cannot leave a partial write behind.
//
// fromAuthority distinguishes server-side mutation from client-driven
// writes; only the former may touch read-only properties.
func (s *PropertyStore) Check(obj *ObjectInstance, name string, value protocol.PropertyValue, fromAuthority bool) error {
	if obj == nil {
		return protocol.Errorf(protocol.ErrNotFound, "object is nil")
	}
	c := s.classes[obj.ClassID]
	if c == nil {
		return protocol.Errorf(protocol.ErrNotFound, "class %d not registered", obj.ClassID)
	}
	def, ok := c.props[name]
	if !ok {
		return protocol.Errorf(protocol.ErrNotFound, "class %d has no property %q", obj.ClassID, name)
	}
	if def.ReadOnly && !fromAuthority {
		return protocol.Errorf(protocol.ErrPermissionDenied, "property %q is read-only", name)
	}
	if !typeCompatible(def.Type, value.Type) {
		return protocol.Errorf(protocol.ErrTypeMismatch, "property %q wants %s, got %s", name, def.Type, value.Type)
	}
	if value.HasNaN() {
		return protocol.Errorf(protocol.ErrValidationFailed, "property %q: NaN component", name)
	}
	return nil
}

// Set validates a write against the class schema and stores it.
// Failed writes leave the store untouched.
func (s *PropertyStore) Set(obj *ObjectInstance, name string, value protocol.PropertyValue, fromAuthority bool) error {
	if err := s.Check(obj, name, value, fromAuthority); err != nil {
		return err
	}
	m := s.values[obj.ID]
	if m == nil {
		m = map[string]protocol.PropertyValue{}
		s.values[obj.ID] = m
	}
	m[name] = value
	return nil
}

// typeCompatible: Custom definitions accept any payload; None means the
// property was cleared.
func typeCompatible(want, got protocol.PropertyType) bool {
	if want == protocol.PropCustom || got == protocol.PropNone {
		return true
	}
	return want == got
}

func (s *PropertyStore) Get(objectID uint64, name string) (protocol.PropertyValue, bool) {
	v, ok := s.values[objectID][name]
	return v, ok
}

// Values returns the object's live property map (not a copy; callers
// must not mutate it).
func (s *PropertyStore) Values(objectID uint64) map[string]protocol.PropertyValue {
	return s.values[objectID]
}

// Drop discards all values of a purged object.
func (s *PropertyStore) Drop(objectID uint64) { delete(s.values, objectID) }

// EachClass iterates the registered classes in unspecified order.
func (s *PropertyStore) EachClass(fn func(*ClassDefinition)) {
	for _, c := range s.classes {
		fn(c)
	}
}

// Properties returns every definition of the class in unspecified order.
func (c *ClassDefinition) Properties() []PropertyDefinition {
	out := make([]PropertyDefinition, 0, len(c.props))
	for _, d := range c.props {
		out = append(out, d)
	}
	return out
}
