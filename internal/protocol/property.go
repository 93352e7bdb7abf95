package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"strconv"
)

// PropertyType is the wire tag of a property value.
type PropertyType string

const (
	PropNone            PropertyType = "None"
	PropBool            PropertyType = "Bool"
	PropByte            PropertyType = "Byte"
	PropInt32           PropertyType = "Int32"
	PropInt64           PropertyType = "Int64"
	PropUInt32          PropertyType = "UInt32"
	PropUInt64          PropertyType = "UInt64"
	PropFloat           PropertyType = "Float"
	PropDouble          PropertyType = "Double"
	PropString          PropertyType = "String"
	PropName            PropertyType = "Name"
	PropText            PropertyType = "Text"
	PropVector          PropertyType = "Vector"
	PropRotator         PropertyType = "Rotator"
	PropQuat            PropertyType = "Quat"
	PropTransform       PropertyType = "Transform"
	PropColor           PropertyType = "Color"
	PropObjectReference PropertyType = "ObjectReference"
	PropClassReference  PropertyType = "ClassReference"
	PropArray           PropertyType = "Array"
	PropMap             PropertyType = "Map"
	PropSet             PropertyType = "Set"
	PropCustom          PropertyType = "Custom"
)

type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Rotator struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
}

type Quat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

type Transform struct {
	Position Vector `json:"position"`
	Rotation Quat   `json:"rotation"`
	Scale    Vector `json:"scale"`
}

type Color struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
	A float64 `json:"a"`
}

// PropertyValue is a tagged union. Exactly the field family selected by
// Type is meaningful; the rest are zero. Containers (Array/Map/Set) and
// Custom keep their JSON payload opaque.
type PropertyValue struct {
	Type PropertyType

	Bool      bool
	Int       int64   // Byte, Int32, Int64
	Uint      uint64  // UInt32, UInt64
	Float     float64 // Float, Double
	Str       string  // String, Name, Text, ClassReference
	Vector    Vector
	Rotator   Rotator
	Quat      Quat
	Transform Transform
	Color     Color
	ObjectRef uint64
	Raw       json.RawMessage // Array, Map, Set, Custom

	// Inferred is set when the payload carried no type tag and the
	// shape was guessed structurally. Callers should treat this as a
	// logged anomaly, not a normal decode.
	Inferred bool
}

// Convenience constructors for the common variants.
func BoolValue(v bool) PropertyValue      { return PropertyValue{Type: PropBool, Bool: v} }
func ByteValue(v uint8) PropertyValue     { return PropertyValue{Type: PropByte, Int: int64(v)} }
func Int32Value(v int32) PropertyValue    { return PropertyValue{Type: PropInt32, Int: int64(v)} }
func Int64Value(v int64) PropertyValue    { return PropertyValue{Type: PropInt64, Int: v} }
func UInt32Value(v uint32) PropertyValue  { return PropertyValue{Type: PropUInt32, Uint: uint64(v)} }
func UInt64Value(v uint64) PropertyValue  { return PropertyValue{Type: PropUInt64, Uint: v} }
func FloatValue(v float32) PropertyValue  { return PropertyValue{Type: PropFloat, Float: float64(v)} }
func DoubleValue(v float64) PropertyValue { return PropertyValue{Type: PropDouble, Float: v} }
func StringValue(v string) PropertyValue  { return PropertyValue{Type: PropString, Str: v} }
func NameValue(v string) PropertyValue    { return PropertyValue{Type: PropName, Str: v} }
func VectorValue(v Vector) PropertyValue  { return PropertyValue{Type: PropVector, Vector: v} }
func QuatValue(v Quat) PropertyValue      { return PropertyValue{Type: PropQuat, Quat: v} }
func TransformValue(v Transform) PropertyValue {
	return PropertyValue{Type: PropTransform, Transform: v}
}
func ObjectRefValue(id uint64) PropertyValue {
	return PropertyValue{Type: PropObjectReference, ObjectRef: id}
}
func ClassRefValue(name string) PropertyValue {
	return PropertyValue{Type: PropClassReference, Str: name}
}
func CustomValue(raw json.RawMessage) PropertyValue {
	return PropertyValue{Type: PropCustom, Raw: raw}
}
func NoneValue() PropertyValue { return PropertyValue{Type: PropNone} }

type propertyEnvelope struct {
	Type  PropertyType    `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (v PropertyValue) MarshalJSON() ([]byte, error) {
	var inner any
	switch v.Type {
	case PropNone, "":
		inner = nil
	case PropBool:
		inner = v.Bool
	case PropByte, PropInt32, PropInt64:
		inner = v.Int
	case PropUInt32:
		inner = v.Uint
	case PropUInt64:
		// Encoded as string: 64-bit values do not survive IEEE-754
		// JSON consumers.
		inner = strconv.FormatUint(v.Uint, 10)
	case PropFloat, PropDouble:
		inner = v.Float
	case PropString, PropName, PropText, PropClassReference:
		inner = v.Str
	case PropVector:
		inner = v.Vector
	case PropRotator:
		inner = v.Rotator
	case PropQuat:
		inner = v.Quat
	case PropTransform:
		inner = v.Transform
	case PropColor:
		inner = v.Color
	case PropObjectReference:
		inner = v.ObjectRef
	case PropArray, PropMap, PropSet, PropCustom:
		if len(v.Raw) == 0 {
			inner = nil
		} else {
			inner = v.Raw
		}
	default:
		return nil, Errorf(ErrSerialization, "unknown property type %q", v.Type)
	}
	t := v.Type
	if t == "" {
		t = PropNone
	}
	raw, err := json.Marshal(inner)
	if err != nil {
		return nil, Errorf(ErrSerialization, "encode %s: %v", t, err)
	}
	return json.Marshal(propertyEnvelope{Type: t, Value: raw})
}

func (v *PropertyValue) UnmarshalJSON(b []byte) error {
	var env propertyEnvelope
	if err := json.Unmarshal(b, &env); err != nil || env.Type == "" {
		// Untagged payload: fall back to structural inference. This is
		// a legacy convenience only; Inferred is set so callers can
		// flag the anomaly.
		inferred, ok := inferValue(b)
		if !ok {
			return Errorf(ErrSerialization, "property value: no type tag and no inferable shape")
		}
		*v = inferred
		return nil
	}
	decoded, err := decodeTagged(env.Type, env.Value)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func decodeTagged(t PropertyType, raw json.RawMessage) (PropertyValue, error) {
	v := PropertyValue{Type: t}
	fail := func(err error) (PropertyValue, error) {
		return PropertyValue{}, Errorf(ErrSerialization, "decode %s: %v", t, err)
	}
	switch t {
	case PropNone:
	case PropBool:
		if err := json.Unmarshal(raw, &v.Bool); err != nil {
			return fail(err)
		}
	case PropByte:
		var n uint8
		if err := json.Unmarshal(raw, &n); err != nil {
			return fail(err)
		}
		v.Int = int64(n)
	case PropInt32:
		var n int32
		if err := json.Unmarshal(raw, &n); err != nil {
			return fail(err)
		}
		v.Int = int64(n)
	case PropInt64:
		if err := json.Unmarshal(raw, &v.Int); err != nil {
			return fail(err)
		}
	case PropUInt32:
		var n uint32
		if err := json.Unmarshal(raw, &n); err != nil {
			return fail(err)
		}
		v.Uint = uint64(n)
	case PropUInt64:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fail(err)
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fail(err)
		}
		v.Uint = n
	case PropFloat, PropDouble:
		if err := json.Unmarshal(raw, &v.Float); err != nil {
			return fail(err)
		}
	case PropString, PropName, PropText, PropClassReference:
		if err := json.Unmarshal(raw, &v.Str); err != nil {
			return fail(err)
		}
	case PropVector:
		if err := json.Unmarshal(raw, &v.Vector); err != nil {
			return fail(err)
		}
	case PropRotator:
		if err := json.Unmarshal(raw, &v.Rotator); err != nil {
			return fail(err)
		}
	case PropQuat:
		if err := json.Unmarshal(raw, &v.Quat); err != nil {
			return fail(err)
		}
	case PropTransform:
		if err := json.Unmarshal(raw, &v.Transform); err != nil {
			return fail(err)
		}
	case PropColor:
		if err := json.Unmarshal(raw, &v.Color); err != nil {
			return fail(err)
		}
	case PropObjectReference:
		if err := json.Unmarshal(raw, &v.ObjectRef); err != nil {
			return fail(err)
		}
	case PropArray, PropMap, PropSet, PropCustom:
		v.Raw = append(json.RawMessage(nil), raw...)
	default:
		return PropertyValue{}, Errorf(ErrSerialization, "unknown property type %q", t)
	}
	return v, nil
}

// inferValue guesses the variant of an untagged JSON payload. Object
// shapes are matched on exact key sets so a map that merely contains
// an "x" key is not mistaken for geometry.
func inferValue(b []byte) (PropertyValue, bool) {
	var any0 any
	if err := json.Unmarshal(b, &any0); err != nil {
		return PropertyValue{}, false
	}
	switch val := any0.(type) {
	case nil:
		return PropertyValue{Type: PropNone, Inferred: true}, true
	case bool:
		return PropertyValue{Type: PropBool, Bool: val, Inferred: true}, true
	case string:
		return PropertyValue{Type: PropString, Str: val, Inferred: true}, true
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return PropertyValue{Type: PropInt64, Int: int64(val), Inferred: true}, true
		}
		return PropertyValue{Type: PropDouble, Float: val, Inferred: true}, true
	case []any:
		return PropertyValue{Type: PropArray, Raw: compactRaw(b), Inferred: true}, true
	case map[string]any:
		if v, ok := inferObject(val, b); ok {
			return v, true
		}
		return PropertyValue{Type: PropMap, Raw: compactRaw(b), Inferred: true}, true
	}
	return PropertyValue{}, false
}

func inferObject(m map[string]any, raw []byte) (PropertyValue, bool) {
	keys := func(names ...string) bool {
		if len(m) != len(names) {
			return false
		}
		for _, n := range names {
			if _, ok := m[n]; !ok {
				return false
			}
		}
		return true
	}
	num := func(k string) float64 {
		f, _ := m[k].(float64)
		return f
	}
	switch {
	case keys("x", "y", "z"):
		return PropertyValue{Type: PropVector, Vector: Vector{X: num("x"), Y: num("y"), Z: num("z")}, Inferred: true}, true
	case keys("x", "y", "z", "w"):
		return PropertyValue{Type: PropQuat, Quat: Quat{X: num("x"), Y: num("y"), Z: num("z"), W: num("w")}, Inferred: true}, true
	case keys("pitch", "yaw", "roll"):
		return PropertyValue{Type: PropRotator, Rotator: Rotator{Pitch: num("pitch"), Yaw: num("yaw"), Roll: num("roll")}, Inferred: true}, true
	case keys("r", "g", "b", "a"):
		return PropertyValue{Type: PropColor, Color: Color{R: num("r"), G: num("g"), B: num("b"), A: num("a")}, Inferred: true}, true
	case keys("position", "rotation", "scale"):
		var t Transform
		if err := json.Unmarshal(raw, &t); err != nil {
			return PropertyValue{}, false
		}
		return PropertyValue{Type: PropTransform, Transform: t, Inferred: true}, true
	}
	return PropertyValue{}, false
}

func compactRaw(b []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return append(json.RawMessage(nil), b...)
	}
	return append(json.RawMessage(nil), buf.Bytes()...)
}

// Equal compares two values. Opaque payloads compare structurally, not
// byte-wise, so key order does not matter.
func (v PropertyValue) Equal(o PropertyValue) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case PropNone, "":
		return true
	case PropBool:
		return v.Bool == o.Bool
	case PropByte, PropInt32, PropInt64:
		return v.Int == o.Int
	case PropUInt32, PropUInt64:
		return v.Uint == o.Uint
	case PropFloat, PropDouble:
		return v.Float == o.Float
	case PropString, PropName, PropText, PropClassReference:
		return v.Str == o.Str
	case PropVector:
		return v.Vector == o.Vector
	case PropRotator:
		return v.Rotator == o.Rotator
	case PropQuat:
		return v.Quat == o.Quat
	case PropTransform:
		return v.Transform == o.Transform
	case PropColor:
		return v.Color == o.Color
	case PropObjectReference:
		return v.ObjectRef == o.ObjectRef
	case PropArray, PropMap, PropSet, PropCustom:
		return jsonEqual(v.Raw, o.Raw)
	}
	return false
}

func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// HasNaN reports whether any float component is NaN. NaN never survives
// validation: it poisons distance math on the relevancy path.
func (v PropertyValue) HasNaN() bool {
	nan := math.IsNaN
	switch v.Type {
	case PropFloat, PropDouble:
		return nan(v.Float)
	case PropVector:
		return nan(v.Vector.X) || nan(v.Vector.Y) || nan(v.Vector.Z)
	case PropRotator:
		return nan(v.Rotator.Pitch) || nan(v.Rotator.Yaw) || nan(v.Rotator.Roll)
	case PropQuat:
		return nan(v.Quat.X) || nan(v.Quat.Y) || nan(v.Quat.Z) || nan(v.Quat.W)
	case PropColor:
		return nan(v.Color.R) || nan(v.Color.G) || nan(v.Color.B) || nan(v.Color.A)
	case PropTransform:
		t := v.Transform
		return VectorValue(t.Position).HasNaN() || QuatValue(t.Rotation).HasNaN() || VectorValue(t.Scale).HasNaN()
	}
	return false
}
