package document

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/ajitpratap0/lakesync/pkg/json"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindScalar
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	}
	return "null"
}

// Value is a document field value: Null, Scalar, Object or Array. Scalars
// are string, bool, int64, float64 or json.Number.
type Value struct {
	kind   Kind
	scalar interface{}
	object map[string]Value
	array  []Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string scalar.
func String(s string) Value { return Value{kind: KindScalar, scalar: s} }

// Bool returns a boolean scalar.
func Bool(b bool) Value { return Value{kind: KindScalar, scalar: b} }

// Int returns an integer scalar.
func Int(n int64) Value { return Value{kind: KindScalar, scalar: n} }

// Float returns a float scalar; NaN and infinities become null.
func Float(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Null()
	}
	return Value{kind: KindScalar, scalar: f}
}

// Object returns an object value.
func Object(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{kind: KindObject, object: fields}
}

// Array returns an array value.
func Array(items []Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindArray, array: items}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Scalar returns the scalar payload.
func (v Value) Scalar() interface{} { return v.scalar }

// Fields returns the members of an object value.
func (v Value) Fields() map[string]Value { return v.object }

// Items returns the elements of an array value.
func (v Value) Items() []Value { return v.array }

// Interface converts v into plain Go values (map[string]interface{},
// []interface{}, scalars, nil).
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindScalar:
		return v.scalar
	case KindObject:
		out := make(map[string]interface{}, len(v.object))
		for k, f := range v.object {
			out[k] = f.Interface()
		}
		return out
	case KindArray:
		out := make([]interface{}, len(v.array))
		for i, item := range v.array {
			out[i] = item.Interface()
		}
		return out
	}
	return nil
}

// MarshalJSON encodes v; object keys are written in sorted order.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindScalar:
		return json.Marshal(v.scalar)
	case KindArray:
		return json.Marshal(v.array)
	case KindObject:
		keys := make([]string, 0, len(v.object))
		for k := range v.object {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := v.object[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	}
	return []byte("null"), nil
}

// ParseJSON decodes raw JSON into a Value, keeping numbers exact.
func ParseJSON(raw []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var decoded interface{}
	if err := dec.Decode(&decoded); err != nil {
		return Null(), err
	}
	if dec.More() {
		return Null(), fmt.Errorf("trailing data after JSON value")
	}
	return FromInterface(decoded), nil
}

// FromInterface converts decoded JSON or plain Go values into a Value.
func FromInterface(x interface{}) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case json.Number:
		return Value{kind: KindScalar, scalar: t}
	case int:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case float32:
		return Float(float64(t))
	case float64:
		return Float(t)
	case map[string]interface{}:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			fields[k] = FromInterface(item)
		}
		return Object(fields)
	case []interface{}:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromInterface(item)
		}
		return Array(items)
	}
	return String(fmt.Sprint(x))
}
