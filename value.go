package outboxsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a closed scalar: string, number, bool or null.
// The zero Value is null.
type Value struct {
	kind Kind
	s    string
	n    float64
	b    bool
}

// String builds a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Number builds a numeric Value.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// Int is a convenience for whole numbers.
func Int(n int64) Value { return Value{kind: KindNumber, n: float64(n)} }

// Bool builds a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Null returns the null Value.
func Null() Value { return Value{} }

// Kind reports the variant.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string and whether v is a string.
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

// Num returns the number and whether v is a number.
func (v Value) Num() (float64, bool) { return v.n, v.kind == KindNumber }

// Boolean returns the bool and whether v is a bool.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// Equal is strict: both kind and payload must match. There is no coercion
// between "1" and 1.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindNumber:
		return v.n == o.n
	case KindBool:
		return v.b == o.b
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return strconv.Quote(v.s)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return "null"
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.s)
	case KindNumber:
		return json.Marshal(v.n)
	case KindBool:
		return json.Marshal(v.b)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler. Arrays and objects are rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("outboxsync: empty JSON value")
	}
	switch data[0] {
	case 'n':
		*v = Null()
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
		return nil
	case '[', '{':
		return fmt.Errorf("outboxsync: unsupported JSON value %q", data[:1])
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*v = Number(n)
		return nil
	}
}

// Body is an insertion-ordered map of field name to Value.
type Body struct {
	keys   []string
	values map[string]Value
}

// NewBody builds a Body from alternating key/value pairs in order.
func NewBody(fields ...Field) Body {
	var b Body
	for _, f := range fields {
		b.Set(f.Key, f.Value)
	}
	return b
}

// Field is a key/value pair used to build a Body.
type Field struct {
	Key   string
	Value Value
}

// F is shorthand for Field.
func F(key string, value Value) Field { return Field{Key: key, Value: value} }

// Set inserts or replaces key, keeping the original position on replace.
func (b *Body) Set(key string, value Value) {
	if b.values == nil {
		b.values = make(map[string]Value)
	}
	if _, ok := b.values[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.values[key] = value
}

// Get returns the value for key.
func (b Body) Get(key string) (Value, bool) {
	v, ok := b.values[key]
	return v, ok
}

// Delete removes key if present.
func (b *Body) Delete(key string) {
	if _, ok := b.values[key]; !ok {
		return
	}
	delete(b.values, key)
	for i, k := range b.keys {
		if k == key {
			b.keys = append(b.keys[:i:i], b.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the field names in insertion order.
func (b Body) Keys() []string { return append([]string(nil), b.keys...) }

// Len reports the number of fields.
func (b Body) Len() int { return len(b.keys) }

// Clone returns an independent copy.
func (b Body) Clone() Body {
	out := Body{keys: append([]string(nil), b.keys...)}
	if b.values != nil {
		out.values = make(map[string]Value, len(b.values))
		for k, v := range b.values {
			out.values[k] = v
		}
	}
	return out
}

// Subset reports whether every field of b is present in other with an
// equal value. An empty b is never a subset.
func (b Body) Subset(other Body) bool {
	if b.Len() == 0 {
		return false
	}
	for _, k := range b.keys {
		ov, ok := other.Get(k)
		if !ok || !b.values[k].Equal(ov) {
			return false
		}
	}
	return true
}

// MarshalJSON writes the fields as an object in insertion order.
func (b Body) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range b.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := b.values[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object, preserving key order.
func (b *Body) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*b = Body{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("outboxsync: body must be a JSON object")
	}
	out := Body{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("outboxsync: body key must be a string")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		var v Value
		if err := v.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("outboxsync: body field %q: %w", key, err)
		}
		out.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*b = out
	return nil
}
