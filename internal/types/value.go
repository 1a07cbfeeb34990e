package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Value is the tagged sum type used for the open `payload` and
// `custom_terms` maps carried on the wire. It marshals to canonical JSON
// (lexicographically sorted object keys, no insignificant whitespace) so
// that signing and persistence operate on the same byte representation the
// sender produced.
type Value struct {
	kind rawKind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
}

type rawKind uint8

const (
	kindNull rawKind = iota
	kindBool
	kindNumber
	kindString
	kindList
	kindMap
)

func Null() Value                 { return Value{kind: kindNull} }
func Bool(b bool) Value           { return Value{kind: kindBool, b: b} }
func Number(n float64) Value      { return Value{kind: kindNumber, n: n} }
func String(s string) Value       { return Value{kind: kindString, s: s} }
func List(items []Value) Value    { return Value{kind: kindList, list: items} }
func Map(m map[string]Value) Value { return Value{kind: kindMap, m: m} }

func (v Value) IsNull() bool { return v.kind == kindNull }

func (v Value) AsNumber() (float64, bool) {
	if v.kind != kindNumber {
		return 0, false
	}
	return v.n, true
}

func (v Value) AsString() (string, bool) {
	if v.kind != kindString {
		return "", false
	}
	return v.s, true
}

func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != kindMap {
		return nil, false
	}
	return v.m, true
}

func (v Value) AsList() ([]Value, bool) {
	if v.kind != kindList {
		return nil, false
	}
	return v.list, true
}

// MarshalJSON produces canonical JSON: object keys sorted, no whitespace.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case kindNull:
		return []byte("null"), nil
	case kindBool:
		if v.b {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case kindNumber:
		return json.Marshal(v.n)
	case kindString:
		return json.Marshal(v.s)
	case kindList:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case kindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
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
			vb, err := v.m[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("types: unknown value kind %d", v.kind)
	}
}

// UnmarshalJSON parses any JSON value into the tagged sum type.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out, err := fromAny(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

func fromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Number(f), nil
	case float64:
		return Number(t), nil
	case string:
		return String(t), nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			v, err := fromAny(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return List(items), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, val := range t {
			v, err := fromAny(val)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Map(m), nil
	default:
		return Value{}, fmt.Errorf("types: unsupported value %T", raw)
	}
}
