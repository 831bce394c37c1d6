package row

import (
	"bytes"
	"cmp"
	"fmt"
	"strings"
	"time"
)

// Kind is the type tag of a column value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindBytes
	KindTimestamp
)

var kindNames = map[Kind]string{
	KindNull:      "null",
	KindBool:      "bool",
	KindInt64:     "int64",
	KindFloat64:   "float64",
	KindString:    "string",
	KindBytes:     "bytes",
	KindTimestamp: "timestamp",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, nil
		}
	}
	return KindNull, fmt.Errorf("unknown column kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Ordered reports whether min/max statistics make sense for the kind.
func (k Kind) Ordered() bool {
	switch k {
	case KindInt64, KindFloat64, KindString, KindBytes, KindTimestamp:
		return true
	default:
		return false
	}
}

// Datum is one typed column value. Bool and timestamp (unix millis) values
// live in Int, string and bytes values live in Bytes.
type Datum struct {
	Kind  Kind    `json:"kind"`
	Int   int64   `json:"int,omitempty"`
	Float float64 `json:"float,omitempty"`
	Bytes []byte  `json:"bytes,omitempty"`
}

func Null() Datum { return Datum{Kind: KindNull} }

func Bool(v bool) Datum {
	d := Datum{Kind: KindBool}
	if v {
		d.Int = 1
	}
	return d
}

func Int64(v int64) Datum { return Datum{Kind: KindInt64, Int: v} }

func Float64(v float64) Datum { return Datum{Kind: KindFloat64, Float: v} }

func String(v string) Datum { return Datum{Kind: KindString, Bytes: []byte(v)} }

func Bytes(v []byte) Datum { return Datum{Kind: KindBytes, Bytes: v} }

func Timestamp(t time.Time) Datum { return Datum{Kind: KindTimestamp, Int: t.UnixMilli()} }

func (d Datum) IsNull() bool { return d.Kind == KindNull }

func (d Datum) AsBool() bool { return d.Int != 0 }

func (d Datum) AsString() string { return string(d.Bytes) }

func (d Datum) AsTime() time.Time { return time.UnixMilli(d.Int) }

// Size approximates the encoded size of the datum: one tag byte plus the payload.
func (d Datum) Size() int {
	switch d.Kind {
	case KindNull:
		return 1
	case KindBool:
		return 2
	case KindString, KindBytes:
		return 1 + len(d.Bytes)
	default:
		return 9
	}
}

// Compare orders two datums of the same kind. Nulls sort first.
func (d Datum) Compare(o Datum) int {
	if d.Kind != o.Kind {
		return cmp.Compare(d.Kind, o.Kind)
	}
	switch d.Kind {
	case KindNull:
		return 0
	case KindFloat64:
		return cmp.Compare(d.Float, o.Float)
	case KindString, KindBytes:
		return bytes.Compare(d.Bytes, o.Bytes)
	default:
		return cmp.Compare(d.Int, o.Int)
	}
}

// Equal reports value equality.
func (d Datum) Equal(o Datum) bool {
	return d.Kind == o.Kind && d.Compare(o) == 0
}

// Value returns the natural Go value of the datum.
func (d Datum) Value() any {
	switch d.Kind {
	case KindBool:
		return d.AsBool()
	case KindInt64:
		return d.Int
	case KindFloat64:
		return d.Float
	case KindString:
		return d.AsString()
	case KindBytes:
		return d.Bytes
	case KindTimestamp:
		return d.AsTime().UTC().Format(time.RFC3339Nano)
	default:
		return nil
	}
}

// FromValue converts a decoded JSON/YAML value into a datum of the given kind.
func FromValue(kind Kind, v any) (Datum, error) {
	if v == nil {
		return Null(), nil
	}
	switch kind {
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return Datum{}, fmt.Errorf("expected bool, got %T", v)
		}
		return Bool(b), nil
	case KindInt64, KindTimestamp:
		var n int64
		switch x := v.(type) {
		case float64:
			n = int64(x)
		case int64:
			n = x
		case int:
			n = int64(x)
		case string:
			if kind != KindTimestamp {
				return Datum{}, fmt.Errorf("expected number, got string")
			}
			t, err := time.Parse(time.RFC3339Nano, x)
			if err != nil {
				return Datum{}, fmt.Errorf("parse timestamp: %w", err)
			}
			n = t.UnixMilli()
		default:
			return Datum{}, fmt.Errorf("expected number, got %T", v)
		}
		return Datum{Kind: kind, Int: n}, nil
	case KindFloat64:
		switch x := v.(type) {
		case float64:
			return Float64(x), nil
		case int64:
			return Float64(float64(x)), nil
		case int:
			return Float64(float64(x)), nil
		}
		return Datum{}, fmt.Errorf("expected number, got %T", v)
	case KindString:
		s, ok := v.(string)
		if !ok {
			return Datum{}, fmt.Errorf("expected string, got %T", v)
		}
		return String(s), nil
	case KindBytes:
		s, ok := v.(string)
		if !ok {
			return Datum{}, fmt.Errorf("expected string, got %T", v)
		}
		return Bytes([]byte(s)), nil
	}
	return Datum{}, fmt.Errorf("unsupported kind %s", kind)
}
