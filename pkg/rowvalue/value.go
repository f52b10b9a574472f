// Package rowvalue implements the tagged-variant value carried through the
// extract/transform/validate/load pipeline. Source rows arrive with mixed
// runtime types from the database driver; rather than modeling every
// possible source schema, each field is normalized into a Value tagged with
// its declared Kind.
package rowvalue

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the closed set of declared field types a TableMapping can name.
type Kind string

const (
	KindNull      Kind = "null"
	KindInt       Kind = "int"
	KindFloat     Kind = "float"
	KindString    Kind = "string"
	KindBool      Kind = "bool"
	KindTimestamp Kind = "timestamp"
	KindDecimal   Kind = "decimal"
)

// Value is a single cell of a row, carrying its declared type alongside the
// concrete data. A nil Raw always means SQL NULL regardless of Kind.
type Value struct {
	Kind Kind
	Raw  any
}

// Null returns a Value representing SQL NULL with the given declared kind.
func Null(kind Kind) Value { return Value{Kind: kind, Raw: nil} }

// IsNull reports whether v represents SQL NULL.
func (v Value) IsNull() bool { return v.Raw == nil }

func (v Value) String() string {
	if v.IsNull() {
		return "<nil>"
	}
	return fmt.Sprintf("%v", v.Raw)
}

// FromDriver wraps a value as returned by database/sql (after Scan into
// `any`) with a declared Kind, applying the minimal coercion needed to get
// it into the Go type that Kind implies (e.g. []byte -> string).
func FromDriver(kind Kind, raw any) (Value, error) {
	if raw == nil {
		return Null(kind), nil
	}
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}
	switch kind {
	case KindInt:
		return coerceInt(raw)
	case KindFloat:
		return coerceFloat(raw)
	case KindString:
		return Value{Kind: KindString, Raw: fmt.Sprintf("%v", raw)}, nil
	case KindBool:
		return coerceBool(raw)
	case KindTimestamp:
		return coerceTimestamp(raw, "")
	case KindDecimal:
		return coerceDecimal(raw, 0)
	default:
		return Value{Kind: kind, Raw: raw}, nil
	}
}

func coerceInt(raw any) (Value, error) {
	switch v := raw.(type) {
	case int64:
		return Value{Kind: KindInt, Raw: v}, nil
	case int:
		return Value{Kind: KindInt, Raw: int64(v)}, nil
	case float64:
		return Value{Kind: KindInt, Raw: int64(v)}, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("not an int: %q", v)
		}
		return Value{Kind: KindInt, Raw: n}, nil
	default:
		return Value{}, fmt.Errorf("not an int: %v (%T)", raw, raw)
	}
}

func coerceFloat(raw any) (Value, error) {
	switch v := raw.(type) {
	case float64:
		return Value{Kind: KindFloat, Raw: v}, nil
	case int64:
		return Value{Kind: KindFloat, Raw: float64(v)}, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return Value{}, fmt.Errorf("not a float: %q", v)
		}
		return Value{Kind: KindFloat, Raw: f}, nil
	default:
		return Value{}, fmt.Errorf("not a float: %v (%T)", raw, raw)
	}
}

func coerceBool(raw any) (Value, error) {
	switch v := raw.(type) {
	case bool:
		return Value{Kind: KindBool, Raw: v}, nil
	case int64:
		return Value{Kind: KindBool, Raw: v != 0}, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return Value{}, fmt.Errorf("not a bool: %q", v)
		}
		return Value{Kind: KindBool, Raw: b}, nil
	default:
		return Value{}, fmt.Errorf("not a bool: %v (%T)", raw, raw)
	}
}

func coerceTimestamp(raw any, format string) (Value, error) {
	switch v := raw.(type) {
	case time.Time:
		return Value{Kind: KindTimestamp, Raw: v}, nil
	case string:
		t, err := parseTimestamp(v, format)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindTimestamp, Raw: t}, nil
	default:
		return Value{}, fmt.Errorf("not a timestamp: %v (%T)", raw, raw)
	}
}

func parseTimestamp(s, format string) (time.Time, error) {
	layouts := []string{format, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}
	for _, layout := range layouts {
		if layout == "" {
			continue
		}
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a timestamp", s)
}

func coerceDecimal(raw any, scale int32) (Value, error) {
	var d decimal.Decimal
	var err error
	switch v := raw.(type) {
	case decimal.Decimal:
		d = v
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		d = decimal.NewFromFloat(v)
	case int64:
		d = decimal.NewFromInt(v)
	default:
		return Value{}, fmt.Errorf("not a decimal: %v (%T)", raw, raw)
	}
	if err != nil {
		return Value{}, fmt.Errorf("not a decimal: %v", err)
	}
	if scale > 0 {
		d = d.Round(scale)
	}
	return Value{Kind: KindDecimal, Raw: d}, nil
}

// AsString returns the Go string underlying v, coercing non-string kinds.
func (v Value) AsString() (string, bool) {
	if v.IsNull() {
		return "", false
	}
	if s, ok := v.Raw.(string); ok {
		return s, true
	}
	return fmt.Sprintf("%v", v.Raw), true
}

// AsInt64 returns the Go int64 underlying v.
func (v Value) AsInt64() (int64, bool) {
	if v.IsNull() {
		return 0, false
	}
	switch n := v.Raw.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// AsFloat64 returns the Go float64 underlying v.
func (v Value) AsFloat64() (float64, bool) {
	if v.IsNull() {
		return 0, false
	}
	switch n := v.Raw.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case decimal.Decimal:
		f, _ := n.Float64()
		return f, true
	default:
		return 0, false
	}
}

// AsTime returns the Go time.Time underlying v.
func (v Value) AsTime() (time.Time, bool) {
	if v.IsNull() {
		return time.Time{}, false
	}
	t, ok := v.Raw.(time.Time)
	return t, ok
}

// Compare orders two Values of the same Kind: -1, 0, 1. It is used for the
// composite cursor comparison (timestamp, primary key) and is total only
// within a single Kind.
func Compare(a, b Value) int {
	if a.IsNull() && b.IsNull() {
		return 0
	}
	if a.IsNull() {
		return -1
	}
	if b.IsNull() {
		return 1
	}
	switch a.Kind {
	case KindTimestamp:
		ta, _ := a.AsTime()
		tb, _ := b.AsTime()
		switch {
		case ta.Before(tb):
			return -1
		case ta.After(tb):
			return 1
		default:
			return 0
		}
	case KindInt:
		na, _ := a.AsInt64()
		nb, _ := b.AsInt64()
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	case KindFloat, KindDecimal:
		fa, _ := a.AsFloat64()
		fb, _ := b.AsFloat64()
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	default:
		sa, _ := a.AsString()
		sb, _ := b.AsString()
		return strings.Compare(sa, sb)
	}
}

// Row is a single record keyed by target/source column name.
type Row map[string]Value
