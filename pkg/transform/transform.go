// Package transform implements the closed set of built-in transforms
// (spec §4.4). Dispatch is a switch on the transform name, never
// reflection on a registry, per spec §9's design note.
package transform

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tablesync/tablesync/pkg/config"
	"github.com/tablesync/tablesync/pkg/rowvalue"
	"github.com/tablesync/tablesync/pkg/synerr"
)

// Transformer applies a TableMapping's field mappings to source rows.
type Transformer struct {
	mapping config.TableMapping
}

// New builds a Transformer for one table mapping.
func New(mapping config.TableMapping) *Transformer {
	return &Transformer{mapping: mapping}
}

// TransformBatch applies the mapping to every row independently. A single
// row's failure never aborts the batch (spec §4.4 batch contract).
func (t *Transformer) TransformBatch(rows []rowvalue.Row) (ok []rowvalue.Row, failed []FailedRow) {
	for _, row := range rows {
		out, err := t.TransformRow(row)
		if err != nil {
			var te *synerr.TransformError
			if !errors.As(err, &te) {
				te = &synerr.TransformError{Cause: err}
			}
			failed = append(failed, FailedRow{Row: row, Err: te})
			continue
		}
		ok = append(ok, out)
	}
	return ok, failed
}

// FailedRow pairs a source row with the TransformError that rejected it.
type FailedRow struct {
	Row rowvalue.Row
	Err *synerr.TransformError
}

// TransformRow applies every field mapping to a single source row.
func (t *Transformer) TransformRow(src rowvalue.Row) (rowvalue.Row, error) {
	out := make(rowvalue.Row, len(t.mapping.FieldMappings))
	for _, fm := range t.mapping.FieldMappings {
		if err := applyFieldMapping(fm, src, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func applyFieldMapping(fm config.FieldMapping, src, out rowvalue.Row) error {
	inputs := make([]rowvalue.Value, len(fm.Source))
	for i, name := range fm.Source {
		inputs[i] = src[name]
	}

	if fm.Transform == "" {
		// Implicit coercion to the declared type.
		v := inputs[0]
		coerced, err := coerceToKind(v, fm.Type)
		if err != nil {
			return &synerr.TransformError{Field: fm.Source.Single(), Value: v.Raw, Cause: err}
		}
		out[fm.Target.Single()] = coerced
		return nil
	}

	result, err := dispatch(fm, inputs)
	if err != nil {
		return &synerr.TransformError{Field: fm.Source.Single(), Value: firstRaw(inputs), Cause: err}
	}
	for i, v := range result {
		if i >= len(fm.Target) {
			break
		}
		out[fm.Target[i]] = v
	}
	return nil
}

func firstRaw(inputs []rowvalue.Value) any {
	if len(inputs) == 0 {
		return nil
	}
	return inputs[0].Raw
}

// dispatch is the closed tagged-union switch over the transform catalog.
func dispatch(fm config.FieldMapping, inputs []rowvalue.Value) ([]rowvalue.Value, error) {
	in := inputs[0]
	switch fm.Transform {
	case "valueMap":
		return one(valueMap(fm, in))
	case "toString":
		if in.IsNull() {
			return one(rowvalue.Null(rowvalue.KindString), nil)
		}
		s, _ := in.AsString()
		return one(rowvalue.Value{Kind: rowvalue.KindString, Raw: s}, nil)
	case "toInt":
		return one(coerceToKind(in, rowvalue.KindInt))
	case "toFloat":
		return one(coerceToKind(in, rowvalue.KindFloat))
	case "toDecimal":
		scale, _ := fm.TransformArgs["scale"].(int)
		return one(toDecimal(in, scale))
	case "toDatetime":
		format, _ := fm.TransformArgs["format"].(string)
		return one(toDatetime(in, format))
	case "toDate":
		return one(toDatetime(in, "2006-01-02"))
	case "trim":
		return one(stringOp(in, strings.TrimSpace))
	case "lowercase":
		return one(stringOp(in, strings.ToLower))
	case "uppercase":
		return one(stringOp(in, strings.ToUpper))
	case "concat":
		sep, _ := fm.TransformArgs["separator"].(string)
		return one(concat(inputs, sep))
	case "split":
		n, _ := fm.TransformArgs["n"].(int)
		if n <= 0 {
			n = len(fm.Target)
		}
		return split(in, n)
	case "default":
		return one(withDefault(in, fm.TransformArgs["value"]))
	case "boolToTimestamp":
		return one(boolToTimestamp(in))
	default:
		// Config validation rejects unknown transforms before row time;
		// reaching here means a caller bypassed config.Load.
		return nil, fmt.Errorf("unknown transform %q", fm.Transform)
	}
}

func one(v rowvalue.Value, err error) ([]rowvalue.Value, error) {
	if err != nil {
		return nil, err
	}
	return []rowvalue.Value{v}, nil
}

func coerceToKind(v rowvalue.Value, kind rowvalue.Kind) (rowvalue.Value, error) {
	if v.IsNull() {
		return rowvalue.Null(kind), nil
	}
	return rowvalue.FromDriver(kind, v.Raw)
}

func valueMap(fm config.FieldMapping, v rowvalue.Value) (rowvalue.Value, error) {
	if v.IsNull() {
		return v, nil
	}
	dict, _ := fm.TransformArgs["map"].(map[string]any)
	key, _ := v.AsString()
	if mapped, ok := dict[key]; ok {
		return rowvalue.Value{Kind: fm.Type, Raw: mapped}, nil
	}
	if def, ok := fm.TransformArgs["default"]; ok {
		return rowvalue.Value{Kind: fm.Type, Raw: def}, nil
	}
	return v, nil // pass through on miss
}

func toDecimal(v rowvalue.Value, scale int) (rowvalue.Value, error) {
	if v.IsNull() {
		return rowvalue.Null(rowvalue.KindDecimal), nil
	}
	out, err := rowvalue.FromDriver(rowvalue.KindDecimal, v.Raw)
	if err != nil || scale <= 0 {
		return out, err
	}
	if d, ok := out.Raw.(decimal.Decimal); ok {
		out.Raw = d.Round(int32(scale))
	}
	return out, nil
}

func toDatetime(v rowvalue.Value, format string) (rowvalue.Value, error) {
	if v.IsNull() {
		return rowvalue.Null(rowvalue.KindTimestamp), nil
	}
	s, _ := v.AsString()
	layouts := []string{format, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}
	for _, l := range layouts {
		if l == "" {
			continue
		}
		if t, err := time.Parse(l, s); err == nil {
			return rowvalue.Value{Kind: rowvalue.KindTimestamp, Raw: t}, nil
		}
	}
	return rowvalue.Value{}, fmt.Errorf("cannot parse %q as datetime", s)
}

func stringOp(v rowvalue.Value, f func(string) string) (rowvalue.Value, error) {
	if v.IsNull() {
		return v, nil
	}
	s, _ := v.AsString()
	return rowvalue.Value{Kind: rowvalue.KindString, Raw: f(s)}, nil
}

func concat(inputs []rowvalue.Value, sep string) (rowvalue.Value, error) {
	var parts []string
	for _, v := range inputs {
		if v.IsNull() {
			continue
		}
		s, _ := v.AsString()
		parts = append(parts, s)
	}
	return rowvalue.Value{Kind: rowvalue.KindString, Raw: strings.Join(parts, sep)}, nil
}

func split(v rowvalue.Value, n int) ([]rowvalue.Value, error) {
	if v.IsNull() {
		out := make([]rowvalue.Value, n)
		for i := range out {
			out[i] = rowvalue.Null(rowvalue.KindString)
		}
		return out, nil
	}
	s, _ := v.AsString()
	parts := strings.Fields(s)
	if n > 0 && len(parts) > n {
		parts = append(parts[:n-1], strings.Join(parts[n-1:], " "))
	}
	out := make([]rowvalue.Value, n)
	for i := 0; i < n; i++ {
		if i < len(parts) {
			out[i] = rowvalue.Value{Kind: rowvalue.KindString, Raw: parts[i]}
		} else {
			out[i] = rowvalue.Null(rowvalue.KindString)
		}
	}
	return out, nil
}

func withDefault(v rowvalue.Value, def any) (rowvalue.Value, error) {
	if !v.IsNull() {
		return v, nil
	}
	return rowvalue.Value{Kind: v.Kind, Raw: def}, nil
}

func boolToTimestamp(v rowvalue.Value) (rowvalue.Value, error) {
	b, ok := v.Raw.(bool)
	if !v.IsNull() && ok && b {
		return rowvalue.Value{Kind: rowvalue.KindTimestamp, Raw: time.Now()}, nil
	}
	return rowvalue.Null(rowvalue.KindTimestamp), nil
}
