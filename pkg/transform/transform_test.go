package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablesync/tablesync/pkg/config"
	"github.com/tablesync/tablesync/pkg/rowvalue"
	"github.com/tablesync/tablesync/pkg/synerr"
)

func TestTransformRowImplicitCoercion(t *testing.T) {
	mapping := config.TableMapping{
		FieldMappings: []config.FieldMapping{
			{Source: config.StringOrList{"id"}, Target: config.StringOrList{"id"}, Type: rowvalue.KindInt},
		},
	}
	tr := New(mapping)
	out, err := tr.TransformRow(rowvalue.Row{"id": {Kind: rowvalue.KindString, Raw: "7"}})
	require.NoError(t, err)
	n, _ := out["id"].AsInt64()
	assert.Equal(t, int64(7), n)
}

func TestTransformRowLowercase(t *testing.T) {
	mapping := config.TableMapping{
		FieldMappings: []config.FieldMapping{
			{Source: config.StringOrList{"email"}, Target: config.StringOrList{"email"}, Type: rowvalue.KindString, Transform: "lowercase"},
		},
	}
	tr := New(mapping)
	out, err := tr.TransformRow(rowvalue.Row{"email": {Kind: rowvalue.KindString, Raw: "Foo@Bar.com"}})
	require.NoError(t, err)
	s, _ := out["email"].AsString()
	assert.Equal(t, "foo@bar.com", s)
}

func TestTransformRowConcat(t *testing.T) {
	mapping := config.TableMapping{
		FieldMappings: []config.FieldMapping{
			{Source: config.StringOrList{"first", "last"}, Target: config.StringOrList{"full_name"}, Type: rowvalue.KindString, Transform: "concat", TransformArgs: map[string]any{"separator": " "}},
		},
	}
	tr := New(mapping)
	out, err := tr.TransformRow(rowvalue.Row{
		"first": {Kind: rowvalue.KindString, Raw: "Ada"},
		"last":  {Kind: rowvalue.KindString, Raw: "Lovelace"},
	})
	require.NoError(t, err)
	s, _ := out["full_name"].AsString()
	assert.Equal(t, "Ada Lovelace", s)
}

func TestTransformRowErrorIsTransformError(t *testing.T) {
	mapping := config.TableMapping{
		FieldMappings: []config.FieldMapping{
			{Source: config.StringOrList{"id"}, Target: config.StringOrList{"id"}, Type: rowvalue.KindInt},
		},
	}
	tr := New(mapping)
	_, err := tr.TransformRow(rowvalue.Row{"id": {Kind: rowvalue.KindString, Raw: "not-a-number"}})
	require.Error(t, err)
	var te *synerr.TransformError
	require.ErrorAs(t, err, &te)
}

func TestTransformRowSplitOnWhitespace(t *testing.T) {
	mapping := config.TableMapping{
		FieldMappings: []config.FieldMapping{
			{Source: config.StringOrList{"full_name"}, Target: config.StringOrList{"first", "last"}, Type: rowvalue.KindString, Transform: "split"},
		},
	}
	tr := New(mapping)
	out, err := tr.TransformRow(rowvalue.Row{"full_name": {Kind: rowvalue.KindString, Raw: "Ada\tLovelace"}})
	require.NoError(t, err)
	first, _ := out["first"].AsString()
	last, _ := out["last"].AsString()
	assert.Equal(t, "Ada", first)
	assert.Equal(t, "Lovelace", last)
}

func TestTransformRowSplitJoinsOverflowIntoLastField(t *testing.T) {
	mapping := config.TableMapping{
		FieldMappings: []config.FieldMapping{
			{Source: config.StringOrList{"full_name"}, Target: config.StringOrList{"first", "last"}, Type: rowvalue.KindString, Transform: "split"},
		},
	}
	tr := New(mapping)
	out, err := tr.TransformRow(rowvalue.Row{"full_name": {Kind: rowvalue.KindString, Raw: "Ada  Augusta   Lovelace"}})
	require.NoError(t, err)
	first, _ := out["first"].AsString()
	last, _ := out["last"].AsString()
	assert.Equal(t, "Ada", first)
	assert.Equal(t, "Augusta Lovelace", last)
}

func TestTransformBatchIsolatesFailures(t *testing.T) {
	mapping := config.TableMapping{
		FieldMappings: []config.FieldMapping{
			{Source: config.StringOrList{"id"}, Target: config.StringOrList{"id"}, Type: rowvalue.KindInt},
		},
	}
	tr := New(mapping)
	rows := []rowvalue.Row{
		{"id": {Kind: rowvalue.KindString, Raw: "1"}},
		{"id": {Kind: rowvalue.KindString, Raw: "nope"}},
		{"id": {Kind: rowvalue.KindString, Raw: "3"}},
	}
	ok, failed := tr.TransformBatch(rows)
	assert.Len(t, ok, 2)
	assert.Len(t, failed, 1)
}
