// Copyright 2024-2025 ApeCloud, Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package adapt

import (
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apecloud/pgline/wire"
)

func TestMapCopyOnWrite(t *testing.T) {
	parent := NewMap(nil)
	child := NewMap(parent)

	type custom struct{ v int }
	customType := reflect.TypeOf(custom{})
	child.RegisterDumper(customType, wire.Text, func(rt reflect.Type, ctx *Context) Dumper {
		return &boolDumper{baseDumper{key: Key{Type: customType}, oid: 1, format: wire.Text}}
	})

	_, err := child.GetDumper(customType, Text)
	assert.NoError(t, err)
	// the parent layer must not see the child registration
	_, err = parent.GetDumper(customType, Text)
	assert.Error(t, err)
}

func TestGetDumperStringStaysText(t *testing.T) {
	m := NewMap(nil)
	f, err := m.GetDumper(reflect.TypeOf(""), Auto)
	require.NoError(t, err)
	d := f(reflect.TypeOf(""), NewContext())
	assert.Equal(t, wire.Text, d.Format())
	// the oid stays unknown so the server can infer the type
	assert.Equal(t, uint32(wire.InvalidOID), d.OID())
}

func TestGetDumperUnknownType(t *testing.T) {
	m := NewMap(nil)
	type unregistered struct{}
	_, err := m.GetDumper(reflect.TypeOf(unregistered{}), Auto)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot adapt type")
}

func TestUnknownOIDLoaderFallback(t *testing.T) {
	tr := NewTransformer(nil)
	loader, err := tr.GetLoader(999999, wire.Text)
	require.NoError(t, err)
	v, err := loader.Load([]byte("anything"))
	require.NoError(t, err)
	assert.Equal(t, "anything", v)

	loader, err = tr.GetLoader(999999, wire.Binary)
	require.NoError(t, err)
	v, err = loader.Load([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, v)
}

func TestLoadSequenceLengthMismatch(t *testing.T) {
	tr := NewTransformer(nil)
	require.NoError(t, tr.SetRowTypes(
		[]uint32{pgtype.Int4OID}, []wire.Format{wire.Text}))
	_, err := tr.LoadSequence([][]byte{[]byte("1"), []byte("2")})
	assert.Error(t, err)
}

func TestTypeCatalog(t *testing.T) {
	c := builtinCatalog()
	info := c.ByName("int4")
	require.NotNil(t, info)
	assert.Equal(t, uint32(pgtype.Int4OID), info.OID)
	assert.Equal(t, uint32(pgtype.Int4ArrayOID), info.ArrayOID)

	// array suffix resolves to the element info
	assert.Same(t, info, c.ByName("int4[]"))
	// the array oid indexes the same info
	assert.Same(t, info, c.ByOID(pgtype.Int4ArrayOID))
	// alt names resolve too
	assert.Same(t, info, c.ByName("integer"))

	rng := c.ByRangeSubtype(pgtype.Int4OID)
	require.NotNil(t, rng)
	assert.Equal(t, "int4range", rng.Name)
}

func TestBoolRoundTrip(t *testing.T) {
	tr := NewTransformer(nil)
	for _, v := range []bool{true, false} {
		dumper, err := tr.GetDumper(v, Text)
		require.NoError(t, err)
		data, err := dumper.Dump(v)
		require.NoError(t, err)
		loader, err := tr.GetLoader(pgtype.BoolOID, wire.Text)
		require.NoError(t, err)
		back, err := loader.Load(data)
		require.NoError(t, err)
		assert.Equal(t, v, back)
	}
}

func TestStringNULRejected(t *testing.T) {
	tr := NewTransformer(nil)
	dumper, err := tr.GetDumper("x", Text)
	require.NoError(t, err)
	_, err = dumper.Dump("a\x00b")
	assert.Error(t, err)
}

func TestByteaTextRoundTrip(t *testing.T) {
	tr := NewTransformer(nil)
	value := []byte{0x00, 0xff, 'a'}
	dumper, err := tr.GetDumper(value, Text)
	require.NoError(t, err)
	data, err := dumper.Dump(value)
	require.NoError(t, err)
	assert.Equal(t, `\x00ff61`, string(data))

	loader, err := tr.GetLoader(pgtype.ByteaOID, wire.Text)
	require.NoError(t, err)
	back, err := loader.Load(data)
	require.NoError(t, err)
	assert.Equal(t, value, back)
}

func TestUUIDRoundTrip(t *testing.T) {
	tr := NewTransformer(nil)
	u := uuid.MustParse("12345678-1234-5678-1234-567812345678")

	for _, format := range []Format{Text, Binary} {
		dumper, err := tr.GetDumper(u, format)
		require.NoError(t, err)
		data, err := dumper.Dump(u)
		require.NoError(t, err)
		loader, err := tr.GetLoader(pgtype.UUIDOID, dumper.Format())
		require.NoError(t, err)
		back, err := loader.Load(data)
		require.NoError(t, err)
		assert.Equal(t, u, back)
	}
}

func TestJSONBRoundTrip(t *testing.T) {
	tr := NewTransformer(nil)
	value := map[string]any{"a": float64(1), "b": "x"}

	dumper, err := tr.GetDumper(value, Binary)
	require.NoError(t, err)
	data, err := dumper.Dump(value)
	require.NoError(t, err)
	assert.Equal(t, byte(jsonbVersion), data[0])

	loader, err := tr.GetLoader(pgtype.JSONBOID, wire.Binary)
	require.NoError(t, err)
	back, err := loader.Load(data)
	require.NoError(t, err)
	assert.Equal(t, value, back)
}

func TestEncodingTranscode(t *testing.T) {
	ctx := NewContext()
	ctx.Encoding = "LATIN1"
	data, err := ctx.EncodeText("caffè")
	require.NoError(t, err)
	assert.Equal(t, []byte{'c', 'a', 'f', 'f', 0xe8}, data)
	back, err := ctx.DecodeText(data)
	require.NoError(t, err)
	assert.Equal(t, "caffè", back)
}
