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
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apecloud/pgline/wire"
)

func TestArrayTextDump(t *testing.T) {
	tr := NewTransformer(nil)
	dumper, err := tr.GetDumper([]any{"a", "b", nil, "quoted, value"}, Text)
	require.NoError(t, err)
	data, err := dumper.Dump([]any{"a", "b", nil, "quoted, value"})
	require.NoError(t, err)
	assert.Equal(t, `{a,b,NULL,"quoted, value"}`, string(data))
}

func TestArrayTextDumpQuoting(t *testing.T) {
	tr := NewTransformer(nil)
	value := []any{`back\slash`, `dou"ble`, "with space", "NULL", ""}
	dumper, err := tr.GetDumper(value, Text)
	require.NoError(t, err)
	data, err := dumper.Dump(value)
	require.NoError(t, err)
	assert.Equal(t, `{"back\\slash","dou\"ble","with space","NULL",""}`, string(data))
}

func TestArrayOIDFromElement(t *testing.T) {
	tr := NewTransformer(nil)
	dumper, err := tr.GetDumper([]any{"x", "y"}, Text)
	require.NoError(t, err)
	// text strings dump with the unknown oid, so the array type is left to
	// the server as well
	assert.Equal(t, uint32(wire.InvalidOID), dumper.OID())

	// the element picks int8 so one oid covers any integer width
	dumper, err = tr.GetDumper([]any{1, 2}, Text)
	require.NoError(t, err)
	assert.Equal(t, uint32(pgtype.Int8ArrayOID), dumper.OID())
}

func TestAllNullArrayDumpsUnknown(t *testing.T) {
	tr := NewTransformer(nil)
	value := []any{nil, nil}
	dumper, err := tr.GetDumper(value, Text)
	require.NoError(t, err)
	assert.Equal(t, uint32(wire.InvalidOID), dumper.OID())
	data, err := dumper.Dump(value)
	require.NoError(t, err)
	assert.Equal(t, "{NULL,NULL}", string(data))
}

func TestArrayTextLoad(t *testing.T) {
	ctx := NewContext()
	loader := newArrayTextLoader(pgtype.Int4ArrayOID, ctx)
	v, err := loader.Load([]byte("{1,2,NULL,3}"))
	require.NoError(t, err)
	assert.Equal(t, []any{int32(1), int32(2), nil, int32(3)}, v)
}

func TestArrayTextLoadQuoted(t *testing.T) {
	ctx := NewContext()
	loader := newArrayTextLoader(pgtype.TextArrayOID, ctx)
	v, err := loader.Load([]byte(`{plain,"quoted, value","esc\"aped",NULL,"NULL"}`))
	require.NoError(t, err)
	assert.Equal(t, []any{"plain", "quoted, value", `esc"aped`, nil, "NULL"}, v)
}

func TestArrayTextLoadNested(t *testing.T) {
	ctx := NewContext()
	loader := newArrayTextLoader(pgtype.Int4ArrayOID, ctx)
	v, err := loader.Load([]byte("{{1,2},{3,4}}"))
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{int32(1), int32(2)}, []any{int32(3), int32(4)}}, v)
}

func TestArrayBinaryRoundTrip(t *testing.T) {
	tr := NewTransformer(nil)
	value := []any{1, nil, 3}
	dumper, err := tr.GetDumper(value, Binary)
	require.NoError(t, err)
	data, err := dumper.Dump(value)
	require.NoError(t, err)

	loader := &arrayBinaryLoader{ctx: NewContext()}
	v, err := loader.Load(data)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), nil, int64(3)}, v)
}

func TestArrayBinaryRaggedRejected(t *testing.T) {
	tr := NewTransformer(nil)
	value := []any{[]any{1, 2}, []any{3}}
	dumper, err := tr.GetDumper(value, Binary)
	require.NoError(t, err)
	_, err = dumper.Dump(value)
	assert.Error(t, err)
}

func TestTypedSliceDump(t *testing.T) {
	tr := NewTransformer(nil)
	value := []int{1, 2, 3}
	dumper, err := tr.GetDumper(value, Text)
	require.NoError(t, err)
	data, err := dumper.Dump(value)
	require.NoError(t, err)
	assert.Equal(t, "{1,2,3}", string(data))
}
