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
	"math"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apecloud/pgline/wire"
)

func TestIntWideningThresholds(t *testing.T) {
	tests := []struct {
		value int64
		oid   uint32
	}{
		{0, pgtype.Int2OID},
		{math.MinInt16, pgtype.Int2OID},
		{math.MaxInt16, pgtype.Int2OID},
		{math.MinInt16 - 1, pgtype.Int4OID},
		{math.MaxInt16 + 1, pgtype.Int4OID},
		{math.MinInt32, pgtype.Int4OID},
		{math.MaxInt32, pgtype.Int4OID},
		{math.MinInt32 - 1, pgtype.Int8OID},
		{math.MaxInt32 + 1, pgtype.Int8OID},
		{math.MinInt64, pgtype.Int8OID},
		{math.MaxInt64, pgtype.Int8OID},
	}
	tr := NewTransformer(nil)
	for _, tt := range tests {
		dumper, err := tr.GetDumper(tt.value, Text)
		require.NoError(t, err)
		assert.Equal(t, tt.oid, dumper.OID(), "value %d", tt.value)
	}
}

func TestUint64BeyondInt64DumpsNumeric(t *testing.T) {
	tr := NewTransformer(nil)
	dumper, err := tr.GetDumper(uint64(math.MaxUint64), Text)
	require.NoError(t, err)
	assert.Equal(t, uint32(pgtype.NumericOID), dumper.OID())
	data, err := dumper.Dump(uint64(math.MaxUint64))
	require.NoError(t, err)
	assert.Equal(t, "18446744073709551615", string(data))
}

func TestIntBinaryDump(t *testing.T) {
	tr := NewTransformer(nil)
	dumper, err := tr.GetDumper(300, Binary)
	require.NoError(t, err)
	assert.Equal(t, uint32(pgtype.Int2OID), dumper.OID())
	data, err := dumper.Dump(300)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 44}, data)

	wide, err := tr.GetDumper(100_000, Binary)
	require.NoError(t, err)
	assert.Equal(t, uint32(pgtype.Int4OID), wide.OID())
	data, err = wide.Dump(100_000)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 0x86, 0xa0}, data)
}

func TestIntLoaders(t *testing.T) {
	l := &intTextLoader{oid: pgtype.Int8OID}
	v, err := l.Load([]byte("-42"))
	require.NoError(t, err)
	assert.Equal(t, int64(-42), v)

	bl := &intBinaryLoader{}
	v, err = bl.Load([]byte{0xff, 0xff})
	require.NoError(t, err)
	assert.Equal(t, int16(-1), v)
}

func TestFloatTextSpecials(t *testing.T) {
	assert.Equal(t, "NaN", string(appendFloatText(nil, math.NaN())))
	assert.Equal(t, "Infinity", string(appendFloatText(nil, math.Inf(1))))
	assert.Equal(t, "-Infinity", string(appendFloatText(nil, math.Inf(-1))))

	f, err := parseFloatText("NaN")
	require.NoError(t, err)
	assert.True(t, math.IsNaN(f))
}

func TestNumericBinaryRoundTrip(t *testing.T) {
	for _, s := range []string{
		"0", "1", "-1", "12345.678", "0.5", "0.00005",
		"99999999999999999999.9999", "10000", "1.0000", "-0.01",
	} {
		data, err := numericTextToBinary(s)
		require.NoError(t, err, s)
		back, err := numericBinaryToText(data)
		require.NoError(t, err, s)

		want, err := decimal.NewFromString(s)
		require.NoError(t, err)
		got, err := decimal.NewFromString(back)
		require.NoError(t, err, "%s -> %s", s, back)
		assert.True(t, want.Equal(got), "%s round-tripped to %s", s, back)
	}
}

func TestNumericNaN(t *testing.T) {
	data, err := numericTextToBinary("NaN")
	require.NoError(t, err)
	back, err := numericBinaryToText(data)
	require.NoError(t, err)
	assert.Equal(t, "NaN", back)
}

func TestDecimalDumpLoad(t *testing.T) {
	tr := NewTransformer(nil)
	d := decimal.RequireFromString("123.45")

	dumper, err := tr.GetDumper(d, Text)
	require.NoError(t, err)
	data, err := dumper.Dump(d)
	require.NoError(t, err)
	assert.Equal(t, "123.45", string(data))

	loader, err := tr.GetLoader(pgtype.NumericOID, wire.Text)
	require.NoError(t, err)
	v, err := loader.Load(data)
	require.NoError(t, err)
	assert.True(t, d.Equal(v.(decimal.Decimal)))
}

func TestDumperCacheUpgrade(t *testing.T) {
	tr := NewTransformer(nil)
	d1, err := tr.GetDumper(1, Text)
	require.NoError(t, err)
	d2, err := tr.GetDumper(2, Text)
	require.NoError(t, err)
	// same width: the upgraded dumper is shared through the cache
	assert.Same(t, d1, d2)

	d3, err := tr.GetDumper(1_000_000, Text)
	require.NoError(t, err)
	assert.NotSame(t, d1, d3)
	assert.Equal(t, uint32(pgtype.Int4OID), d3.OID())
}
