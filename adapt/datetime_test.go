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
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apecloud/pgline/wire"
)

func TestTimestamptzDumpLoadText(t *testing.T) {
	tr := NewTransformer(nil)
	v := time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC)

	dumper, err := tr.GetDumper(v, Text)
	require.NoError(t, err)
	assert.Equal(t, uint32(pgtype.TimestamptzOID), dumper.OID())
	data, err := dumper.Dump(v)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-06 07:08:09.123456+00:00", string(data))

	loader, err := tr.GetLoader(pgtype.TimestamptzOID, wire.Text)
	require.NoError(t, err)
	back, err := loader.Load([]byte("2024-05-06 07:08:09.123456+00"))
	require.NoError(t, err)
	assert.True(t, v.Equal(back.(time.Time)))
}

func TestTimestamptzBinaryRoundTrip(t *testing.T) {
	tr := NewTransformer(nil)
	v := time.Date(1999, 12, 31, 23, 59, 59, 999999000, time.UTC)

	dumper, err := tr.GetDumper(v, Binary)
	require.NoError(t, err)
	data, err := dumper.Dump(v)
	require.NoError(t, err)
	require.Len(t, data, 8)

	loader, err := tr.GetLoader(pgtype.TimestamptzOID, wire.Binary)
	require.NoError(t, err)
	back, err := loader.Load(data)
	require.NoError(t, err)
	assert.True(t, v.Equal(back.(time.Time)))
}

func TestDateLoad(t *testing.T) {
	l := &dateLoader{format: wire.Text}
	v, err := l.Load([]byte("2021-02-03"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2021, 2, 3, 0, 0, 0, 0, time.UTC), v)

	bl := &dateLoader{format: wire.Binary}
	v, err = bl.Load([]byte{0, 0, 0, 1}) // one day past 2000-01-01
	require.NoError(t, err)
	assert.Equal(t, time.Date(2000, 1, 2, 0, 0, 0, 0, time.UTC), v)
}

func TestTimeOfDayLoad(t *testing.T) {
	l := &timeOfDayLoader{format: wire.Text}
	v, err := l.Load([]byte("01:02:03.5"))
	require.NoError(t, err)
	assert.Equal(t, time.Hour+2*time.Minute+3*time.Second+500*time.Millisecond, v)
}

func TestIntervalText(t *testing.T) {
	l := &intervalLoader{format: wire.Text}
	v, err := l.Load([]byte("1 year 2 mons 3 days 04:05:06"))
	require.NoError(t, err)
	iv := v.(Interval)
	assert.Equal(t, int32(14), iv.Months)
	assert.Equal(t, int32(3), iv.Days)
	assert.Equal(t, int64(4*3600+5*60+6)*1_000_000, iv.Micros)

	v, err = l.Load([]byte("-04:05:06"))
	require.NoError(t, err)
	assert.Equal(t, -int64(4*3600+5*60+6)*1_000_000, v.(Interval).Micros)
}

func TestIntervalBinaryRoundTrip(t *testing.T) {
	tr := NewTransformer(nil)
	iv := Interval{Months: 13, Days: -2, Micros: 3_500_000}

	dumper, err := tr.GetDumper(iv, Binary)
	require.NoError(t, err)
	data, err := dumper.Dump(iv)
	require.NoError(t, err)

	loader, err := tr.GetLoader(pgtype.IntervalOID, wire.Binary)
	require.NoError(t, err)
	back, err := loader.Load(data)
	require.NoError(t, err)
	assert.Equal(t, iv, back)
}

func TestRangeTextLoad(t *testing.T) {
	ctx := NewContext()
	loader := newRangeTextLoader(pgtype.Int4rangeOID, ctx)

	v, err := loader.Load([]byte("[1,10)"))
	require.NoError(t, err)
	r := v.(Range)
	assert.True(t, r.LowerInc)
	assert.False(t, r.UpperInc)
	assert.Equal(t, int32(1), r.Lower)
	assert.Equal(t, int32(10), r.Upper)

	v, err = loader.Load([]byte("empty"))
	require.NoError(t, err)
	assert.True(t, v.(Range).Empty)

	v, err = loader.Load([]byte("(,10]"))
	require.NoError(t, err)
	r = v.(Range)
	assert.True(t, r.LowerInf)
	assert.True(t, r.UpperInc)
}

func TestRangeTextDump(t *testing.T) {
	tr := NewTransformer(nil)
	r := Range{Lower: 1, Upper: 10, LowerInc: true}
	dumper, err := tr.GetDumper(r, Text)
	require.NoError(t, err)
	data, err := dumper.Dump(r)
	require.NoError(t, err)
	assert.Equal(t, "[1,10)", string(data))

	data, err = dumper.Dump(Range{Empty: true})
	require.NoError(t, err)
	assert.Equal(t, "empty", string(data))
}
