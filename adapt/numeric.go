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
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/apecloud/pgline/wire"
)

// intValue normalises every Go integer kind. big reports a uint64 beyond
// the int64 range, carried in u.
func intValue(v any) (n int64, u uint64, big bool, ok bool) {
	switch x := v.(type) {
	case int:
		return int64(x), 0, false, true
	case int8:
		return int64(x), 0, false, true
	case int16:
		return int64(x), 0, false, true
	case int32:
		return int64(x), 0, false, true
	case int64:
		return x, 0, false, true
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, uint64(x), true, true
		}
		return int64(x), 0, false, true
	case uint8:
		return int64(x), 0, false, true
	case uint16:
		return int64(x), 0, false, true
	case uint32:
		return int64(x), 0, false, true
	case uint64:
		if x > math.MaxInt64 {
			return 0, x, true, true
		}
		return int64(x), 0, false, true
	}
	return 0, 0, false, false
}

// intOID picks the narrowest server integer type able to hold n.
func intOID(n int64) uint32 {
	switch {
	case n >= math.MinInt16 && n <= math.MaxInt16:
		return pgtype.Int2OID
	case n >= math.MinInt32 && n <= math.MaxInt32:
		return pgtype.Int4OID
	default:
		return pgtype.Int8OID
	}
}

// intDumper dumps Go integers. The construction instance always upgrades
// to a width-specific dumper: Key classifies the value by magnitude and
// Upgrade builds the int2/int4/int8/numeric dumper for it, so values of
// the same width share one cached dumper.
type intDumper struct {
	typ    reflect.Type
	oid    uint32
	format wire.Format
}

func newIntDumper(t reflect.Type, format wire.Format) *intDumper {
	return &intDumper{typ: t, oid: pgtype.NumericOID, format: format}
}

func (d *intDumper) OID() uint32         { return d.oid }
func (d *intDumper) Format() wire.Format { return d.format }

func (d *intDumper) Key(v any, _ Format) Key {
	n, _, big, ok := intValue(v)
	if !ok {
		return Key{Type: d.typ}
	}
	oid := uint32(pgtype.NumericOID)
	if !big {
		oid = intOID(n)
	}
	return Key{Type: d.typ, OID: oid}
}

func (d *intDumper) Upgrade(v any, format Format) Dumper {
	key := d.Key(v, format)
	return &intDumper{typ: d.typ, oid: key.OID, format: d.format}
}

func (d *intDumper) Dump(v any) ([]byte, error) {
	n, u, big, ok := intValue(v)
	if !ok {
		return nil, cannotDump(v, "integer")
	}
	if d.format == wire.Text {
		if big {
			return strconv.AppendUint(nil, u, 10), nil
		}
		return strconv.AppendInt(nil, n, 10), nil
	}
	switch d.oid {
	case pgtype.Int2OID:
		var out [2]byte
		binary.BigEndian.PutUint16(out[:], uint16(int16(n)))
		return out[:2], nil
	case pgtype.Int4OID:
		var out [4]byte
		binary.BigEndian.PutUint32(out[:], uint32(int32(n)))
		return out[:4], nil
	case pgtype.Int8OID:
		var out [8]byte
		binary.BigEndian.PutUint64(out[:], uint64(n))
		return out[:8], nil
	default:
		s := strconv.FormatInt(n, 10)
		if big {
			s = strconv.FormatUint(u, 10)
		}
		return numericTextToBinary(s)
	}
}

func (d *intDumper) Quote(v any) ([]byte, error) {
	n, u, big, ok := intValue(v)
	if !ok {
		return nil, cannotDump(v, "integer")
	}
	if big {
		return strconv.AppendUint(nil, u, 10), nil
	}
	if n < 0 {
		// wrap in parens so "-1" composes safely after operators
		return []byte("(" + strconv.FormatInt(n, 10) + ")"), nil
	}
	return strconv.AppendInt(nil, n, 10), nil
}

// floatDumper dumps float32/float64 values.
type floatDumper struct {
	baseDumper
	wide bool // float64
}

func (d *floatDumper) Dump(v any) ([]byte, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	default:
		return nil, cannotDump(v, "float")
	}
	if d.format == wire.Binary {
		if d.wide {
			var out [8]byte
			binary.BigEndian.PutUint64(out[:], math.Float64bits(f))
			return out[:], nil
		}
		var out [4]byte
		binary.BigEndian.PutUint32(out[:], math.Float32bits(float32(f)))
		return out[:], nil
	}
	return appendFloatText(nil, f), nil
}

func appendFloatText(dst []byte, f float64) []byte {
	switch {
	case math.IsNaN(f):
		return append(dst, "NaN"...)
	case math.IsInf(f, 1):
		return append(dst, "Infinity"...)
	case math.IsInf(f, -1):
		return append(dst, "-Infinity"...)
	}
	return strconv.AppendFloat(dst, f, 'g', -1, 64)
}

func (d *floatDumper) Quote(v any) ([]byte, error) {
	data, err := d.Dump(v)
	if err != nil {
		return nil, err
	}
	switch string(data) {
	case "NaN", "Infinity", "-Infinity":
		return []byte("'" + string(data) + "'::float8"), nil
	}
	if len(data) > 0 && data[0] == '-' {
		return []byte("(" + string(data) + ")"), nil
	}
	return data, nil
}

func (d *floatDumper) Upgrade(any, Format) Dumper { return d }

// decimalDumper dumps shopspring decimals as numeric.
type decimalDumper struct {
	baseDumper
}

func (d *decimalDumper) Dump(v any) ([]byte, error) {
	dec, ok := v.(decimal.Decimal)
	if !ok {
		return nil, cannotDump(v, "numeric")
	}
	if d.format == wire.Binary {
		return numericTextToBinary(dec.String())
	}
	return []byte(dec.String()), nil
}

func (d *decimalDumper) Quote(v any) ([]byte, error) {
	data, err := d.Dump(v)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 && data[0] == '-' {
		return []byte("(" + string(data) + ")"), nil
	}
	return data, nil
}

func (d *decimalDumper) Upgrade(any, Format) Dumper { return d }

// int loaders return int16/int32/int64 matching the column width.

type intTextLoader struct {
	oid uint32
}

func (l *intTextLoader) Load(data []byte) (any, error) {
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed integer value %q", data)
	}
	switch l.oid {
	case pgtype.Int2OID:
		return int16(n), nil
	case pgtype.Int4OID:
		return int32(n), nil
	default:
		return n, nil
	}
}

type intBinaryLoader struct{}

func (l *intBinaryLoader) Load(data []byte) (any, error) {
	switch len(data) {
	case 2:
		return int16(binary.BigEndian.Uint16(data)), nil
	case 4:
		return int32(binary.BigEndian.Uint32(data)), nil
	case 8:
		return int64(binary.BigEndian.Uint64(data)), nil
	}
	return nil, fmt.Errorf("malformed binary integer of %d bytes", len(data))
}

type floatTextLoader struct {
	wide bool
}

func (l *floatTextLoader) Load(data []byte) (any, error) {
	f, err := parseFloatText(string(data))
	if err != nil {
		return nil, err
	}
	if !l.wide {
		return float32(f), nil
	}
	return f, nil
}

func parseFloatText(s string) (float64, error) {
	switch s {
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed float value %q", s)
	}
	return f, nil
}

type floatBinaryLoader struct{}

func (l *floatBinaryLoader) Load(data []byte) (any, error) {
	switch len(data) {
	case 4:
		return math.Float32frombits(binary.BigEndian.Uint32(data)), nil
	case 8:
		return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
	}
	return nil, fmt.Errorf("malformed binary float of %d bytes", len(data))
}

type numericTextLoader struct{}

func (l *numericTextLoader) Load(data []byte) (any, error) {
	dec, err := decimal.NewFromString(string(data))
	if err != nil {
		return nil, fmt.Errorf("malformed numeric value %q", data)
	}
	return dec, nil
}

type numericBinaryLoader struct{}

func (l *numericBinaryLoader) Load(data []byte) (any, error) {
	s, err := numericBinaryToText(data)
	if err != nil {
		return nil, err
	}
	if s == "NaN" {
		return math.NaN(), nil
	}
	dec, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("malformed numeric value %q", s)
	}
	return dec, nil
}

const (
	numericPos = 0x0000
	numericNeg = 0x4000
	numericNaN = 0xC000
)

// numericTextToBinary converts a decimal string to the wire numeric
// format: base-10000 digit groups with weight/sign/dscale header.
func numericTextToBinary(s string) ([]byte, error) {
	if s == "NaN" {
		out := make([]byte, 8)
		binary.BigEndian.PutUint16(out[4:], numericNaN)
		return out, nil
	}
	sign := uint16(numericPos)
	if strings.HasPrefix(s, "-") {
		sign = numericNeg
		s = s[1:]
	}
	s = strings.TrimPrefix(s, "+")
	intPart, fracPart := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	for _, part := range []string{intPart, fracPart} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return nil, fmt.Errorf("malformed numeric value %q", s)
			}
		}
	}
	dscale := len(fracPart)

	intPart = strings.TrimLeft(intPart, "0")
	// left-pad the integer part to whole base-10000 groups
	if pad := len(intPart) % 4; pad != 0 {
		intPart = strings.Repeat("0", 4-pad) + intPart
	}
	weight := int16(len(intPart)/4 - 1)
	// right-pad the fractional part to whole groups
	if pad := len(fracPart) % 4; pad != 0 {
		fracPart = fracPart + strings.Repeat("0", 4-pad)
	}

	all := intPart + fracPart
	digits := make([]uint16, 0, len(all)/4)
	for i := 0; i < len(all); i += 4 {
		n, _ := strconv.Atoi(all[i : i+4])
		digits = append(digits, uint16(n))
	}
	// strip leading zero groups, adjusting the weight
	for len(digits) > 0 && digits[0] == 0 {
		digits = digits[1:]
		weight--
	}
	// strip trailing zero groups; dscale keeps the printed scale
	for len(digits) > 0 && digits[len(digits)-1] == 0 {
		digits = digits[:len(digits)-1]
	}
	if len(digits) == 0 {
		weight = 0
		sign = numericPos
	}

	out := make([]byte, 8+2*len(digits))
	binary.BigEndian.PutUint16(out[0:], uint16(len(digits)))
	binary.BigEndian.PutUint16(out[2:], uint16(weight))
	binary.BigEndian.PutUint16(out[4:], sign)
	binary.BigEndian.PutUint16(out[6:], uint16(dscale))
	for i, d := range digits {
		binary.BigEndian.PutUint16(out[8+2*i:], d)
	}
	return out, nil
}

// numericBinaryToText renders the wire numeric format back to a decimal
// string with the declared display scale.
func numericBinaryToText(data []byte) (string, error) {
	if len(data) < 8 {
		return "", fmt.Errorf("malformed binary numeric of %d bytes", len(data))
	}
	ndigits := int(binary.BigEndian.Uint16(data[0:]))
	weight := int(int16(binary.BigEndian.Uint16(data[2:])))
	sign := binary.BigEndian.Uint16(data[4:])
	dscale := int(binary.BigEndian.Uint16(data[6:]))
	if sign == numericNaN {
		return "NaN", nil
	}
	if len(data) < 8+2*ndigits {
		return "", fmt.Errorf("truncated binary numeric")
	}

	var sb strings.Builder
	if sign == numericNeg {
		sb.WriteByte('-')
	}
	// integer part: groups with weight >= 0
	if weight < 0 {
		sb.WriteByte('0')
	} else {
		for i := 0; i <= weight; i++ {
			var group uint16
			if i < ndigits {
				group = binary.BigEndian.Uint16(data[8+2*i:])
			}
			if i == 0 {
				sb.WriteString(strconv.Itoa(int(group)))
			} else {
				sb.WriteString(fmt.Sprintf("%04d", group))
			}
		}
	}
	if dscale > 0 {
		frac := make([]byte, 0, dscale+4)
		for i := weight + 1; len(frac) < dscale; i++ {
			var group uint16
			if i >= 0 && i < ndigits {
				group = binary.BigEndian.Uint16(data[8+2*i:])
			}
			if i < 0 {
				frac = append(frac, "0000"...)
			} else {
				frac = append(frac, fmt.Sprintf("%04d", group)...)
			}
		}
		sb.WriteByte('.')
		sb.Write(frac[:dscale])
	}
	return sb.String(), nil
}

func registerNumericAdapters(m *Map) {
	intTypes := []reflect.Type{
		typeOf[int](), typeOf[int8](), typeOf[int16](), typeOf[int32](), typeOf[int64](),
		typeOf[uint](), typeOf[uint8](), typeOf[uint16](), typeOf[uint32](), typeOf[uint64](),
	}
	for _, t := range intTypes {
		t := t
		m.RegisterDumper(t, wire.Text, func(t reflect.Type, ctx *Context) Dumper {
			return newIntDumper(t, wire.Text)
		})
		m.RegisterDumper(t, wire.Binary, func(t reflect.Type, ctx *Context) Dumper {
			return newIntDumper(t, wire.Binary)
		})
	}

	f32, f64 := typeOf[float32](), typeOf[float64]()
	m.RegisterDumper(f64, wire.Text, func(t reflect.Type, ctx *Context) Dumper {
		return &floatDumper{baseDumper{key: Key{Type: f64}, oid: pgtype.Float8OID, format: wire.Text}, true}
	})
	m.RegisterDumper(f64, wire.Binary, func(t reflect.Type, ctx *Context) Dumper {
		return &floatDumper{baseDumper{key: Key{Type: f64}, oid: pgtype.Float8OID, format: wire.Binary}, true}
	})
	m.RegisterDumper(f32, wire.Text, func(t reflect.Type, ctx *Context) Dumper {
		return &floatDumper{baseDumper{key: Key{Type: f32}, oid: pgtype.Float4OID, format: wire.Text}, false}
	})
	m.RegisterDumper(f32, wire.Binary, func(t reflect.Type, ctx *Context) Dumper {
		return &floatDumper{baseDumper{key: Key{Type: f32}, oid: pgtype.Float4OID, format: wire.Binary}, false}
	})

	decType := typeOf[decimal.Decimal]()
	m.RegisterDumper(decType, wire.Text, func(t reflect.Type, ctx *Context) Dumper {
		return &decimalDumper{baseDumper{key: Key{Type: decType}, oid: pgtype.NumericOID, format: wire.Text}}
	})
	m.RegisterDumper(decType, wire.Binary, func(t reflect.Type, ctx *Context) Dumper {
		return &decimalDumper{baseDumper{key: Key{Type: decType}, oid: pgtype.NumericOID, format: wire.Binary}}
	})

	for _, oid := range []uint32{pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID, pgtype.OIDOID} {
		oid := oid
		m.RegisterLoader(oid, wire.Text, func(oid uint32, ctx *Context) Loader { return &intTextLoader{oid} })
		m.RegisterLoader(oid, wire.Binary, func(oid uint32, ctx *Context) Loader { return &intBinaryLoader{} })
	}
	m.RegisterLoader(pgtype.Float4OID, wire.Text, func(oid uint32, ctx *Context) Loader { return &floatTextLoader{wide: false} })
	m.RegisterLoader(pgtype.Float8OID, wire.Text, func(oid uint32, ctx *Context) Loader { return &floatTextLoader{wide: true} })
	m.RegisterLoader(pgtype.Float4OID, wire.Binary, func(oid uint32, ctx *Context) Loader { return &floatBinaryLoader{} })
	m.RegisterLoader(pgtype.Float8OID, wire.Binary, func(oid uint32, ctx *Context) Loader { return &floatBinaryLoader{} })
	m.RegisterLoader(pgtype.NumericOID, wire.Text, func(oid uint32, ctx *Context) Loader { return &numericTextLoader{} })
	m.RegisterLoader(pgtype.NumericOID, wire.Binary, func(oid uint32, ctx *Context) Loader { return &numericBinaryLoader{} })
}
