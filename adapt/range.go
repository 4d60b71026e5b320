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
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/apecloud/pgline/wire"
)

// Range is a server range value. A nil bound together with the matching
// Inf flag represents an infinite bound.
type Range struct {
	Lower    any
	Upper    any
	LowerInc bool
	UpperInc bool
	LowerInf bool
	UpperInf bool
	Empty    bool
}

const (
	rangeEmpty    = 0x01
	rangeLowerInc = 0x02
	rangeUpperInc = 0x04
	rangeLowerInf = 0x08
	rangeUpperInf = 0x10
)

// rangeDumper renders ranges in the text grammar with unknown oid, leaving
// the concrete range type to server-side inference.
type rangeDumper struct {
	baseDumper
	ctx *Context
}

func (d *rangeDumper) Dump(v any) ([]byte, error) {
	r, ok := v.(Range)
	if !ok {
		return nil, cannotDump(v, "range")
	}
	if r.Empty {
		return []byte("empty"), nil
	}
	var buf bytes.Buffer
	if r.LowerInc {
		buf.WriteByte('[')
	} else {
		buf.WriteByte('(')
	}
	if err := d.dumpBound(&buf, r.Lower, r.LowerInf); err != nil {
		return nil, err
	}
	buf.WriteByte(',')
	if err := d.dumpBound(&buf, r.Upper, r.UpperInf); err != nil {
		return nil, err
	}
	if r.UpperInc {
		buf.WriteByte(']')
	} else {
		buf.WriteByte(')')
	}
	return buf.Bytes(), nil
}

func (d *rangeDumper) dumpBound(buf *bytes.Buffer, bound any, inf bool) error {
	if inf || bound == nil {
		return nil
	}
	tr := NewTransformer(d.ctx)
	dumper, err := tr.GetDumper(bound, Text)
	if err != nil {
		return err
	}
	data, err := dumper.Dump(bound)
	if err != nil {
		return err
	}
	needsQuote := len(data) == 0
	for _, b := range data {
		switch b {
		case '(', ')', '[', ']', ',', '"', '\\', ' ', '\t', '\n', '\r':
			needsQuote = true
		}
	}
	if !needsQuote {
		buf.Write(data)
		return nil
	}
	buf.WriteByte('"')
	for _, b := range data {
		if b == '"' || b == '\\' {
			buf.WriteByte(b)
		}
		buf.WriteByte(b)
	}
	buf.WriteByte('"')
	return nil
}

func (d *rangeDumper) Quote(v any) ([]byte, error) {
	data, err := d.Dump(v)
	if err != nil {
		return nil, err
	}
	return quoteDumped(data), nil
}

func (d *rangeDumper) Upgrade(any, Format) Dumper { return d }

// rangeTextLoader parses the text range grammar, loading bounds with the
// subtype's loader.
type rangeTextLoader struct {
	load LoadFunc
}

func newRangeTextLoader(oid uint32, ctx *Context) Loader {
	l := &rangeTextLoader{}
	var bound Loader
	if info := ctx.Map.Types().ByOID(oid); info != nil && info.RangeSubtype != 0 {
		if factory := ctx.Map.GetLoader(info.RangeSubtype, wire.Text); factory != nil {
			bound = factory(info.RangeSubtype, ctx)
		}
	}
	if bound == nil {
		bound = &unknownLoader{ctx, wire.Text}
	}
	l.load = bound.Load
	return l
}

func (l *rangeTextLoader) Load(data []byte) (any, error) {
	if string(data) == "empty" {
		return Range{Empty: true}, nil
	}
	if len(data) < 3 {
		return nil, fmt.Errorf("malformed range value %q", data)
	}
	var r Range
	switch data[0] {
	case '[':
		r.LowerInc = true
	case '(':
	default:
		return nil, fmt.Errorf("malformed range value %q", data)
	}
	switch data[len(data)-1] {
	case ']':
		r.UpperInc = true
	case ')':
	default:
		return nil, fmt.Errorf("malformed range value %q", data)
	}

	inner := data[1 : len(data)-1]
	lower, rest, err := scanRangeBound(inner)
	if err != nil {
		return nil, err
	}
	upper, rest, err := scanRangeBound(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("malformed range value %q", data)
	}

	if lower == nil {
		r.LowerInf = true
	} else if r.Lower, err = l.load(lower); err != nil {
		return nil, err
	}
	if upper == nil {
		r.UpperInf = true
	} else if r.Upper, err = l.load(upper); err != nil {
		return nil, err
	}
	return r, nil
}

// scanRangeBound consumes one bound up to an unquoted comma or the end.
// A nil result means the bound was empty, i.e. infinite.
func scanRangeBound(data []byte) (bound, rest []byte, err error) {
	if len(data) == 0 {
		return nil, nil, nil
	}
	if data[0] == ',' {
		return nil, data[1:], nil
	}
	if data[0] == '"' {
		var out []byte
		i := 1
		for i < len(data) {
			switch {
			case data[i] == '\\' && i+1 < len(data):
				out = append(out, data[i+1])
				i += 2
			case data[i] == '"' && i+1 < len(data) && data[i+1] == '"':
				out = append(out, '"')
				i += 2
			case data[i] == '"':
				i++
				if i < len(data) && data[i] == ',' {
					i++
				}
				return out, data[i:], nil
			default:
				out = append(out, data[i])
				i++
			}
		}
		return nil, nil, fmt.Errorf("malformed range bound %q", data)
	}
	i := 0
	for i < len(data) && data[i] != ',' {
		i++
	}
	bound = data[:i]
	if i < len(data) {
		i++
	}
	return bound, data[i:], nil
}

// rangeBinaryLoader parses the binary range layout.
type rangeBinaryLoader struct {
	load LoadFunc
}

func newRangeBinaryLoader(oid uint32, ctx *Context) Loader {
	l := &rangeBinaryLoader{}
	var bound Loader
	if info := ctx.Map.Types().ByOID(oid); info != nil && info.RangeSubtype != 0 {
		if factory := ctx.Map.GetLoader(info.RangeSubtype, wire.Binary); factory != nil {
			bound = factory(info.RangeSubtype, ctx)
		}
	}
	if bound == nil {
		bound = &unknownLoader{ctx, wire.Binary}
	}
	l.load = bound.Load
	return l
}

func (l *rangeBinaryLoader) Load(data []byte) (any, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("malformed binary range")
	}
	flags := data[0]
	data = data[1:]
	r := Range{
		Empty:    flags&rangeEmpty != 0,
		LowerInc: flags&rangeLowerInc != 0,
		UpperInc: flags&rangeUpperInc != 0,
		LowerInf: flags&rangeLowerInf != 0,
		UpperInf: flags&rangeUpperInf != 0,
	}
	if r.Empty {
		return r, nil
	}
	next := func() ([]byte, error) {
		if len(data) < 4 {
			return nil, fmt.Errorf("truncated binary range")
		}
		n := int(int32(binary.BigEndian.Uint32(data)))
		data = data[4:]
		if n < 0 {
			return nil, nil
		}
		if len(data) < n {
			return nil, fmt.Errorf("truncated binary range")
		}
		out := data[:n]
		data = data[n:]
		return out, nil
	}
	var err error
	if !r.LowerInf {
		b, err2 := next()
		if err2 != nil {
			return nil, err2
		}
		if r.Lower, err = l.load(b); err != nil {
			return nil, err
		}
	}
	if !r.UpperInf {
		b, err2 := next()
		if err2 != nil {
			return nil, err2
		}
		if r.Upper, err = l.load(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func registerRangeAdapters(m *Map) {
	rangeType := typeOf[Range]()
	m.RegisterDumper(rangeType, wire.Text, func(t reflect.Type, ctx *Context) Dumper {
		return &rangeDumper{baseDumper{key: Key{Type: rangeType}, oid: wire.InvalidOID, format: wire.Text}, ctx}
	})
	for _, oid := range []uint32{
		pgtype.Int4rangeOID, pgtype.Int8rangeOID, pgtype.NumrangeOID,
		pgtype.TsrangeOID, pgtype.TstzrangeOID, pgtype.DaterangeOID,
	} {
		m.RegisterLoader(oid, wire.Text, newRangeTextLoader)
		m.RegisterLoader(oid, wire.Binary, newRangeBinaryLoader)
	}
}
