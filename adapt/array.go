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
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/apecloud/pgline/wire"
)

// sliceDumper is the generic dumper every Go slice type resolves to. It
// specialises on first use: Key scans the value for its base element type
// and Upgrade builds a dumper wired to that element's dumper and the
// matching array oid. A slice with no non-nil element keeps the generic
// dumper, which dumps a text array with unknown oid so the server can
// infer the type.
type sliceDumper struct {
	typ    reflect.Type
	ctx    *Context
	oid    uint32
	format wire.Format

	elem      Dumper
	delimiter byte
}

func newSliceDumper(t reflect.Type, ctx *Context, format wire.Format) *sliceDumper {
	return &sliceDumper{typ: t, ctx: ctx, oid: wire.InvalidOID, format: wire.Text, delimiter: ','}
}

func (d *sliceDumper) OID() uint32         { return d.oid }
func (d *sliceDumper) Format() wire.Format { return d.format }

// baseElem returns the first non-nil scalar found in a (possibly nested)
// slice, descending depth first.
func baseElem(v reflect.Value) (any, bool) {
	for i := 0; i < v.Len(); i++ {
		e := v.Index(i)
		for e.Kind() == reflect.Interface || e.Kind() == reflect.Pointer {
			if e.IsNil() {
				e = reflect.Value{}
				break
			}
			e = e.Elem()
		}
		if !e.IsValid() {
			continue
		}
		if e.Kind() == reflect.Slice && e.Type() != byteSliceType {
			if inner, ok := baseElem(e); ok {
				return inner, true
			}
			continue
		}
		return e.Interface(), true
	}
	return nil, false
}

func (d *sliceDumper) Key(v any, _ Format) Key {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return Key{Type: d.typ}
	}
	elem, ok := baseElem(rv)
	if !ok {
		return Key{Type: d.typ}
	}
	return Key{Type: d.typ, Elem: reflect.TypeOf(elem)}
}

func (d *sliceDumper) Upgrade(v any, format Format) Dumper {
	key := d.Key(v, format)
	if key.Elem == nil {
		return d
	}
	elemFormat := format
	if format == Auto {
		elemFormat = Text
	}
	factory, err := d.ctx.Map.GetDumper(key.Elem, elemFormat)
	if err != nil {
		return d
	}
	elem := factory(key.Elem, d.ctx)

	// integer elements widen to int8 so one oid covers the whole array
	if id, ok := elem.(*intDumper); ok {
		elem = &intDumper{typ: id.typ, oid: pgtype.Int8OID, format: id.format}
	}

	up := &sliceDumper{
		typ:       d.typ,
		ctx:       d.ctx,
		format:    elem.Format(),
		elem:      elem,
		delimiter: ',',
	}
	if info := d.ctx.Map.Types().ByOID(elem.OID()); info != nil {
		up.oid = info.ArrayOID
		up.delimiter = info.Delimiter
	}
	return up
}

func (d *sliceDumper) Dump(v any) ([]byte, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, cannotDump(v, "array")
	}
	if d.format == wire.Binary {
		return d.dumpBinary(rv)
	}
	var buf bytes.Buffer
	if err := d.dumpText(&buf, rv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *sliceDumper) Quote(v any) ([]byte, error) {
	data, err := d.Dump(v)
	if err != nil {
		return nil, err
	}
	return quoteDumped(data), nil
}

func (d *sliceDumper) dumpText(buf *bytes.Buffer, rv reflect.Value) error {
	buf.WriteByte('{')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			buf.WriteByte(d.delimiter)
		}
		e := elemValue(rv.Index(i))
		if e == nil {
			buf.WriteString("NULL")
			continue
		}
		ev := reflect.ValueOf(e)
		if ev.Kind() == reflect.Slice && ev.Type() != byteSliceType {
			if err := d.dumpText(buf, ev); err != nil {
				return err
			}
			continue
		}
		data, err := d.dumpElem(e)
		if err != nil {
			return err
		}
		writeArrayElem(buf, data)
	}
	buf.WriteByte('}')
	return nil
}

func (d *sliceDumper) dumpElem(e any) ([]byte, error) {
	dumper := d.elem
	if dumper == nil {
		// generic dumper: render scalars with a throwaway text dumper
		tr := NewTransformer(d.ctx)
		var err error
		dumper, err = tr.GetDumper(e, Text)
		if err != nil {
			return nil, err
		}
	}
	return dumper.Dump(e)
}

func elemValue(e reflect.Value) any {
	for e.Kind() == reflect.Interface || e.Kind() == reflect.Pointer {
		if e.IsNil() {
			return nil
		}
		e = e.Elem()
	}
	if !e.IsValid() {
		return nil
	}
	return e.Interface()
}

// writeArrayElem writes one dumped element, quoting it if it contains any
// character meaningful to the array grammar.
func writeArrayElem(buf *bytes.Buffer, data []byte) {
	needsQuote := len(data) == 0 || strings.EqualFold(string(data), "NULL")
	if !needsQuote {
		for _, b := range data {
			if b == '{' || b == '}' || b == ',' || b == '"' || b == '\\' ||
				b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == ';' {
				needsQuote = true
				break
			}
		}
	}
	if !needsQuote {
		buf.Write(data)
		return
	}
	buf.WriteByte('"')
	for _, b := range data {
		if b == '"' || b == '\\' {
			buf.WriteByte('\\')
		}
		buf.WriteByte(b)
	}
	buf.WriteByte('"')
}

func (d *sliceDumper) dumpBinary(rv reflect.Value) ([]byte, error) {
	if d.elem == nil {
		return nil, fmt.Errorf("cannot dump an all-null array in binary format")
	}
	var dims []int
	for v := rv; ; {
		dims = append(dims, v.Len())
		if v.Len() == 0 {
			break
		}
		e := reflect.ValueOf(elemValue(v.Index(0)))
		if e.Kind() != reflect.Slice || e.Type() == byteSliceType {
			break
		}
		v = e
	}

	var flat [][]byte
	hasNull := false
	var flatten func(v reflect.Value, depth int) error
	flatten = func(v reflect.Value, depth int) error {
		if v.Len() != dims[depth] {
			return fmt.Errorf("nested lists have inconsistent lengths")
		}
		for i := 0; i < v.Len(); i++ {
			e := elemValue(v.Index(i))
			if depth < len(dims)-1 {
				ev := reflect.ValueOf(e)
				if ev.Kind() != reflect.Slice {
					return fmt.Errorf("nested lists have inconsistent depths")
				}
				if err := flatten(ev, depth+1); err != nil {
					return err
				}
				continue
			}
			if e == nil {
				hasNull = true
				flat = append(flat, nil)
				continue
			}
			data, err := d.elem.Dump(e)
			if err != nil {
				return err
			}
			flat = append(flat, data)
		}
		return nil
	}
	if err := flatten(rv, 0); err != nil {
		return nil, err
	}

	if len(flat) == 0 {
		out := appendInt32(nil, 0) // ndims
		out = appendInt32(out, 0)  // flags
		return appendInt32(out, int32(d.elem.OID())), nil
	}

	out := make([]byte, 0, 12+8*len(dims)+len(flat)*8)
	out = appendInt32(out, int32(len(dims)))
	if hasNull {
		out = appendInt32(out, 1)
	} else {
		out = appendInt32(out, 0)
	}
	out = appendInt32(out, int32(d.elem.OID()))
	for _, dim := range dims {
		out = appendInt32(out, int32(dim))
		out = appendInt32(out, 1) // lower bound
	}
	for _, data := range flat {
		if data == nil {
			out = appendInt32(out, -1)
			continue
		}
		out = appendInt32(out, int32(len(data)))
		out = append(out, data...)
	}
	return out, nil
}

func appendInt32(dst []byte, n int32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(n))
	return append(dst, tmp[:]...)
}

// arrayTextLoader parses the text array grammar, loading elements with the
// loader of the element type.
type arrayTextLoader struct {
	delimiter byte
	load      LoadFunc
}

func newArrayTextLoader(oid uint32, ctx *Context) Loader {
	l := &arrayTextLoader{delimiter: ','}
	info := ctx.Map.Types().ByOID(oid)
	var elemLoader Loader
	if info != nil {
		l.delimiter = info.Delimiter
		if factory := ctx.Map.GetLoader(info.OID, wire.Text); factory != nil {
			elemLoader = factory(info.OID, ctx)
		}
	}
	if elemLoader == nil {
		elemLoader = &unknownLoader{ctx, wire.Text}
	}
	l.load = elemLoader.Load
	return l
}

func (l *arrayTextLoader) Load(data []byte) (any, error) {
	// skip an explicit lower-bound prefix: [1:2]={...}
	if len(data) > 0 && data[0] == '[' {
		if i := bytes.IndexByte(data, '='); i >= 0 {
			data = data[i+1:]
		}
	}
	v, rest, err := l.parse(data)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(rest)) != 0 {
		return nil, fmt.Errorf("malformed array: unexpected trailing %q", rest)
	}
	return v, nil
}

func (l *arrayTextLoader) parse(data []byte) (any, []byte, error) {
	if len(data) == 0 || data[0] != '{' {
		return nil, nil, fmt.Errorf("malformed array: expected '{'")
	}
	data = data[1:]
	out := []any{}
	for {
		if len(data) == 0 {
			return nil, nil, fmt.Errorf("malformed array: unterminated")
		}
		switch data[0] {
		case '}':
			return out, data[1:], nil
		case byte(l.delimiter):
			data = data[1:]
		case '{':
			inner, rest, err := l.parse(data)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, inner)
			data = rest
		case '"':
			var sb bytes.Buffer
			i := 1
			for i < len(data) {
				if data[i] == '\\' && i+1 < len(data) {
					sb.WriteByte(data[i+1])
					i += 2
					continue
				}
				if data[i] == '"' {
					break
				}
				sb.WriteByte(data[i])
				i++
			}
			if i >= len(data) {
				return nil, nil, fmt.Errorf("malformed array: unterminated quote")
			}
			v, err := l.load(sb.Bytes())
			if err != nil {
				return nil, nil, err
			}
			out = append(out, v)
			data = data[i+1:]
		default:
			i := 0
			for i < len(data) && data[i] != byte(l.delimiter) && data[i] != '}' {
				i++
			}
			token := data[:i]
			data = data[i:]
			if string(token) == "NULL" {
				out = append(out, nil)
				continue
			}
			v, err := l.load(token)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, v)
		}
	}
}

// arrayBinaryLoader parses the binary array layout, loading elements with
// the loader of the oid declared in the header.
type arrayBinaryLoader struct {
	ctx *Context
}

func (l *arrayBinaryLoader) Load(data []byte) (any, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("malformed binary array of %d bytes", len(data))
	}
	ndims := int(int32(binary.BigEndian.Uint32(data[0:])))
	elemOID := binary.BigEndian.Uint32(data[8:])
	data = data[12:]
	if ndims == 0 {
		return []any{}, nil
	}
	if ndims < 0 || len(data) < 8*ndims {
		return nil, fmt.Errorf("malformed binary array header")
	}
	dims := make([]int, ndims)
	for i := range dims {
		dims[i] = int(int32(binary.BigEndian.Uint32(data[8*i:])))
	}
	data = data[8*ndims:]

	var elemLoader Loader
	if factory := l.ctx.Map.GetLoader(elemOID, wire.Binary); factory != nil {
		elemLoader = factory(elemOID, l.ctx)
	} else {
		elemLoader = &unknownLoader{l.ctx, wire.Binary}
	}

	total := 1
	for _, dim := range dims {
		total *= dim
	}
	flat := make([]any, 0, total)
	for i := 0; i < total; i++ {
		if len(data) < 4 {
			return nil, fmt.Errorf("truncated binary array")
		}
		n := int(int32(binary.BigEndian.Uint32(data)))
		data = data[4:]
		if n < 0 {
			flat = append(flat, nil)
			continue
		}
		if len(data) < n {
			return nil, fmt.Errorf("truncated binary array")
		}
		v, err := elemLoader.Load(data[:n])
		if err != nil {
			return nil, err
		}
		flat = append(flat, v)
		data = data[n:]
	}
	return nest(flat, dims), nil
}

func nest(flat []any, dims []int) any {
	if len(dims) == 1 {
		return append([]any(nil), flat...)
	}
	stride := len(flat) / dims[0]
	out := make([]any, dims[0])
	for i := range out {
		out[i] = nest(flat[i*stride:(i+1)*stride], dims[1:])
	}
	return out
}

func registerArrayAdapters(m *Map) {
	m.RegisterDumper(anySliceType, wire.Text, func(t reflect.Type, ctx *Context) Dumper {
		return newSliceDumper(t, ctx, wire.Text)
	})
	m.RegisterDumper(anySliceType, wire.Binary, func(t reflect.Type, ctx *Context) Dumper {
		return newSliceDumper(t, ctx, wire.Binary)
	})

	arrayOIDs := []uint32{
		pgtype.BoolArrayOID, pgtype.ByteaArrayOID, pgtype.Int2ArrayOID,
		pgtype.Int4ArrayOID, pgtype.Int8ArrayOID, pgtype.TextArrayOID,
		pgtype.JSONArrayOID, pgtype.Float4ArrayOID, pgtype.Float8ArrayOID,
		pgtype.BPCharArrayOID, pgtype.VarcharArrayOID, pgtype.DateArrayOID,
		pgtype.TimeArrayOID, pgtype.TimestampArrayOID, pgtype.TimestamptzArrayOID,
		pgtype.IntervalArrayOID, pgtype.NumericArrayOID, pgtype.UUIDArrayOID,
		pgtype.JSONBArrayOID,
	}
	for _, oid := range arrayOIDs {
		m.RegisterLoader(oid, wire.Text, newArrayTextLoader)
		m.RegisterLoader(oid, wire.Binary, func(oid uint32, ctx *Context) Loader {
			return &arrayBinaryLoader{ctx}
		})
	}
}
