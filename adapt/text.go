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
	"encoding/hex"
	"reflect"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/apecloud/pgline/wire"
)

// strDumper dumps Go strings. The oid is left unknown so the server can
// keep inferring the column type, which matters in contexts like
// `concat(%s, %s)`.
type strDumper struct {
	baseDumper
	ctx *Context
}

func newStrDumper(t reflect.Type, ctx *Context, format wire.Format) Dumper {
	// binary parameters cannot rely on server-side inference, so they
	// declare text explicitly
	oid := uint32(wire.InvalidOID)
	if format == wire.Binary {
		oid = pgtype.TextOID
	}
	return &strDumper{baseDumper{key: Key{Type: stringType}, oid: oid, format: format}, ctx}
}

func (d *strDumper) Dump(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, cannotDump(v, "text")
	}
	if bytes.IndexByte([]byte(s), 0) >= 0 {
		return nil, fmt.Errorf("PostgreSQL text fields cannot contain NUL (0x00) bytes")
	}
	return d.ctx.EncodeText(s)
}

func (d *strDumper) Quote(v any) ([]byte, error) {
	data, err := d.Dump(v)
	if err != nil {
		return nil, err
	}
	return quoteDumped(data), nil
}

func (d *strDumper) Upgrade(any, Format) Dumper { return d }

// bytesDumper dumps []byte as bytea.
type bytesDumper struct {
	baseDumper
}

func (d *bytesDumper) Dump(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, cannotDump(v, "bytea")
	}
	if d.format == wire.Binary {
		return b, nil
	}
	out := make([]byte, 2+hex.EncodedLen(len(b)))
	out[0], out[1] = '\\', 'x'
	hex.Encode(out[2:], b)
	return out, nil
}

func (d *bytesDumper) Quote(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, cannotDump(v, "bytea")
	}
	out := []byte("'\\x")
	out = append(out, []byte(hex.EncodeToString(b))...)
	return append(out, '\''), nil
}

func (d *bytesDumper) Upgrade(any, Format) Dumper { return d }

// boolDumper dumps Go bools.
type boolDumper struct {
	baseDumper
}

func (d *boolDumper) Dump(v any) ([]byte, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, cannotDump(v, "bool")
	}
	if d.format == wire.Binary {
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	}
	if b {
		return []byte{'t'}, nil
	}
	return []byte{'f'}, nil
}

func (d *boolDumper) Quote(v any) ([]byte, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, cannotDump(v, "bool")
	}
	if b {
		return []byte("true"), nil
	}
	return []byte("false"), nil
}

func (d *boolDumper) Upgrade(any, Format) Dumper { return d }

// textLoader decodes a text cell to a Go string via the session encoding.
type textLoader struct {
	ctx *Context
}

func (l *textLoader) Load(data []byte) (any, error) {
	return l.ctx.DecodeText(data)
}

// byteaTextLoader parses the hex or escape output formats of bytea.
type byteaTextLoader struct{}

func (l *byteaTextLoader) Load(data []byte) (any, error) {
	if len(data) >= 2 && data[0] == '\\' && data[1] == 'x' {
		out := make([]byte, hex.DecodedLen(len(data)-2))
		n, err := hex.Decode(out, data[2:])
		if err != nil {
			return nil, fmt.Errorf("malformed bytea value: %v", err)
		}
		return out[:n], nil
	}
	// escape format
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		if data[i] != '\\' {
			out = append(out, data[i])
			i++
			continue
		}
		if i+1 < len(data) && data[i+1] == '\\' {
			out = append(out, '\\')
			i += 2
			continue
		}
		if i+3 < len(data) {
			out = append(out, (data[i+1]-'0')<<6|(data[i+2]-'0')<<3|(data[i+3]-'0'))
			i += 4
			continue
		}
		return nil, fmt.Errorf("malformed bytea value")
	}
	return out, nil
}

// byteaBinaryLoader passes bytea cells through.
type byteaBinaryLoader struct{}

func (l *byteaBinaryLoader) Load(data []byte) (any, error) {
	return append([]byte(nil), data...), nil
}

// boolLoader loads bool cells in either format.
type boolLoader struct {
	format wire.Format
}

func (l *boolLoader) Load(data []byte) (any, error) {
	if len(data) != 1 {
		return nil, fmt.Errorf("malformed bool value %q", data)
	}
	if l.format == wire.Binary {
		return data[0] != 0, nil
	}
	return data[0] == 't', nil
}

// unknownLoader handles cells whose oid has no registered loader: text is
// decoded as a string, binary bytes are passed through untouched.
type unknownLoader struct {
	ctx    *Context
	format wire.Format
}

func (l *unknownLoader) Load(data []byte) (any, error) {
	if l.format == wire.Binary {
		return append([]byte(nil), data...), nil
	}
	return l.ctx.DecodeText(data)
}

func registerTextAdapters(m *Map) {
	m.RegisterDumper(stringType, wire.Text, func(t reflect.Type, ctx *Context) Dumper {
		return newStrDumper(t, ctx, wire.Text)
	})
	m.RegisterDumper(stringType, wire.Binary, func(t reflect.Type, ctx *Context) Dumper {
		return newStrDumper(t, ctx, wire.Binary)
	})
	m.RegisterDumper(byteSliceType, wire.Text, func(t reflect.Type, ctx *Context) Dumper {
		return &bytesDumper{baseDumper{key: Key{Type: byteSliceType}, oid: pgtype.ByteaOID, format: wire.Text}}
	})
	m.RegisterDumper(byteSliceType, wire.Binary, func(t reflect.Type, ctx *Context) Dumper {
		return &bytesDumper{baseDumper{key: Key{Type: byteSliceType}, oid: pgtype.ByteaOID, format: wire.Binary}}
	})
	boolType := typeOf[bool]()
	m.RegisterDumper(boolType, wire.Text, func(t reflect.Type, ctx *Context) Dumper {
		return &boolDumper{baseDumper{key: Key{Type: boolType}, oid: pgtype.BoolOID, format: wire.Text}}
	})
	m.RegisterDumper(boolType, wire.Binary, func(t reflect.Type, ctx *Context) Dumper {
		return &boolDumper{baseDumper{key: Key{Type: boolType}, oid: pgtype.BoolOID, format: wire.Binary}}
	})

	for _, oid := range []uint32{pgtype.TextOID, pgtype.VarcharOID, pgtype.BPCharOID, pgtype.NameOID, pgtype.UnknownOID} {
		m.RegisterLoader(oid, wire.Text, func(oid uint32, ctx *Context) Loader { return &textLoader{ctx} })
		m.RegisterLoader(oid, wire.Binary, func(oid uint32, ctx *Context) Loader { return &textLoader{ctx} })
	}
	m.RegisterLoader(pgtype.ByteaOID, wire.Text, func(oid uint32, ctx *Context) Loader { return &byteaTextLoader{} })
	m.RegisterLoader(pgtype.ByteaOID, wire.Binary, func(oid uint32, ctx *Context) Loader { return &byteaBinaryLoader{} })
	m.RegisterLoader(pgtype.BoolOID, wire.Text, func(oid uint32, ctx *Context) Loader { return &boolLoader{wire.Text} })
	m.RegisterLoader(pgtype.BoolOID, wire.Binary, func(oid uint32, ctx *Context) Loader { return &boolLoader{wire.Binary} })
	m.RegisterLoader(wire.InvalidOID, wire.Text, func(oid uint32, ctx *Context) Loader { return &unknownLoader{ctx, wire.Text} })
	m.RegisterLoader(wire.InvalidOID, wire.Binary, func(oid uint32, ctx *Context) Loader { return &unknownLoader{ctx, wire.Binary} })
}
