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
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/apecloud/pgline/wire"
)

// JSON wraps a value to be dumped as json.
type JSON struct{ V any }

// JSONB wraps a value to be dumped as jsonb.
type JSONB struct{ V any }

const jsonbVersion = 1

type jsonDumper struct {
	baseDumper
	jsonb bool
}

func (d *jsonDumper) Dump(v any) ([]byte, error) {
	var inner any
	switch x := v.(type) {
	case JSON:
		inner = x.V
	case JSONB:
		inner = x.V
	case map[string]any:
		inner = x
	default:
		return nil, cannotDump(v, "json")
	}
	data, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("cannot dump %T as json: %v", v, err)
	}
	if d.jsonb && d.format == wire.Binary {
		return append([]byte{jsonbVersion}, data...), nil
	}
	return data, nil
}

func (d *jsonDumper) Quote(v any) ([]byte, error) {
	data, err := d.Dump(v)
	if err != nil {
		return nil, err
	}
	cast := "::json"
	if d.jsonb {
		cast = "::jsonb"
		if d.format == wire.Binary {
			data = data[1:]
		}
	}
	return append(quoteDumped(data), cast...), nil
}

func (d *jsonDumper) Upgrade(any, Format) Dumper { return d }

type jsonLoader struct {
	jsonb  bool
	format wire.Format
}

func (l *jsonLoader) Load(data []byte) (any, error) {
	if l.jsonb && l.format == wire.Binary {
		if len(data) == 0 || data[0] != jsonbVersion {
			return nil, fmt.Errorf("unknown jsonb binary version")
		}
		data = data[1:]
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("malformed json value: %v", err)
	}
	return v, nil
}

func registerJSONAdapters(m *Map) {
	for _, reg := range []struct {
		t     reflect.Type
		jsonb bool
		oid   uint32
	}{
		{typeOf[JSON](), false, pgtype.JSONOID},
		{typeOf[JSONB](), true, pgtype.JSONBOID},
		{typeOf[map[string]any](), true, pgtype.JSONBOID},
	} {
		reg := reg
		m.RegisterDumper(reg.t, wire.Text, func(t reflect.Type, ctx *Context) Dumper {
			return &jsonDumper{baseDumper{key: Key{Type: reg.t}, oid: reg.oid, format: wire.Text}, reg.jsonb}
		})
		m.RegisterDumper(reg.t, wire.Binary, func(t reflect.Type, ctx *Context) Dumper {
			return &jsonDumper{baseDumper{key: Key{Type: reg.t}, oid: reg.oid, format: wire.Binary}, reg.jsonb}
		})
	}
	for _, f := range []wire.Format{wire.Text, wire.Binary} {
		f := f
		m.RegisterLoader(pgtype.JSONOID, f, func(oid uint32, ctx *Context) Loader { return &jsonLoader{false, f} })
		m.RegisterLoader(pgtype.JSONBOID, f, func(oid uint32, ctx *Context) Loader { return &jsonLoader{true, f} })
	}
}
