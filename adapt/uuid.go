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
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/apecloud/pgline/wire"
)

type uuidDumper struct {
	baseDumper
}

func (d *uuidDumper) Dump(v any) ([]byte, error) {
	u, ok := v.(uuid.UUID)
	if !ok {
		return nil, cannotDump(v, "uuid")
	}
	if d.format == wire.Binary {
		return u[:], nil
	}
	return []byte(u.String()), nil
}

func (d *uuidDumper) Quote(v any) ([]byte, error) {
	u, ok := v.(uuid.UUID)
	if !ok {
		return nil, cannotDump(v, "uuid")
	}
	return []byte("'" + u.String() + "'::uuid"), nil
}

func (d *uuidDumper) Upgrade(any, Format) Dumper { return d }

type uuidLoader struct {
	format wire.Format
}

func (l *uuidLoader) Load(data []byte) (any, error) {
	if l.format == wire.Binary {
		u, err := uuid.FromBytes(data)
		if err != nil {
			return nil, fmt.Errorf("malformed binary uuid: %v", err)
		}
		return u, nil
	}
	u, err := uuid.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("malformed uuid value %q", data)
	}
	return u, nil
}

func registerUUIDAdapters(m *Map) {
	uuidType := typeOf[uuid.UUID]()
	m.RegisterDumper(uuidType, wire.Text, func(t reflect.Type, ctx *Context) Dumper {
		return &uuidDumper{baseDumper{key: Key{Type: uuidType}, oid: pgtype.UUIDOID, format: wire.Text}}
	})
	m.RegisterDumper(uuidType, wire.Binary, func(t reflect.Type, ctx *Context) Dumper {
		return &uuidDumper{baseDumper{key: Key{Type: uuidType}, oid: pgtype.UUIDOID, format: wire.Binary}}
	})
	m.RegisterLoader(pgtype.UUIDOID, wire.Text, func(oid uint32, ctx *Context) Loader { return &uuidLoader{wire.Text} })
	m.RegisterLoader(pgtype.UUIDOID, wire.Binary, func(oid uint32, ctx *Context) Loader { return &uuidLoader{wire.Binary} })
}
