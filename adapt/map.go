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
	"sync"

	"github.com/apecloud/pgline/wire"
)

// Map is a layered registry of dumpers and loaders. A new map created over
// a template shares the template's lookup tables until the first
// registration, which promotes the table being written to a private copy.
// This makes the global → connection → cursor layering cheap: most layers
// are never written to at runtime.
type Map struct {
	dumpers    [2]map[reflect.Type]DumperFactory // indexed by wire.Format
	loaders    [2]map[uint32]LoaderFactory
	ownDumpers [2]bool
	ownLoaders [2]bool

	types *TypeCatalog
}

// NewMap returns a map layered over template. A nil template layers over
// the global map.
func NewMap(template *Map) *Map {
	if template == nil {
		template = GlobalMap()
	}
	m := &Map{types: template.types}
	for f := 0; f < 2; f++ {
		m.dumpers[f] = template.dumpers[f]
		m.loaders[f] = template.loaders[f]
	}
	return m
}

// Types returns the types catalogue of the map.
func (m *Map) Types() *TypeCatalog { return m.types }

// RegisterDumper registers a dumper factory for values of type t in the
// given wire format.
func (m *Map) RegisterDumper(t reflect.Type, format wire.Format, f DumperFactory) {
	if !m.ownDumpers[format] {
		clone := make(map[reflect.Type]DumperFactory, len(m.dumpers[format])+1)
		for k, v := range m.dumpers[format] {
			clone[k] = v
		}
		m.dumpers[format] = clone
		m.ownDumpers[format] = true
	}
	m.dumpers[format][t] = f
}

// RegisterLoader registers a loader factory for values of type oid in the
// given wire format.
func (m *Map) RegisterLoader(oid uint32, format wire.Format, f LoaderFactory) {
	if !m.ownLoaders[format] {
		clone := make(map[uint32]LoaderFactory, len(m.loaders[format])+1)
		for k, v := range m.loaders[format] {
			clone[k] = v
		}
		m.loaders[format] = clone
		m.ownLoaders[format] = true
	}
	m.loaders[format][oid] = f
}

// RegisterLoaderByName registers a loader for the type with the given
// catalogue name, e.g. "numeric".
func (m *Map) RegisterLoaderByName(name string, format wire.Format, f LoaderFactory) error {
	info := m.types.ByName(name)
	if info == nil {
		return fmt.Errorf("unknown type name %q", name)
	}
	m.RegisterLoader(info.OID, format, f)
	return nil
}

var stringType = typeOf[string]()
var anySliceType = typeOf[[]any]()
var byteSliceType = typeOf[[]byte]()

// GetDumper returns the dumper factory registered for type t in the given
// format. With Auto the binary registry is searched first, then the text
// one — except for strings, which stay text so the server side can keep
// inferring their type. The lookup falls back from the concrete type to
// registered interface types, and from any slice type to the generic slice
// dumper.
func (m *Map) GetDumper(t reflect.Type, format Format) (DumperFactory, error) {
	var order []wire.Format
	switch {
	case format == Auto && t == stringType:
		order = []wire.Format{wire.Text}
	case format == Auto:
		order = []wire.Format{wire.Binary, wire.Text}
	default:
		order = []wire.Format{format.Wire()}
	}

	for _, wf := range order {
		if f := m.lookupDumper(t, wf); f != nil {
			return f, nil
		}
	}
	return nil, fmt.Errorf("cannot adapt type %s to format %s", t, format)
}

func (m *Map) lookupDumper(t reflect.Type, wf wire.Format) DumperFactory {
	reg := m.dumpers[wf]
	if f, ok := reg[t]; ok {
		return f
	}
	// interface registrations are the Go analog of superclass lookup
	for k, f := range reg {
		if k.Kind() == reflect.Interface && t.Implements(k) {
			return f
		}
	}
	if t.Kind() == reflect.Slice && t != byteSliceType {
		if f, ok := reg[anySliceType]; ok {
			return f
		}
	}
	return nil
}

// GetLoader returns the loader factory for (oid, format), or nil if none
// is registered; the caller falls back to the unknown-oid loader.
func (m *Map) GetLoader(oid uint32, format wire.Format) LoaderFactory {
	return m.loaders[format][oid]
}

var (
	globalOnce sync.Once
	globalMap  *Map
)

// GlobalMap returns the process-wide adapter registry, with the builtin
// adapters installed. Mutating it affects every connection created
// afterwards; connections layer their own map over it.
func GlobalMap() *Map {
	globalOnce.Do(func() {
		globalMap = &Map{types: builtinCatalog()}
		for f := 0; f < 2; f++ {
			globalMap.dumpers[f] = make(map[reflect.Type]DumperFactory)
			globalMap.loaders[f] = make(map[uint32]LoaderFactory)
			globalMap.ownDumpers[f] = true
			globalMap.ownLoaders[f] = true
		}
		registerBuiltins(globalMap)
	})
	return globalMap
}
