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

	"github.com/apecloud/pgline/wire"
)

// LoadFunc converts one cell's wire bytes to a host value.
type LoadFunc func(data []byte) (any, error)

// RowMaker builds a host row from the loaded cell values.
type RowMaker func(values []any) any

// Transformer adapts values between Go and the server for one query. It
// caches dumper and loader instances so adapting many values of the same
// type costs one lookup, and it holds the per-column loader vector for the
// result being consumed.
type Transformer struct {
	ctx *Context

	// dumper instances by requested format and cache key
	dumpers [3]map[Key]Dumper
	// loader instances by wire format and oid
	loaders [2]map[uint32]Loader

	res        *wire.Result
	nfields    int
	ntuples    int
	rowLoaders []LoadFunc

	// per-parameter-slot dumper cache, the executemany fast path
	rowDumpers []Dumper

	MakeRow RowMaker
}

// NewTransformer returns a transformer over ctx, or over a fresh default
// context if ctx is nil.
func NewTransformer(ctx *Context) *Transformer {
	if ctx == nil {
		ctx = NewContext()
	}
	t := &Transformer{ctx: ctx}
	for i := range t.dumpers {
		t.dumpers[i] = make(map[Key]Dumper)
	}
	for i := range t.loaders {
		t.loaders[i] = make(map[uint32]Loader)
	}
	t.MakeRow = func(values []any) any { return values }
	return t
}

// Context returns the adaptation context the transformer is bound to.
func (t *Transformer) Context() *Context { return t.ctx }

// Result returns the result currently set, if any.
func (t *Transformer) Result() *wire.Result { return t.res }

// SetResult binds a result and rebuilds the per-column loader vector from
// its field metadata. A nil result clears both.
func (t *Transformer) SetResult(res *wire.Result) error {
	return t.setResult(res, true)
}

// SetResultKeepLoaders binds a result reusing the current loader vector,
// for streams of results sharing one row description.
func (t *Transformer) SetResultKeepLoaders(res *wire.Result) error {
	return t.setResult(res, false)
}

func (t *Transformer) setResult(res *wire.Result, setLoaders bool) error {
	t.res = res
	if res == nil {
		t.nfields, t.ntuples = 0, 0
		if setLoaders {
			t.rowLoaders = nil
		}
		return nil
	}
	t.nfields = res.NFields()
	t.ntuples = res.NTuples()
	if !setLoaders {
		return nil
	}
	loaders := make([]LoadFunc, t.nfields)
	for i, f := range res.Fields() {
		loader, err := t.GetLoader(f.TypeOID, f.Format)
		if err != nil {
			return err
		}
		loaders[i] = loader.Load
	}
	t.rowLoaders = loaders
	return nil
}

// DumpSequence dumps one parameter list, producing the value, oid and
// format vectors to send. Dumpers are cached per slot, so re-dumping new
// parameters for the same query reuses them.
func (t *Transformer) DumpSequence(params []any, formats []Format) (vals [][]byte, oids []uint32, fmts []wire.Format, err error) {
	vals = make([][]byte, len(params))
	oids = make([]uint32, len(params))
	fmts = make([]wire.Format, len(params))

	if t.rowDumpers == nil {
		t.rowDumpers = make([]Dumper, len(params))
	}

	for i, param := range params {
		fmts[i] = formats[i].Wire()
		if param == nil {
			continue
		}
		dumper := t.rowDumpers[i]
		if dumper == nil {
			dumper, err = t.GetDumper(param, formats[i])
			if err != nil {
				return nil, nil, nil, err
			}
			t.rowDumpers[i] = dumper
		}
		if vals[i], err = dumper.Dump(param); err != nil {
			return nil, nil, nil, err
		}
		oids[i] = dumper.OID()
		fmts[i] = dumper.Format()
	}
	return vals, oids, fmts, nil
}

func keyOf(v any) Key {
	return Key{Type: reflect.TypeOf(v)}
}

// GetDumper returns a dumper instance able to dump v in the requested
// format, constructing and caching it if needed, and upgrading it when the
// value's content demands a more specific dumper.
func (t *Transformer) GetDumper(v any, format Format) (Dumper, error) {
	key := keyOf(v)
	cache := t.dumpers[format]
	dumper, ok := cache[key]
	if !ok {
		factory, err := t.ctx.Map.GetDumper(key.Type, format)
		if err != nil {
			return nil, err
		}
		dumper = factory(key.Type, t.ctx)
		cache[key] = dumper
	}

	key1 := dumper.Key(v, format)
	if key1 == key {
		return dumper, nil
	}
	if upgraded, ok := cache[key1]; ok {
		return upgraded, nil
	}
	upgraded := dumper.Upgrade(v, format)
	cache[key1] = upgraded
	return upgraded, nil
}

// GetLoader returns a loader instance for (oid, format), constructing and
// caching it if needed. An unregistered oid falls back to the unknown-oid
// loader: text decoded as a string, binary passed through as bytes.
func (t *Transformer) GetLoader(oid uint32, format wire.Format) (Loader, error) {
	if loader, ok := t.loaders[format][oid]; ok {
		return loader, nil
	}
	factory := t.ctx.Map.GetLoader(oid, format)
	if factory == nil {
		factory = t.ctx.Map.GetLoader(wire.InvalidOID, format)
		if factory == nil {
			return nil, fmt.Errorf("unknown oid loader not found")
		}
	}
	loader := factory(oid, t.ctx)
	t.loaders[format][oid] = loader
	return loader, nil
}

// LoadRow materialises row index of the current result, or nil if the
// index is out of range.
func (t *Transformer) LoadRow(row int) (any, error) {
	if t.res == nil || row < 0 || row >= t.ntuples {
		return nil, nil
	}
	values := make([]any, t.nfields)
	for col := 0; col < t.nfields; col++ {
		data, null := t.res.Value(row, col)
		if null {
			continue
		}
		v, err := t.rowLoaders[col](data)
		if err != nil {
			return nil, err
		}
		values[col] = v
	}
	return t.MakeRow(values), nil
}

// LoadRows materialises the rows in [row0, row1).
func (t *Transformer) LoadRows(row0, row1 int) ([]any, error) {
	if t.res == nil {
		return nil, fmt.Errorf("result not set")
	}
	if row0 < 0 || row1 < row0 || row1 > t.ntuples {
		return nil, fmt.Errorf("rows must be included between 0 and %d", t.ntuples)
	}
	rows := make([]any, 0, row1-row0)
	for row := row0; row < row1; row++ {
		r, err := t.LoadRow(row)
		if err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// LoadSequence loads one record of raw cells through the loader vector.
// The record length must match the number of loaders.
func (t *Transformer) LoadSequence(record [][]byte) ([]any, error) {
	if len(record) != len(t.rowLoaders) {
		return nil, fmt.Errorf(
			"cannot load sequence of %d items: %d loaders registered",
			len(record), len(t.rowLoaders))
	}
	values := make([]any, len(record))
	for i, data := range record {
		if data == nil {
			continue
		}
		v, err := t.rowLoaders[i](data)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// SetRowTypes builds the loader vector from explicit type information,
// used by COPY when loading rows without a result.
func (t *Transformer) SetRowTypes(oids []uint32, formats []wire.Format) error {
	loaders := make([]LoadFunc, len(oids))
	for i := range oids {
		loader, err := t.GetLoader(oids[i], formats[i])
		if err != nil {
			return err
		}
		loaders[i] = loader.Load
	}
	t.rowLoaders = loaders
	return nil
}
