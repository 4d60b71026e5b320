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

// Package adapt converts values between Go and the PostgreSQL wire
// representations: dumpers turn host values into wire bytes, loaders turn
// wire bytes back into host values, and the Transformer caches both per
// query.
package adapt

import (
	"fmt"
	"reflect"
	"time"

	"github.com/apecloud/pgline/wire"
)

// Format selects the parameter representation requested by a query
// placeholder: Auto lets the registry pick, Text and Binary force one.
type Format int8

const (
	Auto Format = iota
	Text
	Binary
)

// Wire resolves the format to its wire representation. Auto resolves to
// text, the conservative choice when nothing better is known.
func (f Format) Wire() wire.Format {
	if f == Binary {
		return wire.Binary
	}
	return wire.Text
}

func (f Format) String() string {
	switch f {
	case Auto:
		return "auto"
	case Text:
		return "text"
	case Binary:
		return "binary"
	}
	return "unknown"
}

// Key identifies a dumper in the per-query cache. Type is the concrete Go
// type of the value; Elem refines it for containers (the base element type
// of a slice); OID refines it for width upgrades (an int picking
// int2/int4/int8 by magnitude).
type Key struct {
	Type reflect.Type
	Elem reflect.Type
	OID  uint32
}

// Dumper converts host values of one type to wire bytes.
//
// Key and Upgrade implement dynamic dispatch on value content: Key returns
// the construction key for values the dumper handles as-is, or a richer key
// when a specialised dumper is needed; Upgrade builds that specialised
// dumper. The Transformer caches dumpers under the keys they report.
type Dumper interface {
	// Dump converts v to its wire representation. A nil return with nil
	// error represents NULL.
	Dump(v any) ([]byte, error)
	// Quote converts v to a literal fragment safe to splice into a query.
	Quote(v any) ([]byte, error)
	OID() uint32
	Format() wire.Format
	Key(v any, format Format) Key
	Upgrade(v any, format Format) Dumper
}

// Loader converts wire bytes of one type oid to a host value.
type Loader interface {
	Load(data []byte) (any, error)
}

// DumperFactory builds a dumper for values of type t.
type DumperFactory func(t reflect.Type, ctx *Context) Dumper

// LoaderFactory builds a loader for values of type oid.
type LoaderFactory func(oid uint32, ctx *Context) Loader

// Context carries the connection-derived state adapters need: the adapter
// map in effect, the client encoding, and the session time zone.
type Context struct {
	Map      *Map
	Encoding string
	TimeZone *time.Location
	DateStyle string
}

// NewContext returns a context over the global adapter map with UTF-8
// encoding, suitable for adaptation without a connection.
func NewContext() *Context {
	return &Context{Map: GlobalMap(), Encoding: "UTF8", TimeZone: time.UTC, DateStyle: "ISO"}
}

// Location returns the session time zone, defaulting to UTC.
func (c *Context) Location() *time.Location {
	if c == nil || c.TimeZone == nil {
		return time.UTC
	}
	return c.TimeZone
}

// baseDumper provides the OID, Format and Key methods shared by dumpers;
// each embedding dumper defines its own Upgrade.
type baseDumper struct {
	key    Key
	oid    uint32
	format wire.Format
}

func (d *baseDumper) OID() uint32              { return d.oid }
func (d *baseDumper) Format() wire.Format      { return d.format }
func (d *baseDumper) Key(any, Format) Key      { return d.key }

// quoteDumped wraps dumped bytes in a single-quoted SQL literal, doubling
// quotes and backslash-escaping per the E'' syntax when needed.
func quoteDumped(data []byte) []byte {
	hasBackslash := false
	for _, b := range data {
		if b == '\\' {
			hasBackslash = true
			break
		}
	}
	out := make([]byte, 0, len(data)+3)
	if hasBackslash {
		out = append(out, ' ', 'E')
	}
	out = append(out, '\'')
	for _, b := range data {
		switch b {
		case '\'':
			out = append(out, '\'', '\'')
		case '\\':
			out = append(out, '\\', '\\')
		default:
			out = append(out, b)
		}
	}
	return append(out, '\'')
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func cannotDump(v any, to string) error {
	return fmt.Errorf("cannot dump %T as %s", v, to)
}
