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
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
)

// TypeInfo describes one server data type.
type TypeInfo struct {
	Name      string
	OID       uint32
	ArrayOID  uint32
	AltName   string
	Delimiter byte
	// RangeSubtype is the element oid for range types, 0 otherwise.
	RangeSubtype uint32
}

// TypeCatalog indexes TypeInfo by oid (both the base and the array oid map
// to the info), by name and alt-name, and by range subtype.
type TypeCatalog struct {
	byOID          map[uint32]*TypeInfo
	byName         map[string]*TypeInfo
	byRangeSubtype map[uint32]*TypeInfo
}

func NewTypeCatalog() *TypeCatalog {
	return &TypeCatalog{
		byOID:          make(map[uint32]*TypeInfo),
		byName:         make(map[string]*TypeInfo),
		byRangeSubtype: make(map[uint32]*TypeInfo),
	}
}

// Add indexes info. Both OID and ArrayOID resolve to it, as do Name and
// AltName; range types are additionally indexed by subtype.
func (c *TypeCatalog) Add(info *TypeInfo) {
	if info.Delimiter == 0 {
		info.Delimiter = ','
	}
	c.byOID[info.OID] = info
	if info.ArrayOID != 0 {
		c.byOID[info.ArrayOID] = info
	}
	c.byName[info.Name] = info
	if info.AltName != "" && info.AltName != info.Name {
		c.byName[info.AltName] = info
	}
	if info.RangeSubtype != 0 {
		c.byRangeSubtype[info.RangeSubtype] = info
	}
}

// ByOID returns the info registered for an oid (base or array), or nil.
func (c *TypeCatalog) ByOID(oid uint32) *TypeInfo { return c.byOID[oid] }

// ByName returns the info for a type name. A trailing "[]" is stripped, so
// "int4[]" returns the int4 info.
func (c *TypeCatalog) ByName(name string) *TypeInfo {
	name = strings.TrimSuffix(name, "[]")
	return c.byName[name]
}

// ByRangeSubtype returns the range info whose subtype is oid, or nil.
func (c *TypeCatalog) ByRangeSubtype(oid uint32) *TypeInfo {
	return c.byRangeSubtype[oid]
}

func builtinCatalog() *TypeCatalog {
	c := NewTypeCatalog()
	for _, info := range []*TypeInfo{
		{Name: "bool", OID: pgtype.BoolOID, ArrayOID: pgtype.BoolArrayOID, AltName: "boolean"},
		{Name: "bytea", OID: pgtype.ByteaOID, ArrayOID: pgtype.ByteaArrayOID},
		{Name: "int8", OID: pgtype.Int8OID, ArrayOID: pgtype.Int8ArrayOID, AltName: "bigint"},
		{Name: "int2", OID: pgtype.Int2OID, ArrayOID: pgtype.Int2ArrayOID, AltName: "smallint"},
		{Name: "int4", OID: pgtype.Int4OID, ArrayOID: pgtype.Int4ArrayOID, AltName: "integer"},
		{Name: "text", OID: pgtype.TextOID, ArrayOID: pgtype.TextArrayOID},
		{Name: "oid", OID: pgtype.OIDOID, ArrayOID: 1028},
		{Name: "json", OID: pgtype.JSONOID, ArrayOID: pgtype.JSONArrayOID},
		{Name: "float4", OID: pgtype.Float4OID, ArrayOID: pgtype.Float4ArrayOID, AltName: "real"},
		{Name: "float8", OID: pgtype.Float8OID, ArrayOID: pgtype.Float8ArrayOID, AltName: "double precision"},
		{Name: "unknown", OID: pgtype.UnknownOID},
		{Name: "bpchar", OID: pgtype.BPCharOID, ArrayOID: pgtype.BPCharArrayOID, AltName: "character"},
		{Name: "varchar", OID: pgtype.VarcharOID, ArrayOID: pgtype.VarcharArrayOID, AltName: "character varying"},
		{Name: "date", OID: pgtype.DateOID, ArrayOID: pgtype.DateArrayOID},
		{Name: "time", OID: pgtype.TimeOID, ArrayOID: pgtype.TimeArrayOID, AltName: "time without time zone"},
		{Name: "timestamp", OID: pgtype.TimestampOID, ArrayOID: pgtype.TimestampArrayOID, AltName: "timestamp without time zone"},
		{Name: "timestamptz", OID: pgtype.TimestamptzOID, ArrayOID: pgtype.TimestamptzArrayOID, AltName: "timestamp with time zone"},
		{Name: "interval", OID: pgtype.IntervalOID, ArrayOID: pgtype.IntervalArrayOID},
		{Name: "timetz", OID: pgtype.TimetzOID, ArrayOID: pgtype.TimetzArrayOID, AltName: "time with time zone"},
		{Name: "numeric", OID: pgtype.NumericOID, ArrayOID: pgtype.NumericArrayOID, AltName: "decimal"},
		{Name: "uuid", OID: pgtype.UUIDOID, ArrayOID: pgtype.UUIDArrayOID},
		{Name: "jsonb", OID: pgtype.JSONBOID, ArrayOID: pgtype.JSONBArrayOID},
		{Name: "int4range", OID: pgtype.Int4rangeOID, ArrayOID: 3905, RangeSubtype: pgtype.Int4OID},
		{Name: "numrange", OID: pgtype.NumrangeOID, ArrayOID: 3907, RangeSubtype: pgtype.NumericOID},
		{Name: "tsrange", OID: pgtype.TsrangeOID, ArrayOID: 3909, RangeSubtype: pgtype.TimestampOID},
		{Name: "tstzrange", OID: pgtype.TstzrangeOID, ArrayOID: 3911, RangeSubtype: pgtype.TimestamptzOID},
		{Name: "daterange", OID: pgtype.DaterangeOID, ArrayOID: 3913, RangeSubtype: pgtype.DateOID},
		{Name: "int8range", OID: pgtype.Int8rangeOID, ArrayOID: 3927, RangeSubtype: pgtype.Int8OID},
	} {
		c.Add(info)
	}
	return c
}
