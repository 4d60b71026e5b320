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
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/apecloud/pgline/wire"
)

// pgEpoch is the zero point of the binary date/timestamp formats.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Interval is a server interval value, kept in the server's own
// three-component form because months have no fixed duration.
type Interval struct {
	Months int32
	Days   int32
	Micros int64
}

func (iv Interval) String() string {
	var sb strings.Builder
	if iv.Months != 0 {
		fmt.Fprintf(&sb, "%d mons ", iv.Months)
	}
	if iv.Days != 0 {
		fmt.Fprintf(&sb, "%d days ", iv.Days)
	}
	micros := iv.Micros
	neg := micros < 0
	if neg {
		micros = -micros
	}
	secs := micros / 1_000_000
	frac := micros % 1_000_000
	sign := ""
	if neg {
		sign = "-"
	}
	fmt.Fprintf(&sb, "%s%02d:%02d:%02d", sign, secs/3600, (secs/60)%60, secs%60)
	if frac != 0 {
		fmt.Fprintf(&sb, ".%06d", frac)
		return strings.TrimRight(sb.String(), "0")
	}
	return sb.String()
}

// timeDumper dumps time.Time as timestamptz, normalised by the server to
// the session time zone.
type timeDumper struct {
	baseDumper
}

func (d *timeDumper) Dump(v any) ([]byte, error) {
	t, ok := v.(time.Time)
	if !ok {
		return nil, cannotDump(v, "timestamptz")
	}
	if d.format == wire.Binary {
		micros := t.Sub(pgEpoch) / time.Microsecond
		var out [8]byte
		binary.BigEndian.PutUint64(out[:], uint64(micros))
		return out[:], nil
	}
	return []byte(t.Format("2006-01-02 15:04:05.999999-07:00")), nil
}

func (d *timeDumper) Quote(v any) ([]byte, error) {
	data, err := d.Dump(v)
	if err != nil {
		return nil, err
	}
	return append(quoteDumped(data), "::timestamptz"...), nil
}

func (d *timeDumper) Upgrade(any, Format) Dumper { return d }

// intervalDumper dumps Interval values.
type intervalDumper struct {
	baseDumper
}

func (d *intervalDumper) Dump(v any) ([]byte, error) {
	iv, ok := v.(Interval)
	if !ok {
		return nil, cannotDump(v, "interval")
	}
	if d.format == wire.Binary {
		var out [16]byte
		binary.BigEndian.PutUint64(out[0:], uint64(iv.Micros))
		binary.BigEndian.PutUint32(out[8:], uint32(iv.Days))
		binary.BigEndian.PutUint32(out[12:], uint32(iv.Months))
		return out[:], nil
	}
	return []byte(iv.String()), nil
}

func (d *intervalDumper) Quote(v any) ([]byte, error) {
	data, err := d.Dump(v)
	if err != nil {
		return nil, err
	}
	return append(quoteDumped(data), "::interval"...), nil
}

func (d *intervalDumper) Upgrade(any, Format) Dumper { return d }

// durationDumper dumps time.Duration as an interval.
type durationDumper struct {
	baseDumper
}

func (d *durationDumper) Dump(v any) ([]byte, error) {
	dur, ok := v.(time.Duration)
	if !ok {
		return nil, cannotDump(v, "interval")
	}
	iv := Interval{Micros: int64(dur / time.Microsecond)}
	inner := intervalDumper{baseDumper{oid: d.oid, format: d.format}}
	return inner.Dump(iv)
}

func (d *durationDumper) Quote(v any) ([]byte, error) {
	data, err := d.Dump(v)
	if err != nil {
		return nil, err
	}
	return append(quoteDumped(data), "::interval"...), nil
}

func (d *durationDumper) Upgrade(any, Format) Dumper { return d }

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

var timestamptzLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05-07",
}

type dateLoader struct {
	format wire.Format
}

func (l *dateLoader) Load(data []byte) (any, error) {
	if l.format == wire.Binary {
		if len(data) != 4 {
			return nil, fmt.Errorf("malformed binary date of %d bytes", len(data))
		}
		days := int32(binary.BigEndian.Uint32(data))
		return pgEpoch.AddDate(0, 0, int(days)), nil
	}
	t, err := time.ParseInLocation("2006-01-02", string(data), time.UTC)
	if err != nil {
		return nil, fmt.Errorf("malformed date value %q", data)
	}
	return t, nil
}

type timestampLoader struct {
	format wire.Format
}

func (l *timestampLoader) Load(data []byte) (any, error) {
	if l.format == wire.Binary {
		if len(data) != 8 {
			return nil, fmt.Errorf("malformed binary timestamp of %d bytes", len(data))
		}
		micros := int64(binary.BigEndian.Uint64(data))
		return pgEpoch.Add(time.Duration(micros) * time.Microsecond), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, string(data), time.UTC); err == nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("malformed timestamp value %q", data)
}

type timestamptzLoader struct {
	ctx    *Context
	format wire.Format
}

func (l *timestamptzLoader) Load(data []byte) (any, error) {
	if l.format == wire.Binary {
		if len(data) != 8 {
			return nil, fmt.Errorf("malformed binary timestamptz of %d bytes", len(data))
		}
		micros := int64(binary.BigEndian.Uint64(data))
		return pgEpoch.Add(time.Duration(micros) * time.Microsecond).In(l.ctx.Location()), nil
	}
	for _, layout := range timestamptzLayouts {
		if t, err := time.Parse(layout, string(data)); err == nil {
			return t.In(l.ctx.Location()), nil
		}
	}
	return nil, fmt.Errorf("malformed timestamptz value %q", data)
}

type timeOfDayLoader struct {
	format wire.Format
}

func (l *timeOfDayLoader) Load(data []byte) (any, error) {
	if l.format == wire.Binary {
		if len(data) != 8 {
			return nil, fmt.Errorf("malformed binary time of %d bytes", len(data))
		}
		micros := int64(binary.BigEndian.Uint64(data))
		return time.Duration(micros) * time.Microsecond, nil
	}
	return parseTimeOfDay(string(data))
}

func parseTimeOfDay(s string) (time.Duration, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed time value %q", s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, fmt.Errorf("malformed time value %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(sec*float64(time.Second)), nil
}

// timetzLoader keeps the offset as reported by the server. Text values are
// returned unchanged; binary values render as "HH:MM:SS[.ffffff]±hh[:mm]",
// the fraction (trailing zeros trimmed) and the offset minutes appearing
// only when non-zero.
type timetzLoader struct {
	format wire.Format
}

func (l *timetzLoader) Load(data []byte) (any, error) {
	if l.format == wire.Text {
		return string(data), nil
	}
	if len(data) != 12 {
		return nil, fmt.Errorf("malformed binary timetz of %d bytes", len(data))
	}
	micros := int64(binary.BigEndian.Uint64(data))
	// the zone is seconds west of UTC
	zone := int32(binary.BigEndian.Uint32(data[8:]))
	secs := micros / 1_000_000
	frac := micros % 1_000_000
	out := fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
	if frac != 0 {
		out += strings.TrimRight(fmt.Sprintf(".%06d", frac), "0")
	}
	sign := "+"
	if zone > 0 {
		sign = "-"
	} else {
		zone = -zone
	}
	out += fmt.Sprintf("%s%02d", sign, zone/3600)
	if rem := (zone / 60) % 60; rem != 0 {
		out += fmt.Sprintf(":%02d", rem)
	}
	return out, nil
}

type intervalLoader struct {
	format wire.Format
}

func (l *intervalLoader) Load(data []byte) (any, error) {
	if l.format == wire.Binary {
		if len(data) != 16 {
			return nil, fmt.Errorf("malformed binary interval of %d bytes", len(data))
		}
		return Interval{
			Micros: int64(binary.BigEndian.Uint64(data[0:])),
			Days:   int32(binary.BigEndian.Uint32(data[8:])),
			Months: int32(binary.BigEndian.Uint32(data[12:])),
		}, nil
	}
	return parseIntervalText(string(data))
}

// parseIntervalText understands the postgres verbose output style:
// "[N year[s]] [N mon[s]] [N day[s]] [-]HH:MM:SS[.ffffff]".
func parseIntervalText(s string) (Interval, error) {
	var iv Interval
	fields := strings.Fields(s)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if strings.ContainsRune(f, ':') {
			neg := strings.HasPrefix(f, "-")
			d, err := parseTimeOfDay(strings.TrimPrefix(f, "-"))
			if err != nil {
				return iv, fmt.Errorf("malformed interval value %q", s)
			}
			if neg {
				d = -d
			}
			iv.Micros = int64(d / time.Microsecond)
			continue
		}
		if i+1 >= len(fields) {
			return iv, fmt.Errorf("malformed interval value %q", s)
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return iv, fmt.Errorf("malformed interval value %q", s)
		}
		unit := strings.TrimSuffix(fields[i+1], "s")
		i++
		switch unit {
		case "year":
			iv.Months += int32(n) * 12
		case "mon":
			iv.Months += int32(n)
		case "day":
			iv.Days += int32(n)
		default:
			return iv, fmt.Errorf("malformed interval value %q", s)
		}
	}
	return iv, nil
}

func registerDatetimeAdapters(m *Map) {
	timeType := typeOf[time.Time]()
	m.RegisterDumper(timeType, wire.Text, func(t reflect.Type, ctx *Context) Dumper {
		return &timeDumper{baseDumper{key: Key{Type: timeType}, oid: pgtype.TimestamptzOID, format: wire.Text}}
	})
	m.RegisterDumper(timeType, wire.Binary, func(t reflect.Type, ctx *Context) Dumper {
		return &timeDumper{baseDumper{key: Key{Type: timeType}, oid: pgtype.TimestamptzOID, format: wire.Binary}}
	})
	ivType := typeOf[Interval]()
	m.RegisterDumper(ivType, wire.Text, func(t reflect.Type, ctx *Context) Dumper {
		return &intervalDumper{baseDumper{key: Key{Type: ivType}, oid: pgtype.IntervalOID, format: wire.Text}}
	})
	m.RegisterDumper(ivType, wire.Binary, func(t reflect.Type, ctx *Context) Dumper {
		return &intervalDumper{baseDumper{key: Key{Type: ivType}, oid: pgtype.IntervalOID, format: wire.Binary}}
	})
	durType := typeOf[time.Duration]()
	m.RegisterDumper(durType, wire.Text, func(t reflect.Type, ctx *Context) Dumper {
		return &durationDumper{baseDumper{key: Key{Type: durType}, oid: pgtype.IntervalOID, format: wire.Text}}
	})
	m.RegisterDumper(durType, wire.Binary, func(t reflect.Type, ctx *Context) Dumper {
		return &durationDumper{baseDumper{key: Key{Type: durType}, oid: pgtype.IntervalOID, format: wire.Binary}}
	})

	for _, f := range []wire.Format{wire.Text, wire.Binary} {
		f := f
		m.RegisterLoader(pgtype.DateOID, f, func(oid uint32, ctx *Context) Loader { return &dateLoader{f} })
		m.RegisterLoader(pgtype.TimestampOID, f, func(oid uint32, ctx *Context) Loader { return &timestampLoader{f} })
		m.RegisterLoader(pgtype.TimestamptzOID, f, func(oid uint32, ctx *Context) Loader { return &timestamptzLoader{ctx, f} })
		m.RegisterLoader(pgtype.TimeOID, f, func(oid uint32, ctx *Context) Loader { return &timeOfDayLoader{f} })
		m.RegisterLoader(pgtype.TimetzOID, f, func(oid uint32, ctx *Context) Loader { return &timetzLoader{f} })
		m.RegisterLoader(pgtype.IntervalOID, f, func(oid uint32, ctx *Context) Loader { return &intervalLoader{f} })
	}
}
