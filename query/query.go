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

// Package query translates client-side placeholders (%s, %b, %t,
// %(name)s) into the server-native $1..$n form and dumps the parameters to
// send along.
package query

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/apecloud/pgline/adapt"
	"github.com/apecloud/pgline/wire"
)

// PostgresQuery is a query in server-native form: the rewritten statement
// plus the dumped parameter, oid and format vectors.
type PostgresQuery struct {
	Query   []byte
	Params  [][]byte
	Types   []uint32
	Formats []wire.Format

	tr    *adapt.Transformer
	parts []part
	// order maps mapping keys to parameter slots, in slot order; nil for
	// positional placeholders
	order       []string
	wantFormats []adapt.Format
	nslots      int
}

// part is a query fragment followed by one placeholder slot. The trailing
// fragment has slot -1.
type part struct {
	pre    []byte
	slot   int
	name   string
	format adapt.Format
}

// New returns a query bound to a transformer.
func New(tr *adapt.Transformer) *PostgresQuery {
	return &PostgresQuery{tr: tr}
}

// Convert tokenises the template and rewrites its placeholders, then dumps
// params. params may be a []any (positional), a map[string]any (named) or
// nil for a query without placeholders.
func (q *PostgresQuery) Convert(query []byte, params any) error {
	q.parts = nil
	q.order = nil
	q.wantFormats = nil
	q.nslots = 0

	if params == nil {
		q.Query = query
		q.Params, q.Types, q.Formats = nil, nil, nil
		return nil
	}

	parts, named, err := split(query)
	if err != nil {
		return err
	}

	switch p := params.(type) {
	case []any:
		if named && len(parts) > 1 {
			return fmt.Errorf("positional parameters passed but the query uses named placeholders")
		}
		nph := len(parts) - 1
		if len(p) != nph {
			return fmt.Errorf("the query has %d placeholders but %d parameters were passed", nph, len(p))
		}
		q.assemblePositional(parts)
	case map[string]any:
		if !named && len(parts) > 1 {
			return fmt.Errorf("named parameters passed but the query uses positional placeholders")
		}
		q.assembleNamed(parts)
	default:
		return fmt.Errorf("query parameters should be a list or a map, got %T", params)
	}

	return q.Dump(params)
}

// Dump re-dumps a new set of parameters for the already converted query,
// reusing the per-slot dumpers. This is the executemany fast path.
func (q *PostgresQuery) Dump(params any) error {
	if q.nslots == 0 && params == nil {
		return nil
	}
	var seq []any
	switch p := params.(type) {
	case []any:
		if q.order != nil {
			return fmt.Errorf("named placeholders require a map of parameters")
		}
		if len(p) != q.nslots {
			return fmt.Errorf("the query has %d placeholders but %d parameters were passed", q.nslots, len(p))
		}
		seq = p
	case map[string]any:
		if q.order == nil && q.nslots > 0 {
			return fmt.Errorf("positional placeholders require a list of parameters")
		}
		var err error
		if seq, err = reorder(p, q.order); err != nil {
			return err
		}
	case nil:
		if q.nslots > 0 {
			return fmt.Errorf("the query has %d placeholders but no parameters were passed", q.nslots)
		}
	default:
		return fmt.Errorf("query parameters should be a list or a map, got %T", params)
	}

	vals, oids, formats, err := q.tr.DumpSequence(seq, q.wantFormats)
	if err != nil {
		return err
	}
	q.Params, q.Types, q.Formats = vals, oids, formats
	return nil
}

func (q *PostgresQuery) assemblePositional(parts []part) {
	var buf bytes.Buffer
	q.wantFormats = make([]adapt.Format, 0, len(parts)-1)
	for i, p := range parts {
		buf.Write(p.pre)
		if p.slot < 0 {
			continue
		}
		buf.WriteByte('$')
		buf.WriteString(strconv.Itoa(i + 1))
		q.wantFormats = append(q.wantFormats, p.format)
	}
	q.Query = buf.Bytes()
	q.parts = parts
	q.nslots = len(parts) - 1
}

func (q *PostgresQuery) assembleNamed(parts []part) {
	slots := make(map[string]int)
	var buf bytes.Buffer
	for i := range parts {
		p := &parts[i]
		buf.Write(p.pre)
		if p.slot < 0 {
			continue
		}
		name := p.name
		slot, seen := slots[name]
		if !seen {
			slot = len(slots)
			slots[name] = slot
			q.order = append(q.order, name)
			q.wantFormats = append(q.wantFormats, p.format)
		}
		p.slot = slot
		buf.WriteByte('$')
		buf.WriteString(strconv.Itoa(slot + 1))
	}
	q.Query = buf.Bytes()
	q.parts = parts
	q.nslots = len(slots)
}

func reorder(params map[string]any, order []string) ([]any, error) {
	seq := make([]any, len(order))
	var missing []string
	for i, name := range order {
		v, ok := params[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		seq[i] = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("query parameter missing: %s", join(missing))
	}
	return seq, nil
}

func join(names []string) string {
	var buf bytes.Buffer
	for i, n := range names {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(n)
	}
	return buf.String()
}
