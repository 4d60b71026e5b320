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

// Package sqlbuild composes SQL statements out of immutable value types,
// with identifier and literal quoting handled where string interpolation
// would be unsafe.
package sqlbuild

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/apecloud/pgline/adapt"
)

// Composable is a fragment that can render itself to query bytes in the
// client encoding of ctx.
type Composable interface {
	Build(ctx *adapt.Context) ([]byte, error)
}

// SQL is a raw statement fragment, spliced with no escaping.
type SQL string

func (s SQL) Build(ctx *adapt.Context) ([]byte, error) {
	return ctx.EncodeText(string(s))
}

// Join composes items separated by s.
func (s SQL) Join(items ...Composable) Composed {
	out := make(Composed, 0, 2*len(items))
	for i, item := range items {
		if i > 0 {
			out = append(out, s)
		}
		out = append(out, item)
	}
	return out
}

// Format fills the {}, {0} and {name} holes of s with args. Positional
// holes take the arguments in order; named holes are resolved against a
// single trailing map[string]Composable argument. Format specs are not
// supported.
func (s SQL) Format(args ...any) (Composed, error) {
	var byName map[string]Composable
	var seq []Composable
	for _, a := range args {
		switch v := a.(type) {
		case map[string]Composable:
			byName = v
		case Composable:
			seq = append(seq, v)
		default:
			return nil, fmt.Errorf("format argument must be Composable, got %T", a)
		}
	}

	var out Composed
	var pre bytes.Buffer
	auto, autoUsed, indexUsed := 0, false, false
	str := string(s)
	for i := 0; i < len(str); {
		c := str[i]
		switch {
		case c == '{' && i+1 < len(str) && str[i+1] == '{':
			pre.WriteByte('{')
			i += 2
		case c == '}' && i+1 < len(str) && str[i+1] == '}':
			pre.WriteByte('}')
			i += 2
		case c == '}':
			return nil, fmt.Errorf("single '}' encountered in format string")
		case c == '{':
			end := strings.IndexByte(str[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("single '{' encountered in format string")
			}
			name := str[i+1 : i+end]
			var item Composable
			switch {
			case name == "":
				if indexUsed {
					return nil, fmt.Errorf("cannot switch from manual field numbering to automatic")
				}
				if auto >= len(seq) {
					return nil, fmt.Errorf("format index out of range")
				}
				item = seq[auto]
				auto++
				autoUsed = true
			case isDigits(name):
				if autoUsed {
					return nil, fmt.Errorf("cannot switch from automatic field numbering to manual")
				}
				n, _ := strconv.Atoi(name)
				if n >= len(seq) {
					return nil, fmt.Errorf("format index %d out of range", n)
				}
				item = seq[n]
				indexUsed = true
			default:
				var ok bool
				if item, ok = byName[name]; !ok {
					return nil, fmt.Errorf("format name %q not provided", name)
				}
			}
			if pre.Len() > 0 {
				out = append(out, SQL(pre.String()))
				pre.Reset()
			}
			out = append(out, item)
			i += end + 1
		default:
			pre.WriteByte(c)
			i++
		}
	}
	if pre.Len() > 0 {
		out = append(out, SQL(pre.String()))
	}
	return out, nil
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// Identifier is a dot-separated SQL identifier; each component is
// double-quoted with embedded quotes doubled.
type Identifier []string

func (id Identifier) Build(ctx *adapt.Context) ([]byte, error) {
	if len(id) == 0 {
		return nil, fmt.Errorf("identifier cannot be empty")
	}
	var buf bytes.Buffer
	for i, part := range id {
		if i > 0 {
			buf.WriteByte('.')
		}
		buf.WriteByte('"')
		buf.WriteString(strings.ReplaceAll(part, `"`, `""`))
		buf.WriteByte('"')
	}
	return ctx.EncodeText(buf.String())
}

// Literal is a value rendered as a quoted SQL literal through its dumper.
type Literal struct{ V any }

func (l Literal) Build(ctx *adapt.Context) ([]byte, error) {
	if l.V == nil {
		return []byte("NULL"), nil
	}
	tr := adapt.NewTransformer(ctx)
	dumper, err := tr.GetDumper(l.V, adapt.Text)
	if err != nil {
		return nil, err
	}
	return dumper.Quote(l.V)
}

// Placeholder renders a %s/%b/%t style placeholder, optionally named.
type Placeholder struct {
	Name   string
	Format adapt.Format
}

func (p Placeholder) Build(ctx *adapt.Context) ([]byte, error) {
	code := byte('s')
	switch p.Format {
	case adapt.Text:
		code = 't'
	case adapt.Binary:
		code = 'b'
	}
	if p.Name == "" {
		return []byte{'%', code}, nil
	}
	return []byte("%(" + p.Name + ")" + string(code)), nil
}

// Composed is a sequence of fragments rendered back to back.
type Composed []Composable

func (c Composed) Build(ctx *adapt.Context) ([]byte, error) {
	var buf bytes.Buffer
	for _, item := range c {
		data, err := item.Build(ctx)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// Append returns a Composed with more fragments added.
func (c Composed) Append(items ...Composable) Composed {
	return append(append(Composed{}, c...), items...)
}
