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

package query

import (
	"bytes"
	"fmt"

	"github.com/apecloud/pgline/adapt"
)

// split scans a query template. The scanner is hand rolled rather than a
// regexp so errors can point at the offending byte. It returns the query
// fragments with their placeholders; the last part carries the trailing
// fragment and slot -1. named reports whether the placeholders are named.
func split(query []byte) (parts []part, named bool, err error) {
	var pre bytes.Buffer
	positional := 0
	sawPositional, sawNamed := false, false

	i := 0
	for i < len(query) {
		b := query[i]
		if b != '%' {
			pre.WriteByte(b)
			i++
			continue
		}
		if i+1 >= len(query) {
			return nil, false, fmt.Errorf("incomplete placeholder at offset %d: %q", i, query[i:])
		}
		switch c := query[i+1]; c {
		case '%':
			pre.WriteByte('%')
			i += 2
		case ' ':
			return nil, false, fmt.Errorf(
				"incomplete placeholder at offset %d: '%%'; if you want to use '%%' as an operator you can double it up, i.e. use '%%%%'", i)
		case '(':
			end := bytes.IndexByte(query[i+2:], ')')
			if end < 0 {
				token := query[i:]
				if sp := bytes.IndexAny(token, " \t\r\n"); sp >= 0 {
					token = token[:sp]
				}
				return nil, false, fmt.Errorf("incomplete placeholder at offset %d: %q", i, token)
			}
			name := string(query[i+2 : i+2+end])
			fi := i + 2 + end + 1
			if fi >= len(query) {
				return nil, false, fmt.Errorf("incomplete placeholder at offset %d: %q", i, query[i:])
			}
			format, err := placeholderFormat(query[fi], i)
			if err != nil {
				return nil, false, err
			}
			parts = append(parts, part{pre: pre.Bytes(), slot: 0, name: name, format: format})
			pre = bytes.Buffer{}
			sawNamed = true
			i = fi + 1
		case 's', 't', 'b':
			format, _ := placeholderFormat(c, i)
			parts = append(parts, part{pre: pre.Bytes(), slot: positional, format: format})
			pre = bytes.Buffer{}
			positional++
			sawPositional = true
			i += 2
		default:
			return nil, false, fmt.Errorf(
				"only '%%s', '%%b', '%%t' and '%%(name)s' placeholders allowed, got '%%%c' at offset %d", c, i)
		}
		if sawPositional && sawNamed {
			return nil, false, fmt.Errorf("positional and named placeholders cannot be mixed")
		}
	}

	parts = append(parts, part{pre: pre.Bytes(), slot: -1})
	return parts, sawNamed, nil
}

func placeholderFormat(c byte, offset int) (adapt.Format, error) {
	switch c {
	case 's':
		return adapt.Auto, nil
	case 't':
		return adapt.Text, nil
	case 'b':
		return adapt.Binary, nil
	}
	return 0, fmt.Errorf(
		"only 's', 't' and 'b' placeholder formats allowed, got '%c' at offset %d", c, offset)
}
