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
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// serverEncodings maps the server client_encoding names this library can
// transcode to x/text encodings. UTF8 and SQL_ASCII are handled natively.
var serverEncodings = map[string]encoding.Encoding{
	"LATIN1":  charmap.ISO8859_1,
	"LATIN2":  charmap.ISO8859_2,
	"LATIN3":  charmap.ISO8859_3,
	"LATIN4":  charmap.ISO8859_4,
	"LATIN5":  charmap.ISO8859_9,
	"LATIN6":  charmap.ISO8859_10,
	"LATIN7":  charmap.ISO8859_13,
	"LATIN8":  charmap.ISO8859_14,
	"LATIN9":  charmap.ISO8859_15,
	"LATIN10": charmap.ISO8859_16,
	"WIN1250": charmap.Windows1250,
	"WIN1251": charmap.Windows1251,
	"WIN1252": charmap.Windows1252,
	"WIN1253": charmap.Windows1253,
	"WIN1254": charmap.Windows1254,
	"WIN1255": charmap.Windows1255,
	"WIN1256": charmap.Windows1256,
	"WIN1257": charmap.Windows1257,
	"WIN1258": charmap.Windows1258,
	"WIN866":  charmap.CodePage866,
	"WIN874":  charmap.Windows874,
	"KOI8R":   charmap.KOI8R,
	"KOI8U":   charmap.KOI8U,
}

func normalizeEncoding(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", ""))
}

// KnownEncoding reports whether a client_encoding value can be handled.
func KnownEncoding(name string) bool {
	name = normalizeEncoding(name)
	if name == "UTF8" || name == "SQLASCII" || name == "SQL_ASCII" {
		return true
	}
	_, ok := serverEncodings[name]
	return ok
}

// DecodeText converts wire bytes in the session encoding to a Go string.
func (c *Context) DecodeText(data []byte) (string, error) {
	name := "UTF8"
	if c != nil && c.Encoding != "" {
		name = normalizeEncoding(c.Encoding)
	}
	switch name {
	case "UTF8", "SQLASCII", "SQL_ASCII":
		return string(data), nil
	}
	enc, ok := serverEncodings[name]
	if !ok {
		return "", fmt.Errorf("encoding %q not supported", name)
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// EncodeText converts a Go string to wire bytes in the session encoding.
func (c *Context) EncodeText(s string) ([]byte, error) {
	name := "UTF8"
	if c != nil && c.Encoding != "" {
		name = normalizeEncoding(c.Encoding)
	}
	switch name {
	case "UTF8", "SQLASCII", "SQL_ASCII":
		return []byte(s), nil
	}
	enc, ok := serverEncodings[name]
	if !ok {
		return nil, fmt.Errorf("encoding %q not supported", name)
	}
	return enc.NewEncoder().Bytes([]byte(s))
}
