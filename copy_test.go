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

package pgline

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCopyTextEscaping(t *testing.T) {
	var buf bytes.Buffer
	writeCopyEscaped(&buf, []byte("a\tb\nc\\d\re\bf\vg\fh"))
	assert.Equal(t, `a\tb\nc\\d\re\bf\vg\fh`, buf.String())

	back := unescapeCopyText(buf.Bytes())
	assert.Equal(t, "a\tb\nc\\d\re\bf\vg\fh", string(back))
}

func TestCopyTextEscapingPlain(t *testing.T) {
	var buf bytes.Buffer
	writeCopyEscaped(&buf, []byte("plain value"))
	assert.Equal(t, "plain value", buf.String())
	assert.Equal(t, "plain value", string(unescapeCopyText([]byte("plain value"))))
}

func TestCopyBinarySignature(t *testing.T) {
	// 11-byte magic + 4-byte flags + 4-byte extension length
	assert.Len(t, copyBinarySignature, 19)
	assert.Equal(t, []byte("PGCOPY\n\xff\r\n\x00"), copyBinarySignature[:11])
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0}, copyBinarySignature[11:])
}
