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

package sqlbuild

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apecloud/pgline/adapt"
)

func build(t *testing.T, c Composable) string {
	t.Helper()
	data, err := c.Build(adapt.NewContext())
	require.NoError(t, err)
	return string(data)
}

func TestIdentifierQuoting(t *testing.T) {
	assert.Equal(t, `"table"`, build(t, Identifier{"table"}))
	assert.Equal(t, `"schema"."table"`, build(t, Identifier{"schema", "table"}))
	assert.Equal(t, `"weird""name"`, build(t, Identifier{`weird"name`}))

	_, err := Identifier{}.Build(adapt.NewContext())
	assert.Error(t, err)
}

func TestLiteral(t *testing.T) {
	assert.Equal(t, `'foo'`, build(t, Literal{V: "foo"}))
	assert.Equal(t, `'o''brien'`, build(t, Literal{V: "o'brien"}))
	assert.Equal(t, `NULL`, build(t, Literal{V: nil}))
	assert.Equal(t, `42`, build(t, Literal{V: 42}))
	assert.Equal(t, `true`, build(t, Literal{V: true}))
}

func TestFormatPositional(t *testing.T) {
	c, err := SQL("select {} from {}").Format(Placeholder{}, Identifier{"t"})
	require.NoError(t, err)
	assert.Equal(t, `select %s from "t"`, build(t, c))
}

func TestFormatNumbered(t *testing.T) {
	c, err := SQL("select {1}, {0}").Format(SQL("a"), SQL("b"))
	require.NoError(t, err)
	assert.Equal(t, "select b, a", build(t, c))
}

func TestFormatNamed(t *testing.T) {
	c, err := SQL("rollback to savepoint {n}; release savepoint {n}").Format(
		map[string]Composable{"n": Identifier{"sp_1"}})
	require.NoError(t, err)
	assert.Equal(t, `rollback to savepoint "sp_1"; release savepoint "sp_1"`, build(t, c))
}

func TestFormatEscapedBraces(t *testing.T) {
	c, err := SQL("select '{{}}'::jsonb, {}").Format(Placeholder{})
	require.NoError(t, err)
	assert.Equal(t, `select '{}'::jsonb, %s`, build(t, c))
}

func TestFormatErrors(t *testing.T) {
	_, err := SQL("select {}").Format()
	assert.Error(t, err)
	_, err = SQL("select {x}").Format()
	assert.Error(t, err)
	_, err = SQL("select }").Format()
	assert.Error(t, err)
	_, err = SQL("select {0} and {}").Format(SQL("a"), SQL("b"))
	assert.Error(t, err)
}

func TestJoin(t *testing.T) {
	c := SQL(", ").Join(Identifier{"a"}, Identifier{"b"}, Identifier{"c"})
	assert.Equal(t, `"a", "b", "c"`, build(t, c))
}

func TestPlaceholderForms(t *testing.T) {
	assert.Equal(t, "%s", build(t, Placeholder{}))
	assert.Equal(t, "%t", build(t, Placeholder{Format: adapt.Text}))
	assert.Equal(t, "%b", build(t, Placeholder{Format: adapt.Binary}))
	assert.Equal(t, "%(x)s", build(t, Placeholder{Name: "x"}))
}
