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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConninfo(t *testing.T) {
	settings, err := ParseConninfo("host=localhost port=5432 dbname=test")
	require.NoError(t, err)
	assert.Equal(t, "localhost", settings["host"])
	assert.Equal(t, "5432", settings["port"])
	assert.Equal(t, "test", settings["dbname"])
}

func TestParseConninfoQuoted(t *testing.T) {
	settings, err := ParseConninfo(`password='sec ret' application_name='it\'s me' options='a\\b'`)
	require.NoError(t, err)
	assert.Equal(t, "sec ret", settings["password"])
	assert.Equal(t, "it's me", settings["application_name"])
	assert.Equal(t, `a\b`, settings["options"])
}

func TestParseConninfoErrors(t *testing.T) {
	for _, bad := range []string{
		"host",
		"=value",
		"password='unterminated",
	} {
		_, err := ParseConninfo(bad)
		assert.Error(t, err, bad)
	}
}

func TestMakeConninfoMerge(t *testing.T) {
	out, err := MakeConninfo("host=a dbname=x", map[string]string{
		"dbname": "y",
		"user":   "bob",
	})
	require.NoError(t, err)
	settings, err := ParseConninfo(out)
	require.NoError(t, err)
	assert.Equal(t, "a", settings["host"])
	assert.Equal(t, "y", settings["dbname"])
	assert.Equal(t, "bob", settings["user"])
}

func TestMakeConninfoQuoting(t *testing.T) {
	out, err := MakeConninfo("", map[string]string{"password": `it's a \pass word`})
	require.NoError(t, err)
	settings, err := ParseConninfo(out)
	require.NoError(t, err)
	assert.Equal(t, `it's a \pass word`, settings["password"])
}

func TestMakeConninfoDropsEmpty(t *testing.T) {
	out, err := MakeConninfo("host=a port=1", map[string]string{"port": ""})
	require.NoError(t, err)
	settings, err := ParseConninfo(out)
	require.NoError(t, err)
	_, has := settings["port"]
	assert.False(t, has)
}

func TestMakeConninfoRoundTrip(t *testing.T) {
	// merging nothing must be the identity on the parsed settings
	in := "dbname=test host=localhost port=5432"
	once, err := MakeConninfo(in, nil)
	require.NoError(t, err)
	twice, err := MakeConninfo(once, nil)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	s1, err := ParseConninfo(in)
	require.NoError(t, err)
	s2, err := ParseConninfo(once)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}
