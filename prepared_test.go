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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apecloud/pgline/wire"
)

func TestPreparedThreshold(t *testing.T) {
	m := newPreparedManager(5, 100)
	off := false

	state, _ := m.get("q1", &off)
	assert.Equal(t, prepNone, state)

	// the first five auto uses stay unnamed, the sixth promotes
	for i := 0; i < 5; i++ {
		state, _ = m.get("q1", nil)
		assert.Equal(t, prepNone, state, "use %d", i+1)
	}
	state, name := m.get("q1", nil)
	assert.Equal(t, prepNeeded, state)
	assert.NotEmpty(t, name)

	m.maintain("q1", []*wire.Result{{Status: wire.CommandOK}}, state, name)
	state, name2 := m.get("q1", nil)
	assert.Equal(t, prepReady, state)
	assert.Equal(t, name, name2)
}

func TestPreparedForce(t *testing.T) {
	m := newPreparedManager(5, 100)
	on := true

	state, name := m.get("q1", &on)
	assert.Equal(t, prepNeeded, state)
	assert.NotEmpty(t, name)

	// a failed execution must not promote the statement
	m.maintain("q1", []*wire.Result{{Status: wire.FatalError}}, state, name)
	state, _ = m.get("q1", nil)
	assert.Equal(t, prepNeeded, state)

	m.maintain("q1", []*wire.Result{{Status: wire.CommandOK}}, state, name)
	state, _ = m.get("q1", nil)
	assert.Equal(t, prepReady, state)
}

func TestPreparedEviction(t *testing.T) {
	m := newPreparedManager(5, 2)
	on := true

	var lastDealloc [][]byte
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("q%d", i)
		state, name := m.get(key, &on)
		require.Equal(t, prepNeeded, state)
		lastDealloc = m.maintain(key, []*wire.Result{{Status: wire.CommandOK}}, state, name)
	}
	require.Len(t, lastDealloc, 1)
	assert.Contains(t, string(lastDealloc[0]), "DEALLOCATE")
	assert.Equal(t, 2, m.count())

	// the evicted statement starts from scratch
	state, _ := m.get("q0", nil)
	assert.Equal(t, prepNone, state)
}

func TestPreparedForget(t *testing.T) {
	m := newPreparedManager(5, 100)
	on := true
	state, name := m.get("q1", &on)
	m.maintain("q1", []*wire.Result{{Status: wire.CommandOK}}, state, name)
	m.forget()
	assert.Equal(t, 0, m.count())
	state, _ = m.get("q1", nil)
	assert.Equal(t, prepNone, state)
}
