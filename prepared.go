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
	"container/list"
	"fmt"

	"github.com/apecloud/pgline/wire"
)

type prepareState int8

const (
	prepNone   prepareState = iota // execute unnamed
	prepNeeded                     // send a Parse for the allocated name first
	prepReady                      // the named statement exists server side
)

// preparedManager decides which queries are worth preparing server side.
// Queries seen at least prepareThreshold times get a statement name; an
// LRU bounded by maxPrepared evicts old statements, handing back the
// DEALLOCATE commands to run.
type preparedManager struct {
	threshold int
	maxSize   int

	counter int
	entries map[string]*prepEntry
	lru     *list.List // *prepEntry, front = most recently used
}

type prepEntry struct {
	key      string
	name     string
	prepared bool
	uses     int
	elem     *list.Element
}

func newPreparedManager(threshold, maxSize int) *preparedManager {
	return &preparedManager{
		threshold: threshold,
		maxSize:   maxSize,
		entries:   make(map[string]*prepEntry),
		lru:       list.New(),
	}
}

// get reports how the query identified by key should be executed. prepare
// overrides the seen-count heuristic when non-nil.
func (m *preparedManager) get(key string, prepare *bool) (prepareState, string) {
	if prepare != nil && !*prepare {
		return prepNone, ""
	}
	e := m.entries[key]
	if e == nil {
		e = &prepEntry{key: key}
		m.entries[key] = e
		if prepare != nil && *prepare {
			e.name = m.newName()
			e.elem = m.lru.PushFront(e)
			return prepNeeded, e.name
		}
		e.uses = 1
		return prepNone, ""
	}

	if e.elem != nil {
		m.lru.MoveToFront(e.elem)
	}
	if e.prepared {
		return prepReady, e.name
	}
	if e.name != "" {
		return prepNeeded, e.name
	}
	e.uses++
	if (prepare != nil && *prepare) || e.uses > m.threshold {
		e.name = m.newName()
		e.elem = m.lru.PushFront(e)
		return prepNeeded, e.name
	}
	return prepNone, ""
}

func (m *preparedManager) newName() string {
	m.counter++
	return fmt.Sprintf("_pg3_%d", m.counter)
}

// maintain records the outcome of an execution and returns the DEALLOCATE
// statements for any statement evicted from the cache.
func (m *preparedManager) maintain(key string, results []*wire.Result, state prepareState, name string) [][]byte {
	if state == prepNeeded {
		ok := true
		for _, res := range results {
			if res.Status == wire.FatalError {
				ok = false
			}
		}
		if e := m.entries[key]; e != nil && ok {
			e.prepared = true
		}
	}

	var deallocate [][]byte
	for m.lru.Len() > m.maxSize {
		back := m.lru.Back()
		e := back.Value.(*prepEntry)
		m.lru.Remove(back)
		delete(m.entries, e.key)
		if e.prepared {
			deallocate = append(deallocate, []byte(`DEALLOCATE "`+e.name+`"`))
		}
	}
	return deallocate
}

// forget drops every cached statement, e.g. after a connection reset.
func (m *preparedManager) forget() {
	m.entries = make(map[string]*prepEntry)
	m.lru.Init()
}

// count returns the number of statements currently named.
func (m *preparedManager) count() int { return m.lru.Len() }
