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

package pool

import "sync/atomic"

// stats are the monotonically increasing pool counters. Gauges are read
// from the pool state directly when a snapshot is taken.
type stats struct {
	requestsNum       atomic.Int64
	requestsQueued    atomic.Int64
	requestsWaitMs    atomic.Int64
	requestsErrors    atomic.Int64
	usageMs           atomic.Int64
	returnsBad        atomic.Int64
	connectionsNum    atomic.Int64
	connectionsMs     atomic.Int64
	connectionsErrors atomic.Int64
	connectionsLost   atomic.Int64
}

// Stats keys, matching the snapshot maps of GetStats and PopStats.
const (
	StatPoolMin           = "pool_min"
	StatPoolMax           = "pool_max"
	StatPoolSize          = "pool_size"
	StatPoolAvailable     = "pool_available"
	StatRequestsWaiting   = "requests_waiting"
	StatRequestsNum       = "requests_num"
	StatRequestsQueued    = "requests_queued"
	StatRequestsWaitMs    = "requests_wait_ms"
	StatRequestsErrors    = "requests_errors"
	StatUsageMs           = "usage_ms"
	StatReturnsBad        = "returns_bad"
	StatConnectionsNum    = "connections_num"
	StatConnectionsMs     = "connections_ms"
	StatConnectionsErrors = "connections_errors"
	StatConnectionsLost   = "connections_lost"
)

func (s *stats) snapshot(reset bool) map[string]int64 {
	read := func(c *atomic.Int64) int64 {
		if reset {
			return c.Swap(0)
		}
		return c.Load()
	}
	return map[string]int64{
		StatRequestsNum:       read(&s.requestsNum),
		StatRequestsQueued:    read(&s.requestsQueued),
		StatRequestsWaitMs:    read(&s.requestsWaitMs),
		StatRequestsErrors:    read(&s.requestsErrors),
		StatUsageMs:           read(&s.usageMs),
		StatReturnsBad:        read(&s.returnsBad),
		StatConnectionsNum:    read(&s.connectionsNum),
		StatConnectionsMs:     read(&s.connectionsMs),
		StatConnectionsErrors: read(&s.connectionsErrors),
		StatConnectionsLost:   read(&s.connectionsLost),
	}
}

func (p *Pool) measures() map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]int64{
		StatPoolMin:         int64(p.cfg.MinSize),
		StatPoolMax:         int64(p.cfg.MaxSize),
		StatPoolSize:        int64(p.nconns),
		StatPoolAvailable:   int64(len(p.idle)),
		StatRequestsWaiting: int64(len(p.waiting)),
	}
}

// GetStats returns a snapshot of the counters and gauges.
func (p *Pool) GetStats() map[string]int64 {
	out := p.stats.snapshot(false)
	for k, v := range p.measures() {
		out[k] = v
	}
	return out
}

// PopStats returns a snapshot and resets the counters; the gauges are
// unaffected.
func (p *Pool) PopStats() map[string]int64 {
	out := p.stats.snapshot(true)
	for k, v := range p.measures() {
		out[k] = v
	}
	return out
}
