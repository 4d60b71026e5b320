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

import "github.com/prometheus/client_golang/prometheus"

// StatsCollector exposes a pool's counters and gauges as prometheus
// metrics, labelled with the pool name. Register it on your registry:
//
//	prometheus.MustRegister(pool.NewStatsCollector(p))
type StatsCollector struct {
	pool *Pool

	counters map[string]*prometheus.Desc
	gauges   map[string]*prometheus.Desc
}

// NewStatsCollector returns a collector reading from p.
func NewStatsCollector(p *Pool) *StatsCollector {
	counter := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("pgline_pool_"+name+"_total", help, nil,
			prometheus.Labels{"pool": p.Name()})
	}
	gauge := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("pgline_pool_"+name, help, nil,
			prometheus.Labels{"pool": p.Name()})
	}
	return &StatsCollector{
		pool: p,
		counters: map[string]*prometheus.Desc{
			StatRequestsNum:       counter("requests", "Connections requested from the pool."),
			StatRequestsQueued:    counter("requests_queued", "Requests that had to wait in queue."),
			StatRequestsWaitMs:    counter("requests_wait_ms", "Total time clients spent waiting, in ms."),
			StatRequestsErrors:    counter("requests_errors", "Requests failed by timeout, queue overflow or a closed pool."),
			StatUsageMs:           counter("usage_ms", "Total time connections were checked out, in ms."),
			StatReturnsBad:        counter("returns_bad", "Connections returned in a broken state."),
			StatConnectionsNum:    counter("connections", "Connection attempts made by the pool."),
			StatConnectionsMs:     counter("connections_ms", "Total time spent establishing connections, in ms."),
			StatConnectionsErrors: counter("connections_errors", "Connection attempts failed."),
			StatConnectionsLost:   counter("connections_lost", "Connections found broken by Check."),
		},
		gauges: map[string]*prometheus.Desc{
			StatPoolMin:         gauge("min_size", "Configured minimum pool size."),
			StatPoolMax:         gauge("max_size", "Configured maximum pool size."),
			StatPoolSize:        gauge("size", "Connections currently managed by the pool."),
			StatPoolAvailable:   gauge("available", "Connections currently idle in the pool."),
			StatRequestsWaiting: gauge("requests_waiting", "Clients currently waiting for a connection."),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d
	}
	for _, d := range c.gauges {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.pool.GetStats()
	for key, desc := range c.counters {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(snap[key]))
	}
	for key, desc := range c.gauges {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(snap[key]))
	}
}
