/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metric exports data bus statistics to prometheus.
package metric

import (
	"fmt"

	"github.com/RIFTIO/RIFT.ware-sub013/dts"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is anything reporting bus statistics, usually a *dts.Bus.
type StatsSource interface {
	Stats() dts.Stats
}

// dtsStatMetric provide description, value, and value type for one bus stat metric.
type dtsStatMetric struct {
	desc    *prometheus.Desc
	eval    func(s *dts.Stats) float64
	valType prometheus.ValueType
}

// DTSCollector collects bus metrics.
type DTSCollector struct {
	source StatsSource

	// metrics to describe and collect
	metrics []dtsStatMetric
}

func dtsStatNamespace(s string) string {
	return fmt.Sprintf("dts_%s", s)
}

func counter(name, help string, eval func(s *dts.Stats) uint64) dtsStatMetric {
	return dtsStatMetric{
		desc:    prometheus.NewDesc(dtsStatNamespace(name), help, nil, nil),
		eval:    func(s *dts.Stats) float64 { return float64(eval(s)) },
		valType: prometheus.CounterValue,
	}
}

func gauge(name, help string, eval func(s *dts.Stats) int) dtsStatMetric {
	return dtsStatMetric{
		desc:    prometheus.NewDesc(dtsStatNamespace(name), help, nil, nil),
		eval:    func(s *dts.Stats) float64 { return float64(eval(s)) },
		valType: prometheus.GaugeValue,
	}
}

// NewDTSCollector returns a collector reading source on every scrape.
func NewDTSCollector(source StatsSource) prometheus.Collector {
	return &DTSCollector{
		source: source,
		metrics: []dtsStatMetric{
			counter("transactions_total", "Transactions created",
				func(s *dts.Stats) uint64 { return s.Transactions }),
			counter("committed_total", "Transactions committed",
				func(s *dts.Stats) uint64 { return s.Committed }),
			counter("aborted_total", "Transactions aborted by a participant or the originator",
				func(s *dts.Stats) uint64 { return s.Aborted }),
			counter("failed_total", "Transactions failed by an internal fault",
				func(s *dts.Stats) uint64 { return s.Failed }),
			counter("queries_total", "Queries dispatched",
				func(s *dts.Stats) uint64 { return s.Queries }),
			counter("prepares_total", "Prepare callbacks invoked, continuations included",
				func(s *dts.Stats) uint64 { return s.Prepares }),
			counter("records_total", "Response records delivered",
				func(s *dts.Stats) uint64 { return s.Records }),
			counter("nacks_total", "Negative acknowledgements",
				func(s *dts.Stats) uint64 { return s.Nacks }),
			counter("overflows_total", "Prepare jobs run outside a fully taken worker pool",
				func(s *dts.Stats) uint64 { return s.Overflows }),
			gauge("inflight", "Transactions not yet done",
				func(s *dts.Stats) int { return s.InFlight }),
			gauge("registrations", "Registrations known to the bus",
				func(s *dts.Stats) int { return s.Registrations }),
		},
	}
}

// Describe returns all descriptions of the collector.
func (dc *DTSCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, i := range dc.metrics {
		ch <- i.desc
	}
}

// Collect returns the current state of all metrics of the collector.
func (dc *DTSCollector) Collect(ch chan<- prometheus.Metric) {
	s := dc.source.Stats()
	for _, i := range dc.metrics {
		ch <- prometheus.MustNewConstMetric(i.desc, i.valType, i.eval(&s))
	}
}
