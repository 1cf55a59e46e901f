// Copyright 2017-2022 Daniel Swarbrick. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nvme

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the optional Prometheus instrumentation for a Controller
// and its queue pairs. A nil *Metrics is always safe to call methods on;
// every method is a no-op in that case, so instrumentation is opt-in.
type Metrics struct {
	submitted  *prometheus.CounterVec
	completed  *prometheus.CounterVec
	timedOut   *prometheus.CounterVec
	statusErrs *prometheus.CounterVec
	sqOccupied *prometheus.GaugeVec
	cqOccupied *prometheus.GaugeVec
}

// NewMetrics registers a Metrics set with reg and returns it. Pass the
// result to WithMetrics; pass nil to WithMetrics (or omit the option) to
// disable instrumentation.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upcie",
			Subsystem: "nvme",
			Name:      "commands_submitted_total",
			Help:      "Commands submitted per queue id.",
		}, []string{"qid"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upcie",
			Subsystem: "nvme",
			Name:      "commands_completed_total",
			Help:      "Commands completed per queue id.",
		}, []string{"qid"}),
		timedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upcie",
			Subsystem: "nvme",
			Name:      "commands_timed_out_total",
			Help:      "Commands that exceeded their completion deadline.",
		}, []string{"qid"}),
		statusErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upcie",
			Subsystem: "nvme",
			Name:      "commands_status_error_total",
			Help:      "Completions with a non-zero NVMe status.",
		}, []string{"qid"}),
		sqOccupied: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "upcie",
			Subsystem: "nvme",
			Name:      "sq_occupied_slots",
			Help:      "Outstanding submission queue entries not yet completed.",
		}, []string{"qid"}),
		cqOccupied: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "upcie",
			Subsystem: "nvme",
			Name:      "cq_occupied_slots",
			Help:      "Completion queue entries not yet consumed by the host.",
		}, []string{"qid"}),
	}
	reg.MustRegister(m.submitted, m.completed, m.timedOut, m.statusErrs, m.sqOccupied, m.cqOccupied)
	return m
}

func (m *Metrics) onSubmit(qid uint16) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(qidLabel(qid)).Inc()
}

func (m *Metrics) onComplete(qid uint16, statusErr bool) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(qidLabel(qid)).Inc()
	if statusErr {
		m.statusErrs.WithLabelValues(qidLabel(qid)).Inc()
	}
}

func (m *Metrics) onTimeout(qid uint16) {
	if m == nil {
		return
	}
	m.timedOut.WithLabelValues(qidLabel(qid)).Inc()
}

// setOccupancy records how many entries are currently in flight. Every
// submitted command has exactly one pending completion until reaped, so
// callers pass the same outstanding count for both sqOccupied and
// cqOccupied.
func (m *Metrics) setOccupancy(qid uint16, sqOccupied, cqOccupied int) {
	if m == nil {
		return
	}
	m.sqOccupied.WithLabelValues(qidLabel(qid)).Set(float64(sqOccupied))
	m.cqOccupied.WithLabelValues(qidLabel(qid)).Set(float64(cqOccupied))
}

func qidLabel(qid uint16) string {
	const digits = "0123456789"
	if qid == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	v := qid
	for v > 0 {
		i--
		buf[i] = digits[v%10]
		v /= 10
	}
	return string(buf[i:])
}
