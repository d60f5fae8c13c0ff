/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "rankmon"

// Metrics holds the Prometheus instruments of one rank monitor.
// Metrics 保存单个 rank 监控的 Prometheus 指标。
type Metrics struct {
	registry *prometheus.Registry

	heartbeats  *prometheus.CounterVec
	connections *prometheus.CounterVec
	timeouts    prometheus.Counter
	dispatches  *prometheus.CounterVec
	phase       *prometheus.GaugeVec
}

// NewMetrics registers the monitor instruments on a dedicated registry,
// labelled with the rank id.
// NewMetrics 在独立 registry 上注册带 rank 标签的监控指标。
func NewMetrics(rankID string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"rank": rankID}

	m := &Metrics{
		registry: reg,
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "heartbeats_total",
			Help:        "Heartbeats received, by outcome.",
			ConstLabels: labels,
		}, []string{"result"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "connections_total",
			Help:        "Accepted worker connections, by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "timeouts_total",
			Help:        "Heartbeat timeout episodes.",
			ConstLabels: labels,
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "termination_dispatches_total",
			Help:        "Termination notices, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "phase",
			Help:        "1 for the current monitoring phase, 0 otherwise.",
			ConstLabels: labels,
		}, []string{"phase"}),
	}
	reg.MustRegister(m.heartbeats, m.connections, m.timeouts, m.dispatches, m.phase)
	m.setPhase(PhaseAwaitingFirstHeartbeat)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) heartbeat(r HeartbeatResult) { m.heartbeats.WithLabelValues(r.String()).Inc() }

func (m *Metrics) connection(reconnect bool) {
	kind := "first"
	if reconnect {
		kind = "reconnect"
	}
	m.connections.WithLabelValues(kind).Inc()
}

func (m *Metrics) timeout(delivered bool, err error) {
	m.timeouts.Inc()
	outcome := "noop"
	switch {
	case err != nil:
		outcome = "error"
	case delivered:
		outcome = "delivered"
	}
	m.dispatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setPhase(p Phase) {
	for _, ph := range []Phase{PhaseAwaitingFirstHeartbeat, PhaseMonitoring, PhaseReconnecting, PhaseTimedOut} {
		v := 0.0
		if ph == p {
			v = 1
		}
		m.phase.WithLabelValues(ph.String()).Set(v)
	}
}
