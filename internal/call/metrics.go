/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by all calls of a process.
type Metrics struct {
	callsStarted  prometheus.Counter
	callsFinished *prometheus.CounterVec
	callsActive   prometheus.Gauge
	messages      *prometheus.CounterVec
}

// NewMetrics creates Metrics and registers them with the provided
// registerer. Collectors which are already registered are reused. A nil
// registerer yields unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		callsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calls_started_total",
			Help: "Total number of started calls",
		}),
		callsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calls_finished_total",
			Help: "Total number of finished calls by final state",
		}, []string{"state"}),
		callsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "calls_active",
			Help: "Number of calls which have not finished yet",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signaling_messages_total",
			Help: "Total number of signaling messages by direction and type",
		}, []string{"direction", "type"}),
	}
	if reg == nil {
		return m
	}

	m.callsStarted = register(reg, m.callsStarted).(prometheus.Counter)
	m.callsFinished = register(reg, m.callsFinished).(*prometheus.CounterVec)
	m.callsActive = register(reg, m.callsActive).(prometheus.Gauge)
	m.messages = register(reg, m.messages).(*prometheus.CounterVec)

	return m
}

func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.callsStarted.Inc()
	m.callsActive.Inc()
}

func (m *Metrics) finished(state State) {
	if m == nil {
		return
	}
	m.callsFinished.WithLabelValues(state.String()).Inc()
	m.callsActive.Dec()
}

func (m *Metrics) message(direction string, t string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction, t).Inc()
}
