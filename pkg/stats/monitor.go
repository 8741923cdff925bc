// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stats

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/livekit/protocol/utils/hwstats"

	"github.com/livekit/voicecall/pkg/config"
)

// Durations are in seconds
var (
	// durBucketsOp lists histogram buckets for pending operations like accept or hangup.
	durBucketsOp = []float64{
		0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60,
	}
	// durBucketsLong lists histogram buckets for call durations.
	durBucketsLong = []float64{
		1, 10, 60, 10 * 60, 30 * 60, 3600, 6 * 3600, 12 * 3600, 24 * 3600,
	}
)

type CallDir bool

func (d CallDir) String() string {
	if d == Inbound {
		return "in"
	}
	return "out"
}

const (
	Inbound  = CallDir(false)
	Outbound = CallDir(true)
)

// Monitor exports provider and call lifecycle metrics. A nil Monitor, or one
// that was never started, silently drops every observation.
type Monitor struct {
	nodeID string

	providersActive *prometheus.GaugeVec
	channelBatches  *prometheus.CounterVec
	unmappedEvents  *prometheus.CounterVec
	callsCreated    *prometheus.CounterVec
	callsActive     *prometheus.GaugeVec
	callsTerminated *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	pendingOps      *prometheus.CounterVec
	watchdogExpired *prometheus.CounterVec
	durCall         *prometheus.HistogramVec
	durOp           *prometheus.HistogramVec
	cpuLoad         prometheus.Gauge
	nodeAvailable   prometheus.GaugeFunc

	cpu            *hwstats.CPUStats
	maxUtilization float64

	metrics  []prometheus.Collector
	started  core.Fuse
	shutdown core.Fuse
}

func NewMonitor(conf *config.Config) (*Monitor, error) {
	m := &Monitor{
		nodeID:         conf.NodeID,
		maxUtilization: conf.MaxCpuUtilization,
	}
	cpu, err := hwstats.NewCPUStats(func(idle float64) {
		if m.started.IsBroken() {
			m.cpuLoad.Set(1 - idle/m.cpu.NumCPU())
		}
	})
	if err != nil {
		return nil, err
	}
	m.cpu = cpu
	return m, nil
}

func mustRegister[T prometheus.Collector](m *Monitor, c T) T {
	err := prometheus.Register(c)
	if err != nil {
		var e prometheus.AlreadyRegisteredError
		if errors.As(err, &e) {
			return e.ExistingCollector.(T)
		} else {
			panic(err)
		}
	}
	m.metrics = append(m.metrics, c)
	return c
}

func (m *Monitor) Start(conf *config.Config) error {
	prometheus.Unregister(collectors.NewGoCollector())
	mustRegister(m, collectors.NewGoCollector(collectors.WithGoCollectorRuntimeMetrics(collectors.MetricsAll)))

	labels := prometheus.Labels{"node_id": conf.NodeID}

	m.providersActive = mustRegister(m, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "livekit",
		Subsystem:   "voicecall",
		Name:        "providers_active",
		Help:        "Number of providers bound to a valid account",
		ConstLabels: labels,
	}, []string{"protocol"}))

	m.channelBatches = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "voicecall",
		Name:        "channel_batches",
		Help:        "Number of channel batches delivered by the runtime",
		ConstLabels: labels,
	}, []string{"result"}))

	m.unmappedEvents = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "voicecall",
		Name:        "unmapped_events",
		Help:        "Number of runtime events ignored by the call state machine",
		ConstLabels: labels,
	}, []string{"event"}))

	m.callsCreated = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "voicecall",
		Name:        "calls_created",
		Help:        "Number of call handlers created",
		ConstLabels: labels,
	}, []string{"dir", "protocol"}))

	m.callsActive = mustRegister(m, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "livekit",
		Subsystem:   "voicecall",
		Name:        "calls_active",
		Help:        "Number of calls that left the null status and were not finalized yet",
		ConstLabels: labels,
	}, []string{"dir", "protocol"}))

	m.callsTerminated = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "voicecall",
		Name:        "calls_terminated",
		Help:        "Number of finalized calls",
		ConstLabels: labels,
	}, []string{"dir", "protocol", "status", "reason"}))

	m.transitions = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "voicecall",
		Name:        "transitions",
		Help:        "Number of call status transitions",
		ConstLabels: labels,
	}, []string{"from", "to"}))

	m.pendingOps = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "voicecall",
		Name:        "pending_ops",
		Help:        "Number of completed pending operations",
		ConstLabels: labels,
	}, []string{"op", "result"}))

	m.watchdogExpired = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "voicecall",
		Name:        "watchdog_expired",
		Help:        "Number of calls forced out of a transitional status",
		ConstLabels: labels,
	}, []string{"status"}))

	m.durCall = mustRegister(m, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   "livekit",
		Subsystem:   "voicecall",
		Name:        "dur_call_sec",
		Help:        "Call duration (from leaving null status to finalized)",
		ConstLabels: labels,
		Buckets:     durBucketsLong,
	}, []string{"dir"}))

	m.durOp = mustRegister(m, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   "livekit",
		Subsystem:   "voicecall",
		Name:        "dur_op_sec",
		Help:        "Pending operation duration (from request to outcome)",
		ConstLabels: labels,
		Buckets:     durBucketsOp,
	}, []string{"op"}))

	m.nodeAvailable = mustRegister(m, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "livekit",
		Subsystem:   "voicecall",
		Name:        "available",
		Help:        "Whether node can accept new calls",
		ConstLabels: labels,
	}, func() float64 {
		if m.CanAccept() {
			return 1
		}
		return 0
	}))

	m.cpuLoad = mustRegister(m, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "livekit",
		Subsystem:   "node",
		Name:        "cpu_load",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID, "node_type": "VOICECALL"},
	}))

	m.started.Break()

	return nil
}

func (m *Monitor) ready() bool {
	return m != nil && m.started.IsBroken()
}

func (m *Monitor) Shutdown() {
	if m == nil {
		return
	}
	m.shutdown.Break()
}

func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	for _, c := range m.metrics {
		prometheus.Unregister(c)
	}
	m.metrics = nil
}

func (m *Monitor) CanAccept() bool {
	if !m.ready() ||
		m.shutdown.IsBroken() ||
		m.cpu.GetCPUIdle() < m.cpu.NumCPU()*(1-m.maxUtilization) {
		return false
	}

	return true
}

func (m *Monitor) IdleCPU() float64 {
	if m == nil {
		return 0
	}
	return m.cpu.GetCPUIdle()
}

func (m *Monitor) ProviderAdded(protocol string) {
	if m.ready() {
		m.providersActive.WithLabelValues(protocol).Inc()
	}
}

func (m *Monitor) ProviderRemoved(protocol string) {
	if m.ready() {
		m.providersActive.WithLabelValues(protocol).Dec()
	}
}

// ChannelBatch counts a batch by how it was routed: "routed" or "dropped".
func (m *Monitor) ChannelBatch(result string) {
	if m.ready() {
		m.channelBatches.WithLabelValues(result).Inc()
	}
}

func (m *Monitor) UnmappedEvent(event string) {
	if m.ready() {
		m.unmappedEvents.WithLabelValues(event).Inc()
	}
}

func (m *Monitor) Transition(from, to string) {
	if m.ready() {
		m.transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Monitor) NewCall(dir CallDir, protocol string) *CallMonitor {
	c := &CallMonitor{
		m:        m,
		dir:      dir,
		protocol: protocol,
	}
	if m.ready() {
		m.callsCreated.With(c.labels(nil)).Inc()
	}
	return c
}

// CallMonitor tracks a single call. Its methods are safe on a nil receiver.
type CallMonitor struct {
	m          *Monitor
	dir        CallDir
	protocol   string
	startedAt  atomic.Int64
	terminated atomic.Bool
}

func (c *CallMonitor) ready() bool {
	return c != nil && c.m.ready()
}

func (c *CallMonitor) labels(l prometheus.Labels) prometheus.Labels {
	out := prometheus.Labels{"dir": c.dir.String(), "protocol": c.protocol}
	for k, v := range l {
		out[k] = v
	}
	return out
}

// CallStart marks the first transition out of the null status.
func (c *CallMonitor) CallStart() {
	if !c.ready() || !c.startedAt.CompareAndSwap(0, time.Now().UnixNano()) {
		return
	}
	c.m.callsActive.With(c.labels(nil)).Inc()
}

func (c *CallMonitor) Transition(from, to string) {
	if c != nil {
		c.m.Transition(from, to)
	}
}

func (c *CallMonitor) WatchdogExpired(status string) {
	if c.ready() {
		c.m.watchdogExpired.WithLabelValues(status).Inc()
	}
}

func (c *CallMonitor) UnmappedEvent(event string) {
	if c != nil {
		c.m.UnmappedEvent(event)
	}
}

// OpDur starts timing a pending operation. The returned function records the
// outcome and duration.
func (c *CallMonitor) OpDur(op string) func(err error) {
	if !c.ready() {
		return func(error) {}
	}
	timer := prometheus.NewTimer(c.m.durOp.WithLabelValues(op))
	return func(err error) {
		timer.ObserveDuration()
		result := "ok"
		if err != nil {
			result = "error"
		}
		c.m.pendingOps.WithLabelValues(op, result).Inc()
	}
}

// CallTerminate records the final status once.
func (c *CallMonitor) CallTerminate(status, reason string) {
	if !c.ready() || !c.terminated.CompareAndSwap(false, true) {
		return
	}
	c.m.callsTerminated.With(c.labels(prometheus.Labels{"status": status, "reason": reason})).Inc()
	if started := c.startedAt.Load(); started != 0 {
		c.m.callsActive.With(c.labels(nil)).Dec()
		c.m.durCall.WithLabelValues(c.dir.String()).Observe(time.Since(time.Unix(0, started)).Seconds())
	}
}
