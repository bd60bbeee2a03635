/*
 * Copyright 2025 SREDiag Authors
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

package queue

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors of a process' queues. One Metrics
// may be shared by many queues.
type Metrics struct {
	written       prometheus.Counter
	read          prometheus.Counter
	failures      *prometheus.CounterVec
	fragmentBytes prometheus.Counter
	slotsReleased prometheus.Counter
	connected     prometheus.Gauge
}

// NewMetrics builds the collectors and registers them on reg when it is
// not nil. Collectors already registered by an earlier call are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		written: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmq",
			Name:      "messages_written_total",
			Help:      "Messages pushed into rings.",
		}),
		read: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmq",
			Name:      "messages_read_total",
			Help:      "Messages popped from rings.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmq",
			Name:      "write_failures_total",
			Help:      "Writes rejected, by reason.",
		}, []string{"reason"}),
		fragmentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmq",
			Name:      "fragment_bytes_total",
			Help:      "Payload bytes carried through fragment arenas.",
		}),
		slotsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmq",
			Name:      "slots_released_total",
			Help:      "Ring slots handed back to writers by their last reader.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shmq",
			Name:      "connected_queues",
			Help:      "Queues currently connected by this process.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.written, err = register(reg, m.written); err != nil {
		return nil, err
	}
	if m.read, err = register(reg, m.read); err != nil {
		return nil, err
	}
	if m.failures, err = register(reg, m.failures); err != nil {
		return nil, err
	}
	if m.fragmentBytes, err = register(reg, m.fragmentBytes); err != nil {
		return nil, err
	}
	if m.slotsReleased, err = register(reg, m.slotsReleased); err != nil {
		return nil, err
	}
	if m.connected, err = register(reg, m.connected); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

const (
	reasonNoConsumer = "no_consumer"
	reasonFull       = "ring_full"
	reasonArena      = "arena"
	reasonClosed     = "disconnected"
)

func (m *Metrics) wrote(fragmentLen int) {
	if m == nil {
		return
	}
	m.written.Inc()
	if fragmentLen > 0 {
		m.fragmentBytes.Add(float64(fragmentLen))
	}
}

// readOne counts a read; last reports that this reader was the slot's
// final one.
func (m *Metrics) readOne(last bool) {
	if m == nil {
		return
	}
	m.read.Inc()
	if last {
		m.slotsReleased.Inc()
	}
}

func (m *Metrics) failed(reason string) {
	if m != nil {
		m.failures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) connect(delta float64) {
	if m != nil {
		m.connected.Add(delta)
	}
}
