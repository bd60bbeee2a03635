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


package adapter

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/shmq/pkg/queue"
)

const instrumentationName = "github.com/srediag/shmq"

// Telemetry carries the OpenTelemetry instruments handed to queues.
type Telemetry struct {
	Tracer trace.Tracer
	Meter  metric.Meter
}

// NewTelemetry builds instruments from the given providers. A nil
// provider is replaced by its no-op implementation.
func NewTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) Telemetry {
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	return Telemetry{
		Tracer: tp.Tracer(instrumentationName),
		Meter:  mp.Meter(instrumentationName),
	}
}

// Apply sets t's instruments on cfg.
func (t Telemetry) Apply(cfg *queue.Config) {
	cfg.Tracer = t.Tracer
	cfg.Meter = t.Meter
}

// ObserveQueue publishes q's arena usage and consumer count as
// asynchronous gauges until the returned registration is unregistered.
func (t Telemetry) ObserveQueue(q *queue.Queue) (metric.Registration, error) {
	inUse, err := t.Meter.Int64ObservableGauge("shmq.arena.in_use",
		metric.WithDescription("Bytes held by live fragments of the queue's arena."),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	consumers, err := t.Meter.Int64ObservableGauge("shmq.consumers",
		metric.WithDescription("Consumers attached to the queue's channel."))
	if err != nil {
		return nil, err
	}
	return t.Meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if !q.Connected() {
			return nil
		}
		st := q.Stats()
		attrs := metric.WithAttributes(
			attribute.String("shmq.object", st.Object),
			attribute.String("shmq.role", st.Role.String()),
		)
		o.ObserveInt64(inUse, int64(st.ArenaInUse), attrs)
		o.ObserveInt64(consumers, int64(st.Ring.Consumers), attrs)
		return nil
	}, inUse, consumers)
}
