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

// Package queue is the per-process handle on a shared memory channel. A
// Queue couples the channel's ring, connection table and waiter with a
// local read cursor and a fragment allocator for payloads too large to be
// copied into a slot.
package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/shmq/api"
	"github.com/srediag/shmq/internal/logging"
	"github.com/srediag/shmq/pkg/fragment"
	"github.com/srediag/shmq/pkg/ring"
	"github.com/srediag/shmq/pkg/shm"
)

const poolReleaseTimeout = time.Second

var queueLogger = logging.New("queue")

var (
	_ api.Transport     = (*Queue)(nil)
	_ api.HealthChecker = (*Queue)(nil)
)

// Queue is a connected producer or consumer of one channel.
type Queue struct {
	channel string
	object  string
	role    ring.Role
	cfg     Config

	region *shm.Region
	table  *ring.ConnTable
	ring   *ring.Ring
	waiter *shm.Waiter
	slot   uint32
	reader *ring.Reader
	alloc  *fragment.Allocator

	metrics *Metrics
	tracer  trace.Tracer

	// mu is held shared by operations and exclusively by Disconnect.
	mu      sync.RWMutex
	readMu  sync.Mutex
	scratch []byte
	closed  atomic.Bool

	poolMu sync.Mutex
	pool   *ants.Pool
}

// Connect attaches to channel as role, creating the shared region if this
// is the first peer. A nil config means DefaultConfig.
func Connect(ctx context.Context, channel string, role ring.Role, config *Config) (q *Queue, err error) {
	if config == nil {
		config = DefaultConfig()
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("shmq")
	}
	_, span := tracer.Start(ctx, "shmq.Connect", trace.WithAttributes(
		attribute.String("shmq.channel", channel),
		attribute.String("shmq.role", role.String()),
		attribute.String("shmq.topology", config.Topology.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := VerifyConfig(config); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}
	if err := validChannel(channel); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}
	if role != ring.Producer && role != ring.Consumer {
		return nil, fmt.Errorf("%w: %s", ErrWrongRole, role)
	}

	elem := elemSize(config.InlineSize)
	q = &Queue{
		channel: channel,
		object:  ObjectName(channel, config.InlineSize),
		role:    role,
		cfg:     *config,
		metrics: config.Metrics,
		tracer:  tracer,
		scratch: make([]byte, elem),
	}
	region, err := shm.Acquire(q.object, regionSize(elem), shm.CreateOrOpen)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}
	defer func() {
		if err != nil {
			region.Release()
		}
	}()
	q.region = region
	mem, err := region.Get()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}
	if q.table, err = ring.NewConnTable(mem[connOffset:waiterOffset], config.Topology); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}
	if q.waiter, err = shm.NewWaiter(mem[waiterOffset:ringOffset]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}
	if q.ring, err = ring.New(mem[ringOffset:], elem, config.Topology, q.table); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}
	q.alloc, err = fragment.NewAllocator(fragment.Config{
		ArenaSize:      config.ArenaSize,
		ReclaimTimeout: config.ReclaimTimeout,
		Meter:          config.Meter,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}

	// The reader is positioned while the table is locked, so no other
	// consumer can join or leave between the two.
	q.slot = q.table.ConnectWith(role, func(id uint32) {
		if role == ring.Consumer {
			q.reader = q.ring.NewReader(id)
		}
	})
	if q.slot == 0 {
		_ = q.alloc.Close()
		return nil, fmt.Errorf("%w: %s on %s", ErrConnFull, role, q.object)
	}
	q.metrics.connect(1)
	queueLogger.Infof("%s connected to %s as %s slot %d", config.Topology, q.object, role, q.slot)
	return q, nil
}

// Write publishes p to the channel. Payloads up to InlineSize bytes are
// copied into the ring; larger ones into this producer's fragment arena.
func (q *Queue) Write(p []byte) error {
	if q.role != ring.Producer {
		return ErrWrongRole
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed.Load() {
		q.metrics.failed(reasonClosed)
		return ErrDisconnected
	}
	consumers := q.table.ConsumerCount()
	if consumers == 0 {
		q.metrics.failed(reasonNoConsumer)
		return ErrNoConsumer
	}

	var desc fragment.Descriptor
	var fill ring.FillFunc
	if len(p) <= q.cfg.InlineSize {
		fill = func(slot []byte, _ int) { encodeInline(slot, p) }
	} else {
		var err error
		if desc, err = q.alloc.Write(p, 1); err != nil {
			q.metrics.failed(reasonArena)
			return fmt.Errorf("write %d bytes: %w", len(p), err)
		}
		// The block expects exactly the readers the ring stamps.
		fill = func(slot []byte, readers int) {
			q.alloc.SetReaders(desc, readers)
			encodeFragment(slot, desc)
		}
	}

	if err := q.push(fill); err != nil {
		q.alloc.Discard(desc)
		switch {
		case errors.Is(err, ErrNoConsumer):
			q.metrics.failed(reasonNoConsumer)
		case errors.Is(err, ErrDisconnected):
			q.metrics.failed(reasonClosed)
		default:
			q.metrics.failed(reasonFull)
		}
		return err
	}
	if q.cfg.Topology.Broadcast() {
		q.waiter.Broadcast()
	} else {
		q.waiter.Notify()
	}
	q.metrics.wrote(int(desc.Length))
	return nil
}

func (q *Queue) push(fill ring.FillFunc) error {
	err := q.ring.Push(fill)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ring.ErrNoReader):
		return ErrNoConsumer
	case !errors.Is(err, ring.ErrFull):
		return err
	case q.cfg.FullPolicy == FailFast:
		return ErrRingFull
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 5 * time.Millisecond
	b.MaxElapsedTime = q.cfg.WriteTimeout
	b.Reset()
	err = backoff.Retry(func() error {
		if q.closed.Load() {
			return backoff.Permanent(ErrDisconnected)
		}
		// Readers also drop stale slot registrations when woken.
		q.waiter.Broadcast()
		err := q.ring.Push(fill)
		if errors.Is(err, ring.ErrNoReader) {
			return backoff.Permanent(ErrNoConsumer)
		}
		return err
	}, b)
	if errors.Is(err, ring.ErrFull) {
		return fmt.Errorf("%w after %s: %w", ErrTimeout, q.cfg.WriteTimeout, ErrRingFull)
	}
	return err
}

// Read waits up to timeout for the next message; shm.Forever waits
// without limit. The returned Message must be released.
func (q *Queue) Read(timeout time.Duration) (Message, error) {
	if q.role != ring.Consumer {
		return Message{}, ErrWrongRole
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed.Load() {
		return Message{}, ErrDisconnected
	}
	q.readMu.Lock()
	defer q.readMu.Unlock()

	got, last := false, false
	empty := func() bool {
		got, last = q.ring.Pop(q.reader, q.scratch)
		return !got
	}
	if !q.waiter.WaitFor(empty, timeout) || !got {
		if q.closed.Load() || q.waiter.Quitted() {
			return Message{}, ErrDisconnected
		}
		return Message{}, ErrTimeout
	}
	msg, err := q.decode(q.scratch)
	if err != nil {
		return Message{}, err
	}
	q.metrics.readOne(last)
	return msg, nil
}

func (q *Queue) decode(elem []byte) (Message, error) {
	n := int(binary.LittleEndian.Uint32(elem[4:]))
	switch elem[0] {
	case kindInline:
		if n > q.cfg.InlineSize {
			return Message{}, fmt.Errorf("%w: inline length %d", ErrCorrupt, n)
		}
		data := make([]byte, n)
		copy(data, elem[elemHeaderSize:])
		return Message{Data: data}, nil
	case kindFragment:
		desc, err := fragment.DecodeDescriptor(elem[elemHeaderSize:])
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		view, err := q.alloc.Read(desc)
		if err != nil {
			return Message{}, fmt.Errorf("resolve %s: %w", desc, err)
		}
		return Message{Data: view.Bytes, release: view.Release}, nil
	}
	return Message{}, fmt.Errorf("%w: kind %d", ErrCorrupt, elem[0])
}

// Serve reads messages until ctx is done or the queue is disconnected and
// hands each to handler on the callback worker pool. Messages are
// released after handler returns.
func (q *Queue) Serve(ctx context.Context, handler func(Message)) error {
	if q.role != ring.Consumer {
		return ErrWrongRole
	}
	pool, err := q.workerPool()
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := q.Read(q.cfg.PollInterval)
		switch {
		case err == nil:
			if err := pool.Submit(func() {
				defer msg.Release()
				handler(msg)
			}); err != nil {
				msg.Release()
				if errors.Is(err, ants.ErrPoolClosed) {
					return nil
				}
				return err
			}
		case errors.Is(err, ErrTimeout):
		case errors.Is(err, ErrDisconnected):
			return nil
		default:
			queueLogger.Warnf("%s: dropping message: %v", q.object, err)
		}
	}
}

func (q *Queue) workerPool() (*ants.Pool, error) {
	q.poolMu.Lock()
	defer q.poolMu.Unlock()
	if q.closed.Load() {
		return nil, ErrDisconnected
	}
	if q.pool == nil {
		pool, err := ants.NewPool(q.cfg.CallbackWorkers)
		if err != nil {
			return nil, fmt.Errorf("callback pool: %w", err)
		}
		q.pool = pool
	}
	return q.pool, nil
}

// Disconnect leaves the channel: blocked reads return ErrDisconnected, the
// connection slot and any reader registrations are released, and the
// region is removed if this was the last peer. It is idempotent.
func (q *Queue) Disconnect() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	_, span := q.tracer.Start(context.Background(), "shmq.Disconnect", trace.WithAttributes(
		attribute.String("shmq.channel", q.channel),
		attribute.String("shmq.role", q.role.String()),
	))
	defer span.End()

	q.waiter.Quit()
	q.poolMu.Lock()
	if q.pool != nil {
		if err := q.pool.ReleaseTimeout(poolReleaseTimeout); err != nil {
			queueLogger.Warnf("%s: callback pool: %v", q.object, err)
		}
	}
	q.poolMu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.role == ring.Consumer {
		q.table.DisconnectWith(q.slot, func() { q.ring.Leave(q.reader) })
	} else {
		q.table.Disconnect(q.slot)
	}
	var errs []error
	if err := q.alloc.Close(); err != nil {
		errs = append(errs, err)
	}
	refs := q.region.Release()
	q.metrics.connect(-1)
	queueLogger.Infof("%s disconnected %s slot %d, %d peers left", q.object, q.role, q.slot, refs-1)
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Connected reports whether the queue can still be used.
func (q *Queue) Connected() bool {
	return !q.closed.Load()
}

// Consumers returns the number of consumers attached to the channel.
func (q *Queue) Consumers() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed.Load() {
		return 0
	}
	return q.table.ConsumerCount()
}

// Check is a liveness check: it fails once the queue is disconnected or its
// region has been torn down.
func (q *Queue) Check() error {
	if q.closed.Load() {
		return ErrDisconnected
	}
	if !q.region.Valid() {
		return fmt.Errorf("%w: region %s is not mapped", ErrInit, q.object)
	}
	return nil
}

// Ready fails while the queue has no peer to talk to: a producer without
// consumers, or a consumer without producers.
func (q *Queue) Ready() error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if err := q.Check(); err != nil {
		return err
	}
	if q.role == ring.Producer {
		if q.table.ConsumerCount() == 0 {
			return ErrNoConsumer
		}
		return nil
	}
	if !q.table.ProducerConnected() {
		return ErrNoProducer
	}
	return nil
}

func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	st := Stats{Object: q.object, Role: q.role, Slot: q.slot}
	if q.closed.Load() {
		return st
	}
	if q.reader != nil {
		q.readMu.Lock()
		st.Cursor = q.reader.Cursor
		q.readMu.Unlock()
	}
	st.Ring = q.ring.Stats()
	st.ArenaInUse = q.alloc.InUse()
	st.MappedArenas = q.alloc.MappedArenas()
	st.RegionRefs = q.region.Ref()
	return st
}

func (q *Queue) Channel() string { return q.channel }

func (q *Queue) Role() ring.Role { return q.role }

// Send is Write, for the api.Transport contract.
func (q *Queue) Send(data []byte) error {
	return q.Write(data)
}

// Receive reads one message and returns a private copy of it.
func (q *Queue) Receive(timeout time.Duration) ([]byte, error) {
	msg, err := q.Read(timeout)
	if err != nil {
		return nil, err
	}
	defer msg.Release()
	if msg.release == nil {
		return msg.Data, nil
	}
	out := make([]byte, len(msg.Data))
	copy(out, msg.Data)
	return out, nil
}

// Close is Disconnect.
func (q *Queue) Close() error {
	return q.Disconnect()
}
