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

// Package fragment carries payloads too large for a ring slot. Each writer
// owns a shared memory arena; blocks are bump allocated in it, stamped
// with a reader count and reclaimed in FIFO order once every reader has
// released them or they outlive a timeout. Readers map the owner's arena
// by name and resolve Descriptors against their own mapping.
package fragment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/srediag/shmq/internal/logging"
	internalshm "github.com/srediag/shmq/internal/shm"
	"github.com/srediag/shmq/pkg/shm"
)

const (
	defaultArenaSize      = 64 << 20
	defaultReclaimTimeout = 10 * time.Second

	arenaMagic      = 0x46524147
	arenaHeaderSize = 64
	blockHeaderSize = 16
	blockAlign      = 16
)

var (
	ErrArenaExhausted = errors.New("fragment arena exhausted")
	ErrStaleFragment  = errors.New("fragment was already reclaimed")
	ErrClosed         = errors.New("fragment allocator closed")
)

var fragLogger = logging.New("fragment")

var instanceSeq atomic.Uint32

// Config tunes an Allocator.
type Config struct {
	// ArenaSize is the size of the writer's arena in bytes.
	ArenaSize int
	// ReclaimTimeout force-reclaims blocks that readers never released.
	ReclaimTimeout time.Duration
	// Meter receives allocation metrics. Nil means no-op.
	Meter metric.Meter
}

func DefaultConfig() Config {
	return Config{
		ArenaSize:      defaultArenaSize,
		ReclaimTimeout: defaultReclaimTimeout,
	}
}

// ArenaName is the shared object name of owner's arena.
func ArenaName(owner uint64) string {
	return fmt.Sprintf("shmq__FRAG__%016x", owner)
}

// MaxPayload is the largest payload an arena of arenaSize bytes can hold.
func MaxPayload(arenaSize int) int {
	return arenaSize - arenaHeaderSize - blockHeaderSize
}

type block struct {
	off  int
	size int
	born time.Time
	pad  bool
}

// mapping is one mapped arena. Outstanding Views pin it: an unmap asked
// for by Close is carried out by the last View's Release.
type mapping struct {
	region  *shm.Region
	mem     []byte
	mu      sync.Mutex
	views   int
	closing bool
}

func (m *mapping) pin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	m.views++
	return true
}

func (m *mapping) unpin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.views--
	if m.views == 0 && m.closing {
		m.region.Release()
	}
}

func (m *mapping) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return
	}
	m.closing = true
	if m.views == 0 {
		m.region.Release()
	}
}

// pinned counts the Views still holding the mapping.
func (m *mapping) pinned() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.views
}

// Allocator writes payloads into its own arena and resolves Descriptors
// from any arena. Write is safe for concurrent use; allocation is
// serialized by a spin lock held only while carving a block.
type Allocator struct {
	cfg   Config
	owner uint64

	lock    spinLock
	own     *mapping
	mem     []byte
	head    int
	tail    int
	used    int
	wrapped bool
	blocks  *queue.Queue
	closed  bool

	remotes cmap.ConcurrentMap[string, *mapping]

	allocs  metric.Int64Counter
	bytes   metric.Int64Counter
	forced  metric.Int64Counter
	failure metric.Int64Counter
}

// NewAllocator returns an allocator with a fresh owner id. Its arena is
// created on the first Write.
func NewAllocator(cfg Config) (*Allocator, error) {
	if cfg.ArenaSize <= arenaHeaderSize+blockHeaderSize {
		return nil, fmt.Errorf("fragment: arena size %d too small", cfg.ArenaSize)
	}
	if cfg.ReclaimTimeout <= 0 {
		return nil, fmt.Errorf("fragment: reclaim timeout must be positive")
	}
	meter := cfg.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("shmq/fragment")
	}
	a := &Allocator{
		cfg:     cfg,
		owner:   uint64(os.Getpid())<<32 | uint64(instanceSeq.Add(1)),
		blocks:  queue.New(64),
		remotes: cmap.New[*mapping](),
	}
	var err error
	if a.allocs, err = meter.Int64Counter("shmq.fragment.allocations",
		metric.WithDescription("Blocks allocated in the writer arena.")); err != nil {
		return nil, err
	}
	if a.bytes, err = meter.Int64Counter("shmq.fragment.bytes",
		metric.WithDescription("Payload bytes written to the writer arena."), metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if a.forced, err = meter.Int64Counter("shmq.fragment.forced_reclaims",
		metric.WithDescription("Blocks reclaimed by timeout with readers outstanding.")); err != nil {
		return nil, err
	}
	if a.failure, err = meter.Int64Counter("shmq.fragment.exhausted",
		metric.WithDescription("Allocations refused because the arena was full.")); err != nil {
		return nil, err
	}
	return a, nil
}

// Owner is the id stamped into every Descriptor this allocator writes.
func (a *Allocator) Owner() uint64 { return a.owner }

// Write copies data into a new block that expects readers releases and
// returns its Descriptor.
func (a *Allocator) Write(data []byte, readers int) (Descriptor, error) {
	if len(data) == 0 || readers <= 0 {
		return Descriptor{}, fmt.Errorf("%w: %d bytes for %d readers", ErrInvalidDescriptor, len(data), readers)
	}
	size := internalshm.Align(len(data)+blockHeaderSize, blockAlign)

	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		return Descriptor{}, ErrClosed
	}
	if err := a.ensureArena(); err != nil {
		a.lock.Unlock()
		return Descriptor{}, err
	}
	a.sweep(time.Now())
	off, ok := a.carve(size)
	if !ok {
		used := a.used
		a.lock.Unlock()
		a.failure.Add(context.Background(), 1)
		return Descriptor{}, fmt.Errorf("%w: need %d bytes, %d of %d in use",
			ErrArenaExhausted, size, used, len(a.mem)-arenaHeaderSize)
	}
	atomic.StoreInt32(internalshm.Int32At(a.mem, off), int32(readers))
	atomic.StoreUint64(internalshm.Uint64At(a.mem, off+8), uint64(len(data)))
	_ = a.blocks.Put(&block{off: off, size: size, born: time.Now()})
	mem := a.mem
	a.lock.Unlock()

	copy(mem[off+blockHeaderSize:], data)
	a.allocs.Add(context.Background(), 1)
	a.bytes.Add(context.Background(), int64(len(data)))
	return Descriptor{Owner: a.owner, Offset: uint64(off), Length: uint64(len(data))}, nil
}

// Discard gives up a block this allocator wrote and nobody will read, so
// the next sweep reclaims it.
func (a *Allocator) Discard(d Descriptor) {
	a.SetReaders(d, 0)
}

// SetReaders replaces the number of releases a block written by this
// allocator waits for. Call it before the Descriptor is published.
func (a *Allocator) SetReaders(d Descriptor, readers int) {
	if d.Owner != a.owner || !d.Valid() || readers < 0 {
		return
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.mem == nil || int(d.Offset)+blockHeaderSize > len(a.mem) {
		return
	}
	atomic.StoreInt32(internalshm.Int32At(a.mem, int(d.Offset)), int32(readers))
}

func (a *Allocator) ensureArena() error {
	if a.mem != nil {
		return nil
	}
	name := ArenaName(a.owner)
	region, err := shm.Acquire(name, a.cfg.ArenaSize, shm.CreateExclusive)
	if err != nil {
		return fmt.Errorf("fragment arena: %w", err)
	}
	mem, err := region.Get()
	if err != nil {
		region.Release()
		return fmt.Errorf("fragment arena: %w", err)
	}
	atomic.StoreUint64(internalshm.Uint64At(mem, 8), a.owner)
	atomic.StoreUint32(internalshm.Uint32At(mem, 0), arenaMagic)
	a.own = &mapping{region: region, mem: mem}
	a.mem = mem
	a.head, a.tail = arenaHeaderSize, arenaHeaderSize
	fragLogger.Infof("arena %s created, %d bytes", name, len(mem))
	return nil
}

// carve bump allocates size bytes in the circular arena.
func (a *Allocator) carve(size int) (int, bool) {
	start, end := arenaHeaderSize, len(a.mem)
	if a.used == 0 {
		a.head, a.tail, a.wrapped = start, start, false
	}
	if !a.wrapped {
		if a.head+size <= end {
			off := a.head
			a.head += size
			a.used += size
			return off, true
		}
		if start+size > a.tail {
			return 0, false
		}
		if a.head < end {
			_ = a.blocks.Put(&block{off: a.head, size: end - a.head, pad: true})
			a.used += end - a.head
		}
		a.head, a.wrapped = start, true
	}
	if a.head+size > a.tail {
		return 0, false
	}
	off := a.head
	a.head += size
	a.used += size
	return off, true
}

// sweep reclaims the oldest blocks while they are released or expired.
func (a *Allocator) sweep(now time.Time) {
	if a.blocks.Empty() {
		return
	}
	var forced int64
	items, err := a.blocks.TakeUntil(func(item interface{}) bool {
		b := item.(*block)
		if b.pad || atomic.LoadInt32(internalshm.Int32At(a.mem, b.off)) <= 0 {
			return true
		}
		if now.Sub(b.born) >= a.cfg.ReclaimTimeout {
			forced++
			return true
		}
		return false
	})
	if err != nil {
		return
	}
	for _, item := range items {
		b := item.(*block)
		a.used -= b.size
		a.tail = b.off + b.size
		if a.tail >= len(a.mem) {
			a.tail, a.wrapped = arenaHeaderSize, false
		}
	}
	if a.used == 0 {
		a.head, a.tail, a.wrapped = arenaHeaderSize, arenaHeaderSize, false
	}
	if forced > 0 {
		a.forced.Add(context.Background(), forced)
		fragLogger.Warnf("arena %s: force reclaimed %d blocks still held by readers", ArenaName(a.owner), forced)
	}
}

// Sweep runs a reclamation pass outside of Write.
func (a *Allocator) Sweep() {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.mem != nil && !a.closed {
		a.sweep(time.Now())
	}
}

// InUse returns the bytes held by live blocks, padding included.
func (a *Allocator) InUse() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.used
}

// View is a zero-copy window onto a fragment. Release must be called
// exactly once when the bytes are no longer needed.
type View struct {
	Bytes   []byte
	release func()
}

func (v View) Release() {
	if v.release != nil {
		v.release()
	}
}

// Read resolves d against its owner's arena, mapping it on first use. The
// View keeps the arena mapped until it is released, even across Close.
func (a *Allocator) Read(d Descriptor) (View, error) {
	if !d.Valid() {
		return View{}, ErrInvalidDescriptor
	}
	m, err := a.arena(d.Owner)
	if err != nil {
		return View{}, err
	}
	if !m.pin() {
		return View{}, ErrClosed
	}
	mem := m.mem
	off := int(d.Offset)
	end := off + blockHeaderSize + int(d.Length)
	if d.Offset > uint64(len(mem)) || off < arenaHeaderSize || off%blockAlign != 0 || end > len(mem) || end < off {
		m.unpin()
		return View{}, fmt.Errorf("%w: %s outside arena of %d bytes", ErrInvalidDescriptor, d, len(mem))
	}
	refs := internalshm.Int32At(mem, off)
	if atomic.LoadUint64(internalshm.Uint64At(mem, off+8)) != d.Length || atomic.LoadInt32(refs) <= 0 {
		m.unpin()
		return View{}, fmt.Errorf("%w: %s", ErrStaleFragment, d)
	}
	var once sync.Once
	return View{
		Bytes: mem[off+blockHeaderSize : end : end],
		release: func() {
			once.Do(func() {
				atomic.AddInt32(refs, -1)
				m.unpin()
			})
		},
	}, nil
}

func (a *Allocator) arena(owner uint64) (*mapping, error) {
	a.lock.Lock()
	closed, own := a.closed, a.own
	a.lock.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if owner == a.owner {
		if own == nil {
			return nil, fmt.Errorf("%w: own arena not created", ErrInvalidDescriptor)
		}
		return own, nil
	}
	name := ArenaName(owner)
	if m, ok := a.remotes.Get(name); ok {
		return m, nil
	}
	region, err := shm.Acquire(name, 0, shm.OpenExisting)
	if err != nil {
		return nil, fmt.Errorf("fragment arena %016x: %w", owner, err)
	}
	mem, err := region.Get()
	if err != nil {
		region.Release()
		return nil, fmt.Errorf("fragment arena %016x: %w", owner, err)
	}
	if len(mem) < arenaHeaderSize || atomic.LoadUint32(internalshm.Uint32At(mem, 0)) != arenaMagic ||
		atomic.LoadUint64(internalshm.Uint64At(mem, 8)) != owner {
		region.Release()
		return nil, fmt.Errorf("%w: %s is not the arena of %016x", ErrInvalidDescriptor, name, owner)
	}
	m := &mapping{region: region, mem: mem}
	if !a.remotes.SetIfAbsent(name, m) {
		region.Release()
		cached, ok := a.remotes.Get(name)
		if !ok {
			return nil, fmt.Errorf("fragment arena %016x: %w", owner, ErrClosed)
		}
		m = cached
	}
	a.lock.Lock()
	closed = a.closed
	a.lock.Unlock()
	if closed {
		// Close ran while this mapping was being added.
		a.remotes.Remove(name)
		m.close()
		return nil, ErrClosed
	}
	return m, nil
}

// MappedArenas counts the foreign arenas currently cached.
func (a *Allocator) MappedArenas() int {
	return a.remotes.Count()
}

// PinnedViews counts unreleased Views over every arena this allocator
// mapped, its own included.
func (a *Allocator) PinnedViews() int {
	a.lock.Lock()
	own := a.own
	a.lock.Unlock()
	n := 0
	if own != nil {
		n += own.pinned()
	}
	for item := range a.remotes.IterBuffered() {
		n += item.Val.pinned()
	}
	return n
}

// Close drops every arena mapping. Arenas still pinned by Views stay
// mapped until those are released. The own arena is removed once no
// reader holds it mapped.
func (a *Allocator) Close() error {
	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		return nil
	}
	a.closed = true
	a.blocks.Dispose()
	own := a.own
	a.own, a.mem = nil, nil
	a.lock.Unlock()

	if own != nil {
		own.close()
	}
	for item := range a.remotes.IterBuffered() {
		item.Val.close()
		a.remotes.Remove(item.Key)
	}
	return nil
}

type spinLock struct {
	v atomic.Int32
}

func (l *spinLock) Lock() {
	for !l.v.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func (l *spinLock) Unlock() {
	l.v.Store(0)
}
