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

// Package ring implements the fixed 256-slot ring buffer that lives in a
// shared region, its four producer/consumer policies, and the connection
// table that tracks who is attached.
//
// Indices are free running uint32 counters; a slot is the low byte of its
// index. Each slot carries two metadata words next to its payload:
//
//	cnt    epoch<<32 | reader bits still to read the slot (broadcast)
//	commit ^idx once the slot holds message idx,
//	       idx when the slot is free for a writer claiming idx, and while
//	       that writer fills it
package ring

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/srediag/shmq/internal/logging"
	internalshm "github.com/srediag/shmq/internal/shm"
)

const (
	// Capacity is the number of slots.
	Capacity = 256
	// MaxInFlight bounds unread messages of unicast rings.
	MaxInFlight = Capacity - 1

	ringMagic   = 0x53484d51
	ringVersion = 1

	offMagic    = 0
	offVersion  = 4
	offElemSize = 8
	offTopology = 12
	offInit     = 16
	offWrite    = 64
	offRead     = 128
	offClaim    = 192
	headerSize  = 256

	slotMeta      = 16
	slotOffCnt    = 0
	slotOffCommit = 8

	initNone  = 0
	initBusy  = 1
	initReady = 2

	committedMask = uint64(0xFFFFFFFF) << 32
)

var (
	ErrFull     = errors.New("ring is full")
	ErrNoReader = errors.New("ring has no reader")
	ErrLayout   = errors.New("ring layout mismatch")
)

var ringLogger = logging.New("ring")

// Size returns the shared bytes needed by a ring of elemSize-byte elements.
func Size(elemSize int) int {
	return headerSize + Capacity*stride(elemSize)
}

func stride(elemSize int) int {
	return slotMeta + internalshm.Align(elemSize, 8)
}

// Ring is a process-local view of a ring in shared memory.
type Ring struct {
	mem      []byte
	elemSize int
	stride   int
	topo     Topology
	conns    *ConnTable
	policy   policy

	w, r, ct *uint32
}

// New binds a ring to mem. The first process to arrive initializes the
// header and slots; later ones check that the layout matches theirs.
func New(mem []byte, elemSize int, topo Topology, conns *ConnTable) (*Ring, error) {
	if elemSize <= 0 {
		return nil, fmt.Errorf("%w: element size %d", ErrLayout, elemSize)
	}
	if len(mem) < Size(elemSize) {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrLayout, Size(elemSize), len(mem))
	}
	if conns == nil || conns.Topology() != topo {
		return nil, fmt.Errorf("%w: connection table does not match %s", ErrLayout, topo)
	}
	r := &Ring{
		mem:      mem,
		elemSize: elemSize,
		stride:   stride(elemSize),
		topo:     topo,
		conns:    conns,
		w:        internalshm.Uint32At(mem, offWrite),
		r:        internalshm.Uint32At(mem, offRead),
		ct:       internalshm.Uint32At(mem, offClaim),
	}
	switch topo {
	case SPSC:
		r.policy = spsc{}
	case MPSC:
		r.policy = mpsc{}
	case SPMC:
		r.policy = spmc{}
	case MPMC:
		r.policy = mpmc{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrLayout, topo)
	}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Ring) init() error {
	state := internalshm.Uint32At(r.mem, offInit)
	if atomic.CompareAndSwapUint32(state, initNone, initBusy) {
		atomic.StoreUint32(internalshm.Uint32At(r.mem, offMagic), ringMagic)
		atomic.StoreUint32(internalshm.Uint32At(r.mem, offVersion), ringVersion)
		atomic.StoreUint32(internalshm.Uint32At(r.mem, offElemSize), uint32(r.elemSize))
		atomic.StoreUint32(internalshm.Uint32At(r.mem, offTopology), uint32(r.topo))
		for i := uint32(0); i < Capacity; i++ {
			atomic.StoreUint64(r.cnt(i), 0)
			atomic.StoreUint64(r.commit(i), uint64(i))
		}
		atomic.StoreUint32(state, initReady)
		return nil
	}
	deadline := time.Now().Add(time.Second)
	for atomic.LoadUint32(state) != initReady {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: ring initialization did not complete", ErrLayout)
		}
		time.Sleep(time.Millisecond)
	}
	magic := atomic.LoadUint32(internalshm.Uint32At(r.mem, offMagic))
	version := atomic.LoadUint32(internalshm.Uint32At(r.mem, offVersion))
	elem := atomic.LoadUint32(internalshm.Uint32At(r.mem, offElemSize))
	topo := Topology(atomic.LoadUint32(internalshm.Uint32At(r.mem, offTopology)))
	if magic != ringMagic || version != ringVersion || int(elem) != r.elemSize || topo != r.topo {
		return fmt.Errorf("%w: found magic %#x version %d element %d %s, want element %d %s",
			ErrLayout, magic, version, elem, topo, r.elemSize, r.topo)
	}
	return nil
}

// FillFunc writes one message into slot. readers is the number of
// consumers that will read it: 1 for unicast rings, the size of the
// stamped reader set for broadcast ones.
type FillFunc func(slot []byte, readers int)

// Push fills the next free slot and publishes it. It never blocks: a full
// ring reports ErrFull, a broadcast ring without consumers ErrNoReader.
func (r *Ring) Push(fill FillFunc) error {
	return r.policy.push(r, fill)
}

// Pop copies the next message for rd into dst, which must hold ElemSize
// bytes. last reports whether rd was the final reader of that slot.
func (r *Ring) Pop(rd *Reader, dst []byte) (ok, last bool) {
	if len(dst) < r.elemSize {
		panic(fmt.Sprintf("ring: pop buffer of %d bytes, need %d", len(dst), r.elemSize))
	}
	return r.policy.pop(r, rd, dst[:r.elemSize])
}

// Empty reports whether rd has nothing to read.
func (r *Ring) Empty(rd *Reader) bool {
	return r.policy.empty(r, rd)
}

// Reader is a consumer's position in the ring.
type Reader struct {
	// Cursor is the index of the next message to read.
	Cursor uint32
	bit    uint32
}

// NewReader positions a consumer holding table slot id at the current end
// of the ring: it sees messages published from now on.
func (r *Ring) NewReader(id uint32) *Reader {
	return &Reader{Cursor: r.policy.cursor(r), bit: ReaderBit(id)}
}

// Leave withdraws rd from every slot it is still registered in. Call it
// after the consumer's table slot is cleared.
func (r *Ring) Leave(rd *Reader) {
	if !r.topo.Broadcast() || rd.bit == 0 {
		return
	}
	for s := uint32(0); s < Capacity; s++ {
		c := atomic.LoadUint64(r.commit(s))
		if c&committedMask == committedMask {
			r.release(uint32(^c), rd.bit)
		}
	}
}

func (r *Ring) ElemSize() int { return r.elemSize }

func (r *Ring) Topology() Topology { return r.topo }

func (r *Ring) Conns() *ConnTable { return r.conns }

// Stats is a snapshot of the ring indices.
type Stats struct {
	Topology    Topology
	Write       uint32
	Read        uint32
	Claim       uint32
	Epoch       uint32
	Connections int
	Consumers   int
}

func (r *Ring) Stats() Stats {
	return Stats{
		Topology:    r.topo,
		Write:       atomic.LoadUint32(r.w),
		Read:        atomic.LoadUint32(r.r),
		Claim:       atomic.LoadUint32(r.ct),
		Epoch:       r.conns.Epoch(),
		Connections: r.conns.Connections(),
		Consumers:   r.conns.ConsumerCount(),
	}
}

func (r *Ring) slot(i uint32) int {
	return headerSize + int(uint8(i))*r.stride
}

func (r *Ring) data(i uint32) []byte {
	off := r.slot(i) + slotMeta
	return r.mem[off : off+r.elemSize : off+r.elemSize]
}

func (r *Ring) cnt(i uint32) *uint64 {
	return internalshm.Uint64At(r.mem, r.slot(i)+slotOffCnt)
}

func (r *Ring) commit(i uint32) *uint64 {
	return internalshm.Uint64At(r.mem, r.slot(i)+slotOffCommit)
}

// release clears bit from the readers of message idx. The reader clearing
// the last bit hands the slot to the writer of idx+Capacity.
func (r *Ring) release(idx, bit uint32) bool {
	cnt := r.cnt(idx)
	var spin spinner
	for {
		v := atomic.LoadUint64(cnt)
		if uint32(v)&bit == 0 {
			return false
		}
		nv := v &^ uint64(bit)
		if atomic.CompareAndSwapUint64(cnt, v, nv) {
			if uint32(nv) != 0 {
				return false
			}
			atomic.CompareAndSwapUint64(r.commit(idx), ^uint64(idx), uint64(idx+Capacity))
			return true
		}
		spin.wait()
	}
}

// spinner yields the processor with growing patience between CAS retries.
// Every CAS loop in this package is lock free: a failed CAS means another
// party's CAS succeeded, and each party clears or claims at most one bit or
// index per attempt, so retries are bounded by the contention at the
// word.
type spinner int

func (s *spinner) wait() {
	*s++
	switch {
	case *s < 8:
	case *s < 64:
		runtime.Gosched()
	default:
		time.Sleep(time.Microsecond)
	}
}
