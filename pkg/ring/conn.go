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

package ring

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	internalshm "github.com/srediag/shmq/internal/shm"
	"github.com/srediag/shmq/pkg/shm"
)

const (
	// MaxConnections is the width of the connection table. The low half
	// holds producer slots, the high half consumer slots.
	MaxConnections = 64
	MaxProducers   = MaxConnections / 2
	MaxConsumers   = MaxConnections / 2

	// ConnTableSize is the shared footprint of a ConnTable.
	ConnTableSize = 64

	// DisconnectAll clears every slot of the table.
	DisconnectAll = ^uint32(0)

	// soleConsumer is the reserved trailing slot used by single consumer
	// topologies.
	soleConsumer = MaxConnections
	soleProducer = 1
)

const (
	connOffLock   = 0
	connOffBits   = 8
	connOffSender = 16
	connOffEpoch  = 20
)

// ConnTable tracks which peers are attached to a ring. Slot ids are 1-based;
// 0 means "no slot". Mutations are serialized by a process-shared mutex,
// reads are lock free.
type ConnTable struct {
	topo   Topology
	mu     *shm.Mutex
	bits   *uint64
	sender *uint32
	epoch  *uint32
}

// NewConnTable binds a table to the first ConnTableSize bytes of mem.
func NewConnTable(mem []byte, topo Topology) (*ConnTable, error) {
	if !topo.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrLayout, topo)
	}
	if len(mem) < ConnTableSize {
		return nil, fmt.Errorf("%w: connection table needs %d bytes, got %d", ErrLayout, ConnTableSize, len(mem))
	}
	mu, err := shm.NewMutex(mem[connOffLock:])
	if err != nil {
		return nil, err
	}
	return &ConnTable{
		topo:   topo,
		mu:     mu,
		bits:   internalshm.Uint64At(mem, connOffBits),
		sender: internalshm.Uint32At(mem, connOffSender),
		epoch:  internalshm.Uint32At(mem, connOffEpoch),
	}, nil
}

// Connect claims a slot for role and returns its id, or 0 when full.
func (t *ConnTable) Connect(role Role) uint32 {
	return t.ConnectWith(role, nil)
}

// ConnectWith is Connect that also runs after with the claimed id while
// the table is still locked. after is not called when the table is full.
func (t *ConnTable) ConnectWith(role Role, after func(id uint32)) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var id uint32
	switch {
	case role == Producer && !t.topo.MultiProducer():
		// Every sole producer handle gets the same id; the word counts
		// handles so the flag stays up until the last one leaves.
		atomic.AddUint32(t.sender, 1)
		id = soleProducer
	case role == Producer:
		id = t.claim(0, MaxProducers)
	case role == Consumer && t.topo.Unicast():
		id = t.claim(soleConsumer-1, soleConsumer)
	case role == Consumer:
		id = t.claim(MaxProducers, MaxConnections)
	}
	if id != 0 && after != nil {
		after(id)
	}
	return id
}

func (t *ConnTable) claim(from, to int) uint32 {
	cur := atomic.LoadUint64(t.bits)
	for b := from; b < to; b++ {
		if cur&(1<<b) == 0 {
			atomic.StoreUint64(t.bits, cur|1<<b)
			return uint32(b + 1)
		}
	}
	return 0
}

// Disconnect releases slot id. DisconnectAll clears the whole table and
// starts a new epoch, which invalidates every outstanding reader stamp.
func (t *ConnTable) Disconnect(id uint32) {
	t.DisconnectWith(id, nil)
}

// DisconnectWith releases slot id and runs after while the table is still
// locked, so the slot cannot be handed out before after returns.
func (t *ConnTable) DisconnectWith(id uint32, after func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case id == DisconnectAll:
		atomic.StoreUint64(t.bits, 0)
		atomic.StoreUint32(t.sender, 0)
		atomic.AddUint32(t.epoch, 1)
	case id == soleProducer && !t.topo.MultiProducer():
		if n := atomic.LoadUint32(t.sender); n > 0 {
			atomic.StoreUint32(t.sender, n-1)
		}
	case id >= 1 && id <= MaxConnections:
		atomic.StoreUint64(t.bits, atomic.LoadUint64(t.bits)&^(1<<(id-1)))
	}
	if after != nil {
		after()
	}
}

// Connections counts every connected peer.
func (t *ConnTable) Connections() int {
	n := bits.OnesCount64(atomic.LoadUint64(t.bits))
	if atomic.LoadUint32(t.sender) != 0 {
		n++
	}
	return n
}

// ConsumerCount counts connected consumers.
func (t *ConnTable) ConsumerCount() int {
	return bits.OnesCount32(t.ConsumerMask())
}

// ConsumerMask is the reader bit set of connected consumers.
func (t *ConnTable) ConsumerMask() uint32 {
	return uint32(atomic.LoadUint64(t.bits) >> MaxProducers)
}

// ProducerConnected reports whether any producer is attached.
func (t *ConnTable) ProducerConnected() bool {
	return atomic.LoadUint32(t.sender) != 0 || uint32(atomic.LoadUint64(t.bits)) != 0
}

// Bits returns the raw slot bitmap.
func (t *ConnTable) Bits() uint64 {
	return atomic.LoadUint64(t.bits)
}

func (t *ConnTable) Epoch() uint32 {
	return atomic.LoadUint32(t.epoch)
}

func (t *ConnTable) Topology() Topology {
	return t.topo
}

// ReaderBit maps a consumer slot id to its bit in broadcast reader masks.
func ReaderBit(id uint32) uint32 {
	if id <= MaxProducers || id > MaxConnections {
		return 0
	}
	return 1 << (id - MaxProducers - 1)
}
