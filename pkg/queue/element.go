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
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/srediag/shmq/pkg/fragment"
	"github.com/srediag/shmq/pkg/ring"
)

// Ring elements: kind | 3 pad | length uint32 | body. The body is the
// payload itself or an encoded fragment.Descriptor.
const (
	elemHeaderSize = 8
	elemAlign      = 8

	kindInline   byte = 1
	kindFragment byte = 2

	objectPrefix = "shmq__QU_CONN__"
)

// Region layout: connection table, waiter, ring, each on its own cache line.
const (
	connOffset   = 0
	waiterOffset = 64
	ringOffset   = 128
)

func elemSize(inline int) int {
	return elemHeaderSize + inline
}

func regionSize(elem int) int {
	return ringOffset + ring.Size(elem)
}

// ObjectName is the shared object backing channel for the given inline
// size. The element geometry is part of the name so differently shaped
// queues never attach to each other.
func ObjectName(channel string, inlineSize int) string {
	return fmt.Sprintf("%s%d__%d__%s", objectPrefix, elemSize(inlineSize), elemAlign, channel)
}

func validChannel(channel string) error {
	if channel == "" || strings.ContainsAny(channel, "/\x00") {
		return fmt.Errorf("invalid channel name %q", channel)
	}
	return nil
}

func encodeInline(slot, p []byte) {
	slot[0] = kindInline
	binary.LittleEndian.PutUint32(slot[4:], uint32(len(p)))
	copy(slot[elemHeaderSize:], p)
}

func encodeFragment(slot []byte, d fragment.Descriptor) {
	slot[0] = kindFragment
	binary.LittleEndian.PutUint32(slot[4:], fragment.DescriptorSize)
	d.Encode(slot[elemHeaderSize:])
}

// Message is one received payload. Data stays valid until Release, which
// must be called once the payload is no longer needed. A fragment keeps
// its arena mapped until then, even if the queue is disconnected first.
type Message struct {
	Data    []byte
	release func()
}

func (m Message) Release() {
	if m.release != nil {
		m.release()
	}
}

// Stats is a diagnostic snapshot of a queue.
type Stats struct {
	Object       string
	Role         ring.Role
	Slot         uint32
	Cursor       uint32
	Ring         ring.Stats
	ArenaInUse   int
	MappedArenas int
	RegionRefs   int64
}
