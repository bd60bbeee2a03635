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
	"math/bits"
	"sync/atomic"
)

// policy is the closed set of push/pop algorithms, one per Topology.
type policy interface {
	push(r *Ring, fill FillFunc) error
	pop(r *Ring, rd *Reader, dst []byte) (ok, last bool)
	empty(r *Ring, rd *Reader) bool
	cursor(r *Ring) uint32
	sealed()
}

// spsc: one writer index, one reader index.
type spsc struct{}

func (spsc) sealed() {}

func (spsc) push(r *Ring, fill FillFunc) error {
	w := atomic.LoadUint32(r.w)
	if w-atomic.LoadUint32(r.r) >= MaxInFlight {
		return ErrFull
	}
	fill(r.data(w), 1)
	atomic.StoreUint32(r.w, w+1)
	return nil
}

func (spsc) pop(r *Ring, rd *Reader, dst []byte) (bool, bool) {
	i := atomic.LoadUint32(r.r)
	if i == atomic.LoadUint32(r.w) {
		return false, false
	}
	copy(dst, r.data(i))
	atomic.StoreUint32(r.r, i+1)
	rd.Cursor = i + 1
	return true, true
}

func (spsc) empty(r *Ring, _ *Reader) bool {
	return atomic.LoadUint32(r.r) == atomic.LoadUint32(r.w)
}

func (spsc) cursor(r *Ring) uint32 { return atomic.LoadUint32(r.r) }

// mpsc: writers claim indices on ct and commit each slot with ^idx; the
// visible write index w ratchets over contiguous committed slots.
type mpsc struct{}

func (mpsc) sealed() {}

func (mpsc) push(r *Ring, fill FillFunc) error {
	var spin spinner
	var cur uint32
	for {
		cur = atomic.LoadUint32(r.ct)
		if cur-atomic.LoadUint32(r.r) >= MaxInFlight {
			return ErrFull
		}
		if atomic.CompareAndSwapUint32(r.ct, cur, cur+1) {
			break
		}
		spin.wait()
	}
	fill(r.data(cur), 1)
	atomic.StoreUint64(r.commit(cur), ^uint64(cur))
	ratchet(r)
	return nil
}

// ratchet advances w past every committed slot. Any party may run it.
func ratchet(r *Ring) {
	for {
		w := atomic.LoadUint32(r.w)
		if atomic.LoadUint64(r.commit(w)) != ^uint64(w) {
			return
		}
		atomic.CompareAndSwapUint32(r.w, w, w+1)
	}
}

func (mpsc) pop(r *Ring, rd *Reader, dst []byte) (bool, bool) {
	i := atomic.LoadUint32(r.r)
	if i == atomic.LoadUint32(r.w) {
		ratchet(r)
		if i == atomic.LoadUint32(r.w) {
			return false, false
		}
	}
	copy(dst, r.data(i))
	atomic.StoreUint32(r.r, i+1)
	rd.Cursor = i + 1
	return true, true
}

func (mpsc) empty(r *Ring, _ *Reader) bool {
	i := atomic.LoadUint32(r.r)
	return i == atomic.LoadUint32(r.w) && atomic.LoadUint64(r.commit(i)) != ^uint64(i)
}

func (mpsc) cursor(r *Ring) uint32 { return atomic.LoadUint32(r.r) }

// spmc: a single writer on w, broadcast slots.
type spmc struct{}

func (spmc) sealed() {}

func (spmc) push(r *Ring, fill FillFunc) error {
	cur := atomic.LoadUint32(r.w)
	if !reusable(r, cur) {
		return ErrFull
	}
	cc := r.conns.ConsumerMask()
	if cc == 0 {
		return ErrNoReader
	}
	atomic.StoreUint32(r.w, cur+1)
	publish(r, cur, cc, fill)
	return nil
}

func (spmc) pop(r *Ring, rd *Reader, dst []byte) (bool, bool) { return broadcastPop(r, rd, dst) }

func (spmc) empty(r *Ring, rd *Reader) bool { return broadcastEmpty(r, rd) }

func (spmc) cursor(r *Ring) uint32 { return atomic.LoadUint32(r.w) }

// mpmc: writers claim on ct, broadcast slots.
type mpmc struct{}

func (mpmc) sealed() {}

func (mpmc) push(r *Ring, fill FillFunc) error {
	var spin spinner
	for {
		cur := atomic.LoadUint32(r.ct)
		if !reusable(r, cur) {
			if atomic.LoadUint32(r.ct) != cur {
				spin.wait()
				continue
			}
			return ErrFull
		}
		cc := r.conns.ConsumerMask()
		if cc == 0 {
			return ErrNoReader
		}
		if !atomic.CompareAndSwapUint32(r.ct, cur, cur+1) {
			spin.wait()
			continue
		}
		publish(r, cur, cc, fill)
		return nil
	}
}

func (mpmc) pop(r *Ring, rd *Reader, dst []byte) (bool, bool) { return broadcastPop(r, rd, dst) }

func (mpmc) empty(r *Ring, rd *Reader) bool { return broadcastEmpty(r, rd) }

func (mpmc) cursor(r *Ring) uint32 { return atomic.LoadUint32(r.ct) }

// reusable reports whether the slot of index cur may take message cur: it
// was handed over by its last reader, or its previous message has no
// connected reader left, or that message was stamped in an older epoch.
func reusable(r *Ring, cur uint32) bool {
	c := atomic.LoadUint64(r.commit(cur))
	if c == uint64(cur) {
		return true
	}
	if c != ^uint64(cur-Capacity) {
		return false
	}
	v := atomic.LoadUint64(r.cnt(cur))
	if uint32(v)&r.conns.ConsumerMask() == 0 {
		return true
	}
	return uint32(v>>32) != r.conns.Epoch()
}

// publish writes and commits message cur for the readers in cc. The commit
// word is invalidated first so a reader copying the slot's previous
// message notices the overwrite, as with a seqlock.
func publish(r *Ring, cur, cc uint32, fill FillFunc) {
	commit := r.commit(cur)
	atomic.StoreUint64(commit, uint64(cur))
	cnt := r.cnt(cur)
	atomic.StoreUint64(cnt, uint64(r.conns.Epoch())<<32|uint64(cc))
	// A consumer that left after cc was sampled may already have swept
	// this slot; drop it here instead.
	if gone := cc &^ r.conns.ConsumerMask(); gone != 0 {
		var spin spinner
		for {
			v := atomic.LoadUint64(cnt)
			if atomic.CompareAndSwapUint64(cnt, v, v&^uint64(gone)) {
				cc = uint32(v &^ uint64(gone))
				break
			}
			spin.wait()
		}
	}
	fill(r.data(cur), bits.OnesCount32(cc))
	atomic.StoreUint64(commit, ^uint64(cur))
}

func broadcastPop(r *Ring, rd *Reader, dst []byte) (bool, bool) {
	for {
		i := rd.Cursor
		c := atomic.LoadUint64(r.commit(i))
		if c == ^uint64(i) {
			readers := uint32(atomic.LoadUint64(r.cnt(i)))
			copy(dst, r.data(i))
			if atomic.LoadUint64(r.commit(i)) != c {
				// overwritten while copying
				continue
			}
			rd.Cursor = i + 1
			if readers&rd.bit == 0 {
				// Stamped before this reader joined: not counted as one
				// of its readers, so it may be recycled under us.
				continue
			}
			return true, r.release(i, rd.bit)
		}
		if c&committedMask != committedMask {
			return false, false
		}
		idx := uint32(^c)
		if int32(idx-i) > 0 {
			ringLogger.Warnf("reader lapped: skipping from %d to %d", i, idx)
			rd.Cursor = idx
			continue
		}
		// The slot still holds an older message this reader was stamped
		// for before it reached it; give it up so writers can move on.
		r.release(idx, rd.bit)
		return false, false
	}
}

func broadcastEmpty(r *Ring, rd *Reader) bool {
	c := atomic.LoadUint64(r.commit(rd.Cursor))
	if c&committedMask != committedMask {
		return true
	}
	return int32(uint32(^c)-rd.Cursor) < 0
}
