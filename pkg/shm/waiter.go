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

package shm

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	internalshm "github.com/srediag/shmq/internal/shm"
)

// WaiterSize is the number of shared bytes a Waiter occupies.
const WaiterSize = 16

// Forever disables the timeout of WaitFor.
const Forever time.Duration = -1

var ErrInvalidWaiter = errors.New("invalid waiter")

// Waiter is a process-shared mutex and condition pair. The shared part is
// the mutex and a wake sequence; the quit flag belongs to this handle only,
// so quitting one process' handle never disturbs other processes.
//
// A Waiter built from unusable memory is invalid: every method returns false.
type Waiter struct {
	mu   *Mutex
	seq  *uint32
	quit atomic.Bool
}

// NewWaiter binds a Waiter to the first WaiterSize bytes of mem.
func NewWaiter(mem []byte) (*Waiter, error) {
	if len(mem) < WaiterSize {
		return &Waiter{}, fmt.Errorf("%w: needs %d bytes, got %d", ErrInvalidWaiter, WaiterSize, len(mem))
	}
	mu, err := NewMutex(mem)
	if err != nil {
		return &Waiter{}, err
	}
	return &Waiter{mu: mu, seq: internalshm.Uint32At(mem, MutexSize)}, nil
}

// Valid reports whether the waiter is bound to shared memory.
func (w *Waiter) Valid() bool {
	return w != nil && w.mu != nil
}

// WaitFor blocks while pred returns true, until notified and pred turns
// false, the timeout elapses or Quit is called. pred runs with the shared
// mutex held. It returns true only when pred returned false.
func (w *Waiter) WaitFor(pred func() bool, timeout time.Duration) bool {
	if !w.Valid() {
		return false
	}
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	w.mu.Lock()
	for !w.quit.Load() && pred() {
		seq := atomic.LoadUint32(w.seq)
		w.mu.Unlock()

		wait := Forever
		if timeout >= 0 {
			wait = time.Until(deadline)
			if wait <= 0 {
				return false
			}
		}
		if err := internalshm.FutexWait(w.seq, seq, wait); err != nil && !internalshm.IsTimeout(err) {
			regionLogger.Warnf("waiter: %v", err)
			return false
		}
		w.mu.Lock()
	}
	quit := w.quit.Load()
	w.mu.Unlock()
	return !quit
}

// Notify wakes one waiter.
func (w *Waiter) Notify() bool {
	return w.signal(1)
}

// Broadcast wakes every waiter, in every process.
func (w *Waiter) Broadcast() bool {
	return w.signal(0)
}

// Quit permanently releases this handle: current and future WaitFor calls
// return false at once. It cannot be undone.
func (w *Waiter) Quit() bool {
	if !w.Valid() {
		return false
	}
	w.quit.Store(true)
	return w.Broadcast()
}

// Quitted reports whether Quit was called.
func (w *Waiter) Quitted() bool {
	return w.quit.Load()
}

func (w *Waiter) signal(n int) bool {
	if !w.Valid() {
		return false
	}
	w.mu.Lock()
	atomic.AddUint32(w.seq, 1)
	w.mu.Unlock()
	if _, err := internalshm.FutexWake(w.seq, n); err != nil {
		regionLogger.Warnf("waiter: %v", err)
		return false
	}
	return true
}
