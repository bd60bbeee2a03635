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
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	internalshm "github.com/srediag/shmq/internal/shm"
)

// MutexSize is the number of shared bytes a Mutex occupies.
const MutexSize = 8

// ownerPoll bounds each futex sleep of a contended Lock so a holder that
// died with the lock taken is noticed.
const ownerPoll = 10 * time.Millisecond

const (
	unlocked uint32 = iota
	locked
	contended
)

var selfPid = uint32(os.Getpid())

// Mutex is a process-shared futex mutex. The first word is the lock state
// (unlocked, locked, locked with waiters); the second is the holder's pid,
// used to recover a lock whose holder exited without unlocking.
type Mutex struct {
	state *uint32
	owner *uint32
}

// NewMutex binds a Mutex to the first MutexSize bytes of mem. Zeroed memory
// is an unlocked mutex.
func NewMutex(mem []byte) (*Mutex, error) {
	if len(mem) < MutexSize {
		return nil, fmt.Errorf("%w: mutex needs %d bytes, got %d", ErrInvalidWaiter, MutexSize, len(mem))
	}
	return &Mutex{
		state: internalshm.Uint32At(mem, 0),
		owner: internalshm.Uint32At(mem, 4),
	}, nil
}

func (m *Mutex) Lock() {
	if atomic.CompareAndSwapUint32(m.state, unlocked, locked) {
		atomic.StoreUint32(m.owner, selfPid)
		return
	}
	for spin := 0; spin < 4; spin++ {
		runtime.Gosched()
		if atomic.CompareAndSwapUint32(m.state, unlocked, locked) {
			atomic.StoreUint32(m.owner, selfPid)
			return
		}
	}
	for {
		if atomic.SwapUint32(m.state, contended) == unlocked {
			atomic.StoreUint32(m.owner, selfPid)
			return
		}
		err := internalshm.FutexWait(m.state, contended, ownerPoll)
		if internalshm.IsTimeout(err) && m.recover() {
			return
		}
	}
}

// TryLock acquires the mutex only if it is free.
func (m *Mutex) TryLock() bool {
	if atomic.CompareAndSwapUint32(m.state, unlocked, locked) {
		atomic.StoreUint32(m.owner, selfPid)
		return true
	}
	return false
}

func (m *Mutex) Unlock() {
	atomic.StoreUint32(m.owner, 0)
	if atomic.AddUint32(m.state, ^uint32(0)) != unlocked {
		atomic.StoreUint32(m.state, unlocked)
		_, _ = internalshm.FutexWake(m.state, 1)
	}
}

// recover takes over a lock whose recorded holder no longer exists. The
// state is left contended so the eventual Unlock wakes other waiters.
func (m *Mutex) recover() bool {
	pid := atomic.LoadUint32(m.owner)
	if pid == 0 || pid == selfPid || internalshm.ProcessAlive(pid) {
		return false
	}
	if !atomic.CompareAndSwapUint32(m.owner, pid, selfPid) {
		return false
	}
	atomic.StoreUint32(m.state, contended)
	regionLogger.Warnf("mutex holder pid %d is gone, lock recovered by %d", pid, selfPid)
	return true
}
