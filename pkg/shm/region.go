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
	"sync"
	"sync/atomic"

	"github.com/srediag/shmq/internal/logging"
	internalshm "github.com/srediag/shmq/internal/shm"
)

// Mode selects how Acquire obtains the backing object.
type Mode = internalshm.Mode

const (
	OpenExisting    = internalshm.OpenExisting
	CreateExclusive = internalshm.CreateExclusive
	CreateOrOpen    = internalshm.CreateOrOpen
)

// refCellSize is the trailing reference count cell, an int64.
const refCellSize = 8

var (
	ErrInvalidRegion = errors.New("invalid shared region")
	ErrSizeMismatch  = internalshm.ErrSizeMismatch
	ErrNotExist      = internalshm.ErrNotExist
	ErrExist         = internalshm.ErrExist
	ErrNotSupported  = internalshm.ErrNotSupported
)

var regionLogger = logging.New("region")

// Region is a named shared memory segment. Every process that maps it
// bumps a reference count stored in the last word of the segment; the last
// one to release it removes the name.
type Region struct {
	name string
	size int64

	mu       sync.Mutex
	obj      *internalshm.Object
	mem      []byte
	released bool
}

// Acquire opens or creates the region called name. sizeHint is the number of
// user bytes; it may be zero with OpenExisting, in which case the size is
// discovered.
func Acquire(name string, sizeHint int, mode Mode) (*Region, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidRegion)
	}
	if sizeHint < 0 || (sizeHint == 0 && mode != OpenExisting) {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidRegion, sizeHint)
	}
	var want int64
	if sizeHint > 0 {
		want = int64(internalshm.Align(sizeHint, refCellSize) + refCellSize)
	}
	obj, err := internalshm.OpenObject(name, want, mode)
	if err != nil {
		return nil, fmt.Errorf("acquire %s (%s): %w", name, mode, err)
	}
	if obj.Size <= refCellSize || obj.Size%refCellSize != 0 {
		obj.Close()
		return nil, fmt.Errorf("%w: %s has size %d", ErrInvalidRegion, name, obj.Size)
	}
	return &Region{name: name, size: obj.Size, obj: obj}, nil
}

// Get maps the region on first use, incrementing the shared reference
// count, and returns the user bytes. Later calls return the same slice.
func (r *Region) Get() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil, fmt.Errorf("%w: %s already released", ErrInvalidRegion, r.name)
	}
	if r.mem != nil {
		return r.mem[:r.size-refCellSize], nil
	}
	mem, err := r.obj.Map()
	r.obj = nil
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegion, err)
	}
	r.mem = mem
	atomic.AddInt64(r.refCell(), 1)
	return r.mem[:r.size-refCellSize], nil
}

// Release drops this process' reference. The last holder also unlinks the
// name. It returns the reference count observed before the decrement, or 0
// if the region was never mapped.
func (r *Region) Release() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return 0
	}
	r.released = true
	if r.obj != nil {
		r.obj.Close()
		r.obj = nil
	}
	if r.mem == nil {
		return 0
	}
	prev := atomic.AddInt64(r.refCell(), -1) + 1
	if err := internalshm.Unmap(r.mem); err != nil {
		regionLogger.Warnf("region %s: %v", r.name, err)
	}
	r.mem = nil
	if prev <= 1 {
		if err := internalshm.Unlink(r.name); err != nil {
			regionLogger.Warnf("region %s: %v", r.name, err)
		} else {
			regionLogger.Infof("region %s removed", r.name)
		}
	}
	return prev
}

// Ref returns the shared reference count, or 0 when not mapped.
func (r *Region) Ref() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return 0
	}
	return atomic.LoadInt64(r.refCell())
}

// Valid reports whether the region is mapped and not released.
func (r *Region) Valid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mem != nil && !r.released
}

func (r *Region) Name() string { return r.name }

// Size is the user size, excluding the reference cell.
func (r *Region) Size() int { return int(r.size - refCellSize) }

func (r *Region) refCell() *int64 {
	return internalshm.Int64At(r.mem, int(r.size-refCellSize))
}

// Exists reports whether a region called name is present.
func Exists(name string) bool {
	return internalshm.Exists(name)
}

// Remove forcibly unlinks name regardless of its reference count.
func Remove(name string) error {
	return internalshm.Unlink(name)
}
