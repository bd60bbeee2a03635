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

//go:build linux

package shm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

// OpenObject opens the object called name according to mode. size is the
// expected length in bytes; zero means "discover" and is only valid with
// OpenExisting.
func OpenObject(name string, size int64, mode Mode) (*Object, error) {
	path := Path(name)
	flags := unix.O_RDWR | unix.O_CLOEXEC
	switch mode {
	case CreateExclusive:
		flags |= unix.O_CREAT | unix.O_EXCL
	case CreateOrOpen:
		flags |= unix.O_CREAT
	}
	if mode != OpenExisting {
		if size <= 0 {
			return nil, fmt.Errorf("open %s: invalid size %d", path, size)
		}
		if !CanCreate(uint64(size), path) {
			return nil, fmt.Errorf("err:%w path:%s, size:%d", ErrNoSpace, path, size)
		}
	}

	fd, err := unix.Open(path, flags, 0o600)
	if err != nil {
		switch {
		case errors.Is(err, unix.ENOENT):
			return nil, fmt.Errorf("open %s: %w", path, ErrNotExist)
		case errors.Is(err, unix.EEXIST):
			return nil, fmt.Errorf("open %s: %w", path, ErrExist)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("fstat %s: %w", path, err)
	}
	obj := &Object{Fd: fd, Path: path, Size: st.Size}

	// A zero length object was just created, by us or by a racing peer that
	// has not truncated yet. Truncating twice to the same size is harmless.
	if obj.Size == 0 && mode != OpenExisting {
		if err := unix.Ftruncate(fd, size); err != nil {
			_ = unix.Close(fd)
			if mode == CreateExclusive {
				_ = unix.Unlink(path)
			}
			return nil, fmt.Errorf("ftruncate %s: %w", path, err)
		}
		obj.Size = size
		obj.Created = true
	}
	if size > 0 && obj.Size != size {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%s has %d bytes, want %d: %w", path, obj.Size, size, ErrSizeMismatch)
	}
	return obj, nil
}

// Map maps the whole object shared and read-write, then closes the descriptor.
func (o *Object) Map() ([]byte, error) {
	defer o.Close()
	if o.Size <= 0 {
		return nil, fmt.Errorf("mmap %s: empty object", o.Path)
	}
	mem, err := unix.Mmap(o.Fd, 0, int(o.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", o.Path, err)
	}
	return mem, nil
}

// Close closes the descriptor without touching the mapping.
func (o *Object) Close() {
	if o.Fd >= 0 {
		_ = unix.Close(o.Fd)
		o.Fd = -1
	}
}

// Unmap releases a mapping obtained from Map.
func Unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

// Unlink removes the object from the namespace. Mappings stay valid.
func Unlink(name string) error {
	if err := unix.Unlink(Path(name)); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("unlink %s: %w", Path(name), err)
	}
	return nil
}

// CanCreate reports whether size bytes fit on the filesystem of path.
// Only paths under /dev/shm are checked, others always fit.
func CanCreate(size uint64, path string) bool {
	if !strings.HasPrefix(path, devShm) {
		return true
	}
	stat, err := disk.Usage(devShm)
	if err != nil {
		return true
	}
	return stat.Free >= size
}

// ProcessAlive reports whether pid still names a live process.
func ProcessAlive(pid uint32) bool {
	if pid == 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
