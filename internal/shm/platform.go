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

// Package shm contains the platform helpers behind shared memory regions:
// named objects, mappings, futex waits and atomics over mapped bytes.
package shm

import (
	"errors"
	"os"
	"path/filepath"
)

// Mode selects how a named object is obtained.
type Mode int

const (
	// OpenExisting fails if the object does not exist.
	OpenExisting Mode = iota
	// CreateExclusive fails if the object already exists.
	CreateExclusive
	// CreateOrOpen creates the object or attaches to an existing one.
	CreateOrOpen
)

func (m Mode) String() string {
	switch m {
	case OpenExisting:
		return "open"
	case CreateExclusive:
		return "create"
	case CreateOrOpen:
		return "create-or-open"
	}
	return "unknown"
}

var (
	ErrNotSupported = errors.New("shared memory is not supported on this platform")
	ErrNotExist     = errors.New("shared memory object does not exist")
	ErrExist        = errors.New("shared memory object already exists")
	ErrNoSpace      = errors.New("share memory had not left space")
	ErrSizeMismatch = errors.New("shared memory object has unexpected size")
	ErrFutexTimeout = errors.New("futex wait timed out")
)

const devShm = "/dev/shm"

// Object is an open, not yet mapped, named shared memory object.
type Object struct {
	Fd   int
	Path string
	Size int64
	// Created reports whether this call sized the object.
	Created bool
}

// Dir returns the directory backing named objects.
func Dir() string {
	if fi, err := os.Stat(devShm); err == nil && fi.IsDir() {
		return devShm
	}
	return os.TempDir()
}

// Path returns the backing file path of name.
func Path(name string) string {
	return filepath.Join(Dir(), name)
}

// Exists reports whether the object called name is present.
func Exists(name string) bool {
	_, err := os.Stat(Path(name))
	return err == nil
}
