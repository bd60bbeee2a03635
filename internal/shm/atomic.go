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
	"unsafe"
)

// Word accessors over mapped memory. Every offset must be naturally aligned
// for the word size; mappings are page aligned so that reduces to the offset.

// Uint32At returns a pointer to the uint32 at off in mem.
func Uint32At(mem []byte, off int) *uint32 {
	checkWord(mem, off, 4)
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// Int32At returns a pointer to the int32 at off in mem.
func Int32At(mem []byte, off int) *int32 {
	checkWord(mem, off, 4)
	return (*int32)(unsafe.Pointer(&mem[off]))
}

// Uint64At returns a pointer to the uint64 at off in mem.
func Uint64At(mem []byte, off int) *uint64 {
	checkWord(mem, off, 8)
	return (*uint64)(unsafe.Pointer(&mem[off]))
}

// Int64At returns a pointer to the int64 at off in mem.
func Int64At(mem []byte, off int) *int64 {
	checkWord(mem, off, 8)
	return (*int64)(unsafe.Pointer(&mem[off]))
}

// Align rounds n up to a multiple of a, which must be a power of two.
func Align(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

func checkWord(mem []byte, off, size int) {
	if off < 0 || off+size > len(mem) {
		panic(fmt.Sprintf("shm: word at %d out of range %d", off, len(mem)))
	}
	if uintptr(unsafe.Pointer(&mem[off]))%uintptr(size) != 0 {
		panic(fmt.Sprintf("shm: word at %d is not %d-byte aligned", off, size))
	}
}
