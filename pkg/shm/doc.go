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

// Package shm provides the cross-process building blocks of shmq: named,
// reference counted shared memory regions and process-shared Mutex and
// Waiter primitives that live inside such regions.
//
// Example usage:
//
//	r, err := shm.Acquire("my-region", 4096, shm.CreateOrOpen)
//	if err != nil {
//	  return err
//	}
//	mem, err := r.Get()
//	// ...
//	r.Release()
//
// Only Linux is supported; other platforms fail with ErrNotSupported.
package shm
