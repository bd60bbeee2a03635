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
	"errors"

	"github.com/srediag/shmq/pkg/fragment"
	"github.com/srediag/shmq/pkg/ring"
)

var (
	// ErrInit reports that the shared region or one of its primitives could
	// not be set up; the connect attempt is abandoned.
	ErrInit = errors.New("queue initialization failed")
	// ErrConnFull reports that every slot of the connection table is taken.
	ErrConnFull = errors.New("connection table is full")
	// ErrRingFull reports a full ring under FailFast, or after WriteTimeout
	// under Block.
	ErrRingFull = ring.ErrFull
	// ErrArenaExhausted reports that a large payload found no room.
	ErrArenaExhausted = fragment.ErrArenaExhausted
	// ErrNoConsumer rejects writes while no consumer is connected.
	ErrNoConsumer = errors.New("no consumer connected")
	ErrNoProducer = errors.New("no producer connected")
	ErrTimeout    = errors.New("wait timed out")
	// ErrDisconnected is returned by every operation after Disconnect.
	ErrDisconnected = errors.New("queue disconnected")
	ErrWrongRole    = errors.New("operation not allowed for this role")
	ErrCorrupt      = errors.New("corrupt ring element")
)
