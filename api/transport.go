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


// Package api defines the contracts shmq queues satisfy, so callers and
// adapters need not depend on the queue package itself.
package api

import "time"

// Transport moves opaque messages between processes.
type Transport interface {
	Send(data []byte) error
	// Receive waits up to timeout for the next message. A negative
	// timeout waits forever.
	Receive(timeout time.Duration) ([]byte, error)
	Close() error
}
