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
	"fmt"
	"strings"
)

// Topology is the producer/consumer shape of a ring.
type Topology uint8

const (
	// SPSC is one producer, one consumer.
	SPSC Topology = iota + 1
	// MPSC is many producers, one consumer.
	MPSC
	// SPMC is one producer broadcasting to many consumers.
	SPMC
	// MPMC is many producers broadcasting to many consumers.
	MPMC
)

var topologyNames = map[Topology]string{
	SPSC: "spsc",
	MPSC: "mpsc",
	SPMC: "spmc",
	MPMC: "mpmc",
}

func (t Topology) String() string {
	if n, ok := topologyNames[t]; ok {
		return n
	}
	return fmt.Sprintf("topology(%d)", uint8(t))
}

func (t Topology) Valid() bool {
	_, ok := topologyNames[t]
	return ok
}

// Broadcast reports whether every consumer receives every message.
func (t Topology) Broadcast() bool { return t == SPMC || t == MPMC }

// Unicast reports whether each message goes to a single consumer.
func (t Topology) Unicast() bool { return t == SPSC || t == MPSC }

// MultiProducer reports whether producers compete for slots.
func (t Topology) MultiProducer() bool { return t == MPSC || t == MPMC }

func (t Topology) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid topology %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *Topology) UnmarshalText(b []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	for k, v := range topologyNames {
		if v == s {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown topology %q", s)
}

// Role is the side of a connection.
type Role uint8

const (
	Producer Role = iota + 1
	Consumer
)

func (r Role) String() string {
	switch r {
	case Producer:
		return "producer"
	case Consumer:
		return "consumer"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}
