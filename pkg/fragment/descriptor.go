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

package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DescriptorSize is the encoded size of a Descriptor.
const DescriptorSize = 24

var ErrInvalidDescriptor = errors.New("invalid fragment descriptor")

// Descriptor locates a payload inside its owner's arena. It carries offsets,
// never addresses, and is the only thing that crosses the ring for large
// messages.
type Descriptor struct {
	Owner  uint64
	Offset uint64
	Length uint64
}

// Valid reports whether d can be resolved; the zero Descriptor cannot.
func (d Descriptor) Valid() bool {
	return d.Length != 0
}

func (d Descriptor) String() string {
	return fmt.Sprintf("fragment{owner:%016x off:%d len:%d}", d.Owner, d.Offset, d.Length)
}

// Encode writes d little-endian into b, which must hold DescriptorSize bytes.
func (d Descriptor) Encode(b []byte) {
	_ = b[DescriptorSize-1]
	binary.LittleEndian.PutUint64(b[0:], d.Owner)
	binary.LittleEndian.PutUint64(b[8:], d.Offset)
	binary.LittleEndian.PutUint64(b[16:], d.Length)
}

// DecodeDescriptor parses a Descriptor written by Encode.
func DecodeDescriptor(b []byte) (Descriptor, error) {
	if len(b) < DescriptorSize {
		return Descriptor{}, fmt.Errorf("%w: %d bytes", ErrInvalidDescriptor, len(b))
	}
	return Descriptor{
		Owner:  binary.LittleEndian.Uint64(b[0:]),
		Offset: binary.LittleEndian.Uint64(b[8:]),
		Length: binary.LittleEndian.Uint64(b[16:]),
	}, nil
}
