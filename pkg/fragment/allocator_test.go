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
	"bytes"
	"encoding/hex"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmq/pkg/shm"
)

func TestDescriptorLayout(t *testing.T) {
	d := Descriptor{Owner: 0x0102030405060708, Offset: 64, Length: 300}
	b := make([]byte, DescriptorSize)
	d.Encode(b)
	assert.Equal(t,
		"0807060504030201"+"4000000000000000"+"2c01000000000000",
		hex.EncodeToString(b))
	got, err := DecodeDescriptor(b)
	require.NoError(t, err)
	assert.Equal(t, d, got)
	assert.True(t, got.Valid())
	assert.False(t, Descriptor{}.Valid())

	_, err = DecodeDescriptor(b[:10])
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

type AllocatorTestSuite struct {
	suite.Suite
	writer *Allocator
	reader *Allocator
}

func (s *AllocatorTestSuite) newAllocator(arena int, timeout time.Duration) *Allocator {
	cfg := DefaultConfig()
	cfg.ArenaSize = arena
	cfg.ReclaimTimeout = timeout
	a, err := NewAllocator(cfg)
	s.Require().NoError(err)
	return a
}

func (s *AllocatorTestSuite) SetupTest() {
	s.writer = s.newAllocator(1<<20, time.Minute)
	s.reader = s.newAllocator(1<<20, time.Minute)
}

func (s *AllocatorTestSuite) TearDownTest() {
	s.NoError(s.reader.Close())
	s.NoError(s.writer.Close())
}

func payload(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func (s *AllocatorTestSuite) TestRoundTrip() {
	for _, n := range []int{1, 15, 16, 17, 4096, 300 << 10, MaxPayload(1 << 20)} {
		data := payload(n, int64(n))
		d, err := s.writer.Write(data, 1)
		s.Require().NoError(err, "size %d", n)
		s.Equal(uint64(n), d.Length)
		s.Equal(s.writer.Owner(), d.Owner)

		v, err := s.reader.Read(d)
		s.Require().NoError(err)
		s.True(bytes.Equal(data, v.Bytes), "size %d", n)
		v.Release()
		v.Release()
		s.writer.Sweep()
		s.Zero(s.writer.InUse())
	}
	s.Equal(1, s.reader.MappedArenas())
}

func (s *AllocatorTestSuite) TestOwnArenaRead() {
	d, err := s.writer.Write([]byte("local"), 1)
	s.Require().NoError(err)
	v, err := s.writer.Read(d)
	s.Require().NoError(err)
	s.Equal("local", string(v.Bytes))
	v.Release()
	s.Zero(s.writer.MappedArenas())
}

func (s *AllocatorTestSuite) TestReuseOnlyAfterRelease() {
	big := payload(MaxPayload(1<<20)-1024, 1)
	d1, err := s.writer.Write(big, 2)
	s.Require().NoError(err)

	_, err = s.writer.Write(payload(4096, 2), 1)
	s.ErrorIs(err, ErrArenaExhausted)

	v1, err := s.reader.Read(d1)
	s.Require().NoError(err)
	v1.Release()
	_, err = s.writer.Write(payload(4096, 2), 1)
	s.ErrorIs(err, ErrArenaExhausted, "one reader still holds the block")

	v2, err := s.reader.Read(d1)
	s.Require().NoError(err)
	v2.Release()
	d2, err := s.writer.Write(payload(4096, 2), 1)
	s.Require().NoError(err)
	s.Equal(d1.Offset, d2.Offset)

	_, err = s.reader.Read(d1)
	s.ErrorIs(err, ErrStaleFragment)
}

func (s *AllocatorTestSuite) TestTimeoutForcesReclaim() {
	w := s.newAllocator(64<<10, 20*time.Millisecond)
	defer w.Close()
	_, err := w.Write(payload(40<<10, 3), 1)
	s.Require().NoError(err)
	_, err = w.Write(payload(40<<10, 4), 1)
	s.ErrorIs(err, ErrArenaExhausted)
	time.Sleep(30 * time.Millisecond)
	_, err = w.Write(payload(40<<10, 4), 1)
	s.NoError(err)
}

func (s *AllocatorTestSuite) TestWrapAround() {
	w := s.newAllocator(64<<10, time.Minute)
	defer w.Close()
	var held []View
	for i := 0; i < 200; i++ {
		n := 1 + (i*7919)%(12<<10)
		data := payload(n, int64(i))
		d, err := w.Write(data, 1)
		s.Require().NoError(err, "write %d", i)
		v, err := s.reader.Read(d)
		s.Require().NoError(err)
		s.Require().True(bytes.Equal(data, v.Bytes))
		held = append(held, v)
		if len(held) > 2 {
			held[0].Release()
			held = held[1:]
		}
	}
	for _, v := range held {
		v.Release()
	}
	w.Sweep()
	s.Zero(w.InUse())
}

func (s *AllocatorTestSuite) TestConcurrentWriters() {
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				data := payload(1+(g*100+i)%2048, int64(g*1000+i))
				d, err := s.writer.Write(data, 1)
				if !s.NoError(err) {
					return
				}
				v, err := s.reader.Read(d)
				if !s.NoError(err) {
					return
				}
				s.True(bytes.Equal(data, v.Bytes))
				v.Release()
			}
		}(g)
	}
	wg.Wait()
}

func (s *AllocatorTestSuite) TestCloseUnmapsAndRemoves() {
	w := s.newAllocator(64<<10, time.Minute)
	d, err := w.Write([]byte("bye"), 1)
	s.Require().NoError(err)
	r := s.newAllocator(64<<10, time.Minute)
	v, err := r.Read(d)
	s.Require().NoError(err)
	v.Release()
	s.Equal(1, r.MappedArenas())

	s.NoError(w.Close())
	s.True(shm.Exists(ArenaName(w.Owner())), "reader still maps the arena")
	s.NoError(r.Close())
	s.Zero(r.MappedArenas())
	s.False(shm.Exists(ArenaName(w.Owner())))

	_, err = w.Write([]byte("late"), 1)
	s.ErrorIs(err, ErrClosed)
	s.NoError(w.Close())
}

func (s *AllocatorTestSuite) TestViewOutlivesClose() {
	w := s.newAllocator(64<<10, time.Minute)
	r := s.newAllocator(64<<10, time.Minute)
	data := payload(3000, 7)
	d, err := w.Write(data, 2)
	s.Require().NoError(err)
	remote, err := r.Read(d)
	s.Require().NoError(err)
	own, err := w.Read(d)
	s.Require().NoError(err)
	s.Equal(1, r.PinnedViews())

	s.NoError(r.Close())
	s.NoError(w.Close())
	s.Equal(data, remote.Bytes)
	s.Equal(data, own.Bytes)
	s.True(shm.Exists(ArenaName(w.Owner())))

	_, err = r.Read(d)
	s.ErrorIs(err, ErrClosed)

	remote.Release()
	s.True(shm.Exists(ArenaName(w.Owner())), "writer view still pins the arena")
	own.Release()
	own.Release()
	s.False(shm.Exists(ArenaName(w.Owner())))
}

func (s *AllocatorTestSuite) TestSetReaders() {
	d, err := s.writer.Write(payload(500, 3), 1)
	s.Require().NoError(err)
	s.writer.SetReaders(d, 2)

	v1, err := s.reader.Read(d)
	s.Require().NoError(err)
	v1.Release()
	s.writer.Sweep()
	s.NotZero(s.writer.InUse())

	v2, err := s.reader.Read(d)
	s.Require().NoError(err)
	v2.Release()
	s.writer.Sweep()
	s.Zero(s.writer.InUse())
	s.Zero(s.reader.PinnedViews())

	d, err = s.writer.Write(payload(500, 4), 1)
	s.Require().NoError(err)
	s.writer.SetReaders(d, 0)
	_, err = s.reader.Read(d)
	s.ErrorIs(err, ErrStaleFragment)
}

func (s *AllocatorTestSuite) TestInvalidInput() {
	_, err := s.writer.Write(nil, 1)
	s.ErrorIs(err, ErrInvalidDescriptor)
	_, err = s.writer.Write([]byte("x"), 0)
	s.ErrorIs(err, ErrInvalidDescriptor)
	_, err = s.reader.Read(Descriptor{})
	s.ErrorIs(err, ErrInvalidDescriptor)

	d, err := s.writer.Write([]byte("x"), 1)
	s.Require().NoError(err)
	d.Offset = 1 << 30
	_, err = s.reader.Read(d)
	s.ErrorIs(err, ErrInvalidDescriptor)

	_, err = s.reader.Read(Descriptor{Owner: 1, Offset: 64, Length: 1})
	s.ErrorIs(err, shm.ErrNotExist)

	_, err = NewAllocator(Config{ArenaSize: 10, ReclaimTimeout: time.Second})
	s.Error(err)
}

func TestAllocatorTestSuite(t *testing.T) {
	suite.Run(t, new(AllocatorTestSuite))
}
