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
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmq/pkg/fragment"
	"github.com/srediag/shmq/pkg/ring"
	"github.com/srediag/shmq/pkg/shm"
)

type QueueTestSuite struct {
	suite.Suite
	channel string
}

func TestQueueTestSuite(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}

func (s *QueueTestSuite) SetupTest() {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(s.T().Name())
	s.channel = fmt.Sprintf("test-%d-%s", os.Getpid(), name)
}

func (s *QueueTestSuite) config(topo ring.Topology) *Config {
	cfg := DefaultConfig()
	cfg.Topology = topo
	cfg.ArenaSize = 1 << 20
	cfg.PollInterval = 10 * time.Millisecond
	return cfg
}

func (s *QueueTestSuite) connect(role ring.Role, cfg *Config) *Queue {
	q, err := Connect(context.Background(), s.channel, role, cfg)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = q.Disconnect() })
	return q
}

// drained sweeps q's arena and reports whether every fragment was reclaimed.
func drained(q *Queue) bool {
	q.alloc.Sweep()
	return q.alloc.InUse() == 0
}

func message(i, n int) []byte {
	b := bytes.Repeat([]byte{byte(i)}, n)
	copy(b, fmt.Sprintf("msg-%d", i))
	return b
}

func (s *QueueTestSuite) TestUnicastRoundTrip() {
	cfg := s.config(ring.SPSC)
	consumer := s.connect(ring.Consumer, cfg)
	producer := s.connect(ring.Producer, cfg)

	var sent [][]byte
	for i := 0; i < 10; i++ {
		n := 20 + i
		if i == 6 {
			n = 3000
		}
		sent = append(sent, message(i, n))
		s.Require().NoError(producer.Write(sent[i]))
	}
	for i := 0; i < 10; i++ {
		msg, err := consumer.Read(time.Second)
		s.Require().NoError(err)
		s.Equal(sent[i], msg.Data, "message %d", i)
		msg.Release()
	}
	s.Equal(1, consumer.Stats().MappedArenas)
	s.True(drained(producer))

	object := ObjectName(s.channel, cfg.InlineSize)
	arena := fragment.ArenaName(producer.alloc.Owner())
	s.True(shm.Exists(object))
	s.True(shm.Exists(arena))

	s.NoError(consumer.Disconnect())
	s.NoError(producer.Disconnect())
	s.Zero(consumer.alloc.MappedArenas())
	s.False(shm.Exists(arena))
	s.False(shm.Exists(object))
}

func (s *QueueTestSuite) TestMessageOutlivesDisconnect() {
	cfg := s.config(ring.SPSC)
	consumer := s.connect(ring.Consumer, cfg)
	producer := s.connect(ring.Producer, cfg)
	want := message(4, 3000)
	s.Require().NoError(producer.Write(want))

	msg, err := consumer.Read(time.Second)
	s.Require().NoError(err)
	s.NoError(consumer.Disconnect())
	s.Equal(want, msg.Data)
	msg.Release()
	msg.Release()

	arena := fragment.ArenaName(producer.alloc.Owner())
	s.NoError(producer.Disconnect())
	s.False(shm.Exists(arena))
}

func (s *QueueTestSuite) TestSoleProducerReadiness() {
	cfg := s.config(ring.SPSC)
	consumer := s.connect(ring.Consumer, cfg)
	s.ErrorIs(consumer.Ready(), ErrNoProducer)
	first := s.connect(ring.Producer, cfg)
	second := s.connect(ring.Producer, cfg)
	s.NoError(consumer.Ready())

	s.NoError(second.Disconnect())
	s.NoError(consumer.Ready())
	s.NoError(first.Write([]byte("still here")))
	s.NoError(first.Disconnect())
	s.ErrorIs(consumer.Ready(), ErrNoProducer)
}

func (s *QueueTestSuite) TestMultiProducerRoundTrip() {
	cfg := s.config(ring.MPSC)
	consumer := s.connect(ring.Consumer, cfg)
	producers := []*Queue{s.connect(ring.Producer, cfg), s.connect(ring.Producer, cfg)}
	s.NotEqual(producers[0].Stats().Slot, producers[1].Stats().Slot)

	const perProducer = 100
	var wg sync.WaitGroup
	for p, q := range producers {
		wg.Add(1)
		go func(p int, q *Queue) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				s.NoError(q.Write([]byte(fmt.Sprintf("%d:%d", p, i))))
			}
		}(p, q)
	}
	wg.Wait()

	next := map[string]int{}
	for i := 0; i < 2*perProducer; i++ {
		data, err := consumer.Receive(time.Second)
		s.Require().NoError(err)
		var p, n int
		_, err = fmt.Sscanf(string(data), "%d:%d", &p, &n)
		s.Require().NoError(err)
		key := fmt.Sprint(p)
		s.Equal(next[key], n, "producer %d out of order", p)
		next[key] = n + 1
	}
}

func (s *QueueTestSuite) TestWriteWithoutConsumer() {
	for _, topo := range []ring.Topology{ring.SPSC, ring.MPMC} {
		s.Run(topo.String(), func() {
			s.channel += "-" + topo.String()
			producer := s.connect(ring.Producer, s.config(topo))
			s.ErrorIs(producer.Write([]byte("lost")), ErrNoConsumer)
			s.ErrorIs(producer.Write(make([]byte, 500)), ErrNoConsumer)
			s.Zero(producer.Stats().ArenaInUse)
		})
	}
}

func (s *QueueTestSuite) TestBroadcast() {
	cfg := s.config(ring.SPMC)
	consumers := []*Queue{s.connect(ring.Consumer, cfg), s.connect(ring.Consumer, cfg)}
	producer := s.connect(ring.Producer, cfg)
	s.Equal(2, producer.Consumers())

	sent := [][]byte{message(1, 10), message(2, 4000), message(3, 56)}
	for _, p := range sent {
		s.Require().NoError(producer.Write(p))
	}
	for c, q := range consumers {
		for i, want := range sent {
			msg, err := q.Read(time.Second)
			s.Require().NoError(err, "consumer %d message %d", c, i)
			s.Equal(want, msg.Data)
			msg.Release()
		}
		_, err := q.Read(10 * time.Millisecond)
		s.ErrorIs(err, ErrTimeout)
	}
	s.True(drained(producer))
}

func (s *QueueTestSuite) TestLateConsumerSeesOnlyNewMessages() {
	cfg := s.config(ring.MPMC)
	early := s.connect(ring.Consumer, cfg)
	producer := s.connect(ring.Producer, cfg)
	s.Require().NoError(producer.Write([]byte("before")))

	late := s.connect(ring.Consumer, cfg)
	s.Require().NoError(producer.Write([]byte("after")))

	data, err := late.Receive(time.Second)
	s.Require().NoError(err)
	s.Equal("after", string(data))
	for _, want := range []string{"before", "after"} {
		data, err := early.Receive(time.Second)
		s.Require().NoError(err)
		s.Equal(want, string(data))
	}
}

func (s *QueueTestSuite) TestServe() {
	cfg := s.config(ring.SPSC)
	consumer := s.connect(ring.Consumer, cfg)
	producer := s.connect(ring.Producer, cfg)

	got := make(chan string, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- consumer.Serve(ctx, func(m Message) { got <- string(m.Data) })
	}()

	for i := 0; i < 5; i++ {
		s.Require().NoError(producer.Write([]byte(fmt.Sprint(i))))
	}
	s.Require().NoError(producer.Write(message(9, 2048)))
	for i := 0; i < 5; i++ {
		select {
		case m := <-got:
			s.Equal(fmt.Sprint(i), m)
		case <-time.After(2 * time.Second):
			s.FailNow("handler not called")
		}
	}
	select {
	case m := <-got:
		s.Equal(string(message(9, 2048)), m)
	case <-time.After(2 * time.Second):
		s.FailNow("handler not called for fragment")
	}

	cancel()
	select {
	case err := <-done:
		s.ErrorIs(err, context.Canceled)
	case <-time.After(2 * time.Second):
		s.FailNow("Serve did not stop")
	}
	s.Eventually(func() bool { return drained(producer) }, time.Second, 5*time.Millisecond)
}

func (s *QueueTestSuite) TestServeStopsOnDisconnect() {
	cfg := s.config(ring.SPSC)
	consumer := s.connect(ring.Consumer, cfg)
	done := make(chan error, 1)
	go func() { done <- consumer.Serve(context.Background(), func(Message) {}) }()
	time.Sleep(20 * time.Millisecond)
	s.NoError(consumer.Disconnect())
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.FailNow("Serve did not stop")
	}
}

func (s *QueueTestSuite) TestFailFastWhenFull() {
	cfg := s.config(ring.SPSC)
	consumer := s.connect(ring.Consumer, cfg)
	producer := s.connect(ring.Producer, cfg)
	for i := 0; i < ring.MaxInFlight; i++ {
		s.Require().NoError(producer.Write([]byte{byte(i)}))
	}
	s.ErrorIs(producer.Write([]byte("x")), ErrRingFull)
	s.ErrorIs(producer.Write(make([]byte, 1000)), ErrRingFull)
	s.True(drained(producer))

	_, err := consumer.Receive(time.Second)
	s.Require().NoError(err)
	s.NoError(producer.Write([]byte("x")))
}

func (s *QueueTestSuite) TestBlockPolicy() {
	cfg := s.config(ring.SPSC)
	cfg.FullPolicy = Block
	cfg.WriteTimeout = 30 * time.Millisecond
	consumer := s.connect(ring.Consumer, cfg)
	producer := s.connect(ring.Producer, cfg)
	for i := 0; i < ring.MaxInFlight; i++ {
		s.Require().NoError(producer.Write([]byte{byte(i)}))
	}

	start := time.Now()
	err := producer.Write([]byte("late"))
	s.ErrorIs(err, ErrTimeout)
	s.ErrorIs(err, ErrRingFull)
	s.GreaterOrEqual(time.Since(start), cfg.WriteTimeout/2)

	producer.cfg.WriteTimeout = 2 * time.Second
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = consumer.Receive(time.Second)
	}()
	s.NoError(producer.Write([]byte("late")))
}

func (s *QueueTestSuite) TestDisconnectUnblocksRead() {
	consumer := s.connect(ring.Consumer, s.config(ring.SPSC))
	done := make(chan error, 1)
	go func() {
		_, err := consumer.Read(shm.Forever)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.NoError(consumer.Disconnect())
	select {
	case err := <-done:
		s.ErrorIs(err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		s.FailNow("Read still blocked")
	}
	s.NoError(consumer.Disconnect())
	_, err := consumer.Read(0)
	s.ErrorIs(err, ErrDisconnected)
	s.ErrorIs(consumer.Check(), ErrDisconnected)
}

func (s *QueueTestSuite) TestReadTimeout() {
	consumer := s.connect(ring.Consumer, s.config(ring.SPSC))
	start := time.Now()
	_, err := consumer.Read(20 * time.Millisecond)
	s.ErrorIs(err, ErrTimeout)
	s.GreaterOrEqual(time.Since(start), 15*time.Millisecond)
	s.NoError(consumer.Check())
}

func (s *QueueTestSuite) TestConnectionTableFull() {
	cfg := s.config(ring.SPSC)
	s.connect(ring.Consumer, cfg)
	_, err := Connect(context.Background(), s.channel, ring.Consumer, cfg)
	s.ErrorIs(err, ErrConnFull)

	cfg = s.config(ring.MPMC)
	s.channel += "-mpmc"
	for i := 0; i < ring.MaxConsumers; i++ {
		s.connect(ring.Consumer, cfg)
	}
	_, err = Connect(context.Background(), s.channel, ring.Consumer, cfg)
	s.ErrorIs(err, ErrConnFull)
}

func (s *QueueTestSuite) TestWrongRole() {
	cfg := s.config(ring.SPSC)
	consumer := s.connect(ring.Consumer, cfg)
	producer := s.connect(ring.Producer, cfg)
	s.ErrorIs(consumer.Write([]byte("x")), ErrWrongRole)
	_, err := producer.Read(0)
	s.ErrorIs(err, ErrWrongRole)
	s.ErrorIs(producer.Serve(context.Background(), func(Message) {}), ErrWrongRole)
	_, err = Connect(context.Background(), s.channel, ring.Role(9), cfg)
	s.ErrorIs(err, ErrWrongRole)
}

func (s *QueueTestSuite) TestConnectRejects() {
	_, err := Connect(context.Background(), "a/b", ring.Consumer, nil)
	s.ErrorIs(err, ErrInit)
	cfg := DefaultConfig()
	cfg.InlineSize = 1
	_, err = Connect(context.Background(), s.channel, ring.Consumer, cfg)
	s.ErrorIs(err, ErrInit)
}

func (s *QueueTestSuite) TestInlineSizeSeparatesChannels() {
	small := s.config(ring.SPSC)
	large := s.config(ring.SPSC)
	large.InlineSize = 256
	s.NotEqual(ObjectName(s.channel, small.InlineSize), ObjectName(s.channel, large.InlineSize))

	s.connect(ring.Consumer, small)
	producer := s.connect(ring.Producer, large)
	s.ErrorIs(producer.Write([]byte("x")), ErrNoConsumer)
}

func (s *QueueTestSuite) TestTopologyMismatch() {
	s.connect(ring.Consumer, s.config(ring.SPSC))
	_, err := Connect(context.Background(), s.channel, ring.Producer, s.config(ring.MPMC))
	s.ErrorIs(err, ErrInit)
	s.ErrorIs(err, ring.ErrLayout)
}

func counterValue(c prometheus.Metric) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return -1
	}
	if m.Gauge != nil {
		return m.Gauge.GetValue()
	}
	return m.Counter.GetValue()
}

func (s *QueueTestSuite) TestMetrics() {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	s.Require().NoError(err)
	again, err := NewMetrics(reg)
	s.Require().NoError(err)
	s.Same(metrics.written, again.written)

	cfg := s.config(ring.SPSC)
	cfg.Metrics = metrics
	producer := s.connect(ring.Producer, cfg)
	s.ErrorIs(producer.Write([]byte("x")), ErrNoConsumer)
	consumer := s.connect(ring.Consumer, cfg)
	s.Equal(2.0, counterValue(metrics.connected))

	s.Require().NoError(producer.Write([]byte("x")))
	s.Require().NoError(producer.Write(make([]byte, 700)))
	for i := 0; i < 2; i++ {
		_, err := consumer.Receive(time.Second)
		s.Require().NoError(err)
	}
	s.Equal(2.0, counterValue(metrics.written))
	s.Equal(2.0, counterValue(metrics.read))
	s.Equal(700.0, counterValue(metrics.fragmentBytes))
	s.Equal(2.0, counterValue(metrics.slotsReleased))
	s.Equal(1.0, counterValue(metrics.failures.WithLabelValues(reasonNoConsumer)))

	s.NoError(consumer.Disconnect())
	s.Equal(1.0, counterValue(metrics.connected))

	families, err := reg.Gather()
	s.Require().NoError(err)
	s.NotEmpty(families)
}

func (s *QueueTestSuite) TestStats() {
	cfg := s.config(ring.SPMC)
	consumer := s.connect(ring.Consumer, cfg)
	producer := s.connect(ring.Producer, cfg)
	s.Require().NoError(producer.Write([]byte("x")))

	st := producer.Stats()
	s.Equal(ObjectName(s.channel, cfg.InlineSize), st.Object)
	s.Equal(ring.Producer, st.Role)
	s.Equal(int64(2), st.RegionRefs)
	s.Equal(ring.SPMC, st.Ring.Topology)
	s.Equal(1, st.Ring.Consumers)

	_, err := consumer.Receive(time.Second)
	s.Require().NoError(err)
	s.Equal(uint32(1), consumer.Stats().Cursor)
	s.Equal(s.channel, consumer.Channel())
	s.Equal(ring.Consumer, consumer.Role())
}
