// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package receiver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// callTracker tracks ordered events for verification
type callTracker struct {
	mu    sync.Mutex
	calls []string
}

func (t *callTracker) record(call string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, call)
}

func (t *callTracker) getCalls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.calls...)
}

func TestRebalanceBridge_OnPartitionsRevoked(t *testing.T) {
	t.Run("will commit pending offsets", func(t *testing.T) {
		t.Run("before the revoke listeners run", func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			tracker := &callTracker{}
			tp := TopicPartition{Topic: "test-topic", Partition: 0}

			src := &recordSource{batches: [][]Record{testRecords(0, 1)}}
			consumer := &fakeConsumer{pollFunc: src.poll}
			consumer.commitFunc = func(offsets map[TopicPartition]OffsetAndMetadata, fn CommitCallback) {
				tracker.record("commit")
				fn(offsets, nil)
			}

			r := newTestReceiver(consumer,
				WithAckMode(ManualAck),
				CommitBatchSize(100),
				OnRevoked(func(parts []SeekablePartition) {
					tracker.record("revoke-listener")
				}),
			)
			stream, err := r.Receive(ctx)
			require.NoError(t, err)
			defer stream.Cancel()

			rr, err := stream.Recv(ctx)
			require.NoError(t, err)
			rr.Offset.Acknowledge()

			consumer.mu.Lock()
			handler := consumer.handler
			consumer.mu.Unlock()
			handler.OnPartitionsRevoked([]TopicPartition{tp})

			require.Equal(t, []string{"commit", "revoke-listener"}, tracker.getCalls())
			require.Equal(t, OffsetAndMetadata{Offset: 1}, consumer.lastCommit()[tp])
		})
	})
}

func TestRebalanceBridge_OnPartitionsLost(t *testing.T) {
	t.Run("will skip the forced commit", func(t *testing.T) {
		t.Run("since the session already expired", func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			tracker := &callTracker{}
			tp := TopicPartition{Topic: "test-topic", Partition: 0}

			src := &recordSource{batches: [][]Record{testRecords(0, 1)}}
			consumer := &fakeConsumer{pollFunc: src.poll}

			r := newTestReceiver(consumer,
				WithAckMode(ManualAck),
				CommitBatchSize(100),
				OnRevoked(func(parts []SeekablePartition) {
					tracker.record("revoke-listener")
				}),
			)
			stream, err := r.Receive(ctx)
			require.NoError(t, err)
			defer stream.Cancel()

			rr, err := stream.Recv(ctx)
			require.NoError(t, err)
			rr.Offset.Acknowledge()

			consumer.mu.Lock()
			handler := consumer.handler
			consumer.mu.Unlock()
			handler.OnPartitionsLost([]TopicPartition{tp})

			require.Equal(t, []string{"revoke-listener"}, tracker.getCalls())
			require.Equal(t, 0, consumer.commitCount())
		})
	})
}

func TestRebalanceBridge_OnPartitionsAssigned(t *testing.T) {
	t.Run("will invoke listeners with seekable partitions", func(t *testing.T) {
		t.Run("in registration order", func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			tracker := &callTracker{}
			tp := TopicPartition{Topic: "test-topic", Partition: 3}

			consumer := &fakeConsumer{}

			var seekErr error
			r := newTestReceiver(consumer,
				OnAssigned(func(parts []SeekablePartition) {
					tracker.record("first")
					seekErr = parts[0].Seek(context.Background(), 42)
				}),
				OnAssigned(func(parts []SeekablePartition) {
					tracker.record("second")
				}),
			)
			stream, err := r.Receive(ctx)
			require.NoError(t, err)
			defer stream.Cancel()

			require.Eventually(t, func() bool {
				consumer.mu.Lock()
				defer consumer.mu.Unlock()
				return consumer.handler != nil
			}, 2*time.Second, time.Millisecond)

			consumer.mu.Lock()
			handler := consumer.handler
			consumer.mu.Unlock()
			handler.OnPartitionsAssigned([]TopicPartition{tp})

			require.Equal(t, []string{"first", "second"}, tracker.getCalls())
			require.NoError(t, seekErr)

			consumer.mu.Lock()
			defer consumer.mu.Unlock()
			require.Equal(t, []seekCall{{tp: tp, offset: 42}}, consumer.seeks)
		})
	})

	t.Run("will fail the stream", func(t *testing.T) {
		t.Run("if a listener panics", func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			consumer := &fakeConsumer{}
			r := newTestReceiver(consumer,
				OnAssigned(func(parts []SeekablePartition) {
					panic("boom")
				}),
			)
			stream, err := r.Receive(ctx)
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				consumer.mu.Lock()
				defer consumer.mu.Unlock()
				return consumer.handler != nil
			}, 2*time.Second, time.Millisecond)

			consumer.mu.Lock()
			handler := consumer.handler
			consumer.mu.Unlock()
			handler.OnPartitionsAssigned([]TopicPartition{{Topic: "test-topic", Partition: 0}})

			select {
			case <-stream.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("stream did not terminate")
			}
			require.ErrorContains(t, stream.Err(), "listener panicked")
		})
	})
}

func TestSeekablePartition(t *testing.T) {
	t.Run("will delegate to the consumer", func(t *testing.T) {
		t.Run("for every seek variant", func(t *testing.T) {
			ctx := context.Background()

			consumer := &fakeConsumer{}
			tp := TopicPartition{Topic: "orders", Partition: 1}
			p := SeekablePartition{consumer: consumer, tp: tp}

			require.Equal(t, "orders", p.Topic())
			require.Equal(t, int32(1), p.Partition())
			require.Equal(t, tp, p.TopicPartition())

			require.NoError(t, p.Seek(ctx, 10))
			require.NoError(t, p.SeekToBeginning(ctx))

			consumer.mu.Lock()
			defer consumer.mu.Unlock()
			require.Equal(t, []seekCall{
				{tp: tp, offset: 10},
				{tp: tp, offset: 0},
			}, consumer.seeks)
		})
	})
}
