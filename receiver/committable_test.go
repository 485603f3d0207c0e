// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package receiver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommitBatch_UpdateOffset(t *testing.T) {
	t.Run("will count acknowledged updates since the last flush", func(t *testing.T) {
		t.Run("when offsets for distinct partitions are recorded", func(t *testing.T) {
			b := newCommitBatch()

			size := b.updateOffset(TopicPartition{Topic: "a", Partition: 0}, 10)
			require.Equal(t, 1, size)

			size = b.updateOffset(TopicPartition{Topic: "a", Partition: 1}, 3)
			require.Equal(t, 2, size)

			size = b.updateOffset(TopicPartition{Topic: "b", Partition: 0}, 7)
			require.Equal(t, 3, size)
		})

		t.Run("when the same partition advances through several offsets", func(t *testing.T) {
			b := newCommitBatch()

			tp := TopicPartition{Topic: "a", Partition: 0}
			b.updateOffset(tp, 1)
			b.updateOffset(tp, 2)
			size := b.updateOffset(tp, 3)
			require.Equal(t, 3, size)
			require.Equal(t, 3, b.size())
		})

		t.Run("never for an update with an unchanged offset", func(t *testing.T) {
			b := newCommitBatch()

			tp := TopicPartition{Topic: "a", Partition: 0}
			b.updateOffset(tp, 1)
			size := b.updateOffset(tp, 1)
			require.Equal(t, 1, size)
		})
	})
}

func TestCommitBatch_SnapshotAndClear(t *testing.T) {
	t.Run("will re-encode offsets as next offset to consume", func(t *testing.T) {
		t.Run("and empty the batch", func(t *testing.T) {
			b := newCommitBatch()

			tpA := TopicPartition{Topic: "a", Partition: 0}
			tpB := TopicPartition{Topic: "b", Partition: 2}
			b.updateOffset(tpA, 10)
			b.updateOffset(tpB, 42)

			n := make(commitNotifier, 1)
			b.addNotifier(n)

			args := b.snapshotAndClear()
			require.Equal(t, map[TopicPartition]OffsetAndMetadata{
				tpA: {Offset: 11},
				tpB: {Offset: 43},
			}, args.offsets)
			require.Len(t, args.notifiers, 1)

			require.Equal(t, 0, b.size())
			next := b.snapshotAndClear()
			require.Empty(t, next.offsets)
			require.Empty(t, next.notifiers)
		})
	})
}

func TestCommitBatch_Restore(t *testing.T) {
	t.Run("will reinsert offsets from a failed commit", func(t *testing.T) {
		t.Run("re-encoded as highest consumed", func(t *testing.T) {
			b := newCommitBatch()

			tp := TopicPartition{Topic: "a", Partition: 0}
			b.updateOffset(tp, 10)

			args := b.snapshotAndClear()
			require.Equal(t, 0, b.size())

			b.restore(args)
			require.Equal(t, 1, b.size())

			again := b.snapshotAndClear()
			require.Equal(t, OffsetAndMetadata{Offset: 11}, again.offsets[tp])
		})

		t.Run("except for partitions acknowledged again in the interim", func(t *testing.T) {
			b := newCommitBatch()

			tp := TopicPartition{Topic: "a", Partition: 0}
			b.updateOffset(tp, 10)

			args := b.snapshotAndClear()

			// a newer ack arrives while the commit is in flight
			b.updateOffset(tp, 15)

			b.restore(args)

			again := b.snapshotAndClear()
			require.Equal(t, OffsetAndMetadata{Offset: 16}, again.offsets[tp])
		})

		t.Run("without restoring notifiers", func(t *testing.T) {
			b := newCommitBatch()

			b.updateOffset(TopicPartition{Topic: "a", Partition: 0}, 1)
			b.addNotifier(make(commitNotifier, 1))

			args := b.snapshotAndClear()
			b.restore(args)

			again := b.snapshotAndClear()
			require.Empty(t, again.notifiers)
		})
	})
}

func TestCommittableOffset_Acknowledge(t *testing.T) {
	t.Run("will contribute to the batch at most once", func(t *testing.T) {
		t.Run("when called repeatedly on the same offset", func(t *testing.T) {
			r := newTestReceiver(&fakeConsumer{}, WithAckMode(ManualAck))

			o := r.committable(testRecords(7, 1)[0])
			o.Acknowledge()
			o.Acknowledge()

			require.Equal(t, 1, r.batch.size())
			args := r.batch.snapshotAndClear()
			require.Equal(t, OffsetAndMetadata{Offset: 8}, args.offsets[o.TopicPartition()])
		})
	})

	t.Run("will schedule a commit", func(t *testing.T) {
		t.Run("when the batch reaches the configured size", func(t *testing.T) {
			r := newTestReceiver(&fakeConsumer{},
				WithAckMode(ManualAck),
				CommitBatchSize(1),
			)
			r.state.Store(stateActive)

			r.committable(testRecords(0, 1)[0]).Acknowledge()
			require.True(t, r.commitPending.Load())
		})

		t.Run("never in manual commit mode", func(t *testing.T) {
			r := newTestReceiver(&fakeConsumer{},
				WithAckMode(ManualCommit),
				CommitBatchSize(1),
			)
			r.state.Store(stateActive)

			r.committable(testRecords(0, 1)[0]).Acknowledge()
			require.False(t, r.commitPending.Load())
			require.Equal(t, 1, r.batch.size())
		})
	})
}

func TestCommittableOffset_Commit(t *testing.T) {
	t.Run("will return an already-completed signal", func(t *testing.T) {
		t.Run("when the offset was acknowledged and the batch is empty", func(t *testing.T) {
			r := newTestReceiver(&fakeConsumer{}, WithAckMode(ManualCommit))

			o := r.committable(testRecords(0, 1)[0])
			o.acked.Store(true)

			select {
			case err := <-o.Commit():
				require.NoError(t, err)
			default:
				t.Fatal("expected an already-completed signal")
			}
		})
	})

	t.Run("will register the offset and schedule a flush", func(t *testing.T) {
		t.Run("when the offset was not yet acknowledged", func(t *testing.T) {
			r := newTestReceiver(&fakeConsumer{}, WithAckMode(ManualCommit))
			r.state.Store(stateActive)

			o := r.committable(testRecords(4, 1)[0])
			o.Commit()

			require.Equal(t, 1, r.batch.size())
			require.True(t, r.commitPending.Load())

			args := r.batch.snapshotAndClear()
			require.Equal(t, OffsetAndMetadata{Offset: 5}, args.offsets[o.TopicPartition()])
			require.Len(t, args.notifiers, 1)
		})
	})
}
