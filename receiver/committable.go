// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package receiver

import (
	"sync"
	"sync/atomic"
)

type commitNotifier chan error

// commitBatch accumulates the highest acknowledged offset per partition
// until the event loop flushes it to the broker in a single commit.
type commitBatch struct {
	mu          sync.Mutex
	offsets     map[TopicPartition]int64
	uncommitted int
	notifiers   []commitNotifier
}

func newCommitBatch() *commitBatch {
	return &commitBatch{
		offsets: make(map[TopicPartition]int64),
	}
}

// updateOffset records off as the highest acknowledged offset for tp and
// returns the number of acknowledged updates since the last flush.
func (b *commitBatch) updateOffset(tp TopicPartition, off int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.offsets[tp]; !ok || cur != off {
		b.offsets[tp] = off
		b.uncommitted++
	}
	return b.uncommitted
}

// addNotifier queues n to be fulfilled when the next flush completes.
func (b *commitBatch) addNotifier(n commitNotifier) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.notifiers = append(b.notifiers, n)
}

func (b *commitBatch) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.uncommitted
}

type commitArgs struct {
	offsets   map[TopicPartition]OffsetAndMetadata
	notifiers []commitNotifier
}

// snapshotAndClear re-encodes each stored offset as the next offset to
// consume and empties the batch atomically.
func (b *commitBatch) snapshotAndClear() commitArgs {
	b.mu.Lock()
	defer b.mu.Unlock()

	args := commitArgs{
		offsets:   make(map[TopicPartition]OffsetAndMetadata, len(b.offsets)),
		notifiers: b.notifiers,
	}
	for tp, off := range b.offsets {
		args.offsets[tp] = OffsetAndMetadata{Offset: off + 1}
	}

	clear(b.offsets)
	b.uncommitted = 0
	b.notifiers = nil

	return args
}

// restore reinserts offsets from a failed commit, skipping partitions
// that have been acknowledged again in the interim so newer offsets are
// never overwritten. Notifiers are not restored; callers re-register on
// retry.
func (b *commitBatch) restore(args commitArgs) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for tp, om := range args.offsets {
		if _, ok := b.offsets[tp]; ok {
			continue
		}
		b.offsets[tp] = om.Offset - 1
		b.uncommitted++
	}
}

func notifyAll(notifiers []commitNotifier, err error) {
	for _, n := range notifiers {
		n <- err
		close(n)
	}
}

var completedNotifier = func() chan error {
	ch := make(chan error)
	close(ch)
	return ch
}()

// CommittableOffset is the per-record handle for acknowledging and
// committing the record's offset back to the broker.
type CommittableOffset struct {
	tp     TopicPartition
	offset int64

	acked atomic.Bool
	recv  *Receiver
}

// TopicPartition returns the partition the record was fetched from.
func (o *CommittableOffset) TopicPartition() TopicPartition {
	return o.tp
}

// Offset returns the record's offset.
func (o *CommittableOffset) Offset() int64 {
	return o.offset
}

// Acknowledge marks the record as processed. It is idempotent: a single
// offset contributes at most once to the batch. In [AutoAck] and
// [ManualAck] modes reaching the configured batch size schedules an
// immediate commit; in [ManualCommit] mode the offset is only recorded.
func (o *CommittableOffset) Acknowledge() {
	if !o.acked.CompareAndSwap(false, true) {
		return
	}

	size := o.recv.batch.updateOffset(o.tp, o.offset)
	if o.recv.opts.commitBatchSize <= 0 || size < o.recv.opts.commitBatchSize {
		return
	}

	switch o.recv.opts.ackMode {
	case AutoAck, ManualAck:
		o.recv.scheduleCommit()
	}
}

// Commit registers the offset and schedules an immediate flush. The
// returned channel yields nil on success or the commit error, then
// closes. If the offset was already acknowledged and the batch is empty
// there is nothing left to flush and an already-completed channel is
// returned.
func (o *CommittableOffset) Commit() <-chan error {
	if o.acked.CompareAndSwap(false, true) {
		o.recv.batch.updateOffset(o.tp, o.offset)
	} else if o.recv.batch.size() == 0 {
		return completedNotifier
	}

	n := make(commitNotifier, 1)
	o.recv.batch.addNotifier(n)
	o.recv.scheduleCommit()
	return n
}
