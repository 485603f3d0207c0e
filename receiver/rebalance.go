// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package receiver

import (
	"context"
	"fmt"
	"log/slog"
)

// SeekablePartition exposes seek and position operations on a partition
// assigned to the receiver. It is only valid inside assign and revoke
// listeners, which run while the consumer is rebalancing.
type SeekablePartition struct {
	consumer Consumer
	tp       TopicPartition
}

// Topic returns the partition's topic.
func (p SeekablePartition) Topic() string {
	return p.tp.Topic
}

// Partition returns the partition id.
func (p SeekablePartition) Partition() int32 {
	return p.tp.Partition
}

// TopicPartition returns the wrapped topic partition.
func (p SeekablePartition) TopicPartition() TopicPartition {
	return p.tp
}

// Seek sets the next offset to fetch for the partition.
func (p SeekablePartition) Seek(ctx context.Context, offset int64) error {
	return p.consumer.Seek(ctx, p.tp, offset)
}

// SeekToBeginning rewinds the partition to its first available offset.
func (p SeekablePartition) SeekToBeginning(ctx context.Context) error {
	return p.consumer.SeekToBeginning(ctx, p.tp)
}

// SeekToEnd fast-forwards the partition past its last available offset.
func (p SeekablePartition) SeekToEnd(ctx context.Context) error {
	return p.consumer.SeekToEnd(ctx, p.tp)
}

// Position returns the offset of the next record that will be fetched.
func (p SeekablePartition) Position(ctx context.Context) (int64, error) {
	return p.consumer.Position(ctx, p.tp)
}

// rebalanceBridge adapts the consumer's group callbacks onto the
// receiver: pending offsets are committed before a revoke completes and
// user listeners observe every membership change as SeekablePartitions.
type rebalanceBridge struct {
	recv *Receiver
}

func (b rebalanceBridge) OnPartitionsAssigned(tps []TopicPartition) {
	r := b.recv
	r.log.Info("partitions assigned", partitionsAttr(tps))

	b.invokeListeners("assign", r.seekable(tps), listenersOf(r.opts.assignListeners))
}

func (b rebalanceBridge) OnPartitionsRevoked(tps []TopicPartition) {
	r := b.recv
	r.log.Info("partitions revoked", partitionsAttr(tps))

	// persist acked offsets before the group hands the partitions to
	// another member
	r.runCommit(context.Background(), commitRun{force: true, wait: true})

	b.invokeListeners("revoke", r.seekable(tps), listenersOf(r.opts.revokeListeners))
}

func (b rebalanceBridge) OnPartitionsLost(tps []TopicPartition) {
	r := b.recv
	r.log.Warn("partitions lost", partitionsAttr(tps))

	// the session already expired; committing would fail and can fence
	// the new owner
	b.invokeListeners("revoke", r.seekable(tps), listenersOf(r.opts.revokeListeners))
}

// invokeListeners runs user callbacks in registration order. A panic in
// a listener is surfaced to the stream as a terminal error.
func (b rebalanceBridge) invokeListeners(kind string, parts []SeekablePartition, listeners []func([]SeekablePartition)) {
	defer func() {
		if v := recover(); v != nil {
			b.recv.fatal(fmt.Errorf("receiver: %s listener panicked: %v", kind, v))
		}
	}()

	for _, l := range listeners {
		l(parts)
	}
}

func listenersOf[L ~func([]SeekablePartition)](ls []L) []func([]SeekablePartition) {
	out := make([]func([]SeekablePartition), len(ls))
	for i, l := range ls {
		out[i] = l
	}
	return out
}

func (r *Receiver) seekable(tps []TopicPartition) []SeekablePartition {
	consumer := r.loadConsumer()

	parts := make([]SeekablePartition, len(tps))
	for i, tp := range tps {
		parts[i] = SeekablePartition{consumer: consumer, tp: tp}
	}
	return parts
}

func partitionsAttr(tps []TopicPartition) slog.Attr {
	vals := make([]string, len(tps))
	for i, tp := range tps {
		vals[i] = fmt.Sprintf("%s[%d]", tp.Topic, tp.Partition)
	}
	return slog.Any("partitions", vals)
}
