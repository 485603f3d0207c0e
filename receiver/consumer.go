// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package receiver

import (
	"context"
	"errors"
	"time"
)

// TopicPartition identifies a single partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// OffsetAndMetadata pairs a committed offset with optional metadata.
// Offset follows the Kafka convention of naming the next offset to be
// consumed, not the last offset that was.
type OffsetAndMetadata struct {
	Offset   int64
	Metadata string
}

// Header represents a Kafka record header.
type Header struct {
	Key   string
	Value []byte
}

// Record represents a single Kafka record returned by the consumer.
type Record struct {
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
	Topic     string
	Partition int32
	Offset    int64
}

// TopicPartition returns the topic partition this record was fetched from.
func (r Record) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

// ErrConsumerWokenUp is returned from [Consumer.Poll] when the poll was
// aborted by [Consumer.Wakeup] instead of completing normally.
var ErrConsumerWokenUp = errors.New("receiver: consumer woken up")

// CommitCallback is invoked once an asynchronous offset commit completes,
// successfully or not. It may fire on any goroutine.
type CommitCallback func(offsets map[TopicPartition]OffsetAndMetadata, err error)

// RebalanceHandler receives group membership changes from the [Consumer].
// The consumer invokes it while a rebalance is in progress, so handlers
// may safely call back into the consumer before the rebalance completes.
type RebalanceHandler interface {
	OnPartitionsAssigned(partitions []TopicPartition)
	OnPartitionsRevoked(partitions []TopicPartition)
	OnPartitionsLost(partitions []TopicPartition)
}

// Consumer is the underlying Kafka client driven by the receiver's event
// loop. Implementations are not required to be safe for concurrent use:
// the event loop serializes every call except Wakeup, which may be called
// from any goroutine, and the callback handed to CommitAsync, which may
// fire on any goroutine.
type Consumer interface {
	// Poll returns buffered or newly fetched records, waiting at most
	// timeout. A timeout of zero returns immediately with whatever is
	// already buffered, still exchanging heartbeats with the group.
	Poll(ctx context.Context, timeout time.Duration) ([]Record, error)

	// CommitAsync commits the given offsets and invokes fn once the
	// commit completes.
	CommitAsync(offsets map[TopicPartition]OffsetAndMetadata, fn CommitCallback)

	Seek(ctx context.Context, tp TopicPartition, offset int64) error
	SeekToBeginning(ctx context.Context, tps ...TopicPartition) error
	SeekToEnd(ctx context.Context, tps ...TopicPartition) error

	// Position returns the offset of the next record that will be
	// fetched for tp.
	Position(ctx context.Context, tp TopicPartition) (int64, error)

	Pause(tps ...TopicPartition)
	Resume(tps ...TopicPartition)

	// Assignment returns the partitions currently assigned to this
	// consumer.
	Assignment() []TopicPartition

	// Wakeup aborts an in-flight Poll, or the next Poll if none is in
	// flight, with [ErrConsumerWokenUp].
	Wakeup()

	Close() error
}

// ConsumerFactory creates the [Consumer] owned by the event loop. The
// returned consumer must already be subscribed per opts and must deliver
// rebalance callbacks to h.
type ConsumerFactory func(ctx context.Context, opts *Options, h RebalanceHandler) (Consumer, error)

// CommitError wraps a failed offset commit and records whether the
// failure may succeed if retried.
type CommitError struct {
	Err       error
	Retriable bool
}

func (e *CommitError) Error() string {
	return "receiver: commit failed: " + e.Err.Error()
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// IsRetriableCommit reports whether err is a retriable commit failure.
func IsRetriableCommit(err error) bool {
	var ce *CommitError
	return errors.As(err, &ce) && ce.Retriable
}
