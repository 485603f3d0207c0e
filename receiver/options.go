// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package receiver

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
)

// AckMode controls when consumed offsets are committed back to the broker.
type AckMode int

const (
	// AutoAck acknowledges every record as it is emitted. Acknowledged
	// offsets are committed periodically and whenever the batch size
	// threshold is reached.
	AutoAck AckMode = iota

	// ManualAck leaves acknowledgement to the application. Acknowledged
	// offsets are committed periodically and whenever the batch size
	// threshold is reached.
	ManualAck

	// ManualCommit leaves both acknowledgement and commit to the
	// application. Offsets are only flushed by explicit
	// [CommittableOffset.Commit] calls.
	ManualCommit

	// AtMostOnce commits each record's offset before the record becomes
	// visible to the application.
	AtMostOnce
)

func (m AckMode) String() string {
	switch m {
	case AutoAck:
		return "auto_ack"
	case ManualAck:
		return "manual_ack"
	case ManualCommit:
		return "manual_commit"
	case AtMostOnce:
		return "at_most_once"
	default:
		return "unknown"
	}
}

type subscriptionKind int

const (
	subscribeTopics subscriptionKind = iota
	subscribePattern
	subscribePartitions
)

type subscription struct {
	kind    subscriptionKind
	topics  []string
	pattern string

	// explicit assignment: partition -> start offset, -1 for earliest
	partitions map[TopicPartition]int64
}

// AssignListener is invoked after partitions have been assigned to the
// receiver. It runs as a synchronous extension of the rebalance, so it
// may seek before any record is fetched from the new partitions.
type AssignListener func(partitions []SeekablePartition)

// RevokeListener is invoked after partitions have been revoked from the
// receiver and any pending offsets have been committed. It is also
// invoked for lost partitions, in which case no commit is made first.
type RevokeListener func(partitions []SeekablePartition)

// Options represents the immutable configuration of a [Receiver].
type Options struct {
	brokers    []string
	groupID    string
	clientID   string
	instanceID string

	sub     subscription
	ackMode AckMode

	pollTimeout       time.Duration
	heartbeatInterval time.Duration
	commitInterval    time.Duration
	commitBatchSize   int
	closeTimeout      time.Duration
	maxCommitAttempts int

	assignListeners []AssignListener
	revokeListeners []RevokeListener

	clientOpts []kgo.Opt
	factory    ConsumerFactory
}

// Option defines a function type for configuring [Receiver] options.
type Option func(*Options)

// ConsumeTopics subscribes the receiver to the given topics.
func ConsumeTopics(topics ...string) Option {
	return func(o *Options) {
		o.sub = subscription{kind: subscribeTopics, topics: topics}
	}
}

// ConsumePattern subscribes the receiver to all topics matching the
// given regular expression.
func ConsumePattern(pattern string) Option {
	return func(o *Options) {
		o.sub = subscription{kind: subscribePattern, pattern: pattern}
	}
}

// ConsumePartitions assigns the given partitions to the receiver
// directly, bypassing group management. Each partition maps to the
// offset consumption should start at; a negative offset starts at the
// beginning of the partition.
func ConsumePartitions(partitions map[TopicPartition]int64) Option {
	return func(o *Options) {
		o.sub = subscription{kind: subscribePartitions, partitions: partitions}
	}
}

// WithAckMode sets the acknowledgement mode. Default is [AutoAck].
func WithAckMode(m AckMode) Option {
	return func(o *Options) {
		o.ackMode = m
	}
}

// PollTimeout bounds each poll against the underlying consumer.
// Default is 100ms.
func PollTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.pollTimeout = d
	}
}

// HeartbeatInterval sets the interval at which the receiver exchanges
// heartbeats with the group when the application is consuming slowly.
// Default is 3s.
func HeartbeatInterval(d time.Duration) Option {
	return func(o *Options) {
		o.heartbeatInterval = d
	}
}

// CommitInterval sets the periodic commit cadence for [AutoAck] and
// [ManualAck] receivers. Zero disables periodic commits. Default is 5s.
func CommitInterval(d time.Duration) Option {
	return func(o *Options) {
		o.commitInterval = d
	}
}

// CommitBatchSize sets the number of acknowledged but uncommitted
// offsets that triggers an immediate commit. Zero, the default, disables
// the threshold.
func CommitBatchSize(n int) Option {
	return func(o *Options) {
		o.commitBatchSize = n
	}
}

// CloseTimeout bounds the graceful shutdown window during which pending
// commits are drained before the consumer is closed.
func CloseTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.closeTimeout = d
	}
}

// MaxCommitAttempts sets the number of consecutive failed commit
// attempts in [AutoAck] and [ManualAck] modes at which the receiver
// fails. Default is 100.
func MaxCommitAttempts(n int) Option {
	return func(o *Options) {
		o.maxCommitAttempts = n
	}
}

// ClientID sets the client id reported to the brokers. Defaults to a
// uuid-suffixed id.
func ClientID(id string) Option {
	return func(o *Options) {
		o.clientID = id
	}
}

// GroupInstanceID sets a stable instance id, making the receiver a
// static group member.
func GroupInstanceID(id string) Option {
	return func(o *Options) {
		o.instanceID = id
	}
}

// OnAssigned registers a listener invoked after partitions are assigned.
// Listeners run in registration order.
func OnAssigned(l AssignListener) Option {
	return func(o *Options) {
		o.assignListeners = append(o.assignListeners, l)
	}
}

// OnRevoked registers a listener invoked after partitions are revoked or
// lost. Listeners run in registration order.
func OnRevoked(l RevokeListener) Option {
	return func(o *Options) {
		o.revokeListeners = append(o.revokeListeners, l)
	}
}

// WithClientOptions appends raw franz-go client options, e.g.
// kgo.DialTLSConfig or kgo.SessionTimeout, passed through to the
// underlying client verbatim.
func WithClientOptions(opts ...kgo.Opt) Option {
	return func(o *Options) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithConsumerFactory replaces how the underlying consumer is created.
func WithConsumerFactory(f ConsumerFactory) Option {
	return func(o *Options) {
		o.factory = f
	}
}

func newOptions(brokers []string, groupID string, opts ...Option) *Options {
	cfg := &Options{
		brokers:           brokers,
		groupID:           groupID,
		clientID:          "rivulet-" + uuid.NewString(),
		ackMode:           AutoAck,
		pollTimeout:       100 * time.Millisecond,
		heartbeatInterval: 3 * time.Second,
		commitInterval:    5 * time.Second,
		closeTimeout:      time.Duration(math.MaxInt64),
		maxCommitAttempts: 100,
		factory:           newFranzConsumer,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// closeDeadline returns the wall-clock deadline for graceful shutdown,
// or the zero time when the close timeout is effectively unbounded.
func (o *Options) closeDeadline(now time.Time) time.Time {
	if o.closeTimeout == time.Duration(math.MaxInt64) {
		return time.Time{}
	}
	return now.Add(o.closeTimeout)
}
