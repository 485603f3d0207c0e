// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/z5labs/rivulet"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kslog"
	"go.opentelemetry.io/otel"
)

// franzConsumer implements [Consumer] on top of a franz-go client. The
// kgo client is itself safe for concurrent use; this wrapper only adds
// the poll/wakeup discipline and position tracking the receiver needs.
type franzConsumer struct {
	log     *slog.Logger
	client  *kgo.Client
	adm     *kadm.Client
	groupID string
	direct  bool

	mu           sync.Mutex
	assigned     map[TopicPartition]struct{}
	positions    map[TopicPartition]int64
	pollCancel   context.CancelFunc
	wokenUp      bool
	directAssign []TopicPartition
	handler      RebalanceHandler
}

// newFranzConsumer is the default [ConsumerFactory].
func newFranzConsumer(ctx context.Context, opts *Options, h RebalanceHandler) (Consumer, error) {
	c := &franzConsumer{
		log:       logger().With(GroupIDAttr(opts.groupID)),
		groupID:   opts.groupID,
		assigned:  make(map[TopicPartition]struct{}),
		positions: make(map[TopicPartition]int64),
		handler:   h,
	}

	clientOpts := []kgo.Opt{
		kgo.WithLogger(kslog.New(rivulet.Logger("github.com/twmb/franz-go/pkg/kgo"))),
		kgo.WithHooks(
			kotel.NewTracer(
				kotel.TracerProvider(otel.GetTracerProvider()),
				kotel.TracerPropagator(otel.GetTextMapPropagator()),
				kotel.LinkSpans(),
				kotel.ConsumerGroup(opts.groupID),
			),
			kotel.NewMeter(
				kotel.MeterProvider(otel.GetMeterProvider()),
				kotel.WithMergedConnectsMeter(),
			),
		),
		kgo.SeedBrokers(opts.brokers...),
		kgo.ClientID(opts.clientID),
		kgo.DisableAutoCommit(),
	}

	switch opts.sub.kind {
	case subscribeTopics:
		clientOpts = append(clientOpts, kgo.ConsumeTopics(opts.sub.topics...))
	case subscribePattern:
		clientOpts = append(clientOpts,
			kgo.ConsumeTopics(opts.sub.pattern),
			kgo.ConsumeRegex(),
		)
	case subscribePartitions:
		assignments := make(map[string]map[int32]kgo.Offset)
		for tp, off := range opts.sub.partitions {
			m := assignments[tp.Topic]
			if m == nil {
				m = make(map[int32]kgo.Offset)
				assignments[tp.Topic] = m
			}
			if off < 0 {
				m[tp.Partition] = kgo.NewOffset().AtStart()
			} else {
				m[tp.Partition] = kgo.NewOffset().At(off)
			}
		}
		clientOpts = append(clientOpts, kgo.ConsumePartitions(assignments))
	}

	if opts.groupID != "" && opts.sub.kind != subscribePartitions {
		clientOpts = append(clientOpts,
			kgo.ConsumerGroup(opts.groupID),
			kgo.Balancers(kgo.CooperativeStickyBalancer()),
			kgo.HeartbeatInterval(opts.heartbeatInterval),
			kgo.OnPartitionsAssigned(c.onAssigned),
			kgo.OnPartitionsRevoked(c.onRevoked),
			kgo.OnPartitionsLost(c.onLost),
		)
		if opts.instanceID != "" {
			clientOpts = append(clientOpts, kgo.InstanceID(opts.instanceID))
		}
	}

	clientOpts = append(clientOpts, opts.clientOpts...)

	client, err := kgo.NewClient(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("receiver: failed to create kafka client: %w", err)
	}
	c.client = client
	c.adm = kadm.NewClient(client)

	if opts.sub.kind == subscribePartitions {
		// there is no group join to fire the assigned callback; deliver
		// a synthetic one on the first poll
		c.direct = true
		c.directAssign = slices.Collect(maps.Keys(opts.sub.partitions))
	}

	return c, nil
}

func flattenPartitions(byTopic map[string][]int32) []TopicPartition {
	var tps []TopicPartition
	for topic, partitions := range byTopic {
		for _, partition := range partitions {
			tps = append(tps, TopicPartition{Topic: topic, Partition: partition})
		}
	}
	return tps
}

func partitionsByTopic(tps []TopicPartition) map[string][]int32 {
	byTopic := make(map[string][]int32)
	for _, tp := range tps {
		byTopic[tp.Topic] = append(byTopic[tp.Topic], tp.Partition)
	}
	return byTopic
}

func (c *franzConsumer) onAssigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	tps := flattenPartitions(assigned)

	c.mu.Lock()
	for _, tp := range tps {
		c.assigned[tp] = struct{}{}
	}
	c.mu.Unlock()

	c.handler.OnPartitionsAssigned(tps)
}

func (c *franzConsumer) onRevoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	tps := flattenPartitions(revoked)

	c.handler.OnPartitionsRevoked(tps)

	c.untrack(tps)
}

func (c *franzConsumer) onLost(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
	tps := flattenPartitions(lost)

	c.handler.OnPartitionsLost(tps)

	c.untrack(tps)
}

func (c *franzConsumer) untrack(tps []TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range tps {
		delete(c.assigned, tp)
		delete(c.positions, tp)
	}
}

// pollContext bounds a poll. A non-positive timeout yields an already
// cancelled context, which makes PollFetches return only what is
// buffered without blocking.
func pollContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		pctx, cancel := context.WithCancel(ctx)
		cancel()
		return pctx, cancel
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *franzConsumer) Poll(ctx context.Context, timeout time.Duration) ([]Record, error) {
	c.mu.Lock()
	if c.wokenUp {
		c.wokenUp = false
		c.mu.Unlock()
		return nil, ErrConsumerWokenUp
	}
	if len(c.directAssign) > 0 {
		tps := c.directAssign
		c.directAssign = nil
		for _, tp := range tps {
			c.assigned[tp] = struct{}{}
		}
		c.mu.Unlock()
		c.handler.OnPartitionsAssigned(tps)
		c.mu.Lock()
	}
	pollCtx, cancel := pollContext(ctx, timeout)
	c.pollCancel = cancel
	c.mu.Unlock()

	fetches := c.client.PollFetches(pollCtx)

	c.mu.Lock()
	c.pollCancel = nil
	woken := c.wokenUp
	c.wokenUp = false
	c.mu.Unlock()
	cancel()

	if woken {
		return nil, ErrConsumerWokenUp
	}
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}

	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		c.log.WarnContext(
			ctx,
			"failed to fetch records",
			TopicAttr(topic),
			PartitionAttr(partition),
			slog.Any("error", err),
		)
		errs = append(errs, fmt.Errorf("topic %q partition %d: %w", topic, partition, err))
	})
	if len(errs) > 0 {
		return nil, fmt.Errorf("receiver: fetch failed: %w", errors.Join(errs...))
	}

	var records []Record
	fetches.EachRecord(func(rec *kgo.Record) {
		records = append(records, fromKgoRecord(rec))
	})

	if len(records) > 0 {
		c.mu.Lock()
		for _, rec := range records {
			c.positions[rec.TopicPartition()] = rec.Offset + 1
		}
		c.mu.Unlock()
	}

	return records, nil
}

func fromKgoRecord(rec *kgo.Record) Record {
	headers := make([]Header, len(rec.Headers))
	for i, hdr := range rec.Headers {
		headers[i] = Header{
			Key:   hdr.Key,
			Value: hdr.Value,
		}
	}

	return Record{
		Key:       rec.Key,
		Value:     rec.Value,
		Headers:   headers,
		Timestamp: rec.Timestamp,
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
	}
}

func (c *franzConsumer) CommitAsync(offsets map[TopicPartition]OffsetAndMetadata, fn CommitCallback) {
	if c.groupID == "" {
		go fn(offsets, &CommitError{Err: errors.New("no consumer group configured")})
		return
	}

	if c.direct {
		// the client has no group session; commit through the admin API
		go func() {
			offs := make(kadm.Offsets)
			for tp, om := range offsets {
				offs.Add(kadm.Offset{
					Topic:       tp.Topic,
					Partition:   tp.Partition,
					At:          om.Offset,
					LeaderEpoch: -1,
					Metadata:    om.Metadata,
				})
			}

			resp, err := c.adm.CommitOffsets(context.Background(), c.groupID, offs)
			if err == nil {
				err = resp.Error()
			}
			fn(offsets, wrapCommitErr(err))
		}()
		return
	}

	uncommitted := make(map[string]map[int32]kgo.EpochOffset)
	for tp, om := range offsets {
		m := uncommitted[tp.Topic]
		if m == nil {
			m = make(map[int32]kgo.EpochOffset)
			uncommitted[tp.Topic] = m
		}
		m[tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: om.Offset}
	}

	c.client.CommitOffsets(context.Background(), uncommitted, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		if err == nil && resp != nil {
			err = commitResponseError(resp)
		}
		fn(offsets, wrapCommitErr(err))
	})
}

func commitResponseError(resp *kmsg.OffsetCommitResponse) error {
	for _, topic := range resp.Topics {
		for _, partition := range topic.Partitions {
			if err := kerr.ErrorForCode(partition.ErrorCode); err != nil {
				return fmt.Errorf("topic %q partition %d: %w", topic.Topic, partition.Partition, err)
			}
		}
	}
	return nil
}

func wrapCommitErr(err error) error {
	if err == nil {
		return nil
	}
	return &CommitError{Err: err, Retriable: isRetriableKafkaErr(err)}
}

func isRetriableKafkaErr(err error) bool {
	var ke *kerr.Error
	if errors.As(err, &ke) {
		return ke.Retriable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (c *franzConsumer) Seek(_ context.Context, tp TopicPartition, offset int64) error {
	c.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		tp.Topic: {tp.Partition: {Epoch: -1, Offset: offset}},
	})

	c.mu.Lock()
	c.positions[tp] = offset
	c.mu.Unlock()

	return nil
}

func (c *franzConsumer) SeekToBeginning(ctx context.Context, tps ...TopicPartition) error {
	return c.seekListed(ctx, tps, c.adm.ListStartOffsets)
}

func (c *franzConsumer) SeekToEnd(ctx context.Context, tps ...TopicPartition) error {
	return c.seekListed(ctx, tps, c.adm.ListEndOffsets)
}

func (c *franzConsumer) seekListed(
	ctx context.Context,
	tps []TopicPartition,
	list func(context.Context, ...string) (kadm.ListedOffsets, error),
) error {
	topics := make(map[string]struct{})
	for _, tp := range tps {
		topics[tp.Topic] = struct{}{}
	}

	listed, err := list(ctx, slices.Collect(maps.Keys(topics))...)
	if err != nil {
		return fmt.Errorf("receiver: failed to list offsets: %w", err)
	}
	if err := listed.Error(); err != nil {
		return fmt.Errorf("receiver: failed to list offsets: %w", err)
	}

	for _, tp := range tps {
		lo, ok := listed.Lookup(tp.Topic, tp.Partition)
		if !ok {
			return fmt.Errorf("receiver: no listed offset for %s[%d]", tp.Topic, tp.Partition)
		}
		if err := c.Seek(ctx, tp, lo.Offset); err != nil {
			return err
		}
	}
	return nil
}

func (c *franzConsumer) Position(ctx context.Context, tp TopicPartition) (int64, error) {
	c.mu.Lock()
	pos, ok := c.positions[tp]
	c.mu.Unlock()
	if ok {
		return pos, nil
	}

	if c.groupID == "" {
		return 0, fmt.Errorf("receiver: no position for %s[%d]", tp.Topic, tp.Partition)
	}

	// nothing fetched yet; fall back to the committed offset
	committed, err := c.adm.FetchOffsetsForTopics(ctx, c.groupID, tp.Topic)
	if err != nil {
		return 0, fmt.Errorf("receiver: failed to fetch committed offsets: %w", err)
	}
	resp, ok := committed.Lookup(tp.Topic, tp.Partition)
	if !ok {
		return 0, fmt.Errorf("receiver: no position for %s[%d]", tp.Topic, tp.Partition)
	}
	return resp.At, nil
}

func (c *franzConsumer) Pause(tps ...TopicPartition) {
	c.client.PauseFetchPartitions(partitionsByTopic(tps))
}

func (c *franzConsumer) Resume(tps ...TopicPartition) {
	c.client.ResumeFetchPartitions(partitionsByTopic(tps))
}

func (c *franzConsumer) Assignment() []TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Collect(maps.Keys(c.assigned))
}

func (c *franzConsumer) Wakeup() {
	c.mu.Lock()
	c.wokenUp = true
	cancel := c.pollCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (c *franzConsumer) Close() error {
	c.client.Close()
	return nil
}
