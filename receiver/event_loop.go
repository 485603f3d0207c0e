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
	"time"
)

type eventKind uint8

const (
	eventInit eventKind = iota
	eventPoll
	eventHeartbeat
	eventCommit
	eventClose
)

func (k eventKind) String() string {
	switch k {
	case eventInit:
		return "init"
	case eventPoll:
		return "poll"
	case eventHeartbeat:
		return "heartbeat"
	case eventCommit:
		return "commit"
	case eventClose:
		return "close"
	default:
		return "unknown"
	}
}

type event struct {
	kind eventKind

	// only set on close events; zero means no deadline
	closeEnd time.Time
}

var nowFunc = time.Now

const maxCloseAttempts = 10

// runLoop dispatches events one at a time. It is the only goroutine
// allowed to touch the consumer.
func (r *Receiver) runLoop(ctx context.Context) error {
	defer close(r.loopDone)

	for {
		select {
		case ev := <-r.events:
			if r.dispatch(ctx, ev) {
				return nil
			}
		case <-r.closeFallback:
			return nil
		}
	}
}

// runTickers feeds heartbeat and periodic commit events into the queue.
func (r *Receiver) runTickers(ctx context.Context) error {
	hb := time.NewTicker(r.opts.heartbeatInterval)
	defer hb.Stop()

	var commitC <-chan time.Time
	if r.opts.commitInterval > 0 && (r.opts.ackMode == AutoAck || r.opts.ackMode == ManualAck) {
		ct := time.NewTicker(r.opts.commitInterval)
		defer ct.Stop()
		commitC = ct.C
	}

	for {
		select {
		case <-r.loopDone:
			return nil
		case <-ctx.Done():
			return nil
		case <-hb.C:
			if r.state.Load() == stateActive {
				r.enqueue(event{kind: eventHeartbeat})
			}
		case <-commitC:
			if r.state.Load() == stateActive {
				r.scheduleCommit()
			}
		}
	}
}

func (r *Receiver) dispatch(ctx context.Context, ev event) (done bool) {
	switch st := r.state.Load(); {
	case st == stateClosed:
		return true
	case st == stateClosing && ev.kind != eventClose:
		return false
	}

	switch ev.kind {
	case eventInit:
		r.handleInit(ctx)
	case eventPoll:
		r.handlePoll(ctx)
	case eventHeartbeat:
		r.handleHeartbeat(ctx)
	case eventCommit:
		r.runCommit(ctx, commitRun{})
	case eventClose:
		r.handleClose(ctx, ev.closeEnd)
		return true
	}
	return false
}

func (r *Receiver) handleInit(ctx context.Context) {
	consumer, err := r.opts.factory(ctx, r.opts, rebalanceBridge{recv: r})
	if err != nil {
		r.fatal(fmt.Errorf("receiver: failed to create consumer: %w", err))
		return
	}
	r.consumer.Store(consumer)

	// a zero-timeout poll forces the group join before the state flips
	records, err := consumer.Poll(ctx, 0)
	if err != nil && !errors.Is(err, ErrConsumerWokenUp) {
		r.fatal(fmt.Errorf("receiver: initial poll failed: %w", err))
		return
	}

	if !r.state.CompareAndSwap(stateCreated, stateActive) {
		return
	}
	r.log.InfoContext(ctx, "receiver started", slog.String("ack_mode", r.opts.ackMode.String()))

	if len(records) > 0 {
		if !r.emit(ctx, records) {
			return
		}
		r.requestsPending.Add(-int64(len(records)))
	}
	if r.requestsPending.Load() > 0 {
		r.schedulePoll()
	}
}

func (r *Receiver) handlePoll(ctx context.Context) {
	r.pollPending.Store(false)
	r.needsHeartbeat.Store(false)

	// run any pending commit first so commit latency is not queued
	// behind the poll
	r.runCommit(ctx, commitRun{})

	consumer := r.loadConsumer()
	records, err := consumer.Poll(ctx, r.opts.pollTimeout)
	if err != nil {
		if errors.Is(err, ErrConsumerWokenUp) {
			// the wakeup belongs to a concurrent close; the Close
			// event takes it from here
			if r.state.Load() != stateActive {
				return
			}
			r.fatal(fmt.Errorf("receiver: unexpected wakeup: %w", err))
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		r.fatal(fmt.Errorf("receiver: poll failed: %w", err))
		return
	}

	if len(records) > 0 {
		if !r.emit(ctx, records) {
			return
		}
	}
	if rem := r.requestsPending.Add(-int64(len(records))); rem > 0 && r.state.Load() == stateActive {
		r.schedulePoll()
	}
}

// emit pushes records downstream, applying the ack mode's side effects
// before each record becomes visible. Returns false when the receiver
// failed mid-batch.
func (r *Receiver) emit(ctx context.Context, records []Record) bool {
	switch r.opts.ackMode {
	case AtMostOnce:
		for _, rec := range records {
			if err := r.commitRecordSync(ctx, rec); err != nil {
				r.fatal(fmt.Errorf("receiver: pre-delivery commit failed: %w", err))
				return false
			}
			r.stream.push([]ReceivedRecord{{Record: rec, Offset: r.committable(rec)}})
		}
	case AutoAck:
		batch := make([]ReceivedRecord, len(records))
		for i, rec := range records {
			rr := ReceivedRecord{Record: rec, Offset: r.committable(rec)}
			rr.Offset.Acknowledge()
			batch[i] = rr
		}
		r.stream.push(batch)
	default:
		batch := make([]ReceivedRecord, len(records))
		for i, rec := range records {
			batch[i] = ReceivedRecord{Record: rec, Offset: r.committable(rec)}
		}
		r.stream.push(batch)
	}

	for _, rec := range records {
		r.metrics.recordReceived(ctx, rec.Topic, rec.Partition)
	}
	return true
}

func (r *Receiver) committable(rec Record) *CommittableOffset {
	return &CommittableOffset{
		tp:     rec.TopicPartition(),
		offset: rec.Offset,
		recv:   r,
	}
}

// handleHeartbeat keeps the group session alive while the application is
// processing slowly. The pause/poll/resume cycle is skipped whenever a
// poll already ran since the previous tick.
func (r *Receiver) handleHeartbeat(ctx context.Context) {
	if !r.needsHeartbeat.Swap(true) {
		return
	}

	consumer := r.loadConsumer()
	assigned := consumer.Assignment()
	if len(assigned) > 0 {
		consumer.Pause(assigned...)
		defer consumer.Resume(assigned...)
	}

	_, err := consumer.Poll(ctx, 0)
	if err != nil && !errors.Is(err, ErrConsumerWokenUp) {
		r.log.WarnContext(ctx, "heartbeat poll failed", slog.Any("error", err))
		return
	}
	r.metrics.recordHeartbeat(ctx)
}

type commitRun struct {
	// force flushes even without a pending request, except in
	// ManualCommit mode
	force bool

	// wait blocks until the commit callback fired
	wait bool
}

// runCommit flushes the batch if a commit was requested, or
// unconditionally when forced. Zero-size snapshots still complete their
// notifiers.
func (r *Receiver) runCommit(ctx context.Context, run commitRun) {
	pending := r.commitPending.CompareAndSwap(true, false)
	if !pending && !(run.force && r.opts.ackMode != ManualCommit) {
		return
	}

	args := r.batch.snapshotAndClear()
	if len(args.offsets) == 0 {
		notifyAll(args.notifiers, nil)
		return
	}

	var done chan error
	if run.wait {
		done = make(chan error, 1)
	}

	spanCtx, span := r.tracer.Start(ctx, "commit")

	r.commitsInFlight.Add(1)
	r.loadConsumer().CommitAsync(args.offsets, func(offsets map[TopicPartition]OffsetAndMetadata, err error) {
		defer r.commitsInFlight.Add(-1)
		defer span.End()

		if err == nil {
			r.commitFailures.Store(0)
			for tp, om := range offsets {
				r.metrics.recordCommitted(spanCtx, tp.Topic, tp.Partition, om.Offset)
			}
			notifyAll(args.notifiers, nil)
		} else {
			r.handleCommitFailure(spanCtx, args, err)
		}

		if done != nil {
			done <- err
		}
	})

	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// handleCommitFailure applies the per-mode failure policy. It runs on
// whichever goroutine fired the commit callback and must not touch the
// consumer.
func (r *Receiver) handleCommitFailure(ctx context.Context, args commitArgs, err error) {
	r.metrics.recordCommitFailure(ctx)
	r.log.ErrorContext(ctx, "commit failed", slog.Any("error", err))

	switch r.opts.ackMode {
	case ManualCommit:
		r.batch.restore(args)
		notifyAll(args.notifiers, err)
	case AtMostOnce:
		notifyAll(args.notifiers, err)
		r.fatal(err)
	default:
		notifyAll(args.notifiers, err)
		if !IsRetriableCommit(err) {
			r.fatal(err)
			return
		}
		r.batch.restore(args)
		if n := r.commitFailures.Add(1); int(n) >= r.opts.maxCommitAttempts {
			r.fatal(fmt.Errorf("receiver: %d consecutive commit failures: %w", n, err))
			return
		}
		r.scheduleCommit()
	}
}

// commitRecordSync commits a single record's offset before the record is
// delivered, as required by [AtMostOnce].
func (r *Receiver) commitRecordSync(ctx context.Context, rec Record) error {
	offsets := map[TopicPartition]OffsetAndMetadata{
		rec.TopicPartition(): {Offset: rec.Offset + 1},
	}

	done := make(chan error, 1)
	r.commitsInFlight.Add(1)
	r.loadConsumer().CommitAsync(offsets, func(_ map[TopicPartition]OffsetAndMetadata, err error) {
		r.commitsInFlight.Add(-1)
		done <- err
	})

	select {
	case err := <-done:
		if err != nil {
			r.metrics.recordCommitFailure(ctx)
			r.log.ErrorContext(
				ctx,
				"failed to commit record offset",
				TopicAttr(rec.Topic),
				PartitionAttr(rec.Partition),
				OffsetAttr(rec.Offset),
				slog.Any("error", err),
			)
			return err
		}
		r.metrics.recordCommitted(ctx, rec.Topic, rec.Partition, rec.Offset+1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleClose commits pending work, drains in-flight commits within the
// close window and releases the consumer. The state always reaches
// closed, even when the consumer refuses to shut down cleanly.
func (r *Receiver) handleClose(ctx context.Context, closeEnd time.Time) {
	defer r.state.Store(stateClosed)

	consumer := r.loadConsumer()
	if consumer == nil {
		return
	}

	// drain the wakeup that unblocked the in-flight poll
	_, err := consumer.Poll(ctx, 0)
	if err != nil && !errors.Is(err, ErrConsumerWokenUp) {
		r.log.WarnContext(ctx, "drain poll failed during close", slog.Any("error", err))
	}

	r.runCommit(ctx, commitRun{force: true})

	for r.commitsInFlight.Load() > 0 {
		if !closeEnd.IsZero() && nowFunc().After(closeEnd) {
			r.log.WarnContext(ctx, "close timeout reached with commits still in flight",
				slog.Int64("commits_in_flight", r.commitsInFlight.Load()),
			)
			break
		}
		// short polls pump commit callbacks for consumers that deliver
		// them poll-driven
		_, err := consumer.Poll(ctx, time.Millisecond)
		if err != nil && !errors.Is(err, ErrConsumerWokenUp) {
			r.log.WarnContext(ctx, "poll failed while draining commits", slog.Any("error", err))
			break
		}
	}

	r.closeConsumer(consumer)
	r.log.InfoContext(ctx, "receiver closed")
}

func (r *Receiver) closeConsumer(c Consumer) {
	for attempt := 1; attempt <= maxCloseAttempts; attempt++ {
		err := c.Close()
		if err == nil {
			return
		}
		r.log.Error("failed to close consumer",
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	}
}
