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
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/trace"
)

// ErrAlreadySubscribed is returned from [Receiver.Receive] when the
// receiver already has a stream.
var ErrAlreadySubscribed = errors.New("receiver: already subscribed")

const (
	stateCreated int32 = iota
	stateActive
	stateClosing
	stateClosed
)

const eventQueueCapacity = 64

// Receiver bridges a Kafka consumer into a back-pressured record stream
// with explicit acknowledgement and offset commit semantics. All calls
// against the underlying consumer are serialized on a single event loop
// goroutine; the consumer is created lazily when [Receiver.Receive] is
// called.
type Receiver struct {
	log     *slog.Logger
	opts    *Options
	metrics *metricsRecorder
	tracer  trace.Tracer

	batch  *commitBatch
	stream *Stream

	// owned by the event loop; stored atomically so Wakeup can reach it
	// from any goroutine
	consumer atomic.Value

	events        chan event
	loopDone      chan struct{}
	closeFallback chan struct{}

	state           atomic.Int32
	subscribed      atomic.Bool
	requestsPending atomic.Int64
	pollPending     atomic.Bool
	commitPending   atomic.Bool
	needsHeartbeat  atomic.Bool

	commitsInFlight atomic.Int64
	commitFailures  atomic.Int32

	closeOnce  sync.Once
	closeMu    sync.Mutex
	closeCause error
}

// NewReceiver creates a receiver for the given brokers and consumer
// group. The subscription target must be configured with one of
// [ConsumeTopics], [ConsumePattern] or [ConsumePartitions].
func NewReceiver(brokers []string, groupID string, opts ...Option) *Receiver {
	cfg := newOptions(brokers, groupID, opts...)

	log := logger().With(GroupIDAttr(groupID))

	return &Receiver{
		log:           log,
		opts:          cfg,
		metrics:       initReceiverMetrics(log),
		tracer:        tracer(),
		batch:         newCommitBatch(),
		events:        make(chan event, eventQueueCapacity),
		loopDone:      make(chan struct{}),
		closeFallback: make(chan struct{}),
	}
}

// Receive opens the record stream. The underlying consumer is created
// and subscribed on the event loop before the first poll. A receiver
// supports exactly one stream; subsequent calls return
// [ErrAlreadySubscribed].
//
// Cancelling ctx gracefully closes the receiver, committing pending
// acknowledged offsets within the close timeout.
func (r *Receiver) Receive(ctx context.Context) (*Stream, error) {
	if !r.subscribed.CompareAndSwap(false, true) {
		return nil, ErrAlreadySubscribed
	}

	r.stream = newStream(r)
	r.events <- event{kind: eventInit}

	p := pool.New().WithContext(context.WithoutCancel(ctx))
	p.Go(r.runLoop)
	p.Go(r.runTickers)

	go func() {
		select {
		case <-ctx.Done():
			r.initiateClose(nil)
		case <-r.stream.done:
		}
	}()

	go func() {
		err := p.Wait()
		if err != nil {
			r.log.Error("receiver goroutines failed", slog.Any("error", err))
		}
		r.stream.terminate(r.terminalCause())
	}()

	return r.stream, nil
}

// Close gracefully shuts the receiver down and waits for the underlying
// consumer to be released.
func (r *Receiver) Close(ctx context.Context) error {
	r.initiateClose(nil)

	if r.stream == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stream.done:
		return r.stream.Err()
	}
}

func (r *Receiver) loadConsumer() Consumer {
	c, _ := r.consumer.Load().(Consumer)
	return c
}

// addDemand registers n more records of downstream demand. A poll is
// scheduled only on the transition from no demand to positive demand;
// residual demand after a poll reschedules from the loop itself.
func (r *Receiver) addDemand(n int64) {
	total := r.requestsPending.Add(n)
	if total-n <= 0 && total > 0 {
		r.schedulePoll()
	}
}

func (r *Receiver) schedulePoll() {
	if r.state.Load() != stateActive {
		return
	}
	if !r.pollPending.CompareAndSwap(false, true) {
		return
	}
	r.enqueue(event{kind: eventPoll})
}

func (r *Receiver) scheduleCommit() {
	if !r.commitPending.CompareAndSwap(false, true) {
		return
	}
	if st := r.state.Load(); st == stateClosing || st == stateClosed {
		// the close path flushes whatever is pending
		return
	}
	r.enqueue(event{kind: eventCommit})
}

func (r *Receiver) enqueue(ev event) {
	select {
	case r.events <- ev:
	default:
		r.fatal(fmt.Errorf("receiver: event queue full, dropping %s event", ev.kind))
	}
}

func (r *Receiver) fatal(err error) {
	r.log.Error("fatal receiver error", slog.Any("error", err))
	r.initiateClose(err)
}

// initiateClose transitions the receiver to closing, wakes any in-flight
// poll and hands the final commit and consumer release to the Close
// event. It is safe to call from any goroutine and only acts once.
func (r *Receiver) initiateClose(cause error) {
	r.closeOnce.Do(func() {
		r.closeMu.Lock()
		r.closeCause = cause
		r.closeMu.Unlock()

		for {
			st := r.state.Load()
			if st == stateClosing || st == stateClosed {
				break
			}
			if r.state.CompareAndSwap(st, stateClosing) {
				break
			}
		}

		if c := r.loadConsumer(); c != nil {
			c.Wakeup()
		}

		ev := event{
			kind:     eventClose,
			closeEnd: r.opts.closeDeadline(nowFunc()),
		}
		select {
		case r.events <- ev:
		default:
			// the queue is full; the client must still be released
			go r.forceClose()
		}
	})
}

func (r *Receiver) terminalCause() error {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()

	return r.closeCause
}

// forceClose releases the consumer without going through the event loop.
// Only used when the Close event could not be enqueued.
func (r *Receiver) forceClose() {
	r.log.Warn("event queue full, releasing consumer directly")

	if c := r.loadConsumer(); c != nil {
		r.closeConsumer(c)
	}
	r.state.Store(stateClosed)
	close(r.closeFallback)
}
