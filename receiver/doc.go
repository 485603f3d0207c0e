// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package receiver bridges a Kafka consumer into a back-pressured record
// stream with explicit acknowledgement and offset commit semantics.
//
// # Architecture
//
// A [Receiver] owns a single [Consumer] (by default backed by franz-go)
// and drives it from one dedicated event loop goroutine. The loop
// multiplexes five kinds of events:
//
//   - Init: create the consumer, subscribe and join the group
//   - Poll: fetch records and push them onto the stream
//   - Heartbeat: keep the group session alive while the application is slow
//   - Commit: flush acknowledged offsets to the broker
//   - Close: commit pending work and release the consumer
//
// Records are only fetched to satisfy downstream demand: every
// [Stream.Recv] call registers one unit of demand and a poll is
// scheduled when demand transitions from none to some. This keeps
// consumption paced by the application rather than the broker.
//
// # Acknowledgement modes
//
// Each record is emitted together with a [CommittableOffset]. When its
// offset is committed depends on the configured [AckMode]:
//
//   - [AutoAck]: records are acknowledged as they are emitted and the
//     acknowledged offsets are committed periodically and by batch size.
//   - [ManualAck]: the application acknowledges each record after
//     processing; commits happen periodically and by batch size. This
//     yields at-least-once delivery.
//   - [ManualCommit]: the application controls both acknowledgement and
//     commit. [CommittableOffset.Commit] flushes immediately and reports
//     completion through its returned channel.
//   - [AtMostOnce]: each record's offset is committed before the record
//     becomes visible to the application, so a crash never redelivers.
//
// # Example
//
//	r := receiver.NewReceiver(brokers, "my-group",
//	    receiver.ConsumeTopics("orders"),
//	    receiver.WithAckMode(receiver.ManualAck),
//	    receiver.CommitBatchSize(100),
//	)
//
//	stream, err := r.Receive(ctx)
//	if err != nil {
//	    return err
//	}
//
//	for {
//	    rr, err := stream.Recv(ctx)
//	    if err != nil {
//	        return err
//	    }
//
//	    process(rr.Record)
//	    rr.Offset.Acknowledge()
//	}
//
// Cancelling the context passed to [Receiver.Receive], or calling
// [Stream.Cancel], shuts the receiver down gracefully: acknowledged but
// uncommitted offsets are flushed within the configured close timeout
// before the consumer is released.
package receiver
