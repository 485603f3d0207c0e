// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package receiver

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/z5labs/rivulet/receiver"

// metricsRecorder holds OTel metric instruments for tracking record and
// commit flow through the receiver.
type metricsRecorder struct {
	recordsReceived  metric.Int64Counter
	offsetsCommitted metric.Int64Counter
	commitFailures   metric.Int64Counter
	heartbeats       metric.Int64Counter
}

func newMetricsRecorder() (*metricsRecorder, error) {
	meter := otel.GetMeterProvider().Meter(meterName)

	recordsReceived, err := meter.Int64Counter(
		"kafka.receiver.records.received",
		metric.WithDescription("Total number of Kafka records emitted to the application"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	offsetsCommitted, err := meter.Int64Counter(
		"kafka.receiver.offsets.committed",
		metric.WithDescription("Total number of partition offsets committed"),
		metric.WithUnit("{offset}"),
	)
	if err != nil {
		return nil, err
	}

	commitFailures, err := meter.Int64Counter(
		"kafka.receiver.commit.failures",
		metric.WithDescription("Total number of failed offset commits"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	heartbeats, err := meter.Int64Counter(
		"kafka.receiver.heartbeats",
		metric.WithDescription("Total number of idle heartbeat polls"),
		metric.WithUnit("{heartbeat}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsRecorder{
		recordsReceived:  recordsReceived,
		offsetsCommitted: offsetsCommitted,
		commitFailures:   commitFailures,
		heartbeats:       heartbeats,
	}, nil
}

func initReceiverMetrics(log *slog.Logger) *metricsRecorder {
	m, err := newMetricsRecorder()
	if err != nil {
		log.Warn("failed to initialize receiver metrics", slog.Any("error", err))
		return &metricsRecorder{}
	}
	return m
}

func (m *metricsRecorder) recordReceived(ctx context.Context, topic string, partition int32) {
	if m.recordsReceived == nil {
		return
	}
	m.recordsReceived.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.Int("messaging.destination.partition.id", int(partition)),
		),
	)
}

func (m *metricsRecorder) recordCommitted(ctx context.Context, topic string, partition int32, offset int64) {
	if m.offsetsCommitted == nil {
		return
	}
	m.offsetsCommitted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.Int("messaging.destination.partition.id", int(partition)),
			attribute.Int64("messaging.kafka.offset", offset),
		),
	)
}

func (m *metricsRecorder) recordCommitFailure(ctx context.Context) {
	if m.commitFailures == nil {
		return
	}
	m.commitFailures.Add(ctx, 1)
}

func (m *metricsRecorder) recordHeartbeat(ctx context.Context) {
	if m.heartbeats == nil {
		return
	}
	m.heartbeats.Add(ctx, 1)
}
