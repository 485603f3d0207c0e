// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package receiver

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewOptions(t *testing.T) {
	t.Run("will apply defaults", func(t *testing.T) {
		t.Run("when no options are given", func(t *testing.T) {
			o := newOptions([]string{"localhost:9092"}, "group")

			require.Equal(t, []string{"localhost:9092"}, o.brokers)
			require.Equal(t, "group", o.groupID)
			require.Equal(t, AutoAck, o.ackMode)
			require.Equal(t, 100*time.Millisecond, o.pollTimeout)
			require.Equal(t, 3*time.Second, o.heartbeatInterval)
			require.Equal(t, 5*time.Second, o.commitInterval)
			require.Equal(t, 0, o.commitBatchSize)
			require.Equal(t, time.Duration(math.MaxInt64), o.closeTimeout)
			require.Equal(t, 100, o.maxCommitAttempts)
			require.NotEmpty(t, o.clientID)
			require.NotNil(t, o.factory)
		})
	})

	t.Run("will capture overrides", func(t *testing.T) {
		t.Run("when options are given", func(t *testing.T) {
			o := newOptions(nil, "group",
				ConsumePattern("orders-.*"),
				WithAckMode(ManualCommit),
				PollTimeout(time.Second),
				HeartbeatInterval(time.Minute),
				CommitInterval(0),
				CommitBatchSize(25),
				CloseTimeout(10*time.Second),
				MaxCommitAttempts(5),
				ClientID("my-client"),
				GroupInstanceID("instance-1"),
			)

			require.Equal(t, subscribePattern, o.sub.kind)
			require.Equal(t, "orders-.*", o.sub.pattern)
			require.Equal(t, ManualCommit, o.ackMode)
			require.Equal(t, time.Second, o.pollTimeout)
			require.Equal(t, time.Minute, o.heartbeatInterval)
			require.Equal(t, time.Duration(0), o.commitInterval)
			require.Equal(t, 25, o.commitBatchSize)
			require.Equal(t, 10*time.Second, o.closeTimeout)
			require.Equal(t, 5, o.maxCommitAttempts)
			require.Equal(t, "my-client", o.clientID)
			require.Equal(t, "instance-1", o.instanceID)
		})

		t.Run("when partitions are assigned explicitly", func(t *testing.T) {
			tp := TopicPartition{Topic: "orders", Partition: 2}
			o := newOptions(nil, "group",
				ConsumePartitions(map[TopicPartition]int64{tp: 7}),
			)

			require.Equal(t, subscribePartitions, o.sub.kind)
			require.Equal(t, int64(7), o.sub.partitions[tp])
		})
	})
}

func TestOptions_CloseDeadline(t *testing.T) {
	t.Run("will return the zero time", func(t *testing.T) {
		t.Run("when the close timeout is unbounded", func(t *testing.T) {
			o := newOptions(nil, "group")

			require.True(t, o.closeDeadline(time.Now()).IsZero())
		})
	})

	t.Run("will return now plus the timeout", func(t *testing.T) {
		t.Run("when a close timeout is configured", func(t *testing.T) {
			o := newOptions(nil, "group", CloseTimeout(time.Minute))

			now := time.Now()
			require.Equal(t, now.Add(time.Minute), o.closeDeadline(now))
		})
	})
}

func TestAckMode_String(t *testing.T) {
	t.Run("will name every mode", func(t *testing.T) {
		require.Equal(t, "auto_ack", AutoAck.String())
		require.Equal(t, "manual_ack", ManualAck.String())
		require.Equal(t, "manual_commit", ManualCommit.String())
		require.Equal(t, "at_most_once", AtMostOnce.String())
		require.Equal(t, "unknown", AckMode(42).String())
	})
}
