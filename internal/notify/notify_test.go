package notify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/lakesync/pkg/config"
	"github.com/ajitpratap0/lakesync/pkg/errors"
	"github.com/ajitpratap0/lakesync/pkg/json"
	"github.com/ajitpratap0/lakesync/pkg/testutil"
)

func TestKafkaNotifierPublishesEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got Event
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.Table != "Ticket" || got.RowsProcessed != 3 || got.State != "WatermarkAdvanced" {
			return fmt.Errorf("unexpected event %+v", got)
		}
		return nil
	})

	n := NewKafkaNotifierWithProducer(producer, "lakesync.sync-results", testutil.TestLogger(t))
	err := n.Notify(context.Background(), Event{
		RunID:         "run-1",
		Table:         "Ticket",
		Index:         "data_lake_ticket",
		State:         "WatermarkAdvanced",
		RowsProcessed: 3,
		Timestamp:     time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, n.Close())
}

func TestKafkaNotifierSendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	n := NewKafkaNotifierWithProducer(producer, "topic", nil)
	err := n.Notify(context.Background(), Event{Table: "Label"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
	assert.True(t, errors.IsRetryable(err))
	require.NoError(t, n.Close())
}

func TestOpenWithoutBrokersIsNop(t *testing.T) {
	n, err := Open(config.NotifyConfig{Topic: "t"}, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, n)
	assert.NoError(t, n.Notify(context.Background(), Event{}))
	assert.NoError(t, n.Close())
}

func TestProducerConfigIsValid(t *testing.T) {
	cfg := ProducerConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.True(t, cfg.Producer.Return.Successes)
}
