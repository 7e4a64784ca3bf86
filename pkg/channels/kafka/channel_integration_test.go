package kafka_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/leadflow/pkg/channels/kafka"
	"github.com/dukex/leadflow/pkg/eventbus"
	"github.com/dukex/leadflow/pkg/events"
	"github.com/dukex/leadflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkaTc "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func startKafka(t *testing.T) []string {
	t.Helper()

	if testing.Short() {
		t.Skip("kafka container tests are skipped in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	container, err := kafkaTc.Run(ctx, "confluentinc/confluent-local:7.7.0", testcontainers.WithEnv(map[string]string{
		"KAFKA_CREATE_TOPICS": "true",
	}))
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate Kafka container: %v", err)
		}
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	createTopic(t, brokers, events.Topic)

	return brokers
}

func createTopic(t *testing.T, brokers []string, topic string) {
	t.Helper()

	admin, err := sarama.NewClusterAdmin(brokers, sarama.NewConfig())
	require.NoError(t, err)

	defer func() { _ = admin.Close() }()

	err = admin.CreateTopic(topic, &sarama.TopicDetail{NumPartitions: 3, ReplicationFactor: 1}, false)
	require.NoError(t, err)
}

func TestKafkaChannel_StatusChangesReachOtherServices(t *testing.T) {
	brokers := startKafka(t)
	logger := slog.New(slog.DiscardHandler)

	apiPub, apiSub, err := kafka.CreateChannel(watermill.NopLogger{}, brokers, "leadflow-api")
	require.NoError(t, err)

	api := eventbus.NewWatermillEventBus(apiPub, apiSub, logger)

	workerPub, workerSub, err := kafka.CreateChannel(watermill.NopLogger{}, brokers, "leadflow-worker")
	require.NoError(t, err)

	worker := eventbus.NewWatermillEventBus(workerPub, workerSub, logger)

	t.Cleanup(func() {
		_ = api.Close()
		_ = worker.Close()
	})

	received := make(chan *events.LeadStatusChanged, 1)
	require.NoError(t, worker.Handle(events.LeadStatusChangedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.LeadStatusChanged)

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, worker.Subscribe(ctx))

	require.NoError(t, api.Publish(ctx, "lead-1", events.LeadStatusChanged{
		BaseEvent: events.NewBaseEvent(events.LeadStatusChangedEvent, "owner-1", ""),
		LeadID:    "lead-1",
		From:      models.ContactStatusContacted,
		To:        models.ContactStatusInterested,
	}))

	select {
	case got := <-received:
		assert.Equal(t, "lead-1", got.LeadID)
		assert.Equal(t, models.ContactStatusInterested, got.To)
	case <-time.After(60 * time.Second):
		t.Fatal("status change was not consumed from kafka")
	}
}
