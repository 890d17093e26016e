package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/correlator-io/reconciler/internal/config"
)

func TestKafkaPublisher_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("reconciler-test"))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	const topic = "catalog.changes.test"

	pub, err := New(&Config{
		Brokers:      brokers,
		Topic:        topic,
		ClientID:     "reconciler-test",
		RequiredAcks: -1,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}, config.DiscardLogger())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = pub.Close()
	})

	sent := NewEvent(EntityCreated, sampleEntity(), "run-42")

	// The first write may race topic auto-creation.
	require.Eventually(t, func() bool {
		return pub.Publish(ctx, sent) == nil
	}, 30*time.Second, 500*time.Millisecond)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MaxBytes:  1 << 20,
	})

	t.Cleanup(func() {
		_ = reader.Close()
	})

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := reader.ReadMessage(readCtx)
	require.NoError(t, err)

	var got ChangeEvent
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, EntityCreated, got.Type)
	assert.Equal(t, "run-42", got.RunID)
	assert.Equal(t, sent.QualifiedName, string(msg.Key))
}
