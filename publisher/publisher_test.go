package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPublisherPanicsWithoutBrokers(t *testing.T) {
	assert.Panics(t, func() {
		NewPublisher(&Builder{Topic: "telemetry"})
	})
}

func TestNewPublisherPanicsWithoutTopic(t *testing.T) {
	assert.Panics(t, func() {
		NewPublisher(&Builder{Brokers: []string{"localhost:9092"}})
	})
}

func TestKafkaMessageKeyedByTopic(t *testing.T) {
	msg := kafkaMessage("0123/data", []byte(`{"ts":1,"v":5}`))
	assert.Equal(t, []byte("0123/data"), msg.Key)
	assert.Equal(t, []byte(`{"ts":1,"v":5}`), msg.Value)
}
