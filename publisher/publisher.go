// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package publisher forwards live telemetry into Kafka.

A Publisher plugs into the stream manager as its handler and republishes
every received message to one Kafka topic. The stream topic becomes the
message key, so the telemetry of one device stays in one partition and
keeps its order.
*/
package publisher

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/iotstream/core/logger"
	"github.com/relabs-tech/iotstream/stream"
)

const writeTimeout = 10 * time.Second

// Publisher forwards telemetry to a Kafka topic.
type Publisher struct {
	writer *kafka.Writer
}

// Builder is a builder helper for the Publisher
type Builder struct {
	// Brokers is the Kafka bootstrap broker list. This is mandatory.
	Brokers []string
	// Topic is the Kafka topic telemetry is forwarded to. This is mandatory.
	Topic string
}

// NewPublisher returns a publisher writing to the configured Kafka topic.
func NewPublisher(b *Builder) *Publisher {
	if len(b.Brokers) == 0 {
		panic("brokers are missing")
	}
	if len(b.Topic) == 0 {
		panic("topic is missing")
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(b.Brokers...),
			Topic:    b.Topic,
			Balancer: &kafka.Hash{},
		},
	}
}

// kafkaMessage maps one telemetry message to the Kafka wire format.
func kafkaMessage(topic string, payload []byte) kafka.Message {
	return kafka.Message{
		Key:   []byte(topic),
		Value: payload,
	}
}

// Forward writes one telemetry message to Kafka.
func (p *Publisher) Forward(ctx context.Context, topic string, payload []byte) error {
	return p.writer.WriteMessages(ctx, kafkaMessage(topic, payload))
}

// Handler returns a stream handler that forwards every message. Write
// failures are logged; telemetry forwarding is best effort and must not
// stall the stream.
func (p *Publisher) Handler() stream.Handler {
	return func(topic string, payload []byte) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := p.Forward(ctx, topic, payload); err != nil {
			logger.Default().WithError(err).Errorf("cannot forward %s to kafka", topic)
		}
	}
}

// Close flushes and closes the Kafka writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
