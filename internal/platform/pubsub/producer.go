// Package pubsub contains concrete adapters for interacting with Google
// Cloud Pub/Sub.
package pubsub

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
)

// pubsubTopicClient defines the interface for the underlying pubsub topic.
// This allows us to use a mock for testing.
type pubsubTopicClient interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// Producer publishes opaque payloads to a pre-configured Pub/Sub topic.
type Producer struct {
	topic pubsubTopicClient
}

// NewProducer is the constructor for the Pub/Sub producer.
func NewProducer(topic pubsubTopicClient) (*Producer, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic cannot be nil")
	}
	return &Producer{topic: topic}, nil
}

// Publish sends the payload and waits for the broker's ack.
func (p *Producer) Publish(ctx context.Context, payload []byte) (string, error) {
	result := p.topic.Publish(ctx, &pubsub.Message{Data: payload})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}
	return id, nil
}
