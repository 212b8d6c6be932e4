package messaging

import (
	"context"
)

// Broker defines the interface for pub/sub message brokers
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// RoutedPublisher publishes to an exchange with a routing key
type RoutedPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close() error
}

type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
