package interfaces

import (
	"context"
)

// PublishOptions carries per-message transport metadata. Correlation and
// reply addressing ride in the transport's native fields, not the body.
type PublishOptions struct {
	CorrelationID string
	ReplyTo       string
}

// Delivery is one message received from a queue
type Delivery struct {
	Body          []byte
	CorrelationID string
	ReplyTo       string
	RoutingKey    string
}

// Broker message transport interface
// Supports multiple implementations (RabbitMQ, in-process for tests)
type Broker interface {
	// Publish sends a message to an exchange with a routing key.
	// Publishing to the empty exchange addresses a queue directly by
	// routing key (reply path).
	Publish(ctx context.Context, exchange, routingKey string, body []byte, opts PublishOptions) error

	// Consume delivers messages from a queue until ctx is cancelled,
	// then closes the returned channel
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)

	// DeclareTopic declares a topic exchange
	DeclareTopic(name string) error

	// DeclareFanout declares a fanout exchange
	DeclareFanout(name string) error

	// DeclareQueue declares a queue; an empty name requests a
	// server-generated one. Returns the effective queue name.
	DeclareQueue(name string, exclusive bool) (string, error)

	// BindQueue binds a queue to an exchange under a routing key
	BindQueue(queue, exchange, routingKey string) error

	// DeleteQueue removes a queue and its bindings; deleting an absent
	// queue is a no-op
	DeleteQueue(name string) error

	// Close releases all transport resources
	Close() error
}
