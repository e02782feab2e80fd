// Package amqp implements the broker contract on RabbitMQ.
package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"capfleet/pkg/interfaces"
	"capfleet/pkg/logger"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Client is a RabbitMQ-backed broker. One connection is shared; the
// publish/topology channel is guarded by a mutex, each consumer gets a
// dedicated channel.
type Client struct {
	url string

	mu    sync.Mutex
	conn  *amqp091.Connection
	pubCh *amqp091.Channel
}

// New dials RabbitMQ with a bounded retry loop (fixed backoff) and
// returns a connected client. Exhausting the retries is a startup
// failure the caller should treat as fatal.
func New(url string, attempts, backoffSeconds int) (*Client, error) {
	if attempts <= 0 {
		attempts = 1
	}
	backoff := time.Duration(backoffSeconds) * time.Second

	c := &Client{url: url}

	var err error
	for i := 1; i <= attempts; i++ {
		if err = c.dial(); err == nil {
			logger.Infof("connected to broker at %s", url)
			return c, nil
		}
		logger.Warnf("broker connection attempt %d/%d failed: %v", i, attempts, err)
		if i < attempts {
			time.Sleep(backoff)
		}
	}

	return nil, fmt.Errorf("failed to connect to broker after %d attempts: %w", attempts, err)
}

func (c *Client) dial() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.pubCh = ch
	return nil
}

// channel returns the shared publish/topology channel, reopening it if
// the previous one was closed by a channel-level error.
func (c *Client) channel() (*amqp091.Channel, error) {
	if c.pubCh != nil && !c.pubCh.IsClosed() {
		return c.pubCh, nil
	}

	if c.conn == nil || c.conn.IsClosed() {
		if err := c.dial(); err != nil {
			return nil, fmt.Errorf("broker connection lost: %w", err)
		}
		return c.pubCh, nil
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	c.pubCh = ch
	return ch, nil
}

// Publish sends one message. A failed publish is retried once on a
// fresh channel before surfacing the error.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, body []byte, opts interfaces.PublishOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := amqp091.Publishing{
		ContentType:   "application/json",
		Body:          body,
		CorrelationId: opts.CorrelationID,
		ReplyTo:       opts.ReplyTo,
	}

	for attempt := 0; attempt < 2; attempt++ {
		ch, err := c.channel()
		if err != nil {
			return err
		}

		err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
		if err == nil {
			return nil
		}

		logger.Warnf("publish to %s/%s failed: %v", exchange, routingKey, err)
		c.pubCh = nil // force channel reopen on retry

		if attempt == 1 {
			return fmt.Errorf("failed to publish to %s/%s: %w", exchange, routingKey, err)
		}
	}
	return nil
}

// Consume opens a dedicated channel on the queue and forwards deliveries
// until ctx is cancelled or the channel dies.
func (c *Client) Consume(ctx context.Context, queue string) (<-chan interfaces.Delivery, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil, fmt.Errorf("broker connection is closed")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume from queue %s: %w", queue, err)
	}

	out := make(chan interfaces.Delivery)
	go func() {
		defer close(out)
		defer ch.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					logger.Warnf("consumer channel for queue %s closed by broker", queue)
					return
				}
				select {
				case out <- interfaces.Delivery{
					Body:          d.Body,
					CorrelationID: d.CorrelationId,
					ReplyTo:       d.ReplyTo,
					RoutingKey:    d.RoutingKey,
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// DeclareTopic declares a durable topic exchange
func (c *Client) DeclareTopic(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare topic exchange %s: %w", name, err)
	}
	return nil
}

// DeclareFanout declares a durable fanout exchange
func (c *Client) DeclareFanout(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(name, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare fanout exchange %s: %w", name, err)
	}
	return nil
}

// DeclareQueue declares a queue. Named queues are durable; exclusive
// queues are auto-deleted with their connection.
func (c *Client) DeclareQueue(name string, exclusive bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel()
	if err != nil {
		return "", err
	}

	durable := name != "" && !exclusive
	q, err := ch.QueueDeclare(name, durable, exclusive, exclusive, false, nil)
	if err != nil {
		return "", fmt.Errorf("failed to declare queue %q: %w", name, err)
	}
	return q.Name, nil
}

// BindQueue binds a queue to an exchange under a routing key
func (c *Client) BindQueue(queue, exchange, routingKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel()
	if err != nil {
		return err
	}
	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s/%s: %w", queue, exchange, routingKey, err)
	}
	return nil
}

// DeleteQueue removes a queue; absent queues are ignored
func (c *Client) DeleteQueue(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channel()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDelete(name, false, false, false); err != nil {
		return fmt.Errorf("failed to delete queue %s: %w", name, err)
	}
	return nil
}

// Close shuts the connection and all channels derived from it
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
