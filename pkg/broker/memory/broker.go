// Package memory implements the broker contract in-process. It backs
// tests and single-node setups where running RabbitMQ is not worth it.
package memory

import (
	"context"
	"fmt"
	"sync"

	"capfleet/pkg/interfaces"
	"capfleet/pkg/logger"
)

const queueDepth = 1024

type binding struct {
	queue      string
	routingKey string
}

// Broker is an in-process message broker with topic and fanout
// exchanges. Topic routing is exact-match; the system only routes by
// whole model names and worker ids, never by patterns.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]chan interfaces.Delivery
	exchanges map[string]string // name -> kind
	bindings  map[string][]binding
	genSeq    int
	closed    bool
}

// New creates an empty in-process broker
func New() *Broker {
	return &Broker{
		queues:    make(map[string]chan interfaces.Delivery),
		exchanges: make(map[string]string),
		bindings:  make(map[string][]binding),
	}
}

// Publish routes one message. Unroutable messages are dropped, matching
// non-mandatory publishes on a real broker.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, body []byte, opts interfaces.PublishOptions) error {
	_ = ctx

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("broker is closed")
	}

	d := interfaces.Delivery{
		Body:          append([]byte(nil), body...),
		CorrelationID: opts.CorrelationID,
		ReplyTo:       opts.ReplyTo,
		RoutingKey:    routingKey,
	}

	if exchange == "" {
		b.deliverLocked(routingKey, d)
		return nil
	}

	kind, ok := b.exchanges[exchange]
	if !ok {
		return fmt.Errorf("exchange %s not declared", exchange)
	}

	for _, bd := range b.bindings[exchange] {
		if kind == "fanout" || bd.routingKey == routingKey {
			b.deliverLocked(bd.queue, d)
		}
	}
	return nil
}

func (b *Broker) deliverLocked(queue string, d interfaces.Delivery) {
	ch, ok := b.queues[queue]
	if !ok {
		return
	}
	select {
	case ch <- d:
	default:
		logger.Warnf("memory broker: queue %s full, dropping message", queue)
	}
}

// Consume forwards deliveries from a queue until ctx is cancelled or the
// queue is deleted. Multiple consumers on one queue compete for messages.
func (b *Broker) Consume(ctx context.Context, queue string) (<-chan interfaces.Delivery, error) {
	b.mu.Lock()
	ch, ok := b.queues[queue]
	b.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("queue %s not declared", queue)
	}

	out := make(chan interfaces.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// DeclareTopic declares a topic exchange
func (b *Broker) DeclareTopic(name string) error {
	return b.declareExchange(name, "topic")
}

// DeclareFanout declares a fanout exchange
func (b *Broker) DeclareFanout(name string) error {
	return b.declareExchange(name, "fanout")
}

func (b *Broker) declareExchange(name, kind string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return fmt.Errorf("exchange %s already declared as %s", name, existing)
	}
	b.exchanges[name] = kind
	return nil
}

// DeclareQueue declares a queue, generating a name when none is given
func (b *Broker) DeclareQueue(name string, exclusive bool) (string, error) {
	_ = exclusive // all memory queues die with the broker

	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" {
		b.genSeq++
		name = fmt.Sprintf("gen-queue-%d", b.genSeq)
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = make(chan interfaces.Delivery, queueDepth)
	}
	return name, nil
}

// BindQueue binds a queue to an exchange under a routing key
func (b *Broker) BindQueue(queue, exchange, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[queue]; !ok {
		return fmt.Errorf("queue %s not declared", queue)
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("exchange %s not declared", exchange)
	}

	for _, bd := range b.bindings[exchange] {
		if bd.queue == queue && bd.routingKey == routingKey {
			return nil
		}
	}
	b.bindings[exchange] = append(b.bindings[exchange], binding{queue: queue, routingKey: routingKey})
	return nil
}

// DeleteQueue removes a queue and all its bindings
func (b *Broker) DeleteQueue(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.queues[name]
	if !ok {
		return nil
	}
	delete(b.queues, name)
	close(ch)

	for exchange, bds := range b.bindings {
		kept := bds[:0]
		for _, bd := range bds {
			if bd.queue != name {
				kept = append(kept, bd)
			}
		}
		b.bindings[exchange] = kept
	}
	return nil
}

// Pending reports the number of undelivered messages sitting in a queue.
// Test helper, not part of the broker contract.
func (b *Broker) Pending(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.queues[queue]
	if !ok {
		return 0
	}
	return len(ch)
}

// Close tears down every queue
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for name, ch := range b.queues {
		delete(b.queues, name)
		close(ch)
	}
	return nil
}
