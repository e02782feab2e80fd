package memory

import (
	"context"
	"testing"
	"time"

	"capfleet/pkg/interfaces"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan interfaces.Delivery) interfaces.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return interfaces.Delivery{}
	}
}

// TestBroker_TopicRoutingIsExact tests that topic exchanges deliver only
// to queues bound under the published routing key.
func TestBroker_TopicRoutingIsExact(t *testing.T) {
	b := New()
	defer b.Close()

	require.NoError(t, b.DeclareTopic("tasks"))
	_, err := b.DeclareQueue("blip", false)
	require.NoError(t, err)
	_, err = b.DeclareQueue("git", false)
	require.NoError(t, err)
	require.NoError(t, b.BindQueue("blip", "tasks", "blip"))
	require.NoError(t, b.BindQueue("git", "tasks", "git"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blipCh, err := b.Consume(ctx, "blip")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "tasks", "blip", []byte("task"), interfaces.PublishOptions{}))

	d := receive(t, blipCh)
	assert.Equal(t, []byte("task"), d.Body)
	assert.Equal(t, "blip", d.RoutingKey)

	// The other queue saw nothing
	assert.Equal(t, 0, b.Pending("git"))
}

// TestBroker_FanoutDeliversToAllBindings tests fanout delivery.
func TestBroker_FanoutDeliversToAllBindings(t *testing.T) {
	b := New()
	defer b.Close()

	require.NoError(t, b.DeclareFanout("status"))

	q1, err := b.DeclareQueue("", true)
	require.NoError(t, err)
	q2, err := b.DeclareQueue("", true)
	require.NoError(t, err)
	assert.NotEqual(t, q1, q2)

	require.NoError(t, b.BindQueue(q1, "status", ""))
	require.NoError(t, b.BindQueue(q2, "status", ""))

	require.NoError(t, b.Publish(context.Background(), "status", "", []byte("event"), interfaces.PublishOptions{}))

	assert.Equal(t, 1, b.Pending(q1))
	assert.Equal(t, 1, b.Pending(q2))
}

// TestBroker_DirectReplyPath tests publishing straight to a queue with
// correlation metadata, the reply-to path.
func TestBroker_DirectReplyPath(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.DeclareQueue("responses", false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Consume(ctx, "responses")
	require.NoError(t, err)

	opts := interfaces.PublishOptions{CorrelationID: "item1_blip", ReplyTo: "responses"}
	require.NoError(t, b.Publish(ctx, "", "responses", []byte("reply"), opts))

	d := receive(t, ch)
	assert.Equal(t, "item1_blip", d.CorrelationID)
	assert.Equal(t, "responses", d.ReplyTo)
	assert.Equal(t, []byte("reply"), d.Body)
}

// TestBroker_PublishToUndeclaredExchange tests that routing through an
// unknown exchange fails while unroutable messages are silently dropped.
func TestBroker_PublishToUndeclaredExchange(t *testing.T) {
	b := New()
	defer b.Close()

	err := b.Publish(context.Background(), "nope", "key", []byte("x"), interfaces.PublishOptions{})
	assert.Error(t, err)

	// Declared exchange, no binding: dropped, not an error
	require.NoError(t, b.DeclareTopic("tasks"))
	err = b.Publish(context.Background(), "tasks", "unbound", []byte("x"), interfaces.PublishOptions{})
	assert.NoError(t, err)
}

// TestBroker_DeleteQueue tests queue teardown and binding cleanup.
func TestBroker_DeleteQueue(t *testing.T) {
	b := New()
	defer b.Close()

	require.NoError(t, b.DeclareTopic("tasks"))
	_, err := b.DeclareQueue("blip", false)
	require.NoError(t, err)
	require.NoError(t, b.BindQueue("blip", "tasks", "blip"))

	require.NoError(t, b.DeleteQueue("blip"))

	// Publishing to the old routing key is a silent drop now
	require.NoError(t, b.Publish(context.Background(), "tasks", "blip", []byte("x"), interfaces.PublishOptions{}))
	assert.Equal(t, 0, b.Pending("blip"))

	// Deleting again is a no-op
	assert.NoError(t, b.DeleteQueue("blip"))
}

// TestBroker_ConsumeStopsOnContextCancel tests consumer shutdown.
func TestBroker_ConsumeStopsOnContextCancel(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.DeclareQueue("q", false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("consumer channel did not close after cancel")
	}
}

// TestBroker_ClosedBrokerRejectsPublish tests post-Close behavior.
func TestBroker_ClosedBrokerRejectsPublish(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), "", "q", []byte("x"), interfaces.PublishOptions{})
	assert.Error(t, err)
}
