package rabbitmq

import (
	"context"

	"github.com/glimte/amqplink/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery on the link goroutine. It may
// publish through s and must settle d itself unless auto-ack is on. A
// panicking handler has d rejected without requeue.
type DeliveryHandler func(s *Session, d amqp.Delivery)

// Consumer consumes the topology's queue over a confirm-mode link, so
// handlers can publish on the same channel they consume from
type Consumer struct {
	link *Link
}

// NewConsumer creates a consumer. An empty queue name asks the broker for a
// server-named queue.
func NewConsumer(params contracts.ConnectionParams, topology contracts.Topology, handler DeliveryHandler, opts ...Option) *Consumer {
	return &Consumer{
		link: newLink(params, topology, handler, buildOptions(opts)),
	}
}

// Start opens the link and begins consuming in the background
func (c *Consumer) Start(onReady func()) {
	c.link.Start(onReady)
}

// Stop cancels consumption and closes the link; calling it again is a no-op
func (c *Consumer) Stop(ctx context.Context) error {
	return c.link.Stop(ctx)
}

// WaitReady blocks until the consumer is subscribed
func (c *Consumer) WaitReady(ctx context.Context) error {
	return c.link.WaitReady(ctx)
}

// Do runs fn on the link goroutine once the consumer is ready
func (c *Consumer) Do(ctx context.Context, fn func(*Session) error) error {
	return c.link.Do(ctx, fn)
}

// Submit runs fn on the link goroutine without waiting for readiness
func (c *Consumer) Submit(ctx context.Context, fn func(*Session) error) error {
	return c.link.Submit(ctx, fn)
}

// State returns the link state
func (c *Consumer) State() State {
	return c.link.State()
}

// Queue returns the consumed queue name
func (c *Consumer) Queue() string {
	return c.link.Queue()
}

// Link exposes the underlying link
func (c *Consumer) Link() *Link {
	return c.link
}
